package dispatch

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
)

// Sink receives the outcome of one invoke.
type Sink func(ok bool)

// Registry routes engine completion signals back to the caller that started
// the invoke. Each caller id has at most one sink, and a sink fires at most once.
type Registry struct {
	mu     sync.Mutex
	nextID int
	sinks  map[int]Sink
}

func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[int]Sink),
	}
}

// NextID issues a caller id unique within this registry.
func (r *Registry) NextID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Register installs the sink for id.
func (r *Registry) Register(id int, sink Sink) error {
	if sink == nil {
		return errors.Wrap(errs.ErrInvalidArgument, "nil completion sink")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sinks[id]; ok {
		return errors.Wrapf(errs.ErrInvokeInFlight, "caller %d", id)
	}
	r.sinks[id] = sink
	return nil
}

// Complete removes the sink registered for id and calls it with ok.
// It reports whether a sink was registered.
func (r *Registry) Complete(id int, ok bool) bool {
	r.mu.Lock()
	sink, found := r.sinks[id]
	delete(r.sinks, id)
	r.mu.Unlock()

	if !found {
		return false
	}
	sink(ok)
	return true
}

// Pending returns the number of registered sinks.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}
