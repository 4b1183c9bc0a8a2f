package model

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/tensorbridge/internal/dispatch"
	"github.com/Brownie44l1/tensorbridge/internal/engine"
	"github.com/Brownie44l1/tensorbridge/internal/errs"
	"github.com/Brownie44l1/tensorbridge/internal/memory"
	"github.com/Brownie44l1/tensorbridge/internal/metrics"
	"github.com/Brownie44l1/tensorbridge/internal/tensorio"
)

type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Destroyed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// TensorDescriptor is the shape and heap address of one tensor, captured at load.
type TensorDescriptor struct {
	Shape   []int
	Address int
}

// Size returns the number of elements in the tensor.
func (d TensorDescriptor) Size() int {
	n := 1
	for _, dim := range d.Shape {
		n *= dim
	}
	return n
}

// Session owns one engine interpreter. Only one invoke may be outstanding at a
// time; callers write inputs before Invoke and read outputs after it returns.
type Session struct {
	engine    engine.Engine
	heap      *memory.Heap
	registry  *dispatch.Registry
	log       *zap.Logger
	metrics   *metrics.Metrics
	id        int
	verbosity int

	mu        sync.Mutex
	state     State
	handle    engine.Handle
	modelAddr int
	inputs    []TensorDescriptor
	outputs   []TensorDescriptor
	inFlight  bool
}

var _ tensorio.Tensors = (*Session)(nil)

type SessionOption func(*Session)

// WithVerbosity sets the flags passed to the engine when creating the interpreter.
func WithVerbosity(v int) SessionOption {
	return func(s *Session) { s.verbosity = v }
}

func NewSession(eng engine.Engine, heap *memory.Heap, registry *dispatch.Registry, log *zap.Logger, m *metrics.Metrics, opts ...SessionOption) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	id := registry.NextID()
	s := &Session{
		engine:   eng,
		heap:     heap,
		registry: registry,
		log:      log.With(zap.Int("session", id)),
		metrics:  m,
		id:       id,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the identifier that correlates engine completions with this session.
func (s *Session) ID() int { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Load copies the model into the heap and creates the interpreter. It returns
// false with a nil error when the engine rejects the model, empty models
// included, leaving the session Unloaded.
func (s *Session) Load(ctx context.Context, model []byte) (bool, error) {
	s.mu.Lock()
	if s.state != Unloaded {
		state := s.state
		s.mu.Unlock()
		return false, errors.Wrapf(errs.ErrNotReady, "load in state %s", state)
	}
	if len(model) == 0 {
		s.mu.Unlock()
		s.log.Warn("Empty model")
		s.metrics.ObserveLoad(false)
		return false, nil
	}
	s.state = Loading
	s.mu.Unlock()

	ok, err := s.load(ctx, model)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.state = Unloaded
		s.metrics.ObserveLoad(false)
		return false, err
	}
	s.state = Ready
	s.metrics.ObserveLoad(true)
	s.log.Info("Model loaded",
		zap.Int("model_bytes", len(model)),
		zap.Int("inputs", len(s.inputs)),
		zap.Int("outputs", len(s.outputs)))
	return true, nil
}

func (s *Session) load(ctx context.Context, model []byte) (bool, error) {
	addr, err := s.heap.Malloc(len(model))
	if err != nil {
		return false, errors.Wrap(err, "allocating model")
	}
	if err := s.heap.Write(addr, model); err != nil {
		s.freeModel(addr)
		return false, errors.Wrap(err, "copying model")
	}

	h := s.engine.Create(ctx, addr, len(model), s.verbosity)
	if h == engine.NullHandle {
		s.freeModel(addr)
		if err := ctx.Err(); err != nil {
			return false, err
		}
		s.log.Warn("Engine rejected model", zap.Int("model_bytes", len(model)))
		return false, nil
	}

	inputs := make([]TensorDescriptor, s.engine.NumInputs(h))
	for i := range inputs {
		shape := make([]int, s.engine.NumInputDims(h, i))
		for d := range shape {
			shape[d] = s.engine.InputDim(h, i, d)
		}
		inputs[i] = TensorDescriptor{Shape: shape, Address: s.engine.InputBuffer(h, i)}
	}
	outputs := make([]TensorDescriptor, s.engine.NumOutputs(h))
	for i := range outputs {
		shape := make([]int, s.engine.NumOutputDims(h, i))
		for d := range shape {
			shape[d] = s.engine.OutputDim(h, i, d)
		}
		outputs[i] = TensorDescriptor{Shape: shape, Address: s.engine.OutputBuffer(h, i)}
	}

	s.mu.Lock()
	s.handle = h
	s.modelAddr = addr
	s.inputs = inputs
	s.outputs = outputs
	s.mu.Unlock()
	return true, nil
}

func (s *Session) freeModel(addr int) {
	if err := s.heap.Free(addr); err != nil {
		s.log.Warn("Cannot free model region", zap.Int("addr", addr), zap.Error(err))
	}
}

// Destroy releases the interpreter and the model region. It fails while an
// invoke is outstanding. Destroying an unloaded session only marks it destroyed.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Destroyed:
		return nil
	case Loading:
		return errors.Wrap(errs.ErrNotReady, "destroy during load")
	case Unloaded:
		s.state = Destroyed
		return nil
	}
	if s.inFlight {
		return errors.Wrap(errs.ErrInvokeInFlight, "destroy")
	}

	s.engine.Destroy(s.handle)
	s.freeModel(s.modelAddr)
	s.handle = engine.NullHandle
	s.modelAddr = 0
	s.inputs, s.outputs = nil, nil
	s.state = Destroyed
	s.log.Info("Session destroyed")
	return nil
}

func (s *Session) NumInputs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func (s *Session) NumOutputs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outputs)
}

func (s *Session) descriptor(list []TensorDescriptor, kind string, index int) (TensorDescriptor, error) {
	if index < 0 || index >= len(list) {
		return TensorDescriptor{}, errors.Wrapf(errs.ErrOutOfRange, "%s %d of %d", kind, index, len(list))
	}
	return list[index], nil
}

// InputShape returns a copy of the shape of input index.
func (s *Session) InputShape(index int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.descriptor(s.inputs, "input", index)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), d.Shape...), nil
}

// OutputShape returns a copy of the shape of output index.
func (s *Session) OutputShape(index int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.descriptor(s.outputs, "output", index)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), d.Shape...), nil
}

func (s *Session) InputBuffer(index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.descriptor(s.inputs, "input", index)
	return d.Address, err
}

func (s *Session) OutputBuffer(index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.descriptor(s.outputs, "output", index)
	return d.Address, err
}

// InvokeAsync starts one inference. The returned channel receives nil or
// errs.ErrInferenceFailed exactly once and is then closed.
func (s *Session) InvokeAsync() (<-chan error, error) {
	s.mu.Lock()
	if s.state != Ready {
		state := s.state
		s.mu.Unlock()
		return nil, errors.Wrapf(errs.ErrNotReady, "invoke in state %s", state)
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, errors.Wrap(errs.ErrInvokeInFlight, "invoke")
	}

	result := make(chan error, 1)
	started := time.Now()
	sink := func(ok bool) {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()

		var err error
		outcome := "ok"
		if !ok {
			err = errs.ErrInferenceFailed
			outcome = "failed"
		}
		s.metrics.ObserveInvoke(outcome, time.Since(started))
		result <- err
		close(result)
	}
	if err := s.registry.Register(s.id, sink); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.inFlight = true
	h := s.handle
	s.mu.Unlock()

	s.engine.InvokeAsync(h, s.id)
	return result, nil
}

// Invoke runs one inference and waits for it. When ctx ends first its error is
// returned; the engine still completes the run in the background and the
// session stays busy until it does.
func (s *Session) Invoke(ctx context.Context) error {
	result, err := s.InvokeAsync()
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		s.log.Warn("Invoke abandoned", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
