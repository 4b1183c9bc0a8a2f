package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Brownie44l1/tensorbridge/internal/memory"
)

// Runtime is an in-process Engine. Each interpreter owns heap regions for its
// tensors and a worker goroutine that executes queued invokes in order.
type Runtime struct {
	heap    *memory.Heap
	backend Backend
	done    DoneFunc
	log     *zap.Logger

	mu           sync.RWMutex
	nextHandle   Handle
	interpreters map[Handle]*interpreter
}

var _ Engine = (*Runtime)(nil)

type tensor struct {
	spec TensorSpec
	addr int
}

type interpreter struct {
	program Program
	inputs  []tensor
	outputs []tensor
	queue   *queue
	stopped chan struct{}
}

func NewRuntime(heap *memory.Heap, backend Backend, done DoneFunc, log *zap.Logger) *Runtime {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		heap:         heap,
		backend:      backend,
		done:         done,
		log:          log.With(zap.String("backend", backend.Name())),
		nextHandle:   1,
		interpreters: make(map[Handle]*interpreter),
	}
}

type buildResult struct {
	interp *interpreter
	err    error
}

// Create builds an interpreter from the model bytes at modelAddr. flags is
// passed to the backend as its verbosity. Failures are logged and reported as
// NullHandle.
func (r *Runtime) Create(ctx context.Context, modelAddr, modelSize, flags int) Handle {
	view, err := r.heap.Bytes(modelAddr, modelSize)
	if err != nil {
		r.log.Error("Cannot read model", zap.Int("addr", modelAddr), zap.Int("size", modelSize), zap.Error(err))
		return NullHandle
	}
	// The caller may free the model region as soon as Create returns, even
	// while an abandoned build is still reading it.
	model := append([]byte(nil), view...)

	results := make(chan buildResult, 1)
	go func() {
		interp, err := r.build(model, flags)
		results <- buildResult{interp: interp, err: err}
	}()

	var res buildResult
	select {
	case res = <-results:
	case <-ctx.Done():
		r.log.Warn("Interpreter creation abandoned", zap.Error(ctx.Err()))
		go func() {
			if res := <-results; res.err == nil {
				r.release(res.interp)
			}
		}()
		return NullHandle
	}
	if res.err != nil {
		r.log.Error("Cannot create interpreter", zap.Error(res.err))
		return NullHandle
	}

	r.mu.Lock()
	h := r.nextHandle
	r.nextHandle++
	r.interpreters[h] = res.interp
	r.mu.Unlock()

	go r.work(h, res.interp)

	r.log.Info("Interpreter created",
		zap.Uint64("handle", uint64(h)),
		zap.Int("inputs", len(res.interp.inputs)),
		zap.Int("outputs", len(res.interp.outputs)))
	return h
}

func (r *Runtime) build(model []byte, verbosity int) (*interpreter, error) {
	program, err := r.backend.Build(model, verbosity)
	if err != nil {
		return nil, fmt.Errorf("building program: %w", err)
	}
	interp := &interpreter{
		program: program,
		queue:   newQueue(),
		stopped: make(chan struct{}),
	}
	if interp.inputs, err = r.allocate(program.Inputs()); err != nil {
		r.release(interp)
		return nil, fmt.Errorf("allocating inputs: %w", err)
	}
	if interp.outputs, err = r.allocate(program.Outputs()); err != nil {
		r.release(interp)
		return nil, fmt.Errorf("allocating outputs: %w", err)
	}
	return interp, nil
}

func (r *Runtime) allocate(specs []TensorSpec) ([]tensor, error) {
	tensors := make([]tensor, 0, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			r.free(tensors)
			return nil, err
		}
		addr, err := r.heap.Malloc(spec.Bytes())
		if err != nil {
			r.free(tensors)
			return nil, fmt.Errorf("tensor %q: %w", spec.Name, err)
		}
		tensors = append(tensors, tensor{spec: spec, addr: addr})
	}
	return tensors, nil
}

func (r *Runtime) free(tensors []tensor) {
	for _, t := range tensors {
		if err := r.heap.Free(t.addr); err != nil {
			r.log.Warn("Cannot free tensor", zap.String("tensor", t.spec.Name), zap.Error(err))
		}
	}
}

func (r *Runtime) release(interp *interpreter) {
	if err := interp.program.Close(); err != nil {
		r.log.Warn("Cannot close program", zap.Error(err))
	}
	r.free(interp.inputs)
	r.free(interp.outputs)
	interp.inputs, interp.outputs = nil, nil
}

func (r *Runtime) work(h Handle, interp *interpreter) {
	defer close(interp.stopped)
	for {
		id, ok := interp.queue.Pop()
		if !ok {
			return
		}
		err := r.invoke(interp)
		if err != nil {
			r.log.Error("Cannot invoke interpreter",
				zap.Uint64("handle", uint64(h)), zap.Int("caller", id), zap.Error(err))
		}
		if r.done != nil {
			r.done(id, err == nil)
		}
	}
}

func (r *Runtime) invoke(interp *interpreter) error {
	inputs, err := r.views(interp.inputs)
	if err != nil {
		return err
	}
	outputs, err := r.views(interp.outputs)
	if err != nil {
		return err
	}
	return interp.program.Run(inputs, outputs)
}

func (r *Runtime) views(tensors []tensor) ([][]byte, error) {
	views := make([][]byte, len(tensors))
	for i, t := range tensors {
		b, err := r.heap.Bytes(t.addr, t.spec.Bytes())
		if err != nil {
			return nil, err
		}
		views[i] = b
	}
	return views, nil
}

// Destroy stops the interpreter's worker after it has drained queued invokes,
// then releases the program and its tensors.
func (r *Runtime) Destroy(h Handle) {
	r.mu.Lock()
	interp, ok := r.interpreters[h]
	delete(r.interpreters, h)
	r.mu.Unlock()
	if !ok {
		return
	}

	interp.queue.Close()
	<-interp.stopped
	r.release(interp)
	r.log.Info("Interpreter destroyed", zap.Uint64("handle", uint64(h)))
}

// InvokeAsync queues one run. An unknown handle completes immediately with failure.
func (r *Runtime) InvokeAsync(h Handle, callerID int) {
	interp := r.lookup(h)
	if interp == nil || !interp.queue.Push(callerID) {
		r.log.Error("Invoke on unknown interpreter", zap.Uint64("handle", uint64(h)), zap.Int("caller", callerID))
		if r.done != nil {
			go r.done(callerID, false)
		}
	}
}

func (r *Runtime) lookup(h Handle) *interpreter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.interpreters[h]
}

func tensorAt(tensors []tensor, index int) (tensor, bool) {
	if index < 0 || index >= len(tensors) {
		return tensor{}, false
	}
	return tensors[index], true
}

func (r *Runtime) NumInputs(h Handle) int {
	if interp := r.lookup(h); interp != nil {
		return len(interp.inputs)
	}
	return 0
}

func (r *Runtime) InputBuffer(h Handle, index int) int {
	if interp := r.lookup(h); interp != nil {
		if t, ok := tensorAt(interp.inputs, index); ok {
			return t.addr
		}
	}
	return 0
}

func (r *Runtime) NumInputDims(h Handle, index int) int {
	if interp := r.lookup(h); interp != nil {
		if t, ok := tensorAt(interp.inputs, index); ok {
			return len(t.spec.Shape)
		}
	}
	return 0
}

func (r *Runtime) InputDim(h Handle, index, dim int) int {
	if interp := r.lookup(h); interp != nil {
		if t, ok := tensorAt(interp.inputs, index); ok && dim >= 0 && dim < len(t.spec.Shape) {
			return t.spec.Shape[dim]
		}
	}
	return 0
}

func (r *Runtime) NumOutputs(h Handle) int {
	if interp := r.lookup(h); interp != nil {
		return len(interp.outputs)
	}
	return 0
}

func (r *Runtime) OutputBuffer(h Handle, index int) int {
	if interp := r.lookup(h); interp != nil {
		if t, ok := tensorAt(interp.outputs, index); ok {
			return t.addr
		}
	}
	return 0
}

func (r *Runtime) NumOutputDims(h Handle, index int) int {
	if interp := r.lookup(h); interp != nil {
		if t, ok := tensorAt(interp.outputs, index); ok {
			return len(t.spec.Shape)
		}
	}
	return 0
}

func (r *Runtime) OutputDim(h Handle, index, dim int) int {
	if interp := r.lookup(h); interp != nil {
		if t, ok := tensorAt(interp.outputs, index); ok && dim >= 0 && dim < len(t.spec.Shape) {
			return t.spec.Shape[dim]
		}
	}
	return 0
}
