package engine

import "context"

// Handle identifies one interpreter instance inside an Engine.
type Handle uint64

// NullHandle is returned by Create when the model could not be built.
const NullHandle Handle = 0

// DoneFunc is called by an Engine when the invoke started for callerID finishes.
type DoneFunc func(callerID int, ok bool)

// Engine is the native inference engine as seen through its function table.
// Addresses are offsets into the heap the engine was constructed with.
type Engine interface {
	Create(ctx context.Context, modelAddr, modelSize, flags int) Handle
	Destroy(h Handle)

	NumInputs(h Handle) int
	InputBuffer(h Handle, index int) int
	NumInputDims(h Handle, index int) int
	InputDim(h Handle, index, dim int) int

	NumOutputs(h Handle) int
	OutputBuffer(h Handle, index int) int
	NumOutputDims(h Handle, index int) int
	OutputDim(h Handle, index, dim int) int

	// InvokeAsync queues one inference pass. Completion is reported through
	// the engine's DoneFunc with the same callerID.
	InvokeAsync(h Handle, callerID int)
}
