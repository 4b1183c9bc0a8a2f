package errs

import (
	"context"
	stderrors "errors"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrInvalidArgument is returned when a buffer does not match the tensor it is written to.
	ErrInvalidArgument = stderrors.New("invalid argument")
	// ErrOutOfRange is returned for a tensor index beyond the cached tensor count.
	ErrOutOfRange = stderrors.New("tensor index out of range")
	// ErrInferenceFailed is returned when the engine reports a failed invoke.
	ErrInferenceFailed = stderrors.New("inference failed")
	// ErrLoadFailed is returned by callers that need an error for a model the engine rejected.
	ErrLoadFailed = stderrors.New("model load failed")
	// ErrNotReady is returned when a session is used before Load or after Destroy.
	ErrNotReady = stderrors.New("session not ready")
	// ErrInvokeInFlight is returned when an invoke is already outstanding.
	ErrInvokeInFlight = stderrors.New("invoke already in flight")
	// ErrOutOfMemory is returned when the heap cannot satisfy an allocation.
	ErrOutOfMemory = stderrors.New("heap exhausted")
)

type contextKey string

const requestIDKey = contextKey("request_id")

// WithRequestID stores a request id for LogWithError.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// LogWithError logs the error with context and returns it wrapped with msg.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if reqID := RequestID(ctx); reqID != "" {
			fields = append(fields, zap.String("request_id", reqID))
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return errors.Wrap(err, msg)
}
