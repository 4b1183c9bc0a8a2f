package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/tensorbridge/internal/backend/echo"
	"github.com/Brownie44l1/tensorbridge/internal/engine"
	"github.com/Brownie44l1/tensorbridge/internal/errs"
	"github.com/Brownie44l1/tensorbridge/internal/metrics"
	"github.com/Brownie44l1/tensorbridge/internal/tensorio"
)

const classifierModel = `{
	"inputs":  [{"name": "image", "shape": [1, 2, 2, 3], "type": "uint8"}],
	"outputs": [{"name": "scores", "shape": [1, 12], "type": "uint8", "source": 0}]
}`

const detectorModel = `{
	"inputs":  [{"name": "image", "shape": [1, 2, 2, 3], "type": "uint8"}],
	"outputs": [
		{"name": "boxes",   "shape": [1, 3, 4], "type": "float32", "values": [0.1, 0.2, 0.5, 0.6, -0.5, 0, 2, 1, 0, 0, 1, 1]},
		{"name": "classes", "shape": [1, 3],    "type": "float32", "values": [4, 1, 0]},
		{"name": "scores",  "shape": [1, 3],    "type": "float32", "values": [0.9, 0.6, 0.2]},
		{"name": "count",   "shape": [1],       "type": "float32", "values": [3]}
	]
}`

func newTestServer(t *testing.T, model string, meta Metadata) *Server {
	t.Helper()
	s, err := NewServer(context.Background(), Config{
		Model:    []byte(model),
		Metadata: meta,
		HeapSize: 1 << 16,
		TopK:     3,
	}, Deps{
		Backend: echo.New(),
		Logger:  zap.NewNop(),
		Metrics: metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerClassify(t *testing.T) {
	meta := Metadata{Classes: []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6", "c7"}}
	s := newTestServer(t, classifierModel, meta)

	rgba := []byte{
		1, 2, 3, 255, 4, 5, 6, 255,
		7, 255, 9, 255, 10, 11, 51, 255,
	}
	res, err := s.Classify(context.Background(), rgba)
	require.NoError(t, err)

	assert.Equal(t, 7, res.Class)
	assert.Equal(t, "c7", res.Label)
	assert.InDelta(t, 1.0, res.Confidence, 1e-6)
	require.Len(t, res.Predictions, 3)
	assert.Equal(t, 7, res.Predictions[0].Class)
	assert.Equal(t, 11, res.Predictions[1].Class)
	assert.Equal(t, "11", res.Predictions[1].Label)
	assert.Equal(t, 10, res.Predictions[2].Class)
}

func TestServerClassifyRGB(t *testing.T) {
	s := newTestServer(t, classifierModel, Metadata{})

	res, err := s.ClassifyRGB(context.Background(), []byte{0, 0, 0, 0, 9, 0, 0, 0, 0, 9, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Class)

	_, err = s.ClassifyRGB(context.Background(), []byte{1, 2, 3})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))

	// the failed write leaves the server usable
	_, err = s.ClassifyRGB(context.Background(), make([]byte, 12))
	assert.NoError(t, err)
}

func TestServerDetect(t *testing.T) {
	meta := Metadata{Labels: map[int]string{1: "person", 4: "dog"}}
	s := newTestServer(t, detectorModel, meta)
	rgba := make([]byte, 16)

	res, err := s.Detect(context.Background(), rgba, 0.5)
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), res.Threshold)
	require.Len(t, res.Detections, 2)

	assert.Equal(t, "dog", res.Detections[0].Label)
	assert.Equal(t, tensorio.BBox{YMin: 0.1, XMin: 0.2, YMax: 0.5, XMax: 0.6}, res.Detections[0].BBox)
	assert.Equal(t, "person", res.Detections[1].Label)
	assert.Equal(t, tensorio.BBox{YMin: 0, XMin: 0, YMax: 1, XMax: 1}, res.Detections[1].BBox)

	res, err = s.Detect(context.Background(), rgba, 0.95)
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
}

func TestServerDetectNeedsDetectionModel(t *testing.T) {
	s := newTestServer(t, classifierModel, Metadata{})

	_, err := s.Detect(context.Background(), make([]byte, 16), 0.5)
	assert.True(t, errors.Is(err, errs.ErrOutOfRange))
}

func TestServerInfo(t *testing.T) {
	s := newTestServer(t, classifierModel, Metadata{})

	info := s.Info()
	assert.Equal(t, [][]int{{1, 2, 2, 3}}, info.Inputs)
	assert.Equal(t, [][]int{{1, 12}}, info.Outputs)
	assert.Equal(t, 2, info.Width)
	assert.Equal(t, 2, info.Height)

	n, err := s.InputElements()
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Zero(t, s.Pending())
}

func TestServerLoadFailed(t *testing.T) {
	_, err := NewServer(context.Background(), Config{Model: []byte("garbage"), HeapSize: 4096}, Deps{Backend: echo.New()})
	assert.True(t, errors.Is(err, errs.ErrLoadFailed))

	_, err = NewServer(context.Background(), Config{HeapSize: 4096}, Deps{Backend: echo.New()})
	assert.True(t, errors.Is(err, errs.ErrLoadFailed))

	_, err = NewServer(context.Background(), Config{Model: []byte(classifierModel), HeapSize: 4096}, Deps{})
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestServerClose(t *testing.T) {
	s, err := NewServer(context.Background(), Config{Model: []byte(classifierModel), HeapSize: 4096}, Deps{Backend: echo.New()})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	_, err = s.ClassifyRGB(context.Background(), make([]byte, 12))
	assert.True(t, errors.Is(err, errs.ErrNotReady))
}

// heldBackend wraps the echo backend so that every run waits for a token on
// gate before completing.
type heldBackend struct {
	echo.Backend
	started chan struct{}
	gate    chan struct{}
}

func newHeldBackend() *heldBackend {
	return &heldBackend{started: make(chan struct{}, 4), gate: make(chan struct{})}
}

func (b *heldBackend) Build(model []byte, verbosity int) (engine.Program, error) {
	p, err := b.Backend.Build(model, verbosity)
	if err != nil {
		return nil, err
	}
	return heldProgram{Program: p, b: b}, nil
}

type heldProgram struct {
	engine.Program
	b *heldBackend
}

func (p heldProgram) Run(inputs, outputs [][]byte) error {
	p.b.started <- struct{}{}
	<-p.b.gate
	return p.Program.Run(inputs, outputs)
}

func waitStarted(t *testing.T, b *heldBackend) {
	t.Helper()
	select {
	case <-b.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run")
	}
}

func TestServerCanceledRequestHoldsLockUntilCompletion(t *testing.T) {
	backend := newHeldBackend()
	s, err := NewServer(context.Background(), Config{
		Model:    []byte(classifierModel),
		HeapSize: 1 << 16,
		TopK:     1,
	}, Deps{Backend: backend, Logger: zap.NewNop()})
	require.NoError(t, err)

	rgba := []byte{
		1, 2, 3, 255, 4, 5, 6, 255,
		7, 255, 9, 255, 10, 11, 51, 255,
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Classify(ctx, rgba)
		first <- err
	}()
	waitStarted(t, backend)
	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	assert.Equal(t, 1, s.Pending())

	type result struct {
		res *ClassificationResponse
		err error
	}
	second := make(chan result, 1)
	go func() {
		res, err := s.Classify(context.Background(), rgba)
		second <- result{res, err}
	}()
	select {
	case r := <-second:
		t.Fatalf("second request finished while the first was running: %v", r.err)
	case <-time.After(50 * time.Millisecond):
	}

	backend.gate <- struct{}{}
	waitStarted(t, backend)
	backend.gate <- struct{}{}
	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, 7, r.res.Class)

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		_, err := s.Classify(ctx, rgba)
		first <- err
	}()
	waitStarted(t, backend)
	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		t.Fatalf("Close returned before the running invoke completed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	backend.gate <- struct{}{}
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Close")
	}
	assert.Zero(t, s.Pending())

	_, err = s.Classify(context.Background(), rgba)
	assert.ErrorIs(t, err, errs.ErrNotReady)
}
