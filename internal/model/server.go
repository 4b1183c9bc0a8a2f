package model

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/tensorbridge/internal/dispatch"
	"github.com/Brownie44l1/tensorbridge/internal/engine"
	"github.com/Brownie44l1/tensorbridge/internal/errs"
	"github.com/Brownie44l1/tensorbridge/internal/imaging"
	"github.com/Brownie44l1/tensorbridge/internal/memory"
	"github.com/Brownie44l1/tensorbridge/internal/metrics"
	"github.com/Brownie44l1/tensorbridge/internal/tensorio"
)

const defaultTopK = 5

type Config struct {
	Model     []byte
	Metadata  Metadata
	HeapSize  int
	Verbosity int
	// TopK bounds the predictions reported with a classification.
	TopK int
}

type Deps struct {
	Backend engine.Backend
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server runs one model behind a session. Requests are serialized: each
// write, invoke, read sequence holds the lock until the engine completes.
type Server struct {
	Metadata Metadata

	registry *dispatch.Registry
	session  *Session
	adapter  *tensorio.Adapter
	log      *zap.Logger
	topK     int

	mu sync.Mutex
}

func NewServer(ctx context.Context, cfg Config, deps Deps) (*Server, error) {
	if deps.Backend == nil {
		return nil, errors.Wrap(errs.ErrInvalidArgument, "no engine backend")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}

	heap := memory.NewHeap(cfg.HeapSize)
	registry := dispatch.NewRegistry()
	runtime := engine.NewRuntime(heap, deps.Backend, func(id int, ok bool) {
		if !registry.Complete(id, ok) {
			log.Warn("Completion for unknown caller", zap.Int("caller", id), zap.Bool("ok", ok))
		}
	}, log)

	session := NewSession(runtime, heap, registry, log, deps.Metrics, WithVerbosity(cfg.Verbosity))
	loaded, err := session.Load(ctx, cfg.Model)
	if err != nil {
		return nil, errors.Wrap(err, "loading model")
	}
	if !loaded {
		return nil, errors.Wrapf(errs.ErrLoadFailed, "backend %s rejected the model", deps.Backend.Name())
	}

	deps.Metrics.WatchPending(registry.Pending)
	deps.Metrics.WatchHeap(heap.Used, heap.Size)

	return &Server{
		Metadata: cfg.Metadata,
		registry: registry,
		session:  session,
		adapter:  tensorio.NewAdapter(heap),
		log:      log,
		topK:     cfg.TopK,
	}, nil
}

// run writes the inputs, invokes the session and reads the outputs while
// holding the lock. If ctx ends first, the lock is released only once the
// engine has completed.
func (s *Server) run(ctx context.Context, write, read func() error) error {
	s.mu.Lock()
	if state := s.session.State(); state != Ready {
		s.mu.Unlock()
		return errors.Wrapf(errs.ErrNotReady, "session %s", state)
	}
	if err := write(); err != nil {
		s.mu.Unlock()
		return err
	}
	done, err := s.session.InvokeAsync()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	select {
	case err := <-done:
		if err == nil {
			err = read()
		}
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		go func() {
			<-done
			s.mu.Unlock()
		}()
		return ctx.Err()
	}
}

// Classify runs the model on RGBA pixels and reports the top class.
func (s *Server) Classify(ctx context.Context, rgba []byte) (*ClassificationResponse, error) {
	return s.classify(ctx, func() error {
		return s.adapter.WriteRGBAInput(s.session, rgba, 0)
	})
}

// ClassifyRGB is Classify for pixels that are already RGB.
func (s *Server) ClassifyRGB(ctx context.Context, rgb []byte) (*ClassificationResponse, error) {
	return s.classify(ctx, func() error {
		return s.adapter.WriteRGBInput(s.session, rgb, 0)
	})
}

func (s *Server) classify(ctx context.Context, write func() error) (*ClassificationResponse, error) {
	var (
		class  int
		scores []byte
	)
	err := s.run(ctx, write, func() error {
		var err error
		if class, err = s.adapter.ReadClassification(s.session, 0); err != nil {
			return err
		}
		scores, err = s.adapter.ReadScores(s.session, 0)
		return err
	})
	if err != nil {
		return nil, errs.LogWithError(ctx, s.log, "classification failed", err)
	}

	return &ClassificationResponse{
		Class:       class,
		Label:       s.Metadata.Label(class),
		Confidence:  float32(scores[class]) / 255,
		Predictions: s.top(scores),
	}, nil
}

func (s *Server) top(scores []byte) []Prediction {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	if len(order) > s.topK {
		order = order[:s.topK]
	}

	predictions := make([]Prediction, len(order))
	for i, class := range order {
		predictions[i] = Prediction{
			Class:      class,
			Label:      s.Metadata.Label(class),
			Confidence: float32(scores[class]) / 255,
		}
	}
	return predictions
}

// Detect runs a detection model on RGBA pixels.
func (s *Server) Detect(ctx context.Context, rgba []byte, threshold float32) (*DetectionResponse, error) {
	var detections []tensorio.Detection
	err := s.run(ctx, func() error {
		return s.adapter.WriteRGBAInput(s.session, rgba, 0)
	}, func() error {
		var err error
		detections, err = s.adapter.ReadDetections(s.session, threshold)
		return err
	})
	if err != nil {
		return nil, errs.LogWithError(ctx, s.log, "detection failed", err, zap.Float32("threshold", threshold))
	}

	labeled := make([]LabeledDetection, len(detections))
	for i, d := range detections {
		labeled[i] = LabeledDetection{Detection: d, Label: s.Metadata.Label(d.ID)}
	}
	return &DetectionResponse{Threshold: threshold, Detections: labeled}, nil
}

// InputSize returns the image width and height expected by input 0.
func (s *Server) InputSize() (int, int, error) {
	shape, err := s.session.InputShape(0)
	if err != nil {
		return 0, 0, err
	}
	return imaging.InputSize(shape)
}

// InputElements returns the number of values input 0 holds.
func (s *Server) InputElements() (int, error) {
	shape, err := s.session.InputShape(0)
	if err != nil {
		return 0, err
	}
	return TensorDescriptor{Shape: shape}.Size(), nil
}

func (s *Server) Info() ModelInfo {
	var info ModelInfo
	for i := 0; i < s.session.NumInputs(); i++ {
		shape, _ := s.session.InputShape(i)
		info.Inputs = append(info.Inputs, shape)
	}
	for i := 0; i < s.session.NumOutputs(); i++ {
		shape, _ := s.session.OutputShape(i)
		info.Outputs = append(info.Outputs, shape)
	}
	if w, h, err := s.InputSize(); err == nil {
		info.Width, info.Height = w, h
	}
	return info
}

// Pending returns the number of invokes the engine has not completed.
func (s *Server) Pending() int {
	return s.registry.Pending()
}

// Close destroys the session once any running request has finished.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Destroy()
}
