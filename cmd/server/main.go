package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/tensorbridge/internal/backend/echo"
	"github.com/Brownie44l1/tensorbridge/internal/backend/onnx"
	"github.com/Brownie44l1/tensorbridge/internal/config"
	"github.com/Brownie44l1/tensorbridge/internal/engine"
	"github.com/Brownie44l1/tensorbridge/internal/handlers"
	"github.com/Brownie44l1/tensorbridge/internal/logger"
	"github.com/Brownie44l1/tensorbridge/internal/metrics"
	"github.com/Brownie44l1/tensorbridge/internal/model"
	"github.com/Brownie44l1/tensorbridge/internal/modelstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
		ServiceName: "tensorbridge",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("Loading model",
		zap.String("model", cfg.ModelPath),
		zap.String("metadata", cfg.MetadataPath),
		zap.String("backend", cfg.Backend))

	modelBytes, metadata, err := fetch(ctx, modelstore.New(cfg.ModelCacheDir, log), cfg)
	if err != nil {
		return err
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	if cfg.Backend == config.BackendONNX {
		defer onnx.Shutdown()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	modelServer, err := model.NewServer(ctx, model.Config{
		Model:     modelBytes,
		Metadata:  metadata,
		HeapSize:  cfg.HeapSize(),
		Verbosity: cfg.EngineVerbosity,
		TopK:      cfg.TopK,
	}, model.Deps{Backend: backend, Logger: log, Metrics: m})
	if err != nil {
		return fmt.Errorf("failed to initialize model server: %w", err)
	}
	defer modelServer.Close()

	info := modelServer.Info()
	log.Info("Model loaded", zap.Any("inputs", info.Inputs), zap.Any("outputs", info.Outputs))

	handler := handlers.NewHandler(modelServer, log, cfg.DetectionThreshold)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newMux(handler, reg, m, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.Int("port", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// fetch loads the model and its metadata concurrently.
func fetch(ctx context.Context, store *modelstore.Store, cfg *config.Config) ([]byte, model.Metadata, error) {
	var (
		modelBytes []byte
		metadata   model.Metadata
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := store.Fetch(ctx, cfg.ModelPath)
		if err != nil {
			return fmt.Errorf("failed to read model: %w", err)
		}
		modelBytes = data
		return nil
	})
	if cfg.MetadataPath != "" {
		g.Go(func() error {
			data, err := store.Fetch(ctx, cfg.MetadataPath)
			if err != nil {
				return fmt.Errorf("failed to read metadata: %w", err)
			}
			metadata, err = model.ParseMetadata(data)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, model.Metadata{}, err
	}
	return modelBytes, metadata, nil
}

func newBackend(cfg *config.Config) (engine.Backend, error) {
	switch cfg.Backend {
	case config.BackendEcho:
		return echo.New(), nil
	case config.BackendONNX:
		if err := onnx.Init(cfg.ONNXLibraryPath); err != nil {
			return nil, err
		}
		return onnx.New(cfg.ONNXLibraryPath), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newMux(h *handlers.Handler, reg *prometheus.Registry, m *metrics.Metrics, log *zap.Logger) *http.ServeMux {
	route := func(name string, fn http.HandlerFunc) http.HandlerFunc {
		return handlers.EnableCORS(handlers.Instrument(name, log, m, fn))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", route("health", h.Health))
	mux.HandleFunc("/model", route("model", h.Model))
	mux.HandleFunc("/predict", route("predict", h.Predict))
	mux.HandleFunc("/predict/image", route("predict_image", h.PredictFromImage))
	mux.HandleFunc("/detect", route("detect", h.Detect))
	mux.HandleFunc("/stream", route("stream", h.Stream))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
