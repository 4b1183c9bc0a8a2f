package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
)

const (
	BackendONNX = "onnx"
	BackendEcho = "echo"
)

type Config struct {
	Port               int
	ModelPath          string
	MetadataPath       string
	ModelCacheDir      string
	Backend            string
	ONNXLibraryPath    string
	HeapSizeMB         int
	EngineVerbosity    int
	DetectionThreshold float32
	TopK               int
	LogLevel           string
	Environment        string
}

// Load reads a .env file when present, then the environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "loading .env")
	}

	cfg := &Config{
		Port:               getEnvAsInt("PORT", 8080),
		ModelPath:          getEnv("MODEL_PATH", "models/model.onnx"),
		MetadataPath:       getEnv("METADATA_PATH", ""),
		ModelCacheDir:      getEnv("MODEL_CACHE_DIR", ""),
		Backend:            strings.ToLower(getEnv("BACKEND", BackendONNX)),
		ONNXLibraryPath:    getEnv("ONNX_LIBRARY_PATH", ""),
		HeapSizeMB:         getEnvAsInt("HEAP_SIZE_MB", 64),
		EngineVerbosity:    getEnvAsInt("ENGINE_VERBOSITY", 0),
		DetectionThreshold: getEnvAsFloat32("DETECTION_THRESHOLD", 0.5),
		TopK:               getEnvAsInt("TOP_K", 5),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		Environment:        getEnv("ENVIRONMENT", "development"),
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendONNX, BackendEcho:
	default:
		return errors.Wrapf(errs.ErrInvalidArgument, "BACKEND %q: want %s or %s", c.Backend, BackendONNX, BackendEcho)
	}
	if c.HeapSizeMB <= 0 {
		return errors.Wrapf(errs.ErrInvalidArgument, "HEAP_SIZE_MB %d", c.HeapSizeMB)
	}
	if c.DetectionThreshold < 0 || c.DetectionThreshold > 1 {
		return errors.Wrapf(errs.ErrInvalidArgument, "DETECTION_THRESHOLD %v", c.DetectionThreshold)
	}
	return nil
}

// HeapSize returns the heap capacity in bytes.
func (c *Config) HeapSize() int {
	return c.HeapSizeMB << 20
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(f)
		}
	}
	return defaultValue
}
