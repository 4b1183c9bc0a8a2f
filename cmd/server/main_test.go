package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/tensorbridge/internal/backend/echo"
	"github.com/Brownie44l1/tensorbridge/internal/config"
	"github.com/Brownie44l1/tensorbridge/internal/handlers"
	"github.com/Brownie44l1/tensorbridge/internal/metrics"
	"github.com/Brownie44l1/tensorbridge/internal/model"
	"github.com/Brownie44l1/tensorbridge/internal/modelstore"
)

const testModel = `{
	"inputs":  [{"name": "image", "shape": [1, 2, 2, 3], "type": "uint8"}],
	"outputs": [{"name": "scores", "shape": [1, 12], "type": "uint8", "source": 0}]
}`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFetch(t *testing.T) {
	cfg := &config.Config{
		ModelPath:    writeTemp(t, "model.json", testModel),
		MetadataPath: writeTemp(t, "meta.json", `{"labels": {"11": "last"}}`),
	}

	data, meta, err := fetch(context.Background(), modelstore.New("", zap.NewNop()), cfg)
	require.NoError(t, err)
	assert.JSONEq(t, testModel, string(data))
	assert.Equal(t, "last", meta.Label(11))
}

func TestFetchWithoutMetadata(t *testing.T) {
	cfg := &config.Config{ModelPath: writeTemp(t, "model.json", testModel)}

	_, meta, err := fetch(context.Background(), modelstore.New("", zap.NewNop()), cfg)
	require.NoError(t, err)
	assert.Equal(t, "3", meta.Label(3))
}

func TestFetchMissingModel(t *testing.T) {
	cfg := &config.Config{ModelPath: filepath.Join(t.TempDir(), "absent.onnx")}

	_, _, err := fetch(context.Background(), modelstore.New("", zap.NewNop()), cfg)
	assert.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	b, err := newBackend(&config.Config{Backend: config.BackendEcho})
	require.NoError(t, err)
	assert.Equal(t, "echo", b.Name())

	_, err = newBackend(&config.Config{Backend: "tpu"})
	assert.Error(t, err)
}

func TestMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	log := zap.NewNop()

	s, err := model.NewServer(context.Background(), model.Config{
		Model:    []byte(testModel),
		Metadata: model.Metadata{Labels: map[int]string{11: "last"}},
		HeapSize: 1 << 16,
		TopK:     1,
	}, model.Deps{Backend: echo.New(), Logger: log, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(newMux(handlers.NewHandler(s, log, 0.5), reg, m, log))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get(handlers.RequestIDHeader))

	rgb := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	resp, err = http.Post(srv.URL+"/predict", "application/octet-stream", bytes.NewReader(rgb))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"label":"last"`)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `tensorbridge_http_request_duration_seconds_count{handler="predict",status="2xx"} 1`)
	assert.Contains(t, string(body), `tensorbridge_invocations_total{result="ok"} 1`)
}
