package echo

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/tensorbridge/internal/engine"
)

func TestBuildCopiesSourceInput(t *testing.T) {
	model := []byte(`{
		"inputs":  [{"name": "image", "shape": [1, 1, 3], "type": "uint8"}],
		"outputs": [{"name": "scores", "shape": [4], "type": "uint8", "source": 0}]
	}`)

	p, err := New().Build(model, 0)
	require.NoError(t, err)
	defer p.Close()

	require.Len(t, p.Inputs(), 1)
	assert.Equal(t, []int{1, 1, 3}, p.Inputs()[0].Shape)
	assert.Equal(t, engine.Uint8, p.Outputs()[0].Type)

	out := []byte{9, 9, 9, 9}
	require.NoError(t, p.Run([][]byte{{10, 20, 30}}, [][]byte{out}))
	assert.Equal(t, []byte{10, 20, 30, 0}, out)
}

func TestBuildConstantOutputs(t *testing.T) {
	model := []byte(`{
		"inputs":  [],
		"outputs": [
			{"name": "count",  "shape": [1], "type": "float32", "values": [2]},
			{"name": "scores", "shape": [3], "type": "uint8",   "values": [1, 300, -4]}
		]
	}`)

	p, err := New().Build(model, 0)
	require.NoError(t, err)

	count := make([]byte, 4)
	scores := make([]byte, 3)
	require.NoError(t, p.Run(nil, [][]byte{count, scores}))

	assert.Equal(t, float32(2), math.Float32frombits(binary.LittleEndian.Uint32(count)))
	assert.Equal(t, []byte{1, 255, 0}, scores)
}

func TestBuildRejectsBadManifests(t *testing.T) {
	tests := []struct {
		name  string
		model string
	}{
		{name: "not json", model: `tflite`},
		{name: "bad type", model: `{"inputs": [{"name": "x", "shape": [1], "type": "int64"}]}`},
		{name: "zero dim", model: `{"inputs": [{"name": "x", "shape": [0, 3], "type": "uint8"}]}`},
		{name: "bad source", model: `{"outputs": [{"name": "y", "shape": [1], "type": "uint8", "source": 1}]}`},
		{name: "too many values", model: `{"outputs": [{"name": "y", "shape": [1], "type": "uint8", "values": [1, 2]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Build([]byte(tt.model), 0)
			assert.Error(t, err)
		})
	}
}

func TestFailingManifest(t *testing.T) {
	p, err := New().Build([]byte(`{"fail": true}`), 0)
	require.NoError(t, err)
	assert.Error(t, p.Run(nil, nil))
}
