// Package echo implements an engine backend whose models are JSON manifests.
// Each output is either copied from an input or filled with constant values,
// which is enough to exercise the tensor I/O contract end to end without a
// native runtime.
package echo

import (
	"encoding/binary"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"

	"github.com/Brownie44l1/tensorbridge/internal/engine"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Manifest struct {
	Inputs  []TensorManifest `json:"inputs"`
	Outputs []TensorManifest `json:"outputs"`
	// Fail makes every run report failure.
	Fail bool `json:"fail,omitempty"`
}

type TensorManifest struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Type  string `json:"type"`

	// Source is the input index copied into this output.
	Source *int `json:"source,omitempty"`
	// Values are written into this output on every run.
	Values []float64 `json:"values,omitempty"`
}

type Backend struct{}

var _ engine.Backend = Backend{}

func New() Backend {
	return Backend{}
}

func (Backend) Name() string {
	return "echo"
}

func (Backend) Build(model []byte, verbosity int) (engine.Program, error) {
	var m Manifest
	if err := json.Unmarshal(model, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return newProgram(m)
}

type program struct {
	inputs   []engine.TensorSpec
	outputs  []engine.TensorSpec
	sources  []int // -1 when the output is constant
	constant [][]byte
	fail     bool
}

func newProgram(m Manifest) (*program, error) {
	p := &program{fail: m.Fail}

	for _, in := range m.Inputs {
		spec, err := toSpec(in)
		if err != nil {
			return nil, err
		}
		p.inputs = append(p.inputs, spec)
	}

	for _, out := range m.Outputs {
		spec, err := toSpec(out)
		if err != nil {
			return nil, err
		}
		source := -1
		if out.Source != nil {
			source = *out.Source
			if source < 0 || source >= len(p.inputs) {
				return nil, fmt.Errorf("output %q: source %d out of range", out.Name, source)
			}
		}
		if len(out.Values) > spec.Elements() {
			return nil, fmt.Errorf("output %q: %d values for %d elements", out.Name, len(out.Values), spec.Elements())
		}
		p.outputs = append(p.outputs, spec)
		p.sources = append(p.sources, source)
		p.constant = append(p.constant, encode(spec, out.Values))
	}
	return p, nil
}

func toSpec(t TensorManifest) (engine.TensorSpec, error) {
	typ, err := engine.ParseElementType(t.Type)
	if err != nil {
		return engine.TensorSpec{}, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	spec := engine.TensorSpec{Name: t.Name, Shape: append([]int(nil), t.Shape...), Type: typ}
	if err := spec.Validate(); err != nil {
		return engine.TensorSpec{}, err
	}
	return spec, nil
}

func encode(spec engine.TensorSpec, values []float64) []byte {
	b := make([]byte, len(values)*spec.Type.Size())
	for i, v := range values {
		switch spec.Type {
		case engine.Uint8:
			b[i] = byte(math.Max(0, math.Min(255, math.Round(v))))
		case engine.Float32:
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
		}
	}
	return b
}

func (p *program) Inputs() []engine.TensorSpec  { return p.inputs }
func (p *program) Outputs() []engine.TensorSpec { return p.outputs }

func (p *program) Run(inputs, outputs [][]byte) error {
	if p.fail {
		return fmt.Errorf("manifest marked as failing")
	}
	if len(inputs) != len(p.inputs) || len(outputs) != len(p.outputs) {
		return fmt.Errorf("got %d inputs and %d outputs, want %d and %d",
			len(inputs), len(outputs), len(p.inputs), len(p.outputs))
	}
	for i, out := range outputs {
		var n int
		if src := p.sources[i]; src >= 0 {
			n = copy(out, inputs[src])
		} else {
			n = copy(out, p.constant[i])
		}
		clear(out[n:])
	}
	return nil
}

func (p *program) Close() error {
	return nil
}
