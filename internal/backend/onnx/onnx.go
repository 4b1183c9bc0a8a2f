// Package onnx implements an engine backend on top of onnxruntime.
package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/tensorbridge/internal/engine"
)

var (
	initOnce sync.Once
	initErr  error
)

// Init loads the onnxruntime shared library and creates the environment.
// Only the first call has any effect.
func Init(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	return initErr
}

// Shutdown destroys the environment created by Init.
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type Backend struct {
	libraryPath string
}

var _ engine.Backend = (*Backend)(nil)

func New(libraryPath string) *Backend {
	return &Backend{libraryPath: libraryPath}
}

func (b *Backend) Name() string {
	return "onnx"
}

// Build creates a session for an ONNX model. Dynamic dimensions are fixed
// to 1 and only uint8 and float32 tensors are supported. onnxruntime logging
// is configured per environment, so verbosity is not used.
func (b *Backend) Build(model []byte, verbosity int) (engine.Program, error) {
	if err := Init(b.libraryPath); err != nil {
		return nil, err
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfoWithONNXData(model)
	if err != nil {
		return nil, fmt.Errorf("failed to read model info: %w", err)
	}

	p := &program{}
	var inputNames, outputNames []string
	for _, info := range inputInfo {
		spec, tensor, err := newTensor(info.Name, info.Dimensions, info.DataType)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.inputs = append(p.inputs, spec)
		p.inputTensors = append(p.inputTensors, tensor)
		inputNames = append(inputNames, info.Name)
	}
	for _, info := range outputInfo {
		spec, tensor, err := newTensor(info.Name, info.Dimensions, info.DataType)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.outputs = append(p.outputs, spec)
		p.outputTensors = append(p.outputTensors, tensor)
		outputNames = append(outputNames, info.Name)
	}

	p.session, err = ort.NewAdvancedSessionWithONNXData(model, inputNames, outputNames,
		p.inputTensors, p.outputTensors, nil)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return p, nil
}

// Spec converts onnxruntime tensor info into a tensor spec.
func Spec(name string, dims ort.Shape, dataType ort.TensorElementDataType) (engine.TensorSpec, error) {
	shape := make([]int, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		shape[i] = int(d)
	}

	spec := engine.TensorSpec{Name: name, Shape: shape}
	switch dataType {
	case ort.TensorElementDataTypeUint8:
		spec.Type = engine.Uint8
	case ort.TensorElementDataTypeFloat:
		spec.Type = engine.Float32
	default:
		return engine.TensorSpec{}, fmt.Errorf("tensor %q: unsupported element type %v", name, dataType)
	}
	return spec, spec.Validate()
}

func newTensor(name string, dims ort.Shape, dataType ort.TensorElementDataType) (engine.TensorSpec, ort.ArbitraryTensor, error) {
	spec, err := Spec(name, dims, dataType)
	if err != nil {
		return engine.TensorSpec{}, nil, err
	}

	shape := make(ort.Shape, len(spec.Shape))
	for i, d := range spec.Shape {
		shape[i] = int64(d)
	}

	var tensor ort.ArbitraryTensor
	switch spec.Type {
	case engine.Uint8:
		tensor, err = ort.NewEmptyTensor[uint8](shape)
	case engine.Float32:
		tensor, err = ort.NewEmptyTensor[float32](shape)
	}
	if err != nil {
		return engine.TensorSpec{}, nil, fmt.Errorf("failed to create tensor %q: %w", name, err)
	}
	return spec, tensor, nil
}

type program struct {
	session       *ort.AdvancedSession
	inputs        []engine.TensorSpec
	outputs       []engine.TensorSpec
	inputTensors  []ort.ArbitraryTensor
	outputTensors []ort.ArbitraryTensor
}

func (p *program) Inputs() []engine.TensorSpec  { return p.inputs }
func (p *program) Outputs() []engine.TensorSpec { return p.outputs }

func (p *program) Run(inputs, outputs [][]byte) error {
	if len(inputs) != len(p.inputTensors) || len(outputs) != len(p.outputTensors) {
		return fmt.Errorf("got %d inputs and %d outputs, want %d and %d",
			len(inputs), len(outputs), len(p.inputTensors), len(p.outputTensors))
	}
	for i, t := range p.inputTensors {
		Load(t, inputs[i])
	}
	if err := p.session.Run(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	for i, t := range p.outputTensors {
		Store(t, outputs[i])
	}
	return nil
}

func (p *program) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.session != nil {
		keep(p.session.Destroy())
		p.session = nil
	}
	for _, t := range p.inputTensors {
		keep(t.Destroy())
	}
	for _, t := range p.outputTensors {
		keep(t.Destroy())
	}
	p.inputTensors, p.outputTensors = nil, nil
	return firstErr
}

// Load copies raw little-endian bytes into a tensor.
func Load(t ort.ArbitraryTensor, src []byte) {
	switch t := t.(type) {
	case *ort.Tensor[uint8]:
		copy(t.GetData(), src)
	case *ort.Tensor[float32]:
		data := t.GetData()
		for i := range data {
			if 4*i+4 > len(src) {
				break
			}
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
		}
	}
}

// Store copies a tensor's data into dst as raw little-endian bytes.
func Store(t ort.ArbitraryTensor, dst []byte) {
	switch t := t.(type) {
	case *ort.Tensor[uint8]:
		copy(dst, t.GetData())
	case *ort.Tensor[float32]:
		for i, v := range t.GetData() {
			if 4*i+4 > len(dst) {
				break
			}
			binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
		}
	}
}
