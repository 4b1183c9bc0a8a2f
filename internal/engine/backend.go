package engine

import (
	"fmt"
	"strings"
)

// ElementType is the storage type of one tensor element.
type ElementType int

const (
	Uint8 ElementType = iota + 1
	Float32
)

func (t ElementType) String() string {
	switch t {
	case Uint8:
		return "uint8"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("ElementType(%d)", int(t))
	}
}

// Size returns the element size in bytes.
func (t ElementType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Float32:
		return 4
	default:
		return 0
	}
}

func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(s) {
	case "uint8", "u8":
		return Uint8, nil
	case "float32", "f32", "float":
		return Float32, nil
	default:
		return 0, fmt.Errorf("unsupported element type %q", s)
	}
}

// TensorSpec describes one input or output of a built program.
type TensorSpec struct {
	Name  string
	Shape []int
	Type  ElementType
}

// Elements returns the product of the dimensions.
func (s TensorSpec) Elements() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// Bytes returns the storage needed for the tensor.
func (s TensorSpec) Bytes() int {
	return s.Elements() * s.Type.Size()
}

func (s TensorSpec) Validate() error {
	if s.Type.Size() == 0 {
		return fmt.Errorf("tensor %q: unsupported element type %v", s.Name, s.Type)
	}
	for i, d := range s.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor %q: dimension %d is %d, must be positive", s.Name, i, d)
		}
	}
	return nil
}

// Backend builds executable programs from model bytes.
type Backend interface {
	Name() string
	Build(model []byte, verbosity int) (Program, error)
}

// Program is a built model. Run reads inputs and writes outputs in place; the
// slices are views of the heap sized by the corresponding TensorSpec.
type Program interface {
	Inputs() []TensorSpec
	Outputs() []TensorSpec
	Run(inputs, outputs [][]byte) error
	Close() error
}
