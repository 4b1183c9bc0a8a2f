// Package tensorio converts between host-side pixel arrays and decoded results
// and the raw tensor buffers of a loaded model.
//
// Layouts follow the engine's fixed conventions: pixel inputs and
// classification scores are unsigned 8-bit, detection outputs are 32-bit
// floats in the order boxes, class ids, scores, count.
package tensorio

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
	"github.com/Brownie44l1/tensorbridge/internal/memory"
)

// Tensors exposes cached tensor metadata. model.Session implements it.
type Tensors interface {
	InputShape(index int) ([]int, error)
	InputBuffer(index int) (int, error)
	NumOutputs() int
	OutputShape(index int) ([]int, error)
	OutputBuffer(index int) (int, error)
}

// Output tensor positions of a detection model.
const (
	DetectionBoxes = iota
	DetectionClasses
	DetectionScores
	DetectionCount
)

type BBox struct {
	YMin float32 `json:"ymin"`
	XMin float32 `json:"xmin"`
	YMax float32 `json:"ymax"`
	XMax float32 `json:"xmax"`
}

type Detection struct {
	ID    int     `json:"id"`
	Score float32 `json:"score"`
	BBox  BBox    `json:"bbox"`
}

// Adapter reads and writes tensors in a heap. It holds no other state.
type Adapter struct {
	heap *memory.Heap
}

func NewAdapter(heap *memory.Heap) *Adapter {
	return &Adapter{heap: heap}
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// WriteRGBInput copies pixels into input tensor index. The pixel count must
// equal the product of the tensor's dimensions; nothing is written otherwise.
func (a *Adapter) WriteRGBInput(t Tensors, pixels []byte, index int) error {
	shape, err := t.InputShape(index)
	if err != nil {
		return err
	}
	if want := elements(shape); len(pixels) != want {
		return errors.Wrapf(errs.ErrInvalidArgument, "input %d: got %d values, want %d for shape %v", index, len(pixels), want, shape)
	}
	addr, err := t.InputBuffer(index)
	if err != nil {
		return err
	}
	return a.heap.Write(addr, pixels)
}

// WriteRGBAInput drops the alpha channel and writes the result with
// WriteRGBInput. A trailing partial pixel is ignored.
func (a *Adapter) WriteRGBAInput(t Tensors, pixels []byte, index int) error {
	return a.WriteRGBInput(t, RGBAToRGB(pixels), index)
}

// RGBAToRGB removes every 4th byte, keeping pixel order.
func RGBAToRGB(rgba []byte) []byte {
	n := len(rgba) / 4
	rgb := make([]byte, 3*n)
	for i, j := 0, 0; i < 4*n; i, j = i+4, j+3 {
		rgb[j+0] = rgba[i+0]
		rgb[j+1] = rgba[i+1]
		rgb[j+2] = rgba[i+2]
	}
	return rgb
}

// ReadScores returns a copy of the unsigned 8-bit scores of output index.
func (a *Adapter) ReadScores(t Tensors, index int) ([]byte, error) {
	shape, err := t.OutputShape(index)
	if err != nil {
		return nil, err
	}
	addr, err := t.OutputBuffer(index)
	if err != nil {
		return nil, err
	}
	view, err := a.heap.Bytes(addr, elements(shape))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), view...), nil
}

// ReadClassification returns the index of the highest score in output index.
// Ties resolve to the lowest index.
func (a *Adapter) ReadClassification(t Tensors, index int) (int, error) {
	scores, err := a.ReadScores(t, index)
	if err != nil {
		return 0, err
	}
	if len(scores) == 0 {
		return 0, errors.Wrapf(errs.ErrInvalidArgument, "output %d has no scores", index)
	}
	return Argmax(scores), nil
}

// Argmax returns the index of the first maximum in scores, or -1 when empty.
func Argmax(scores []byte) int {
	best := -1
	for i, s := range scores {
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	return best
}

// ReadDetections decodes the four detection outputs. Detections are taken in
// order and decoding stops at the first score below threshold, so the engine
// must emit them sorted by descending score.
func (a *Adapter) ReadDetections(t Tensors, threshold float32) ([]Detection, error) {
	if n := t.NumOutputs(); n < 4 {
		return nil, errors.Wrapf(errs.ErrOutOfRange, "detection needs 4 outputs, model has %d", n)
	}

	var addrs, capacity [4]int
	for i := range addrs {
		addr, err := t.OutputBuffer(i)
		if err != nil {
			return nil, err
		}
		shape, err := t.OutputShape(i)
		if err != nil {
			return nil, err
		}
		addrs[i], capacity[i] = addr, elements(shape)
	}

	if capacity[DetectionCount] < 1 {
		return nil, errors.Wrap(errs.ErrInvalidArgument, "detection count tensor is empty")
	}
	rawCount, err := a.heap.Float32At(addrs[DetectionCount])
	if err != nil {
		return nil, err
	}
	count := roundCount(rawCount)
	count = min(count, capacity[DetectionBoxes]/4, capacity[DetectionClasses], capacity[DetectionScores])
	if count == 0 {
		return []Detection{}, nil
	}

	boxes, err := a.heap.Float32s(addrs[DetectionBoxes], 4*count)
	if err != nil {
		return nil, err
	}
	ids, err := a.heap.Float32s(addrs[DetectionClasses], count)
	if err != nil {
		return nil, err
	}
	scores, err := a.heap.Float32s(addrs[DetectionScores], count)
	if err != nil {
		return nil, err
	}

	detections := make([]Detection, 0, count)
	for i := 0; i < count; i++ {
		if scores[i] < threshold {
			break
		}
		detections = append(detections, Detection{
			ID:    int(math.Round(float64(ids[i]))),
			Score: scores[i],
			BBox: BBox{
				YMin: max(0, boxes[4*i]),
				XMin: max(0, boxes[4*i+1]),
				YMax: min(1, boxes[4*i+2]),
				XMax: min(1, boxes[4*i+3]),
			},
		})
	}
	return detections, nil
}

// roundCount rounds half up and maps negative or non-finite counts to zero.
func roundCount(v float32) int {
	f := math.Floor(float64(v) + 0.5)
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}
