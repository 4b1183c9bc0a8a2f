package model

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/tensorbridge/internal/errs"
	"github.com/Brownie44l1/tensorbridge/internal/tensorio"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata describes the classes a model emits. Labels takes precedence over
// Classes, which lists names by class id.
type Metadata struct {
	Labels  map[int]string `json:"labels,omitempty"`
	Classes []string       `json:"classes,omitempty"`
}

// ParseMetadata decodes a metadata document. Empty input yields empty metadata.
func ParseMetadata(data []byte) (Metadata, error) {
	var m Metadata
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, errors.Wrapf(errs.ErrInvalidArgument, "parsing metadata: %v", err)
	}
	return m, nil
}

// Label returns the name of class id, or its number when the class is unnamed.
func (m Metadata) Label(id int) string {
	if name, ok := m.Labels[id]; ok {
		return name
	}
	if id >= 0 && id < len(m.Classes) {
		return m.Classes[id]
	}
	return strconv.Itoa(id)
}

type Prediction struct {
	Class      int     `json:"class"`
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

type ClassificationResponse struct {
	Class       int          `json:"class"`
	Label       string       `json:"label"`
	Confidence  float32      `json:"confidence"`
	Predictions []Prediction `json:"predictions"`
}

type LabeledDetection struct {
	tensorio.Detection
	Label string `json:"label"`
}

type DetectionResponse struct {
	Threshold  float32            `json:"threshold"`
	Detections []LabeledDetection `json:"detections"`
}

type ModelInfo struct {
	Inputs  [][]int `json:"inputs"`
	Outputs [][]int `json:"outputs"`
	Width   int     `json:"width,omitempty"`
	Height  int     `json:"height,omitempty"`
}
