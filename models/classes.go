package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Classification is a label from the closed set a ClassMap defines.
type Classification string

// ClassMap maps the model's class channel index to a Classification. It is
// paired with one model binary: another export of the model may order its
// classes differently.
type ClassMap struct {
	labels   []Classification
	fallback Classification
}

// NewClassMap builds a map over labels. fallback must be one of labels; it is
// returned for any index the model emits that the map does not know.
func NewClassMap(labels []string, fallback string) (ClassMap, error) {
	if len(labels) == 0 {
		return ClassMap{}, errors.New("class map needs at least one label")
	}
	cm := ClassMap{labels: make([]Classification, 0, len(labels))}
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l == "" {
			return ClassMap{}, errors.New("class labels cannot be empty")
		}
		if seen[l] {
			return ClassMap{}, errors.Errorf("duplicate class label %q", l)
		}
		seen[l] = true
		cm.labels = append(cm.labels, Classification(l))
	}
	if !seen[fallback] {
		return ClassMap{}, errors.Errorf("fallback class %q is not one of %v", fallback, labels)
	}
	cm.fallback = Classification(fallback)
	return cm, nil
}

// DefaultClassMap is the two-class revision shipped with the packaged model.
func DefaultClassMap() ClassMap {
	return ClassMap{
		labels:   []Classification{"Normal", "Incipient"},
		fallback: "Incipient",
	}
}

// Classify returns the label for a class channel index.
func (c ClassMap) Classify(index int) Classification {
	if index < 0 || index >= len(c.labels) {
		return c.fallback
	}
	return c.labels[index]
}

func (c ClassMap) Len() int {
	return len(c.labels)
}

func (c ClassMap) Labels() []Classification {
	out := make([]Classification, len(c.labels))
	copy(out, c.labels)
	return out
}

func (c ClassMap) Fallback() Classification {
	return c.fallback
}

// Metadata describes a packaged model. It ships next to the model binary.
type Metadata struct {
	Name          string   `json:"name"`
	InputShape    []int64  `json:"input_shape"`
	Classes       []string `json:"classes"`
	FallbackClass string   `json:"fallback_class"`
}

// ParseMetadata decodes model metadata and checks it describes a usable model.
func ParseMetadata(data []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, errors.Wrap(err, "failed to parse model metadata")
	}
	if len(md.InputShape) != 4 {
		return nil, errors.Errorf("input shape must have 4 dimensions, got %v", md.InputShape)
	}
	if md.FallbackClass == "" && len(md.Classes) > 0 {
		md.FallbackClass = md.Classes[len(md.Classes)-1]
	}
	if _, err := md.ClassMap(); err != nil {
		return nil, err
	}
	return &md, nil
}

func (m *Metadata) ClassMap() (ClassMap, error) {
	return NewClassMap(m.Classes, m.FallbackClass)
}
