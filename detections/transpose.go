package detections

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// RawOutput is the model output in candidate-major order: one row of
// [cx, cy, w, h, score0, score1, ...] per candidate.
type RawOutput struct {
	Candidates int
	Width      int
	Data       []float32
}

// Row returns candidate i without copying.
func (o *RawOutput) Row(i int) []float32 {
	return o.Data[i*o.Width : (i+1)*o.Width]
}

// Classes is the number of score columns per row.
func (o *RawOutput) Classes() int {
	return o.Width - BoxFields
}

// CandidateMajor reorders a (1, 4+C, N) feature-major output into a (N, 4+C)
// candidate-major matrix. A (4+C, N) shape without the batch axis is also
// accepted. data is not modified.
func CandidateMajor(shape []int64, data []float32) (*RawOutput, error) {
	if len(shape) == 3 {
		if shape[0] != 1 {
			return nil, errors.Errorf("unsupported output batch size %d", shape[0])
		}
		shape = shape[1:]
	}
	if len(shape) != 2 {
		return nil, errors.Errorf("unexpected output rank %d", len(shape))
	}

	features, candidates := int(shape[0]), int(shape[1])
	if features <= BoxFields {
		return nil, errors.Errorf("output has %d features per candidate, need more than %d", features, BoxFields)
	}
	if candidates < 0 || features*candidates != len(data) {
		return nil, errors.Errorf("output shape %v does not match %d values", shape, len(data))
	}

	out := &RawOutput{Candidates: candidates, Width: features}
	buf := make([]float32, len(data))
	copy(buf, data)
	if candidates <= 1 {
		out.Data = buf
		return out, nil
	}

	t := tensor.New(tensor.WithShape(features, candidates), tensor.WithBacking(buf))
	if err := t.T(); err != nil {
		return nil, errors.Wrap(err, "failed to transpose output")
	}
	if err := t.Transpose(); err != nil {
		return nil, errors.Wrap(err, "failed to transpose output")
	}
	transposed, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.New("transposed output is not float32")
	}
	out.Data = transposed
	return out, nil
}
