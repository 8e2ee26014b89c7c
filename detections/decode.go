package detections

import (
	"math"

	"github.com/scanlab/scan-service/models"
)

// OutputBox is a decoded candidate in corner form.
type OutputBox struct {
	Left, Top, Right, Bottom float32
	Width, Height            float32
	Probability              float32
	Classification           models.Classification
}

// Detection converts the box to its public form.
func (b OutputBox) Detection() models.Detection {
	return models.Detection{
		X:              b.Left,
		Y:              b.Top,
		Width:          b.Width,
		Height:         b.Height,
		Probability:    b.Probability,
		Classification: b.Classification,
	}
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Decode turns every row of raw whose best class score reaches confidence
// into a box. The first of several equal maxima picks the class. Rows whose
// best score is infinite, or that only carry NaN scores, are skipped; NaN
// scores never win the argmax.
func Decode(raw *RawOutput, classes models.ClassMap, confidence float32) []OutputBox {
	if raw == nil || raw.Width <= BoxFields {
		return nil
	}

	boxes := make([]OutputBox, 0, 16)
	for i := 0; i < raw.Candidates; i++ {
		row := raw.Row(i)

		best := -1
		var score float32
		for c, v := range row[BoxFields:] {
			if math.IsNaN(float64(v)) {
				continue
			}
			if best < 0 || v > score {
				best, score = c, v
			}
		}
		if best < 0 || !finite(score) || score < confidence {
			continue
		}

		cx, cy, w, h := row[0], row[1], row[2], row[3]
		boxes = append(boxes, OutputBox{
			Left:           cx - w/2,
			Top:            cy - h/2,
			Right:          cx + w/2,
			Bottom:         cy + h/2,
			Width:          w,
			Height:         h,
			Probability:    score,
			Classification: classes.Classify(best),
		})
	}
	return boxes
}
