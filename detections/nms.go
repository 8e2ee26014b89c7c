package detections

import (
	"sort"

	"github.com/scanlab/scan-service/models"
)

// IOU is the intersection over union of two boxes. Disjoint boxes and boxes
// with no area score 0.
func IOU(a, b OutputBox) float32 {
	w := min(a.Right, b.Right) - max(a.Left, b.Left)
	h := min(a.Bottom, b.Bottom) - max(a.Top, b.Top)
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	inter := w * h
	union := (a.Right-a.Left)*(a.Bottom-a.Top) + (b.Right-b.Left)*(b.Bottom-b.Top) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// FilterAndSuppress drops boxes below confidence or with a non-finite
// probability, then runs greedy non-max suppression: the most probable
// remaining box is kept and every remaining box overlapping it by iou or more
// is discarded. The result is ordered by
// descending probability and is never nil.
func FilterAndSuppress(boxes []OutputBox, confidence, iou float32) []models.Detection {
	kept := make([]OutputBox, 0, len(boxes))
	for _, b := range boxes {
		if !finite(b.Probability) || b.Probability < confidence {
			continue
		}
		kept = append(kept, b)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Probability > kept[j].Probability
	})

	result := make([]models.Detection, 0, len(kept))
	suppressed := make([]bool, len(kept))
	for i := range kept {
		if suppressed[i] {
			continue
		}
		result = append(result, kept[i].Detection())
		for j := i + 1; j < len(kept); j++ {
			if !suppressed[j] && IOU(kept[i], kept[j]) >= iou {
				suppressed[j] = true
			}
		}
	}
	return result
}
