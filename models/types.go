package models

import "time"

// Detection is one accepted object. (X, Y) is the top-left corner in the
// 640x640 input frame.
type Detection struct {
	X              float32        `json:"x"`
	Y              float32        `json:"y"`
	Width          float32        `json:"width"`
	Height         float32        `json:"height"`
	Probability    float32        `json:"probability"`
	Classification Classification `json:"classification"`
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Resize      time.Duration
	Preprocess  time.Duration
	Wait        time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Suppression time.Duration
	Total       time.Duration
}
