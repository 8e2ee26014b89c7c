package detections

const (
	InputWidth    = 640
	InputHeight   = 640
	InputChannels = 3

	// BoxFields is the number of geometry values leading each candidate row:
	// center x, center y, width, height.
	BoxFields = 4

	DefaultConfidenceThreshold = 0.3
	DefaultIOUThreshold        = 0.75
)
