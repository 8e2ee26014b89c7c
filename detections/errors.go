package detections

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInference marks a failed native inference call. The request fails; the
// session stays usable.
var ErrInference = errors.New("model inference failed")

// ErrClosed is returned once the detector has been shut down.
var ErrClosed = errors.New("detector is closed")

// ProcessingError is a failed inference, tagged with the stage that failed.
// errors.Is(err, ErrInference) holds for every ProcessingError.
type ProcessingError struct {
	Stage string
	Cause error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrInference, e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrInference, e.Stage)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func (e *ProcessingError) Is(target error) bool {
	return target == ErrInference
}
