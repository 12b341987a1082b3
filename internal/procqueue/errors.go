package procqueue

import "errors"

// Repository errors.
var (
	ErrTrackerNotFound = errors.New("tracker not found")
)
