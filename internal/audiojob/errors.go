package audiojob

import "errors"

var (
	// ErrInvalidJob is returned for jobs missing required fields.
	ErrInvalidJob = errors.New("invalid audio job")

	// ErrNoText is returned when normalized chapter content has nothing to narrate.
	ErrNoText = errors.New("no text to narrate")

	// ErrPoolClosed is returned when submitting to a pool that is shutting down.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrNoWorkers is returned when no audio worker is reachable over the bus.
	ErrNoWorkers = errors.New("no audio workers available")
)
