package stats

import "errors"

var (
	// ErrDuplicateTarget is returned when a poll target id is already taken.
	ErrDuplicateTarget = errors.New("poll target already registered")

	// ErrPollerStopped is returned when adding to a stopped poller.
	ErrPollerStopped = errors.New("poller is stopped")
)
