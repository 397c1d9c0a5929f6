package events

import "errors"

var (
	// ErrUnknownEvent is returned when no handler accepts an event name.
	ErrUnknownEvent = errors.New("event not handled by any module")

	// ErrInvalidEvent is returned for an event without a name.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrListenerClosed is returned when dispatching through a stopped listener.
	ErrListenerClosed = errors.New("event listener is closed")
)
