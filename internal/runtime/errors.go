package runtime

import "errors"

var (
	// ErrUnknownMode is returned for a mode name that is not recognized.
	ErrUnknownMode = errors.New("unknown runtime mode")

	// ErrUnknownVerbosity is returned for a verbosity that is not recognized.
	ErrUnknownVerbosity = errors.New("unknown verbosity")

	// ErrNotRunning is returned when using a runtime that is not started.
	ErrNotRunning = errors.New("runtime not running")
)
