package reach

import "errors"

var (
	// ErrNotHSACompilable is returned for classifiers whose actions a
	// transfer function cannot express.
	ErrNotHSACompilable = errors.New("classifier is not HSA-compilable")
	ErrPartialWildcard  = errors.New("field holds a partial wildcard")
	ErrBadLayout        = errors.New("invalid header layout")
	ErrUnknownPort      = errors.New("port is not part of the model")
	ErrNoWorkDir        = errors.New("external solver needs a work directory")
	ErrBadResult        = errors.New("malformed solver result")
)
