package policy

import "errors"

var (
	ErrCycle          = errors.New("dynamic policy would contain itself")
	ErrAlreadyBound   = errors.New("recursion target already bound")
	ErrUnbound        = errors.New("recursion target not bound")
	ErrUnknownPolicy  = errors.New("unknown policy node")
	ErrCompileAborted = errors.New("compilation aborted")
)
