package packet

import "errors"

var (
	ErrPopLast     = errors.New("cannot pop the last value of a required field")
	ErrAbsentField = errors.New("field is absent")
	ErrMalformed   = errors.New("malformed packet")
)
