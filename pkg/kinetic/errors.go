package kinetic

import "errors"

var (
	// ErrNoPolicyVariable is returned for a state machine without a
	// "policy" variable of policy type.
	ErrNoPolicyVariable = errors.New("state machine has no policy variable")

	// ErrUnknownVariable is returned when a transition refers to a variable
	// that is not defined.
	ErrUnknownVariable = errors.New("unknown variable")

	// ErrNotExogenous is returned for an event on a variable no transition
	// reads events of.
	ErrNotExogenous = errors.New("variable cannot be affected by external events")

	// ErrTypeMismatch is returned when an event value does not fit the type
	// of its variable.
	ErrTypeMismatch = errors.New("event value type mismatch")

	// ErrBadFlow is returned when an event flow lacks a field the LPEC
	// function needs or holds an unparsable value.
	ErrBadFlow = errors.New("invalid event flow")
)
