package wildcard

import "errors"

var (
	// ErrSyntax is returned when a textual wildcard cannot be parsed.
	ErrSyntax = errors.New("invalid wildcard syntax")
)
