package classifier

import "errors"

var (
	// ErrNotClassifiable is returned when a sequential composition needs to
	// test a header value buried below the top of its stack.
	ErrNotClassifiable = errors.New("policy cannot be expressed as a classifier")
	ErrNotTotal        = errors.New("classifier has no catch-all rule")
)
