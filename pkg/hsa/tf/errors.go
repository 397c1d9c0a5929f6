package tf

import "errors"

var (
	ErrWidthMismatch = errors.New("rule width does not match transfer function")
	ErrUnknownAction = errors.New("unknown rule action")
	ErrBadRuleIndex  = errors.New("rule index out of range")
	ErrBadPortMap    = errors.New("malformed port map")
)
