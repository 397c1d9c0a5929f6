package field

import "errors"

var (
	ErrUndeclaredField = errors.New("undeclared field")
	ErrDuplicateField  = errors.New("field already declared")
	ErrWidthMismatch   = errors.New("value exceeds field width")
	ErrKindMismatch    = errors.New("value kind does not match field")
	ErrNotInDomain     = errors.New("value outside field domain")
	ErrBadValue        = errors.New("malformed field value")
)
