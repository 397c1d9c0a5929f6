package virt

import "errors"

var (
	ErrTagSpaceExhausted = errors.New("virtual tag space exhausted")
	ErrDuplicateMapping  = errors.New("location mapped twice")
	ErrInvalidLink       = errors.New("invalid internal link")
	ErrUnmappedPort      = errors.New("virtual port not mapped")
	ErrTagField          = errors.New("tag field unusable")
)
