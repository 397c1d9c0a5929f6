package network

import "errors"

var (
	// ErrNoInjector is returned when injecting packets into a network no
	// southbound channel is attached to.
	ErrNoInjector = errors.New("no packet injector attached")

	// ErrNotLocated is returned when injecting a packet without a switch
	// and an output port.
	ErrNotLocated = errors.New("packet has no switch or output port")
)
