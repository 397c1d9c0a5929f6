package topology

import "errors"

var (
	// ErrUnknownSwitch is returned for a switch not in the topology.
	ErrUnknownSwitch = errors.New("unknown switch")

	// ErrUnknownPort is returned for a port its switch does not have.
	ErrUnknownPort = errors.New("unknown port")
)
