package southbound

import "errors"

var (
	// ErrSwitchDown is returned when a message targets a switch that has not
	// finished joining.
	ErrSwitchDown = errors.New("switch is not up")

	// ErrNotConnected is returned when no OpenFlow client is connected.
	ErrNotConnected = errors.New("no openflow client connected")

	// ErrMalformedMessage is returned for messages that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed southbound message")

	// ErrUnknownMessage is returned for messages of an unrecognized type.
	ErrUnknownMessage = errors.New("unknown southbound message")

	// ErrNotWireValue is returned for values and patterns switches cannot
	// carry, such as bucket ports.
	ErrNotWireValue = errors.New("value cannot be sent to a switch")

	// ErrNoSwitch is returned for flow mods whose match does not name one
	// switch.
	ErrNoSwitch = errors.New("flow mod does not name a switch")

	// ErrExtendedSpace is returned when no vlan is left to carry extended
	// header state.
	ErrExtendedSpace = errors.New("extended header space exhausted")

	// ErrWriteFailed is returned when a write failed after every retry; the
	// switch it targeted is reset.
	ErrWriteFailed = errors.New("southbound write failed")

	// ErrChannelClosed is returned by operations on a stopped channel.
	ErrChannelClosed = errors.New("southbound channel is closed")
)
