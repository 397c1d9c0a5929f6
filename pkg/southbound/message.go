package southbound

import (
	"encoding/json"
	"fmt"

	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

// Message is a message received from the OpenFlow client.
type Message interface {
	Type() string
}

// Switch join phases.
const (
	PhaseBegin = "BEGIN"
	PhaseEnd   = "END"
)

// SwitchJoin reports a switch connecting. The client sends one at the
// start of the handshake and one once the switch is ready; a join without
// a phase does both.
type SwitchJoin struct {
	DPID  uint64
	Phase string
}

// SwitchPart reports a switch disconnecting.
type SwitchPart struct {
	DPID uint64
}

// Port event operations.
const (
	PortJoin = "join"
	PortMod  = "mod"
	PortPart = "part"
)

// PortEvent reports a port appearing, changing or going away.
type PortEvent struct {
	Op       string
	DPID     uint64
	Port     uint16
	ConfigUp bool
	StatusUp bool
}

// LinkEvent reports a link discovered between two ports.
type LinkEvent struct {
	A, B topology.Location
}

// PacketIn is a packet a switch sent to the controller.
type PacketIn struct {
	Packet packet.Packet
	Cookie uint64
}

// FlowStats holds the counters of one flow.
type FlowStats struct {
	Cookie   uint64
	Priority int
	Packets  uint64
	Bytes    uint64
	Match    map[string]field.Pattern
}

// FlowStatsReply answers a FlowStatsRequest.
type FlowStatsReply struct {
	DPID  uint64
	Stats []FlowStats
}

// FlowRemoved reports a flow the switch removed by itself.
type FlowRemoved struct {
	DPID  uint64
	Match map[string]field.Pattern
}

func (SwitchJoin) Type() string     { return "switch" }
func (SwitchPart) Type() string     { return "switch" }
func (PortEvent) Type() string      { return "port" }
func (LinkEvent) Type() string      { return "link" }
func (PacketIn) Type() string       { return "packet" }
func (FlowStatsReply) Type() string { return "flow_stats_reply" }
func (FlowRemoved) Type() string    { return "flow_removed" }

type statsEntry struct {
	Cookie   uint64          `json:"cookie"`
	Priority int             `json:"priority"`
	Packets  uint64          `json:"packet_count"`
	Bytes    uint64          `json:"byte_count"`
	Match    json.RawMessage `json:"match"`
}

// Decode parses one line received from the client.
func (c *Codec) Decode(line []byte) (Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(line, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	var typ string
	if err := json.Unmarshal(parts[0], &typ); err != nil {
		return nil, fmt.Errorf("%w: message type: %v", ErrMalformedMessage, err)
	}
	args := parts[1:]

	switch typ {
	case "switch":
		var op string
		var dpid uint64
		if err := unpack(args, 2, &op, &dpid); err != nil {
			return nil, fmt.Errorf("%w: switch", err)
		}
		switch op {
		case "join":
			m := SwitchJoin{DPID: dpid}
			if len(args) > 2 {
				if err := json.Unmarshal(args[2], &m.Phase); err != nil {
					return nil, fmt.Errorf("%w: switch join phase: %v", ErrMalformedMessage, err)
				}
			}
			return m, nil
		case "part":
			return SwitchPart{DPID: dpid}, nil
		}
		return nil, fmt.Errorf("%w: switch %s", ErrUnknownMessage, op)

	case "port":
		var m PortEvent
		if err := unpack(args, 3, &m.Op, &m.DPID, &m.Port); err != nil {
			return nil, fmt.Errorf("%w: port", err)
		}
		switch m.Op {
		case PortJoin, PortMod:
			if err := unpack(args[3:], 2, &m.ConfigUp, &m.StatusUp); err != nil {
				return nil, fmt.Errorf("%w: port %s", err, m.Op)
			}
		case PortPart:
		default:
			return nil, fmt.Errorf("%w: port %s", ErrUnknownMessage, m.Op)
		}
		return m, nil

	case "link":
		var m LinkEvent
		if err := unpack(args, 4, &m.A.Switch, &m.A.Port, &m.B.Switch, &m.B.Port); err != nil {
			return nil, fmt.Errorf("%w: link", err)
		}
		return m, nil

	case "packet":
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: packet without a body", ErrMalformedMessage)
		}
		p, err := c.DecodePacket(args[0])
		if err != nil {
			return nil, err
		}
		m := PacketIn{Packet: p}
		if len(args) > 1 && !isNull(args[1]) {
			if err := json.Unmarshal(args[1], &m.Cookie); err != nil {
				return nil, fmt.Errorf("%w: packet cookie: %v", ErrMalformedMessage, err)
			}
		}
		return m, nil

	case "flow_stats_reply":
		var (
			dpid    uint64
			entries []statsEntry
		)
		if err := unpack(args, 2, &dpid, &entries); err != nil {
			return nil, fmt.Errorf("%w: flow stats reply", err)
		}
		m := FlowStatsReply{DPID: dpid, Stats: make([]FlowStats, 0, len(entries))}
		for _, e := range entries {
			fs := FlowStats{Cookie: e.Cookie, Priority: e.Priority, Packets: e.Packets, Bytes: e.Bytes}
			if !isNull(e.Match) {
				match, err := DecodeMatch(e.Match)
				if err != nil {
					return nil, err
				}
				fs.Match = match
			}
			m.Stats = append(m.Stats, fs)
		}
		return m, nil

	case "flow_removed":
		var dpid uint64
		if err := unpack(args, 2, &dpid); err != nil {
			return nil, fmt.Errorf("%w: flow removed", err)
		}
		match, err := DecodeMatch(args[1])
		if err != nil {
			return nil, err
		}
		return FlowRemoved{DPID: dpid, Match: match}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, typ)
}

// unpack decodes the first len(dst) elements of args, of which at least
// need must be present.
func unpack(args []json.RawMessage, need int, dst ...any) error {
	if len(args) < need {
		return fmt.Errorf("%w: %d arguments, want %d", ErrMalformedMessage, len(args), need)
	}
	for i, d := range dst {
		if i >= len(args) {
			break
		}
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("%w: argument %d: %v", ErrMalformedMessage, i+1, err)
		}
	}
	return nil
}

// Command is a message sent to the OpenFlow client.
type Command interface {
	// Switch returns the switch the command is for; ok is false for
	// commands addressed to the client itself.
	Switch() (dpid uint64, ok bool)
	wire(c *Codec) ([]any, error)
}

// PacketOut sends a packet out of the switch and port it is located at.
type PacketOut struct {
	Packet packet.Packet
}

// FlowMod installs a flow, or modifies the actions of an installed flow
// with the same match and priority. The match must test the switch.
type FlowMod struct {
	Modify   bool
	Match    map[string]field.Pattern
	Priority int
	Actions  []Output
	// Goto continues processing in another table; zero means none.
	Goto   int
	Cookie uint64
	Notify bool
	Table  int
}

// FlowDelete removes the flows with the given match and priority.
type FlowDelete struct {
	Match    map[string]field.Pattern
	Priority int
}

// Clear removes every flow of a table.
type Clear struct {
	DPID  uint64
	Table int
}

// FlowStatsRequest asks a switch for the counters of its flows.
type FlowStatsRequest struct {
	DPID uint64
}

// Barrier asks a switch to finish every earlier command first.
type Barrier struct {
	DPID uint64
}

// InjectDiscovery sends a link discovery packet out of a port.
type InjectDiscovery struct {
	DPID uint64
	Port uint16
}

// ResetInstallTime restarts the client's install timing.
type ResetInstallTime struct{}

func matchSwitch(m map[string]field.Pattern) (uint64, bool) {
	p, ok := m[field.Switch]
	if !ok || p.Absent || p.IsPrefix() || p.Value == nil {
		return 0, false
	}
	return p.Value.Uint64(), true
}

func (c PacketOut) Switch() (uint64, bool) {
	v, ok := c.Packet.Get(field.Switch)
	if !ok {
		return 0, false
	}
	return v.Uint64(), true
}

func (c PacketOut) wire(codec *Codec) ([]any, error) {
	dict, err := codec.EncodePacket(c.Packet)
	if err != nil {
		return nil, err
	}
	return []any{"packet", dict}, nil
}

func (c FlowMod) Switch() (uint64, bool) { return matchSwitch(c.Match) }

func (c FlowMod) wire(codec *Codec) ([]any, error) {
	if _, ok := c.Switch(); !ok {
		return nil, ErrNoSwitch
	}
	match, err := codec.EncodeMatch(c.Match)
	if err != nil {
		return nil, err
	}
	actions := make([]map[string]any, 0, len(c.Actions)+1)
	for _, o := range c.Actions {
		a, err := codec.EncodeAction(o)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if c.Goto > 0 {
		actions = append(actions, map[string]any{"goto_table": c.Goto})
	}
	op := "install"
	if c.Modify {
		op = "modify"
	}
	return []any{op, match, c.Priority, actions, c.Cookie, c.Notify, c.Table}, nil
}

func (c FlowDelete) Switch() (uint64, bool) { return matchSwitch(c.Match) }

func (c FlowDelete) wire(codec *Codec) ([]any, error) {
	if _, ok := c.Switch(); !ok {
		return nil, ErrNoSwitch
	}
	match, err := codec.EncodeMatch(c.Match)
	if err != nil {
		return nil, err
	}
	return []any{"delete", match, c.Priority}, nil
}

func (c Clear) Switch() (uint64, bool) { return c.DPID, true }

func (c Clear) wire(*Codec) ([]any, error) {
	return []any{"clear", c.DPID, c.Table}, nil
}

func (c FlowStatsRequest) Switch() (uint64, bool) { return c.DPID, true }

func (c FlowStatsRequest) wire(*Codec) ([]any, error) {
	return []any{"flow_stats_request", c.DPID}, nil
}

func (c Barrier) Switch() (uint64, bool) { return c.DPID, true }

func (c Barrier) wire(*Codec) ([]any, error) {
	return []any{"barrier", c.DPID}, nil
}

func (c InjectDiscovery) Switch() (uint64, bool) { return c.DPID, true }

func (c InjectDiscovery) wire(*Codec) ([]any, error) {
	return []any{"inject_discovery_packet", c.DPID, c.Port}, nil
}

func (ResetInstallTime) Switch() (uint64, bool) { return 0, false }

func (ResetInstallTime) wire(*Codec) ([]any, error) {
	return []any{"reset_install_time"}, nil
}

// Encode renders cmd as one newline terminated line.
func (c *Codec) Encode(cmd Command) ([]byte, error) {
	msg, err := cmd.wire(c)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", cmd, err)
	}
	return append(b, '\n'), nil
}
