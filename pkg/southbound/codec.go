package southbound

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

// maxExtended bounds the extended header states: the vlan id holds the low
// twelve bits of a state id and the vlan priority the next three.
const maxExtended = 1<<15 - 1

// Codec converts packets and rules to their wire form and back.
//
// Switches only carry the top value of the native header fields. Everything
// else a packet holds, its virtual fields and the values below the top of
// each stack, is its extended state; the codec gives every extended state
// it meets an id and carries the id in the vlan tag.
type Codec struct {
	mu     sync.Mutex
	ids    map[string]uint16
	states []map[string][]field.Value
}

// NewCodec returns a codec with no extended states.
func NewCodec() *Codec {
	return &Codec{ids: make(map[string]uint16)}
}

// Len returns the number of extended states seen.
func (c *Codec) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

func stateKey(st map[string][]field.Value) string {
	names := make([]string, 0, len(st))
	for name := range st {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		for i, v := range st[name] {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(v.String())
		}
		b.WriteByte(';')
	}
	return b.String()
}

// id returns the id of st, allocating one when st is new.
func (c *Codec) id(st map[string][]field.Value) (uint16, error) {
	key := stateKey(st)
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.ids[key]; ok {
		return id, nil
	}
	if len(c.states) >= maxExtended {
		return 0, ErrExtendedSpace
	}
	c.states = append(c.states, st)
	id := uint16(len(c.states))
	c.ids[key] = id
	return id, nil
}

func (c *Codec) state(id uint16) (map[string][]field.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 || int(id) > len(c.states) {
		return nil, false
	}
	return c.states[id-1], true
}

func vlanOf(id uint16) (vid, pcp uint16) {
	return id & 0xfff, id >> 12
}

func extendedOf(p packet.Packet) map[string][]field.Value {
	st := make(map[string][]field.Value)
	for _, name := range p.Fields() {
		if name == field.OutPort {
			continue
		}
		s := p.Stack(name)
		switch {
		case !native(name):
			st[name] = s
		case len(s) > 1:
			st[name] = s[1:]
		}
	}
	if len(st) == 0 {
		return nil
	}
	// the vlan tag is taken over, so its own values move into the state
	for _, name := range []string{field.VlanID, field.VlanPCP} {
		if p.Has(name) {
			st[name] = p.Stack(name)
		}
	}
	return st
}

// EncodePacket renders p, which must carry a switch and an outport, as a
// packet-out dict. The payload is the frame re-serialized with p's headers.
func (c *Codec) EncodePacket(p packet.Packet) (map[string]any, error) {
	for _, name := range []string{field.Switch, field.OutPort} {
		if !p.Has(name) {
			return nil, fmt.Errorf("%w: packet has no %s", ErrNotWireValue, name)
		}
	}

	wire := p
	if st := extendedOf(p); st != nil {
		id, err := c.id(st)
		if err != nil {
			return nil, err
		}
		vid, pcp := vlanOf(id)
		wire = wire.Modify(field.VlanID, field.Num(vid)).Modify(field.VlanPCP, field.Num(pcp))
	}

	out := make(map[string]any, len(field.Headers)+2)
	for _, name := range append(slices.Clone(field.Headers), field.OutPort) {
		v, ok := wire.Get(name)
		if !ok {
			continue
		}
		ev, err := encodeValue(name, v)
		if err != nil {
			return nil, err
		}
		out[name] = ev
	}
	raw, err := packet.Serialize(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize packet-out: %w", err)
	}
	out["payload"] = byteList(raw)
	return out, nil
}

// DecodePacket reads a packet-in dict. Headers missing from the dict are
// taken from the frame in its payload; a vlan tag carrying a known extended
// state is replaced by that state.
func (c *Codec) DecodePacket(raw json.RawMessage) (packet.Packet, error) {
	var dict map[string]json.RawMessage
	if err := json.Unmarshal(raw, &dict); err != nil {
		return packet.Packet{}, fmt.Errorf("%w: packet: %v", ErrMalformedMessage, err)
	}

	var payload byteList
	for _, key := range []string{"payload", "raw"} {
		if r, ok := dict[key]; ok && !isNull(r) {
			if err := json.Unmarshal(r, &payload); err != nil {
				return packet.Packet{}, fmt.Errorf("%w: %s", err, key)
			}
			break
		}
	}

	sw, ok, err := decodeValue(field.Switch, dict[field.Switch])
	if err != nil || !ok {
		return packet.Packet{}, fmt.Errorf("%w: packet has no switch", ErrMalformedMessage)
	}
	in, ok, err := decodeValue(field.InPort, dict[field.InPort])
	if err != nil || !ok {
		return packet.Packet{}, fmt.Errorf("%w: packet has no inport", ErrMalformedMessage)
	}

	vals := make(map[string]field.Value)
	if len(payload) > 0 {
		if frame, err := packet.Decode(payload, sw.Uint64(), in.(field.Port).No); err == nil {
			vals = frame.Headers()
		}
	}
	for _, name := range field.Headers {
		r, present := dict[name]
		if !present {
			continue
		}
		v, ok, err := decodeValue(name, r)
		if err != nil {
			return packet.Packet{}, err
		}
		if ok {
			vals[name] = v
		} else {
			delete(vals, name)
		}
	}
	for _, name := range []string{field.SrcMAC, field.DstMAC, field.EthType} {
		if _, ok := vals[name]; !ok {
			return packet.Packet{}, fmt.Errorf("%w: packet has no %s", ErrMalformedMessage, name)
		}
	}

	stacks := make(map[string][]field.Value, len(vals))
	for name, v := range vals {
		stacks[name] = []field.Value{v}
	}
	if vid, ok := vals[field.VlanID]; ok {
		var pcp uint64
		if v, ok := vals[field.VlanPCP]; ok {
			pcp = v.Uint64()
		}
		if st, ok := c.state(uint16(vid.Uint64()&0xfff | pcp<<12)); ok {
			delete(stacks, field.VlanID)
			delete(stacks, field.VlanPCP)
			for name, s := range st {
				if native(name) && name != field.VlanID && name != field.VlanPCP {
					stacks[name] = append(stacks[name], s...)
				} else {
					stacks[name] = s
				}
			}
		}
	}

	p := packet.New(nil)
	for name, s := range stacks {
		for i := len(s) - 1; i >= 0; i-- {
			p = p.Push(name, s[i])
		}
	}
	return p.WithPayload(payload), nil
}

// EncodeMatch renders a flow match. Tests on non-native fields become a
// test of the vlan tag: exact values select the extended state made of
// them, and a match requiring them all absent selects untagged packets.
func (c *Codec) EncodeMatch(pats map[string]field.Pattern) (map[string]any, error) {
	out := make(map[string]any, len(pats))
	st := make(map[string][]field.Value)
	extended := false
	for name, p := range pats {
		if name == field.OutPort {
			return nil, fmt.Errorf("%w: flow match on %s", ErrNotWireValue, name)
		}
		if native(name) {
			v, err := encodePattern(name, p)
			if err != nil {
				return nil, err
			}
			out[name] = v
			continue
		}
		extended = true
		switch {
		case p.IsPrefix():
			return nil, fmt.Errorf("%w: prefix match on %s", ErrNotWireValue, name)
		case !p.Absent:
			st[name] = []field.Value{p.Value}
		}
	}
	if !extended {
		return out, nil
	}
	if _, ok := pats[field.VlanID]; ok {
		return nil, fmt.Errorf("%w: vlan match alongside extended fields", ErrNotWireValue)
	}
	if len(st) == 0 {
		out[field.VlanID] = nil
		return out, nil
	}
	id, err := c.id(st)
	if err != nil {
		return nil, err
	}
	vid, pcp := vlanOf(id)
	out[field.VlanID] = vid
	out[field.VlanPCP] = pcp
	return out, nil
}

// Output is one copy a flow sends out: the headers it rewrites, the
// optional headers it strips and the port it leaves through.
type Output struct {
	Modify map[string]field.Value
	Strip  []string
	Port   field.Port
}

// EncodeAction renders o as an action dict. Rewrites of non-native fields
// retag the packet with the extended state they leave; stripping them
// removes the tag.
func (c *Codec) EncodeAction(o Output) (map[string]any, error) {
	out := make(map[string]any, len(o.Modify)+len(o.Strip)+1)
	port, err := encodeValue(field.OutPort, o.Port)
	if err != nil {
		return nil, err
	}
	out[field.OutPort] = port

	st := make(map[string][]field.Value)
	for name, v := range o.Modify {
		if !native(name) {
			st[name] = []field.Value{v}
			continue
		}
		ev, err := encodeValue(name, v)
		if err != nil {
			return nil, err
		}
		out[name] = ev
	}
	stripExtended := false
	for _, name := range o.Strip {
		if native(name) {
			out[name] = nil
		} else {
			stripExtended = true
		}
	}
	switch {
	case len(st) > 0:
		id, err := c.id(st)
		if err != nil {
			return nil, err
		}
		vid, pcp := vlanOf(id)
		out[field.VlanID] = vid
		out[field.VlanPCP] = pcp
	case stripExtended:
		out[field.VlanID] = nil
	}
	return out, nil
}

// DecodeMatch reads a match dict as reported in flow statistics.
func DecodeMatch(raw json.RawMessage) (map[string]field.Pattern, error) {
	var dict map[string]json.RawMessage
	if err := json.Unmarshal(raw, &dict); err != nil {
		return nil, fmt.Errorf("%w: match: %v", ErrMalformedMessage, err)
	}
	out := make(map[string]field.Pattern, len(dict))
	for name, r := range dict {
		if !native(name) {
			continue
		}
		p, err := decodePattern(name, r)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, nil
}
