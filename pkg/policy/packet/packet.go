// Package packet implements immutable located packets whose header fields
// are stacks of values.
package packet

import (
	"fmt"
	"sort"
	"strings"

	"netpolicy/pkg/policy/field"
)

// Packet maps field names to non-empty stacks of values, top first, and
// carries the raw frame it was decoded from. A Packet is never modified;
// every operation returns a new one.
type Packet struct {
	fields  map[string][]field.Value
	payload []byte
}

// New builds a packet with a one-element stack per entry of vals.
func New(vals map[string]field.Value) Packet {
	p := Packet{fields: make(map[string][]field.Value, len(vals))}
	for k, v := range vals {
		p.fields[k] = []field.Value{v}
	}
	return p
}

func (p Packet) clone() Packet {
	out := Packet{fields: make(map[string][]field.Value, len(p.fields)+1), payload: p.payload}
	for k, s := range p.fields {
		out.fields[k] = s
	}
	return out
}

// Get returns the top value of name.
func (p Packet) Get(name string) (field.Value, bool) {
	s, ok := p.fields[name]
	if !ok {
		return nil, false
	}
	return s[0], true
}

// Has reports whether name is present.
func (p Packet) Has(name string) bool {
	_, ok := p.fields[name]
	return ok
}

// Stack returns the full stack of name, top first.
func (p Packet) Stack(name string) []field.Value {
	return append([]field.Value(nil), p.fields[name]...)
}

// Fields returns the present field names in sorted order.
func (p Packet) Fields() []string {
	out := make([]string, 0, len(p.fields))
	for k := range p.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Headers returns the top value of every present field.
func (p Packet) Headers() map[string]field.Value {
	out := make(map[string]field.Value, len(p.fields))
	for k, s := range p.fields {
		out[k] = s[0]
	}
	return out
}

// Push places v on top of the stack of name.
func (p Packet) Push(name string, v field.Value) Packet {
	out := p.clone()
	s := make([]field.Value, 0, len(p.fields[name])+1)
	s = append(s, v)
	out.fields[name] = append(s, p.fields[name]...)
	return out
}

// Pop removes the top value of name. Popping the only value of an optional
// field leaves the field absent; popping the only value of a required field
// fails with ErrPopLast.
func (p Packet) Pop(name string) (Packet, error) {
	s, ok := p.fields[name]
	if !ok {
		return Packet{}, fmt.Errorf("%w: pop %s", ErrAbsentField, name)
	}
	if len(s) == 1 && field.Required(name) {
		return Packet{}, fmt.Errorf("%w: %s", ErrPopLast, name)
	}
	out := p.clone()
	if len(s) == 1 {
		delete(out.fields, name)
	} else {
		out.fields[name] = s[1:]
	}
	return out, nil
}

// Modify replaces the top value of name, creating the field if absent.
func (p Packet) Modify(name string, v field.Value) Packet {
	out := p.clone()
	s := p.fields[name]
	ns := make([]field.Value, 0, max(len(s), 1))
	ns = append(ns, v)
	if len(s) > 1 {
		ns = append(ns, s[1:]...)
	}
	out.fields[name] = ns
	return out
}

// Payload returns the raw frame.
func (p Packet) Payload() []byte {
	return p.payload
}

// WithPayload returns p carrying raw as its frame.
func (p Packet) WithPayload(raw []byte) Packet {
	out := p.clone()
	out.payload = append([]byte(nil), raw...)
	return out
}

// Key returns a canonical encoding of p. Two packets are equal exactly when
// their keys are.
func (p Packet) Key() string {
	var sb strings.Builder
	for _, k := range p.Fields() {
		sb.WriteString(k)
		sb.WriteByte('=')
		for i, v := range p.fields[k] {
			if i > 0 {
				sb.WriteByte('|')
			}
			sb.WriteString(v.String())
		}
		sb.WriteByte(';')
	}
	if len(p.payload) > 0 {
		sb.WriteByte('#')
		sb.Write(p.payload)
	}
	return sb.String()
}

// Equal reports whether p and o hold the same stacks and payload.
func (p Packet) Equal(o Packet) bool {
	return p.Key() == o.Key()
}

func (p Packet) String() string {
	var parts []string
	for _, k := range p.Fields() {
		s := p.fields[k]
		if len(s) == 1 {
			parts = append(parts, fmt.Sprintf("%s=%s", k, s[0]))
			continue
		}
		vs := make([]string, 0, len(s))
		for _, v := range s {
			vs = append(vs, v.String())
		}
		parts = append(parts, fmt.Sprintf("%s=[%s]", k, strings.Join(vs, ",")))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
