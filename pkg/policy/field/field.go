// Package field defines the header fields a policy can inspect or modify,
// their widths and value types, and the per-field match patterns.
package field

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Recognized header fields.
const (
	Switch   = "switch"
	InPort   = "inport"
	OutPort  = "outport"
	SrcMAC   = "srcmac"
	DstMAC   = "dstmac"
	EthType  = "ethtype"
	VlanID   = "vlan_id"
	VlanPCP  = "vlan_pcp"
	SrcIP    = "srcip"
	DstIP    = "dstip"
	Protocol = "protocol"
	TOS      = "tos"
	SrcPort  = "srcport"
	DstPort  = "dstport"

	// Reserved for virtualization.
	VSwitch  = "vswitch"
	VInPort  = "vinport"
	VOutPort = "voutport"
	VTag     = "vtag"
)

// Def describes a field.
type Def struct {
	Name  string
	Width int
	Kind  Kind
	// Required fields are present on every packet; their last stack element
	// cannot be popped.
	Required bool
	Virtual  bool
	// Domain, when set, lists every value the field may take.
	Domain []Value
}

var builtins = []Def{
	{Name: Switch, Width: 16, Kind: KindNum, Required: true},
	{Name: InPort, Width: 16, Kind: KindPort, Required: true},
	{Name: OutPort, Width: 16, Kind: KindPort},
	{Name: SrcMAC, Width: 48, Kind: KindMAC, Required: true},
	{Name: DstMAC, Width: 48, Kind: KindMAC, Required: true},
	{Name: EthType, Width: 16, Kind: KindNum, Required: true},
	{Name: VlanID, Width: 12, Kind: KindNum},
	{Name: VlanPCP, Width: 3, Kind: KindNum},
	{Name: SrcIP, Width: 32, Kind: KindIP},
	{Name: DstIP, Width: 32, Kind: KindIP},
	{Name: Protocol, Width: 8, Kind: KindNum},
	{Name: TOS, Width: 8, Kind: KindNum},
	{Name: SrcPort, Width: 16, Kind: KindNum},
	{Name: DstPort, Width: 16, Kind: KindNum},
	{Name: VSwitch, Width: 16, Kind: KindNum, Virtual: true},
	{Name: VInPort, Width: 16, Kind: KindPort, Virtual: true},
	{Name: VOutPort, Width: 16, Kind: KindPort, Virtual: true},
	{Name: VTag, Width: 12, Kind: KindNum, Virtual: true},
}

// Required reports whether name is a field every packet carries.
func Required(name string) bool {
	switch name {
	case Switch, InPort, SrcMAC, DstMAC, EthType:
		return true
	}
	return false
}

// Headers lists the fields carried in a packet-in or packet-out, in wire
// order.
var Headers = []string{
	Switch, InPort, SrcMAC, DstMAC, EthType, VlanID, VlanPCP,
	SrcIP, DstIP, Protocol, TOS, SrcPort, DstPort,
}

// Registry holds the field definitions visible to one network: the builtin
// fields and any virtual fields declared by applications.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Def
}

// NewRegistry returns a registry holding the builtin fields.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Def, len(builtins))}
	for _, d := range builtins {
		r.defs[d.Name] = d
	}
	return r
}

// Lookup returns the definition of name.
func (r *Registry) Lookup(name string) (Def, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Declare adds a virtual field.
func (r *Registry) Declare(d Def) error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty field name", ErrBadValue)
	}
	if d.Width <= 0 || d.Width > 64 {
		return fmt.Errorf("%w: field %s width %d", ErrBadValue, d.Name, d.Width)
	}
	d.Virtual = true
	d.Required = false

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateField, d.Name)
	}
	d.Domain = append([]Value(nil), d.Domain...)
	for _, v := range d.Domain {
		if err := checkValue(d, v); err != nil {
			return err
		}
	}
	r.defs[d.Name] = d
	return nil
}

// Names returns every declared field name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for n := range r.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Check validates v as a value of field name.
func (r *Registry) Check(name string, v Value) error {
	d, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndeclaredField, name)
	}
	return checkValue(d, v)
}

// CheckPattern validates p as a pattern on field name.
func (r *Registry) CheckPattern(name string, p Pattern) error {
	d, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndeclaredField, name)
	}
	switch {
	case p.Absent:
		return nil
	case p.IsPrefix():
		if d.Kind != KindIP {
			return fmt.Errorf("%w: prefix on %s field %s", ErrKindMismatch, d.Kind, name)
		}
		return nil
	case p.Value == nil:
		return fmt.Errorf("%w: empty pattern on %s", ErrBadValue, name)
	default:
		return checkValue(d, p.Value)
	}
}

func checkValue(d Def, v Value) error {
	if v == nil {
		return fmt.Errorf("%w: nil value for %s", ErrBadValue, d.Name)
	}
	if v.Kind() != d.Kind {
		return fmt.Errorf("%w: %s value for %s field %s", ErrKindMismatch, v.Kind(), d.Kind, d.Name)
	}
	if n, ok := v.(Num); ok && d.Width < 64 && uint64(n) >= 1<<uint(d.Width) {
		return fmt.Errorf("%w: %d does not fit %d bits of %s", ErrWidthMismatch, uint64(n), d.Width, d.Name)
	}
	if len(d.Domain) > 0 {
		for _, dv := range d.Domain {
			if dv == v {
				return nil
			}
		}
		return fmt.Errorf("%w: %s for %s", ErrNotInDomain, v, d.Name)
	}
	return nil
}

// Parse reads a textual value of field name.
func (r *Registry) Parse(name, s string) (Value, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndeclaredField, name)
	}
	var v Value
	switch d.Kind {
	case KindMAC:
		m, err := ParseMAC(s)
		if err != nil {
			return nil, err
		}
		v = m
	case KindIP:
		ip, err := ParseIP(s)
		if err != nil {
			return nil, err
		}
		v = ip
	case KindPort:
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: port %q", ErrBadValue, s)
		}
		v = PhysPort(uint16(n))
	default:
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", ErrBadValue, name, s)
		}
		v = Num(n)
	}
	if err := checkValue(d, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ParsePattern reads a textual pattern of field name: "None" for absence, a
// CIDR prefix for IP fields, or a value.
func (r *Registry) ParsePattern(name, s string) (Pattern, error) {
	if s == "None" {
		if _, ok := r.Lookup(name); !ok {
			return Pattern{}, fmt.Errorf("%w: %s", ErrUndeclaredField, name)
		}
		return None(), nil
	}
	if strings.Contains(s, "/") {
		d, ok := r.Lookup(name)
		if !ok {
			return Pattern{}, fmt.Errorf("%w: %s", ErrUndeclaredField, name)
		}
		if d.Kind != KindIP {
			return Pattern{}, fmt.Errorf("%w: prefix on %s field %s", ErrKindMismatch, d.Kind, name)
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Pattern{}, fmt.Errorf("%w: prefix %q", ErrBadValue, s)
		}
		return PrefixOf(p)
	}
	v, err := r.Parse(name, s)
	if err != nil {
		return Pattern{}, err
	}
	return Exact(v), nil
}
