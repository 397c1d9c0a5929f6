package field

import (
	"net/netip"
)

// Pattern constrains a single field: an exact value, an IPv4 prefix, or the
// absence of the field. Patterns are comparable.
type Pattern struct {
	Value  Value
	Prefix netip.Prefix
	Absent bool
}

// Exact matches exactly v.
func Exact(v Value) Pattern {
	return Pattern{Value: v}
}

// PrefixOf matches every IPv4 address inside p. A /32 prefix is normalized to
// an exact match.
func PrefixOf(p netip.Prefix) (Pattern, error) {
	if !p.IsValid() || !p.Addr().Unmap().Is4() {
		return Pattern{}, ErrBadValue
	}
	p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked()
	if p.Bits() == 32 {
		return Pattern{Value: IP{addr: p.Addr()}}, nil
	}
	return Pattern{Prefix: p}, nil
}

// MustPrefix is PrefixOf on a textual prefix, for constants.
func MustPrefix(s string) Pattern {
	p, err := PrefixOf(netip.MustParsePrefix(s))
	if err != nil {
		panic(err)
	}
	return p
}

// None matches packets on which the field is absent.
func None() Pattern {
	return Pattern{Absent: true}
}

// IsPrefix reports whether p is a prefix pattern.
func (p Pattern) IsPrefix() bool {
	return p.Prefix.IsValid()
}

// Matches reports whether a field holding v (present when ok) satisfies p.
func (p Pattern) Matches(v Value, ok bool) bool {
	if p.Absent {
		return !ok
	}
	if !ok {
		return false
	}
	if p.IsPrefix() {
		ip, isIP := v.(IP)
		return isIP && p.Prefix.Contains(ip.addr)
	}
	return v == p.Value
}

// Covers reports whether every field state matched by q is matched by p.
func (p Pattern) Covers(q Pattern) bool {
	switch {
	case p.Absent || q.Absent:
		return p.Absent && q.Absent
	case !p.IsPrefix():
		return !q.IsPrefix() && p.Value == q.Value
	case q.IsPrefix():
		return p.Prefix.Bits() <= q.Prefix.Bits() && p.Prefix.Contains(q.Prefix.Addr())
	default:
		return p.Matches(q.Value, true)
	}
}

// Intersect returns the pattern matching what both a and b match. ok is
// false when nothing matches both.
func Intersect(a, b Pattern) (Pattern, bool) {
	switch {
	case a.Covers(b):
		return b, true
	case b.Covers(a):
		return a, true
	default:
		// prefixes overlap only when one contains the other
		return Pattern{}, false
	}
}

func (p Pattern) String() string {
	switch {
	case p.Absent:
		return "None"
	case p.IsPrefix():
		return p.Prefix.String()
	case p.Value == nil:
		return "<invalid>"
	default:
		return p.Value.String()
	}
}

// Bits returns the encoding of p for a field of the given width: the value
// bits and the number of leading bits that are fixed. Absent patterns have no
// bit encoding and return ok false.
func (p Pattern) Bits(width int) (v uint64, fixed int, ok bool) {
	switch {
	case p.Absent:
		return 0, 0, false
	case p.IsPrefix():
		b := p.Prefix.Addr().As4()
		raw := uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
		return raw, p.Prefix.Bits(), true
	default:
		return p.Value.Uint64(), width, true
	}
}
