package classifier

import (
	"sort"
	"strings"

	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

// Match is a conjunction of per-field patterns. The empty match accepts
// every packet. Matches are immutable.
type Match struct {
	fields map[string]field.Pattern
}

// All returns the match accepting every packet.
func All() Match {
	return Match{}
}

// NewMatch builds a match from fs.
func NewMatch(fs map[string]field.Pattern) Match {
	m := Match{fields: make(map[string]field.Pattern, len(fs))}
	for k, p := range fs {
		m.fields[k] = p
	}
	return m
}

// Exact returns the match requiring name to hold v.
func Exact(name string, v field.Value) Match {
	return NewMatch(map[string]field.Pattern{name: field.Exact(v)})
}

// Get returns the pattern on name.
func (m Match) Get(name string) (field.Pattern, bool) {
	p, ok := m.fields[name]
	return p, ok
}

// Fields returns the constrained field names in sorted order.
func (m Match) Fields() []string {
	out := make([]string, 0, len(m.fields))
	for k := range m.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Patterns returns a copy of the constraints.
func (m Match) Patterns() map[string]field.Pattern {
	out := make(map[string]field.Pattern, len(m.fields))
	for k, p := range m.fields {
		out[k] = p
	}
	return out
}

// Len returns the number of constrained fields.
func (m Match) Len() int {
	return len(m.fields)
}

// IsAll reports whether m accepts every packet.
func (m Match) IsAll() bool {
	return len(m.fields) == 0
}

// And adds the constraint name=p to m. ok is false when the result accepts
// nothing.
func (m Match) And(name string, p field.Pattern) (Match, bool) {
	if cur, ok := m.fields[name]; ok {
		var sat bool
		p, sat = field.Intersect(cur, p)
		if !sat {
			return Match{}, false
		}
	}
	out := NewMatch(m.fields)
	out.fields[name] = p
	return out, true
}

// Intersect returns the match accepting what both m and o accept.
func (m Match) Intersect(o Match) (Match, bool) {
	out := NewMatch(m.fields)
	for k, p := range o.fields {
		if cur, ok := out.fields[k]; ok {
			var sat bool
			p, sat = field.Intersect(cur, p)
			if !sat {
				return Match{}, false
			}
		}
		out.fields[k] = p
	}
	return out, true
}

// Covers reports whether every packet accepted by o is accepted by m.
func (m Match) Covers(o Match) bool {
	for k, p := range m.fields {
		q, ok := o.fields[k]
		if !ok || !p.Covers(q) {
			return false
		}
	}
	return true
}

// Disjoint reports whether no packet is accepted by both m and o.
func (m Match) Disjoint(o Match) bool {
	_, ok := m.Intersect(o)
	return !ok
}

// Matches reports whether p satisfies every constraint of m.
func (m Match) Matches(p packet.Packet) bool {
	for k, pat := range m.fields {
		v, ok := p.Get(k)
		if !pat.Matches(v, ok) {
			return false
		}
	}
	return true
}

// Equal reports whether m and o hold the same constraints.
func (m Match) Equal(o Match) bool {
	if len(m.fields) != len(o.fields) {
		return false
	}
	for k, p := range m.fields {
		if q, ok := o.fields[k]; !ok || p != q {
			return false
		}
	}
	return true
}

func (m Match) String() string {
	if m.IsAll() {
		return "*"
	}
	parts := make([]string, 0, len(m.fields))
	for _, k := range m.Fields() {
		parts = append(parts, k+"="+m.fields[k].String())
	}
	return strings.Join(parts, ",")
}
