package packet

import (
	"sort"
	"strconv"
	"strings"
)

type entry struct {
	pkt Packet
	n   int
}

// Multiset is a bag of packets with positive multiplicities. The zero value
// is empty and ready to use.
type Multiset struct {
	entries map[string]*entry
}

// NewMultiset returns a multiset holding each of pkts once.
func NewMultiset(pkts ...Packet) *Multiset {
	m := &Multiset{}
	for _, p := range pkts {
		m.Add(p, 1)
	}
	return m
}

// Add adds n copies of p. Non-positive n is ignored.
func (m *Multiset) Add(p Packet, n int) {
	if n <= 0 {
		return
	}
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	k := p.Key()
	if e, ok := m.entries[k]; ok {
		e.n += n
		return
	}
	m.entries[k] = &entry{pkt: p, n: n}
}

// AddAll adds every element of o, each multiplied by factor.
func (m *Multiset) AddAll(o *Multiset, factor int) {
	if o == nil {
		return
	}
	for _, e := range o.entries {
		m.Add(e.pkt, e.n*factor)
	}
}

// Count returns the multiplicity of p.
func (m *Multiset) Count(p Packet) int {
	if m == nil || m.entries == nil {
		return 0
	}
	if e, ok := m.entries[p.Key()]; ok {
		return e.n
	}
	return 0
}

// Len returns the number of distinct packets.
func (m *Multiset) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Size returns the total multiplicity.
func (m *Multiset) Size() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, e := range m.entries {
		n += e.n
	}
	return n
}

// IsEmpty reports whether m holds no packets.
func (m *Multiset) IsEmpty() bool {
	return m.Len() == 0
}

// Packets returns the distinct packets ordered by key.
func (m *Multiset) Packets() []Packet {
	keys := m.keys()
	out := make([]Packet, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entries[k].pkt)
	}
	return out
}

// Each calls fn for every distinct packet in key order.
func (m *Multiset) Each(fn func(p Packet, n int)) {
	for _, k := range m.keys() {
		e := m.entries[k]
		fn(e.pkt, e.n)
	}
}

func (m *Multiset) keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether m and o hold the same packets with the same
// multiplicities.
func (m *Multiset) Equal(o *Multiset) bool {
	if m.Len() != o.Len() {
		return false
	}
	for _, k := range m.keys() {
		e, ok := o.entries[k]
		if !ok || e.n != m.entries[k].n {
			return false
		}
	}
	return true
}

func (m *Multiset) String() string {
	var parts []string
	m.Each(func(p Packet, n int) {
		parts = append(parts, p.String()+":"+strconv.Itoa(n))
	})
	return "{" + strings.Join(parts, ", ") + "}"
}
