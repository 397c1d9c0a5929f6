// Package query provides buckets: policy sinks that hand matching packets,
// or counters derived from them, to application callbacks.
package query

import (
	"fmt"
	"sort"
	"strings"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

// Query is a bucket together with the policy that feeds it.
type Query interface {
	policy.Bucket
	// Policy returns the policy to compose with, normally a QueryPol
	// delivering to the bucket itself.
	Policy() policy.Policy
	Close()
}

// group identifies the values of the grouping fields in p. With no
// grouping fields every header of p takes part.
type group struct {
	key    string
	values map[string]field.Value
	absent []string
}

func groupOf(p packet.Packet, fields []string) group {
	if len(fields) == 0 {
		fields = p.Fields()
	}
	names := append([]string(nil), fields...)
	sort.Strings(names)

	g := group{values: make(map[string]field.Value, len(names))}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v, ok := p.Get(name)
		if !ok {
			g.absent = append(g.absent, name)
			parts = append(parts, name+"=None")
			continue
		}
		g.values[name] = v
		parts = append(parts, fmt.Sprintf("%s=%s", name, v))
	}
	g.key = strings.Join(parts, ",")
	if g.key == "" {
		g.key = "*"
	}
	return g
}

// pred matches exactly the packets of g.
func (g group) pred() policy.Pred {
	pats := make(map[string]field.Pattern, len(g.values)+len(g.absent))
	for name, v := range g.values {
		pats[name] = field.Exact(v)
	}
	for _, name := range g.absent {
		pats[name] = field.None()
	}
	return policy.Match(pats)
}

func byteCount(p packet.Packet) uint64 {
	return uint64(len(p.Payload()))
}
