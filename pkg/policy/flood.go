package policy

import (
	"sort"

	"netpolicy/pkg/policy/field"
)

// FloodTree returns the policy sending each packet out of every port its
// switch has on a spanning tree, except the port it arrived on. tree maps
// switch to its tree ports.
func FloodTree(tree map[uint64][]uint16) Policy {
	switches := make([]uint64, 0, len(tree))
	for sw := range tree {
		switches = append(switches, sw)
	}
	sort.Slice(switches, func(i, j int) bool { return switches[i] < switches[j] })

	branches := make([]Policy, 0, len(switches))
	for _, sw := range switches {
		ports := append([]uint16(nil), tree[sw]...)
		sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
		outs := make([]Policy, 0, len(ports))
		for _, p := range ports {
			outs = append(outs, Xfwd(p))
		}
		branches = append(branches, Restrict(Par(outs...), MatchValue(field.Switch, field.Num(sw))))
	}
	return Par(branches...)
}

// Flood returns a dynamic policy flooding along the spanning tree of the
// network it is installed on. It drops until the network reports a
// topology.
func Flood() *Dynamic {
	d := NewDynamic("flood", Drop)
	d.OnNetwork(func(d *Dynamic, v NetworkView) {
		setIfChanged(d, FloodTree(v.SpanningTree()))
	})
	return d
}

// IngressNetwork returns a dynamic filter passing packets located at a port
// where traffic enters the network.
func IngressNetwork() *Dynamic {
	d := NewDynamic("ingress_network", Drop)
	d.OnNetwork(func(d *Dynamic, v NetworkView) {
		setIfChanged(d, portFilter(v.EdgePorts(), field.InPort))
	})
	return d
}

// EgressNetwork returns a dynamic filter passing packets headed out of a
// port where traffic leaves the network.
func EgressNetwork() *Dynamic {
	d := NewDynamic("egress_network", Drop)
	d.OnNetwork(func(d *Dynamic, v NetworkView) {
		setIfChanged(d, portFilter(v.EdgePorts(), field.OutPort))
	})
	return d
}

func portFilter(ports map[uint64][]uint16, portField string) Pred {
	switches := make([]uint64, 0, len(ports))
	for sw := range ports {
		switches = append(switches, sw)
	}
	sort.Slice(switches, func(i, j int) bool { return switches[i] < switches[j] })
	var out []Pred
	for _, sw := range switches {
		ps := append([]uint16(nil), ports[sw]...)
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
		for _, p := range ps {
			out = append(out, Match(map[string]field.Pattern{
				field.Switch: field.Exact(field.Num(sw)),
				portField:    field.Exact(field.PhysPort(p)),
			}))
		}
	}
	return Or(out...)
}

func setIfChanged(d *Dynamic, p Policy) {
	if d.Policy().String() == p.String() {
		return
	}
	// p is built from the topology alone, it cannot contain d
	_ = d.Set(p)
}
