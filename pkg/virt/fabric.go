package virt

import (
	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
)

func atTarget(sw uint64, m Mapping) policy.Pred {
	return policy.Match(map[string]field.Pattern{
		field.Switch:   field.Exact(field.Num(sw)),
		field.VSwitch:  field.Exact(field.Num(m.Virtual.Switch)),
		field.VOutPort: field.Exact(field.PhysPort(m.Virtual.Port)),
	})
}

func deliver(m Mapping) policy.Policy {
	if m.Internal {
		return policy.Identity
	}
	return policy.Fwd(m.Physical.Port)
}

// OneToOne returns the fabric of a virtual network whose switches each
// live on a single physical switch: a packet is sent straight out of the
// physical port behind its virtual output port.
func OneToOne(vm *VMap) policy.Policy {
	var branches []policy.Policy
	for _, m := range vm.Mappings() {
		branches = append(branches, policy.Restrict(deliver(m), atTarget(m.Physical.Switch, m)))
	}
	return policy.Par(branches...)
}

// ShortestPath returns the fabric carrying a packet from any switch of phys
// along a shortest path to the physical port behind its virtual output
// port. Packets on switches with no path are dropped.
func ShortestPath(vm *VMap, phys *topology.Topology) policy.Policy {
	paths := phys.ShortestPaths()
	var branches []policy.Policy
	for _, m := range vm.Mappings() {
		dst := m.Physical.Switch
		branches = append(branches, policy.Restrict(deliver(m), atTarget(dst, m)))
		for _, sw := range phys.Switches() {
			hops := paths[sw][dst]
			if sw == dst || len(hops) == 0 {
				continue
			}
			branches = append(branches, policy.Restrict(policy.Fwd(hops[0].Port), atTarget(sw, m)))
		}
	}
	return policy.Par(branches...)
}
