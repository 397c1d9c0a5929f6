package virt

import (
	"fmt"
	"sort"

	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
)

// Mapping ties a virtual port to the place it exists physically.
type Mapping struct {
	Virtual  topology.Location `json:"virtual" yaml:"virtual"`
	Physical topology.Location `json:"physical" yaml:"physical"`
	// Internal ports exist only inside Physical.Switch and are joined to
	// another internal port by an internal link. Physical.Port is unused.
	Internal bool `json:"internal,omitempty" yaml:"internal,omitempty"`
	// Edge marks ports leading out of the virtual network.
	Edge bool `json:"edge,omitempty" yaml:"edge,omitempty"`
}

// VMap maps physical ports to virtual ports and back.
type VMap struct {
	mappings   []Mapping
	byVirtual  map[topology.Location]Mapping
	byPhysical map[topology.Location]topology.Location
	links      []topology.Link
	peers      map[topology.Location]topology.Location
}

// NewVMap validates mappings and internal links. Every virtual port and
// every non-internal physical port may be mapped once. Both ends of an
// internal link must be internal ports of the same physical switch.
func NewVMap(mappings []Mapping, links ...topology.Link) (*VMap, error) {
	vm := &VMap{
		byVirtual:  make(map[topology.Location]Mapping, len(mappings)),
		byPhysical: make(map[topology.Location]topology.Location, len(mappings)),
		peers:      make(map[topology.Location]topology.Location, 2*len(links)),
	}
	for _, m := range mappings {
		if _, ok := vm.byVirtual[m.Virtual]; ok {
			return nil, fmt.Errorf("%w: virtual %s", ErrDuplicateMapping, m.Virtual)
		}
		if m.Internal {
			m.Physical.Port = 0
		} else {
			if _, ok := vm.byPhysical[m.Physical]; ok {
				return nil, fmt.Errorf("%w: physical %s", ErrDuplicateMapping, m.Physical)
			}
			vm.byPhysical[m.Physical] = m.Virtual
		}
		vm.byVirtual[m.Virtual] = m
		vm.mappings = append(vm.mappings, m)
	}
	sort.Slice(vm.mappings, func(i, j int) bool {
		return less(vm.mappings[i].Virtual, vm.mappings[j].Virtual)
	})

	for _, l := range links {
		a, aok := vm.byVirtual[l.A]
		b, bok := vm.byVirtual[l.B]
		switch {
		case !aok || !bok:
			return nil, fmt.Errorf("%w: %s has an unmapped end", ErrInvalidLink, l)
		case !a.Internal || !b.Internal:
			return nil, fmt.Errorf("%w: %s joins a physical port", ErrInvalidLink, l)
		case a.Physical.Switch != b.Physical.Switch:
			return nil, fmt.Errorf("%w: %s spans physical switches", ErrInvalidLink, l)
		case l.A.Switch == l.B.Switch:
			return nil, fmt.Errorf("%w: %s loops on one virtual switch", ErrInvalidLink, l)
		}
		if _, ok := vm.peers[l.A]; ok {
			return nil, fmt.Errorf("%w: %s already linked", ErrInvalidLink, l.A)
		}
		if _, ok := vm.peers[l.B]; ok {
			return nil, fmt.Errorf("%w: %s already linked", ErrInvalidLink, l.B)
		}
		vm.peers[l.A] = l.B
		vm.peers[l.B] = l.A
		vm.links = append(vm.links, l)
	}
	return vm, nil
}

// BigSwitchMap maps every egress port of phys to a port of the single
// virtual switch vswitch, numbered from 1 in location order.
func BigSwitchMap(phys *topology.Topology, vswitch uint64) *VMap {
	var ms []Mapping
	for i, loc := range phys.EgressLocations() {
		ms = append(ms, Mapping{
			Virtual:  topology.Location{Switch: vswitch, Port: uint16(i + 1)},
			Physical: loc,
			Edge:     true,
		})
	}
	// egress locations are distinct and numbered uniquely
	vm, _ := NewVMap(ms)
	return vm
}

func less(a, b topology.Location) bool {
	if a.Switch != b.Switch {
		return a.Switch < b.Switch
	}
	return a.Port < b.Port
}

// Mappings returns the mappings ordered by virtual location.
func (vm *VMap) Mappings() []Mapping {
	return append([]Mapping(nil), vm.mappings...)
}

// Links returns the internal links.
func (vm *VMap) Links() []topology.Link {
	return append([]topology.Link(nil), vm.links...)
}

// Virtual returns the virtual port mapped to the physical port loc.
func (vm *VMap) Virtual(loc topology.Location) (topology.Location, bool) {
	v, ok := vm.byPhysical[loc]
	return v, ok
}

// Physical returns the mapping of the virtual port loc.
func (vm *VMap) Physical(loc topology.Location) (Mapping, bool) {
	m, ok := vm.byVirtual[loc]
	return m, ok
}

// Peer returns the other end of the internal link at loc.
func (vm *VMap) Peer(loc topology.Location) (topology.Location, bool) {
	p, ok := vm.peers[loc]
	return p, ok
}

// Ports maps every virtual switch to its ports in ascending order.
func (vm *VMap) Ports() map[uint64][]uint16 {
	out := make(map[uint64][]uint16)
	for _, m := range vm.mappings {
		out[m.Virtual.Switch] = append(out[m.Virtual.Switch], m.Virtual.Port)
	}
	return out
}

// Switches returns the virtual switches in ascending order.
func (vm *VMap) Switches() []uint64 {
	var out []uint64
	for _, m := range vm.mappings {
		if len(out) == 0 || out[len(out)-1] != m.Virtual.Switch {
			out = append(out, m.Virtual.Switch)
		}
	}
	return out
}

// Slots returns the tag slots a virtualization over vm needs: one transit
// slot per ordered pair of ports of a virtual switch, then one arrival slot
// per internal link end.
func (vm *VMap) Slots() []Slot {
	var out []Slot
	ports := vm.Ports()
	for _, sw := range vm.Switches() {
		for _, in := range ports[sw] {
			for _, o := range ports[sw] {
				out = append(out, Slot{VSwitch: sw, VInPort: in, VOutPort: o})
			}
		}
	}
	for _, m := range vm.mappings {
		if _, ok := vm.peers[m.Virtual]; ok {
			out = append(out, Slot{VSwitch: m.Virtual.Switch, VInPort: m.Virtual.Port, Arrival: true})
		}
	}
	return out
}

// Topology derives the virtual topology from vm over phys. Virtual ports are
// up when their physical port may be up; internal ports are always up.
// Physical links between two mapped ports of different virtual switches
// become virtual links, as do internal links.
func (vm *VMap) Topology(phys *topology.Topology) *topology.Topology {
	out := topology.New()
	for _, m := range vm.mappings {
		up := true
		if !m.Internal && phys != nil {
			p, ok := phys.Port(m.Physical.Switch, m.Physical.Port)
			up = ok && p.PossiblyUp()
		}
		out.AddSwitch(m.Virtual.Switch)
		// the switch was just added
		_ = out.AddPort(m.Virtual.Switch, m.Virtual.Port, up, up)
	}
	for _, l := range vm.links {
		_ = out.AddLink(l.A, l.B)
	}
	if phys == nil {
		return out
	}
	for _, l := range phys.Links() {
		a, aok := vm.Virtual(l.A)
		b, bok := vm.Virtual(l.B)
		if aok && bok && a.Switch != b.Switch {
			_ = out.AddLink(a, b)
		}
	}
	return out
}

// View is what policies running on a virtual network learn about it.
type View struct {
	topo *topology.Topology
	vm   *VMap
}

var _ policy.NetworkView = View{}

// View returns the view of the topology derived over phys. Its edge ports
// are the ports marked as edges.
func (vm *VMap) View(phys *topology.Topology) View {
	return View{topo: vm.Topology(phys), vm: vm}
}

// Topology returns the virtual topology.
func (v View) Topology() *topology.Topology { return v.topo }

func (v View) SpanningTree() map[uint64][]uint16 { return v.topo.SpanningTree() }

func (v View) EdgePorts() map[uint64][]uint16 {
	out := make(map[uint64][]uint16)
	for _, m := range v.vm.mappings {
		if m.Edge {
			out[m.Virtual.Switch] = append(out[m.Virtual.Switch], m.Virtual.Port)
		}
	}
	return out
}

// IngressPolicy pushes the virtual switch and port of packets located at a
// mapped physical port and drops all others.
func (vm *VMap) IngressPolicy() policy.Policy {
	var branches []policy.Policy
	for _, m := range vm.mappings {
		if m.Internal {
			continue
		}
		branches = append(branches, policy.Restrict(
			policy.Push(map[string]field.Value{
				field.VSwitch: field.Num(m.Virtual.Switch),
				field.VInPort: field.PhysPort(m.Virtual.Port),
			}),
			policy.Match(map[string]field.Pattern{
				field.Switch: field.Exact(field.Num(m.Physical.Switch)),
				field.InPort: field.Exact(field.PhysPort(m.Physical.Port)),
			}),
		))
	}
	return policy.Par(branches...)
}

// EgressPred passes packets leaving the physical port their virtual output
// port is mapped to.
func (vm *VMap) EgressPred() policy.Pred {
	var ps []policy.Pred
	for _, m := range vm.mappings {
		if m.Internal {
			continue
		}
		ps = append(ps, policy.Match(map[string]field.Pattern{
			field.Switch:   field.Exact(field.Num(m.Physical.Switch)),
			field.OutPort:  field.Exact(field.PhysPort(m.Physical.Port)),
			field.VSwitch:  field.Exact(field.Num(m.Virtual.Switch)),
			field.VOutPort: field.Exact(field.PhysPort(m.Virtual.Port)),
		}))
	}
	return policy.Or(ps...)
}

// EdgePred passes packets headed out of a physical port behind a virtual
// edge port.
func (vm *VMap) EdgePred() policy.Pred {
	var ps []policy.Pred
	for _, m := range vm.mappings {
		if m.Internal || !m.Edge {
			continue
		}
		ps = append(ps, policy.Match(map[string]field.Pattern{
			field.Switch:  field.Exact(field.Num(m.Physical.Switch)),
			field.OutPort: field.Exact(field.PhysPort(m.Physical.Port)),
		}))
	}
	return policy.Or(ps...)
}

// FloodSplitter replaces a virtual output port of flood by every other
// port of the virtual switch.
func (vm *VMap) FloodSplitter() policy.Policy {
	ports := vm.Ports()
	var perSwitch []policy.Policy
	for _, sw := range vm.Switches() {
		var perPort []policy.Policy
		for _, in := range ports[sw] {
			var outs []policy.Policy
			for _, o := range ports[sw] {
				if o != in {
					outs = append(outs, policy.ModifyValue(field.VOutPort, field.PhysPort(o)))
				}
			}
			perPort = append(perPort, policy.Restrict(policy.Par(outs...),
				policy.MatchValue(field.VInPort, field.PhysPort(in))))
		}
		perSwitch = append(perSwitch, policy.Restrict(policy.Par(perPort...),
			policy.MatchValue(field.VSwitch, field.Num(sw))))
	}
	return policy.If(
		policy.MatchValue(field.VOutPort, field.PhysPort(field.PortFlood)),
		policy.Par(perSwitch...),
		policy.Identity,
	)
}
