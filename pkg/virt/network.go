package virt

import (
	"sync"

	"go.uber.org/zap"

	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy"
)

// Mapper derives a virtual network and its fabric from the topology
// underneath.
type Mapper func(phys *topology.Topology) (*VMap, policy.Policy, error)

// Static maps every topology to vm, with the fabric built by fabric.
func Static(vm *VMap, fabric func(*VMap, *topology.Topology) policy.Policy) Mapper {
	return func(phys *topology.Topology) (*VMap, policy.Policy, error) {
		return vm, fabric(vm, phys), nil
	}
}

// BigSwitch presents the whole network as the single switch vswitch whose
// ports are the egress ports of the network.
func BigSwitch(vswitch uint64) Mapper {
	return func(phys *topology.Topology) (*VMap, policy.Policy, error) {
		vm := BigSwitchMap(phys, vswitch)
		return vm, ShortestPath(vm, phys), nil
	}
}

// Network is a virtual network over the network its policy is installed
// on. Its policy follows the topology underneath: every change re-derives
// the virtual network, recompiles the user policy for it and tells the
// user policy about the virtual topology.
type Network struct {
	name   string
	virt   *Virtualizer
	mapper Mapper
	user   policy.Policy
	logger *zap.Logger
	pol    *policy.Dynamic

	mu   sync.Mutex
	vmap *VMap
	topo *topology.Topology
}

// NewNetwork returns the virtual network name running user. Its policy
// drops everything until a topology is known.
func NewNetwork(name string, v *Virtualizer, mapper Mapper, user policy.Policy, logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Network{
		name:   name,
		virt:   v,
		mapper: mapper,
		user:   user,
		logger: logger.Named("virt").With(zap.String("network", name)),
		pol:    policy.NewDynamic("virtual:"+name, policy.Drop),
	}
	n.pol.OnNetworkScoped(n.networkChanged)
	return n
}

// Policy returns the policy to install on the network underneath.
func (n *Network) Policy() *policy.Dynamic {
	return n.pol
}

// VMap returns the current mapping, nil before the first topology.
func (n *Network) VMap() *VMap {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.vmap
}

// Topology returns the virtual topology, nil before the first topology.
func (n *Network) Topology() *topology.Topology {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topo
}

func (n *Network) networkChanged(d *policy.Dynamic, v policy.NetworkView) {
	var phys *topology.Topology
	switch v := v.(type) {
	case *topology.Topology:
		phys = v
	case interface{ Topology() *topology.Topology }:
		phys = v.Topology()
	}
	if phys == nil {
		n.logger.Warn("ignoring network without a topology")
		return
	}
	vm, fabric, err := n.mapper(phys)
	if err != nil {
		n.logger.Error("failed to map virtual network", zap.Error(err))
		return
	}
	compiled, err := n.virt.Compile(n.user, vm, fabric)
	if err != nil {
		// the previous policy stays in force
		n.logger.Error("failed to virtualize policy", zap.Error(err))
		return
	}
	view := vm.View(phys)
	vtopo := view.Topology()

	n.mu.Lock()
	n.vmap = vm
	n.topo = vtopo
	n.mu.Unlock()

	if err := d.Set(compiled); err != nil {
		n.logger.Error("failed to install virtualized policy", zap.Error(err))
		return
	}
	policy.Notify(n.user, view)
	n.logger.Debug("virtual network updated",
		zap.Int("switches", len(vtopo.Switches())),
		zap.Int("links", len(vtopo.Links())),
	)
}
