// Package network holds the runtime's view of the network: its topology,
// the policy installed on it and the stream of network events.
package network

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

// EventKind names a network event.
type EventKind uint8

const (
	SwitchUp EventKind = iota
	SwitchDown
	PortUp
	PortDown
	LinkUp
	LinkDown
	PacketIn
	TopologyChanged
)

func (k EventKind) String() string {
	switch k {
	case SwitchUp:
		return "switch_up"
	case SwitchDown:
		return "switch_down"
	case PortUp:
		return "port_up"
	case PortDown:
		return "port_down"
	case LinkUp:
		return "link_up"
	case LinkDown:
		return "link_down"
	case PacketIn:
		return "packet_in"
	case TopologyChanged:
		return "topology_changed"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is a change of the network or a packet received from it.
type Event struct {
	Kind   EventKind
	Switch uint64
	Port   uint16
	// Peer is the other end of a link event.
	Peer   topology.Location
	Packet packet.Packet
}

// Injector sends packets out of switch ports.
type Injector interface {
	InjectPacket(p packet.Packet) error
}

// state is shared by a network and every network forked from it.
type state struct {
	logger *zap.Logger

	mu       sync.RWMutex
	topo     *topology.Topology
	injector Injector
	root     *Network

	subsMu  sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
}

// Network is a topology with a policy installed on it. Forked networks
// share the topology; their policies run in parallel with their parent's.
type Network struct {
	shared *state
	own    *policy.Dynamic
	pol    *policy.Dynamic

	mu       sync.Mutex
	children []*Network
}

// New returns a network with an empty topology and a dropping policy.
func New(logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &state{
		logger: logger.Named("network"),
		topo:   topology.New(),
		subs:   make(map[uint64]chan Event),
	}
	n := newNetwork(s, "network")
	s.root = n
	return n
}

func newNetwork(s *state, name string) *Network {
	own := policy.NewDynamic(name, policy.Drop)
	return &Network{
		shared: s,
		own:    own,
		pol:    policy.NewDynamic(name+"+forks", own),
	}
}

// Policy returns the policy of n and of every network forked from it.
func (n *Network) Policy() *policy.Dynamic {
	return n.pol
}

// InstallPolicy replaces the policy of n.
func (n *Network) InstallPolicy(p policy.Policy) error {
	if err := n.own.Set(p); err != nil {
		return fmt.Errorf("failed to install policy: %w", err)
	}
	n.shared.logger.Debug("policy installed", zap.String("policy", p.String()))
	// policies installed after a topology is known start from it
	policy.Notify(p, n.Topology())
	return nil
}

// Fork returns a network sharing n's topology whose policy runs in
// parallel with n's.
func (n *Network) Fork() *Network {
	child := newNetwork(n.shared, fmt.Sprintf("fork%d", len(n.children)+1))
	n.mu.Lock()
	n.children = append(n.children, child)
	pols := []policy.Policy{n.own}
	for _, c := range n.children {
		pols = append(pols, c.pol)
	}
	n.mu.Unlock()
	// n.pol never occurs inside its own forks
	_ = n.pol.Set(policy.Par(pols...))
	return child
}

// Topology returns the current topology. The result must not be modified.
func (n *Network) Topology() *topology.Topology {
	n.shared.mu.RLock()
	defer n.shared.mu.RUnlock()
	return n.shared.topo
}

// SpanningTree implements policy.NetworkView.
func (n *Network) SpanningTree() map[uint64][]uint16 {
	return n.Topology().SpanningTree()
}

// EdgePorts implements policy.NetworkView.
func (n *Network) EdgePorts() map[uint64][]uint16 {
	return n.Topology().EdgePorts()
}

// SetInjector attaches the southbound side.
func (n *Network) SetInjector(i Injector) {
	n.shared.mu.Lock()
	defer n.shared.mu.Unlock()
	n.shared.injector = i
}

// InjectPacket sends p out of its switch's outport.
func (n *Network) InjectPacket(p packet.Packet) error {
	if !p.Has(field.Switch) || !p.Has(field.OutPort) {
		return ErrNotLocated
	}
	n.shared.mu.RLock()
	i := n.shared.injector
	n.shared.mu.RUnlock()
	if i == nil {
		return ErrNoInjector
	}
	if err := i.InjectPacket(p); err != nil {
		return fmt.Errorf("failed to inject packet: %w", err)
	}
	return nil
}

// Subscribe returns a stream of network events buffered up to size. Events
// that do not fit are dropped.
func (n *Network) Subscribe(size int) (<-chan Event, func()) {
	s := n.shared
	ch := make(chan Event, size)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *state) emit(e Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			s.logger.Warn("network event dropped", zap.Stringer("kind", e.Kind))
		}
	}
}

// ReceivePacket publishes a packet received from the network.
func (n *Network) ReceivePacket(p packet.Packet) {
	sw, _ := p.Get(field.Switch)
	in, _ := p.Get(field.InPort)
	e := Event{Kind: PacketIn, Packet: p}
	if sw != nil {
		e.Switch = sw.Uint64()
	}
	if port, ok := in.(field.Port); ok {
		e.Port = port.No
	}
	n.shared.emit(e)
}

// update applies fn to a copy of the topology. When the copy differs, it
// replaces the topology, the installed policies learn the new one, and the
// events are published.
func (n *Network) update(fn func(*topology.Topology) error, events ...Event) error {
	s := n.shared
	s.mu.Lock()
	next := s.topo.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return err
	}
	if next.Equal(s.topo) {
		s.mu.Unlock()
		return nil
	}
	s.topo = next
	root := s.root
	s.mu.Unlock()

	policy.Notify(root.pol, next)
	for _, e := range events {
		s.emit(e)
	}
	s.emit(Event{Kind: TopologyChanged})
	return nil
}

// SwitchJoined adds a switch.
func (n *Network) SwitchJoined(sw uint64) error {
	return n.update(func(t *topology.Topology) error {
		t.AddSwitch(sw)
		return nil
	}, Event{Kind: SwitchUp, Switch: sw})
}

// SwitchParted removes a switch with its ports and links.
func (n *Network) SwitchParted(sw uint64) error {
	return n.update(func(t *topology.Topology) error {
		t.RemoveSwitch(sw)
		return nil
	}, Event{Kind: SwitchDown, Switch: sw})
}

// PortChanged adds or updates a port. A port definitely down loses its
// link.
func (n *Network) PortChanged(sw uint64, port uint16, configUp, statusUp bool) error {
	kind := PortUp
	if !configUp && !statusUp {
		kind = PortDown
	}
	return n.update(func(t *topology.Topology) error {
		if err := t.AddPort(sw, port, configUp, statusUp); err != nil {
			return err
		}
		if kind == PortDown {
			t.RemoveLink(topology.Location{Switch: sw, Port: port})
		}
		return nil
	}, Event{Kind: kind, Switch: sw, Port: port})
}

// PortParted removes a port.
func (n *Network) PortParted(sw uint64, port uint16) error {
	return n.update(func(t *topology.Topology) error {
		t.RemovePort(sw, port)
		return nil
	}, Event{Kind: PortDown, Switch: sw, Port: port})
}

// LinkDiscovered links two ports.
func (n *Network) LinkDiscovered(a, b topology.Location) error {
	return n.update(func(t *topology.Topology) error {
		return t.AddLink(a, b)
	}, Event{Kind: LinkUp, Switch: a.Switch, Port: a.Port, Peer: b})
}

// LinkLost removes the link attached to a.
func (n *Network) LinkLost(a topology.Location) error {
	return n.update(func(t *topology.Topology) error {
		t.RemoveLink(a)
		return nil
	}, Event{Kind: LinkDown, Switch: a.Switch, Port: a.Port})
}
