package policy

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is the compilation state of a dynamic policy.
type State uint8

const (
	// StateIdle means the last compilation reflects the current policy.
	StateIdle State = iota
	// StateDirty means the policy changed since it was last compiled.
	StateDirty
	// StateCompiling means a compilation of a snapshot is in progress.
	StateCompiling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDirty:
		return "dirty"
	case StateCompiling:
		return "compiling"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Dynamic wraps a policy that can be replaced at run time. Replacing it,
// or replacing any dynamic policy nested inside it, notifies subscribers.
type Dynamic struct {
	id   string
	name string

	mu      sync.Mutex
	policy  Policy
	state   State
	version uint64
	subs    map[uint64]func()
	nextSub uint64
	// subscriptions to the dynamic policies directly inside policy
	children  []func()
	onNetwork func(d *Dynamic, v NetworkView)
	// a scope handles network changes for the policies inside it
	scope bool
}

// NetworkView is what dynamic policies learn about the network when its
// topology changes.
type NetworkView interface {
	// SpanningTree maps each switch to its ports on a spanning tree,
	// including ports facing hosts.
	SpanningTree() map[uint64][]uint16
	// EdgePorts maps each switch to its ports not connected to another
	// switch.
	EdgePorts() map[uint64][]uint16
}

// NewDynamic returns a dynamic policy holding initial, or Drop when initial
// is nil.
func NewDynamic(name string, initial Policy) *Dynamic {
	if initial == nil {
		initial = Drop
	}
	d := &Dynamic{
		id:     uuid.New().String(),
		name:   name,
		policy: Drop,
		state:  StateDirty,
		subs:   make(map[uint64]func()),
	}
	// a fresh policy cannot contain d
	d.swap(initial)
	return d
}

func (d *Dynamic) isPolicy() {}

// ID returns the unique id of d.
func (d *Dynamic) ID() string {
	return d.id
}

// Name returns the name d was created with.
func (d *Dynamic) Name() string {
	return d.name
}

// Policy returns the current policy.
func (d *Dynamic) Policy() Policy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policy
}

// Version returns a counter incremented on every change.
func (d *Dynamic) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// State returns the compilation state.
func (d *Dynamic) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Set replaces the current policy. It fails with ErrCycle when p contains d.
func (d *Dynamic) Set(p Policy) error {
	if p == nil {
		p = Drop
	}
	if Contains(p, d) {
		return fmt.Errorf("%w: %s", ErrCycle, d.label())
	}
	d.swap(p)
	d.notify()
	return nil
}

func (d *Dynamic) swap(p Policy) {
	inner := directDynamics(p)
	subs := make([]func(), 0, len(inner))
	for _, c := range inner {
		subs = append(subs, c.Subscribe(d.childChanged))
	}

	d.mu.Lock()
	old := d.children
	d.policy = p
	d.children = subs
	d.version++
	d.state = StateDirty
	d.mu.Unlock()

	for _, cancel := range old {
		cancel()
	}
}

func (d *Dynamic) childChanged() {
	d.mu.Lock()
	d.version++
	d.state = StateDirty
	d.mu.Unlock()
	d.notify()
}

func (d *Dynamic) notify() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Subscribe registers fn to run after every change of d or of a dynamic
// policy inside it. fn runs without any lock of d held.
func (d *Dynamic) Subscribe(fn func()) (cancel func()) {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// OnNetwork sets the function run when the network d is installed on
// changes. fn typically recomputes and sets d's policy.
func (d *Dynamic) OnNetwork(fn func(d *Dynamic, v NetworkView)) {
	d.mu.Lock()
	d.onNetwork = fn
	d.mu.Unlock()
}

// OnNetworkScoped is like OnNetwork, but Notify leaves the dynamic
// policies inside d to fn. Virtual networks use it to hand their own view
// to the policies written against them.
func (d *Dynamic) OnNetworkScoped(fn func(d *Dynamic, v NetworkView)) {
	d.mu.Lock()
	d.onNetwork = fn
	d.scope = true
	d.mu.Unlock()
}

func (d *Dynamic) isScope() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scope
}

// NetworkChanged hands v to the function set with OnNetwork.
func (d *Dynamic) NetworkChanged(v NetworkView) {
	d.mu.Lock()
	fn := d.onNetwork
	d.mu.Unlock()
	if fn != nil {
		fn(d, v)
	}
}

// BeginCompile marks d as compiling and returns a snapshot of the current
// policy with its version.
func (d *Dynamic) BeginCompile() (Policy, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateCompiling
	return d.policy, d.version
}

// EndCompile records the end of the compilation started at version. d is
// idle only when the compilation succeeded and nothing changed meanwhile.
func (d *Dynamic) EndCompile(version uint64, ok bool) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ok && d.version == version {
		d.state = StateIdle
	} else {
		d.state = StateDirty
	}
	return d.state
}

// Close detaches d from the dynamic policies inside it and drops its
// subscribers.
func (d *Dynamic) Close() {
	d.mu.Lock()
	old := d.children
	d.children = nil
	d.subs = make(map[uint64]func())
	d.mu.Unlock()
	for _, cancel := range old {
		cancel()
	}
}

func (d *Dynamic) label() string {
	if d.name != "" {
		return d.name
	}
	return d.id
}

func (d *Dynamic) String() string {
	return "dynamic[" + d.label() + "](" + d.Policy().String() + ")"
}

// MaxRecursion bounds how many times a Recurse node re-enters its target
// during one evaluation or compilation. Deeper packets are dropped.
const MaxRecursion = 8

// Recurse refers to a policy bound after construction, typically a policy
// containing the Recurse itself. It is the only permitted cycle.
type Recurse struct {
	id string

	mu     sync.RWMutex
	target Policy
}

// NewRecurse returns an unbound recursion point.
func NewRecurse() *Recurse {
	return &Recurse{id: uuid.New().String()}
}

func (r *Recurse) isPolicy() {}

// Bind sets the target. A Recurse can be bound once.
func (r *Recurse) Bind(p Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.target != nil {
		return ErrAlreadyBound
	}
	r.target = p
	return nil
}

// Target returns the bound policy.
func (r *Recurse) Target() (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target, r.target != nil
}

func (r *Recurse) String() string { return "recurse(" + r.id + ")" }
