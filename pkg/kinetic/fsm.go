// Package kinetic implements event-driven policies: a state machine per
// LPEC (the set of packets sharing the values an LPEC function picks) whose
// "policy" variable decides what happens to those packets.
package kinetic

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"netpolicy/pkg/events"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
)

// PolicyVar is the variable whose value is enforced on an LPEC.
const PolicyVar = "policy"

// TopoChange is the reserved event raised on every topology change after
// the first.
const TopoChange = "topo_change"

// Var defines a state machine variable.
type Var struct {
	Type  Type
	Init  any
	Trans *Transition
}

// Def maps variable names to their definitions.
type Def map[string]Var

// LPECFunc returns the predicate of the LPEC flow belongs to. It reports
// false when the flow lacks a field it needs.
type LPECFunc func(flow map[string]field.Value) (policy.Pred, bool)

// machine is the state machine of one LPEC.
type machine struct {
	def   *compiled
	state map[string]any
	event map[string]any
	pol   *policy.Dynamic
	// the first network change is the initial topology
	seenTopo bool
}

type compiled struct {
	def       Def
	exogenous map[string]bool
	deps      map[string][]string
}

func compile(def Def) (*compiled, error) {
	pv, ok := def[PolicyVar]
	if !ok || pv.Type != PolicyType {
		return nil, ErrNoPolicyVariable
	}
	if _, ok := pv.Init.(policy.Policy); !ok {
		return nil, fmt.Errorf("%w: initial policy is %T", ErrTypeMismatch, pv.Init)
	}

	c := &compiled{def: def, exogenous: make(map[string]bool), deps: make(map[string][]string)}
	for _, name := range sortedNames(def) {
		v := def[name]
		if v.Trans == nil {
			v.Trans = NewTransition(name)
			def[name] = v
		}
		vars := make(map[string]struct{})
		evs := make(map[string]struct{})
		v.Trans.refs(vars, evs)
		if len(evs) > 0 {
			c.exogenous[name] = true
		}
		for e := range evs {
			if _, ok := def[e]; !ok {
				return nil, fmt.Errorf("%w: event %s in transition of %s", ErrUnknownVariable, e, name)
			}
		}
		for dep := range vars {
			if _, ok := def[dep]; !ok {
				return nil, fmt.Errorf("%w: %s in transition of %s", ErrUnknownVariable, dep, name)
			}
			c.deps[dep] = append(c.deps[dep], name)
		}
	}
	for _, ds := range c.deps {
		sort.Strings(ds)
	}
	return c, nil
}

func (c *compiled) newMachine() *machine {
	m := &machine{
		def:   c,
		state: make(map[string]any, len(c.def)),
		event: make(map[string]any, len(c.def)),
	}
	for name, v := range c.def {
		m.state[name] = v.Init
		m.event[name] = nil
	}
	m.pol = policy.NewDynamic("lpec", m.state[PolicyVar].(policy.Policy))
	return m
}

func (m *machine) change(name string, isEvent bool) {
	trans := m.def.def[name].Trans
	next := trans.Next(m.state, m.event)
	if isEvent {
		m.event[name] = nil
	}
	if !equal(next, m.state[name]) {
		m.state[name] = next
		if name == PolicyVar {
			if p, ok := next.(policy.Policy); ok {
				// machine policies are built from constants, never from m.pol
				_ = m.pol.Set(p)
			}
		}
		for _, dep := range m.def.deps[name] {
			m.change(dep, false)
		}
	}
	// with the event consumed the default case may apply
	if isEvent {
		m.state[name] = trans.Next(m.state, m.event)
	}
}

func (m *machine) handle(name string, value any) error {
	v, ok := m.def.def[name]
	if !ok {
		return fmt.Errorf("%w: %s", events.ErrUnknownEvent, name)
	}
	if !m.def.exogenous[name] {
		return fmt.Errorf("%w: %s", ErrNotExogenous, name)
	}
	typed, err := convert(v.Type, value)
	if err != nil {
		return fmt.Errorf("failed to convert event %s: %w", name, err)
	}
	m.event[name] = typed
	m.change(name, true)
	return nil
}

// convert types an event value. Strings are parsed according to t, JSON
// numbers become ints.
func convert(t Type, v any) (any, error) {
	switch t {
	case Bool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a bool", ErrTypeMismatch, x)
			}
			return b, nil
		}
	case Int:
		switch x := v.(type) {
		case int:
			return x, nil
		case float64:
			if x == float64(int(x)) {
				return int(x), nil
			}
		case string:
			n, err := strconv.Atoi(x)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not an int", ErrTypeMismatch, x)
			}
			return n, nil
		}
	case PolicyType:
		if p, ok := v.(policy.Policy); ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %v (%T) for %s", ErrTypeMismatch, v, v, t)
}

// FSMPolicy enforces, for every LPEC an event was seen for, the policy
// variable of that LPEC's state machine. Packets of LPECs without a
// machine get the initial policy.
type FSMPolicy struct {
	lpec   LPECFunc
	def    *compiled
	fields *field.Registry
	logger *zap.Logger
	pol    *policy.Dynamic

	mu       sync.Mutex
	machines map[string]*machine
	order    []string
}

// NewFSMPolicy creates the policy. fields parses the flow values of events.
func NewFSMPolicy(lpec LPECFunc, def Def, fields *field.Registry, logger *zap.Logger) (*FSMPolicy, error) {
	c, err := compile(def)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if fields == nil {
		fields = field.NewRegistry()
	}
	f := &FSMPolicy{
		lpec:     lpec,
		def:      c,
		fields:   fields,
		logger:   logger.Named("kinetic"),
		pol:      policy.NewDynamic("fsm", def[PolicyVar].Init.(policy.Policy)),
		machines: make(map[string]*machine),
	}
	f.pol.OnNetwork(func(*policy.Dynamic, policy.NetworkView) { f.topologyChanged() })
	return f, nil
}

// Policy returns the dynamic policy to compose with.
func (f *FSMPolicy) Policy() *policy.Dynamic {
	return f.pol
}

// HandleEvent applies e. An event with a flow applies to the LPEC of the
// flow, creating its machine on first use; an event without one applies
// to every existing machine. It implements events.Handler.
func (f *FSMPolicy) HandleEvent(e events.Event) (any, error) {
	if _, ok := f.def.def[e.Name]; !ok {
		return nil, fmt.Errorf("%w: %s", events.ErrUnknownEvent, e.Name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(e.Flow) == 0 {
		for _, key := range f.order {
			if err := f.machines[key].handle(e.Name, e.Value); err != nil {
				return nil, err
			}
		}
		return len(f.order), nil
	}

	flow, err := f.parseFlow(e.Flow)
	if err != nil {
		return nil, err
	}
	pred, ok := f.lpec(flow)
	if !ok {
		return nil, fmt.Errorf("%w: missing a field of the LPEC relation", ErrBadFlow)
	}
	key := pred.String()
	m, exists := f.machines[key]
	if !exists {
		m = f.def.newMachine()
	}
	if err := m.handle(e.Name, e.Value); err != nil {
		return nil, err
	}
	if !exists {
		f.machines[key] = m
		f.order = append(f.order, key)
		// the new machine takes precedence over every older one
		if err := f.pol.Set(policy.If(pred, m.pol, f.pol.Policy())); err != nil {
			return nil, err
		}
		f.logger.Debug("lpec created", zap.String("lpec", key))
	}
	return 1, nil
}

func (f *FSMPolicy) parseFlow(raw map[string]string) (map[string]field.Value, error) {
	flow := make(map[string]field.Value, len(raw))
	for name, s := range raw {
		if s == "" {
			continue
		}
		v, err := f.fields.Parse(name, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadFlow, err)
		}
		flow[name] = v
	}
	return flow, nil
}

func (f *FSMPolicy) topologyChanged() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, reserved := f.def.def[TopoChange]
	for _, key := range f.order {
		m := f.machines[key]
		if !m.seenTopo {
			m.seenTopo = true
			continue
		}
		if !reserved || !f.def.exogenous[TopoChange] {
			continue
		}
		if err := m.handle(TopoChange, true); err != nil {
			f.logger.Warn("failed to apply topology change", zap.String("lpec", key), zap.Error(err))
		}
	}
}

// LPECs returns the LPECs with a state machine, oldest first.
func (f *FSMPolicy) LPECs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// Value returns the value of variable name in the machine of lpec.
func (f *FSMPolicy) Value(lpec, name string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.machines[lpec]
	if !ok {
		return nil, false
	}
	v, ok := m.state[name]
	return v, ok
}

func sortedNames(def Def) []string {
	out := make([]string, 0, len(def))
	for name := range def {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
