package classifier

import (
	"fmt"
	"sort"
	"strings"

	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

// ControllerSink is the sink of rules that send packets to the runtime for
// evaluation.
const ControllerSink = "controller"

// Action is a sequence of header operations, optionally ending in a sink.
// A sink consumes the packet: it produces no output packet and instead
// delivers the rewritten packet out of band. The zero Action is the identity.
type Action struct {
	Ops  []packet.Op
	Sink string
}

// Identity returns the action that leaves packets unchanged.
func Identity() Action {
	return Action{}
}

// Do returns the action applying ops in order.
func Do(ops ...packet.Op) Action {
	return Action{Ops: append([]packet.Op(nil), ops...)}
}

// ToSink returns the action delivering packets to the sink id.
func ToSink(id string) Action {
	return Action{Sink: id}
}

// IsIdentity reports whether a has no effect.
func (a Action) IsIdentity() bool {
	return len(a.Ops) == 0 && a.Sink == ""
}

// Then returns the action running a and then b. A sink ends the action, so
// nothing runs after it.
func (a Action) Then(b Action) Action {
	if a.Sink != "" {
		return a
	}
	ops := make([]packet.Op, 0, len(a.Ops)+len(b.Ops))
	ops = append(ops, a.Ops...)
	ops = append(ops, b.Ops...)
	return Action{Ops: ops, Sink: b.Sink}
}

// Apply runs the header operations of a on p. ok is false when the packet
// is dropped.
func (a Action) Apply(p packet.Packet) (packet.Packet, bool, error) {
	return packet.ApplyAll(p, a.Ops)
}

// Equal reports whether a and b are the same action.
func (a Action) Equal(b Action) bool {
	return a.String() == b.String()
}

func (a Action) String() string {
	if a.IsIdentity() {
		return "identity"
	}
	parts := make([]string, 0, len(a.Ops)+1)
	for _, o := range a.Ops {
		parts = append(parts, o.String())
	}
	if a.Sink != "" {
		parts = append(parts, "sink("+a.Sink+")")
	}
	return strings.Join(parts, ";")
}

// symbolic values: what the top of a field holds after an action, in terms
// of the packet before it.
type symKind uint8

const (
	symInput symKind = iota
	symConst
)

type sym struct {
	kind  symKind
	field string
	depth int
	val   field.Value
}

type symStack struct {
	// pushed values, top first
	pushed []sym
	// number of elements of the original stack consumed below pushed
	consumed int
}

type symState map[string]*symStack

func (s symState) stack(name string) *symStack {
	st, ok := s[name]
	if !ok {
		st = &symStack{}
		s[name] = st
	}
	return st
}

func (s symState) top(name string) sym {
	st, ok := s[name]
	if !ok {
		return sym{kind: symInput, field: name}
	}
	if len(st.pushed) > 0 {
		return st.pushed[0]
	}
	return sym{kind: symInput, field: name, depth: st.consumed}
}

func (s symState) modify(name string, v sym) {
	st := s.stack(name)
	if len(st.pushed) > 0 {
		st.pushed = append([]sym{v}, st.pushed[1:]...)
		return
	}
	st.pushed = []sym{v}
	st.consumed++
}

func run(ops []packet.Op) symState {
	s := symState{}
	for _, o := range ops {
		switch o.Kind {
		case packet.OpModify:
			s.modify(o.Field, sym{kind: symConst, val: o.Value})
		case packet.OpPush:
			st := s.stack(o.Field)
			st.pushed = append([]sym{{kind: symConst, val: o.Value}}, st.pushed...)
		case packet.OpPop:
			st := s.stack(o.Field)
			if len(st.pushed) > 0 {
				st.pushed = st.pushed[1:]
			} else {
				st.consumed++
			}
		case packet.OpCopy:
			s.modify(o.Field, s.top(o.Src))
		}
	}
	return s
}

// Preimage returns the match on packets before a that accepts exactly the
// packets a turns into packets accepted by m. ok is false when no packet
// qualifies.
func (a Action) Preimage(m Match) (Match, bool, error) {
	s := run(a.Ops)
	out := All()
	for _, name := range m.Fields() {
		pat, _ := m.Get(name)
		t := s.top(name)
		switch {
		case t.kind == symConst:
			if !pat.Matches(t.val, true) {
				return Match{}, false, nil
			}
		case t.depth == 0:
			var ok bool
			out, ok = out.And(t.field, pat)
			if !ok {
				return Match{}, false, nil
			}
		default:
			return Match{}, false, fmt.Errorf("%w: %s tests %s below the top of its stack", ErrNotClassifiable, name, t.field)
		}
	}
	return out, true, nil
}

// Effect is the net change an action makes to a packet arriving from a
// switch, in the terms a flow table can express.
type Effect struct {
	// Modify holds the fields rewritten to constants.
	Modify map[string]field.Value
	// Strip holds the optional fields whose top value is removed.
	Strip []string
	// Out is the egress port; HasOut is false when the packet is dropped.
	Out    field.Port
	HasOut bool
	Sink   string
}

// Effect summarizes a for installation on a switch. ok is false when the
// action changes stack depths or copies between fields, which a flow table
// cannot do.
func (a Action) Effect() (Effect, bool) {
	e := Effect{Sink: a.Sink}
	s := run(a.Ops)
	for name, st := range s {
		if name == field.OutPort {
			t := s.top(name)
			if t.kind == symConst {
				p, isPort := t.val.(field.Port)
				if !isPort {
					return Effect{}, false
				}
				e.Out, e.HasOut = p, true
			}
			continue
		}
		if len(st.pushed) == 0 && st.consumed == 1 && !field.Required(name) {
			e.Strip = append(e.Strip, name)
			continue
		}
		if len(st.pushed) != st.consumed || len(st.pushed) > 1 {
			return Effect{}, false
		}
		if len(st.pushed) == 0 {
			continue
		}
		t := st.pushed[0]
		switch {
		case t.kind == symConst:
			if e.Modify == nil {
				e.Modify = make(map[string]field.Value)
			}
			e.Modify[name] = t.val
		case t.field == name && t.depth == 0:
		default:
			return Effect{}, false
		}
	}
	sort.Strings(e.Strip)
	return e, true
}
