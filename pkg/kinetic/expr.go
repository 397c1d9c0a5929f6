package kinetic

import (
	"fmt"

	"netpolicy/pkg/policy"
)

// Type is the type of a state machine variable.
type Type uint8

// Variable types.
const (
	Bool Type = iota
	Int
	PolicyType
)

func (t Type) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case PolicyType:
		return "policy"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Expr is an expression over the current variable values and the pending
// events of one state machine. A nil result means no value, as for an
// event that did not occur.
type Expr interface {
	Eval(state, events map[string]any) any
	String() string
	refs(vars, events map[string]struct{})
}

type varRef string

// V refers to the current value of variable name.
func V(name string) Expr { return varRef(name) }

func (v varRef) Eval(state, _ map[string]any) any { return state[string(v)] }
func (v varRef) String() string                     { return "V(" + string(v) + ")" }
func (v varRef) refs(vars, _ map[string]struct{})   { vars[string(v)] = struct{}{} }

type eventRef string

// E refers to the pending event on variable name.
func E(name string) Expr { return eventRef(name) }

func (e eventRef) Eval(_, events map[string]any) any { return events[string(e)] }
func (e eventRef) String() string                      { return "E(" + string(e) + ")" }
func (e eventRef) refs(_, events map[string]struct{})  { events[string(e)] = struct{}{} }

type constant struct{ v any }

// C is the constant v: a bool, an int or a policy.Policy.
func C(v any) Expr { return constant{v: v} }

func (c constant) Eval(_, _ map[string]any) any { return c.v }
func (c constant) String() string                 { return "C(" + format(c.v) + ")" }
func (constant) refs(_, _ map[string]struct{})    {}

type binary struct {
	op   string
	l, r Expr
	fn   func(l, r any) bool
}

func (b binary) Eval(state, events map[string]any) any {
	return b.fn(b.l.Eval(state, events), b.r.Eval(state, events))
}

func (b binary) String() string { return "(" + b.l.String() + b.op + b.r.String() + ")" }

func (b binary) refs(vars, events map[string]struct{}) {
	b.l.refs(vars, events)
	b.r.refs(vars, events)
}

// Eq tests l and r for equality.
func Eq(l, r Expr) Expr { return binary{op: "=", l: l, r: r, fn: equal} }

// Ne tests l and r for inequality.
func Ne(l, r Expr) Expr {
	return binary{op: "!=", l: l, r: r, fn: func(a, b any) bool { return !equal(a, b) }}
}

// And holds when both l and r evaluate to true.
func And(l, r Expr) Expr {
	return binary{op: " & ", l: l, r: r, fn: func(a, b any) bool { return a == true && b == true }}
}

// IsTrue holds when e evaluates to true.
func IsTrue(e Expr) Expr { return Eq(e, C(true)) }

// Occurred holds when the event e refers to is pending.
func Occurred(e Expr) Expr {
	return binary{op: "!=", l: e, r: C(nil), fn: func(a, _ any) bool { return a != nil }}
}

// True always holds.
var True Expr = constant{v: true}

func equal(a, b any) bool {
	pa, aok := a.(policy.Policy)
	pb, bok := b.(policy.Policy)
	if aok || bok {
		return aok && bok && pa.String() == pb.String()
	}
	return a == b
}

func format(v any) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprint(v)
}

type branch struct {
	test   Expr
	result Expr
}

// Transition computes the next value of a variable from the first case
// whose test holds. Without a matching case the value is kept.
type Transition struct {
	name     string
	branches []branch
}

// NewTransition starts the transition of variable name.
func NewTransition(name string) *Transition {
	return &Transition{name: name}
}

// Case adds a case taken when test holds.
func (t *Transition) Case(test, result Expr) *Transition {
	t.branches = append(t.branches, branch{test: test, result: result})
	return t
}

// Default adds a case that always holds.
func (t *Transition) Default(result Expr) *Transition {
	return t.Case(True, result)
}

// Event returns the event on the variable of t.
func (t *Transition) Event() Expr { return E(t.name) }

// Next returns the next value of the variable.
func (t *Transition) Next(state, events map[string]any) any {
	for _, b := range t.branches {
		if b.test.Eval(state, events) == true {
			return b.result.Eval(state, events)
		}
	}
	return state[t.name]
}

func (t *Transition) refs(vars, events map[string]struct{}) {
	for _, b := range t.branches {
		b.test.refs(vars, events)
		b.result.refs(vars, events)
	}
}

func (t *Transition) String() string {
	s := "next(" + t.name + ") :=\n\tcase\n"
	for _, b := range t.branches {
		s += "\t\t" + b.test.String() + "\t: " + b.result.String() + ";\n"
	}
	return s + "\tesac;"
}
