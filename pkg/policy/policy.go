// Package policy implements the predicate and policy language: the AST, its
// per-packet evaluator, and the compiler to classifiers.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

// Policy maps a packet to a multiset of packets. Implementations are the
// node types of this package; evaluation and compilation dispatch on them.
type Policy interface {
	fmt.Stringer
	isPolicy()
}

// Pred is a policy that either passes a packet unchanged or drops it.
type Pred interface {
	Policy
	isPred()
}

type allPackets struct{}

type noPackets struct{}

func (allPackets) isPolicy()      {}
func (allPackets) isPred()        {}
func (allPackets) String() string { return "identity" }
func (noPackets) isPolicy()       {}
func (noPackets) isPred()         {}
func (noPackets) String() string  { return "drop" }

var (
	// Identity passes every packet unchanged.
	Identity Pred = allPackets{}
	// Drop drops every packet.
	Drop Pred = noPackets{}

	AllPackets  = Identity
	NoPackets   = Drop
	Passthrough = Identity
)

// MatchPred passes packets accepted by M.
type MatchPred struct {
	M classifier.Match
}

// Match passes packets whose fields satisfy every pattern of fs.
func Match(fs map[string]field.Pattern) Pred {
	m := classifier.NewMatch(fs)
	if m.IsAll() {
		return Identity
	}
	return MatchPred{M: m}
}

// MatchValue passes packets whose field name holds v.
func MatchValue(name string, v field.Value) Pred {
	return MatchPred{M: classifier.Exact(name, v)}
}

func (MatchPred) isPolicy() {}
func (MatchPred) isPred()   {}

func (p MatchPred) String() string { return "match(" + p.M.String() + ")" }

// UnionPred passes packets accepted by any of Preds.
type UnionPred struct {
	Preds []Pred
}

// Or returns the union of ps.
func Or(ps ...Pred) Pred {
	var out []Pred
	for _, p := range ps {
		switch p := p.(type) {
		case noPackets:
			continue
		case allPackets:
			return Identity
		case UnionPred:
			out = append(out, p.Preds...)
		default:
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return Drop
	case 1:
		return out[0]
	}
	return UnionPred{Preds: out}
}

func (UnionPred) isPolicy() {}
func (UnionPred) isPred()   {}

func (p UnionPred) String() string { return "union(" + join(p.Preds) + ")" }

// IntersectPred passes packets accepted by all of Preds.
type IntersectPred struct {
	Preds []Pred
}

// And returns the intersection of ps.
func And(ps ...Pred) Pred {
	var out []Pred
	for _, p := range ps {
		switch p := p.(type) {
		case allPackets:
			continue
		case noPackets:
			return Drop
		case IntersectPred:
			out = append(out, p.Preds...)
		default:
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return Identity
	case 1:
		return out[0]
	}
	return IntersectPred{Preds: out}
}

func (IntersectPred) isPolicy() {}
func (IntersectPred) isPred()   {}

func (p IntersectPred) String() string { return "intersect(" + join(p.Preds) + ")" }

// DiffPred passes packets accepted by Base and by none of Diffs.
type DiffPred struct {
	Base  Pred
	Diffs []Pred
}

// Diff returns base minus every pred of diffs.
func Diff(base Pred, diffs ...Pred) Pred {
	if len(diffs) == 0 {
		return base
	}
	if _, ok := base.(noPackets); ok {
		return Drop
	}
	return DiffPred{Base: base, Diffs: diffs}
}

func (DiffPred) isPolicy() {}
func (DiffPred) isPred()   {}

func (p DiffPred) String() string {
	return "difference(" + p.Base.String() + "; " + join(p.Diffs) + ")"
}

// NegatePred passes packets P drops.
type NegatePred struct {
	P Pred
}

// Not returns the negation of p.
func Not(p Pred) Pred {
	switch p := p.(type) {
	case allPackets:
		return Drop
	case noPackets:
		return Identity
	case NegatePred:
		return p.P
	}
	return NegatePred{P: p}
}

func (NegatePred) isPolicy() {}
func (NegatePred) isPred()   {}

func (p NegatePred) String() string { return "~" + p.P.String() }

// ModifyPol replaces the top value of each field.
type ModifyPol struct {
	Fields map[string]field.Value
}

// Modify returns the policy setting every field of fs.
func Modify(fs map[string]field.Value) Policy {
	if len(fs) == 0 {
		return Identity
	}
	return ModifyPol{Fields: copyValues(fs)}
}

// ModifyValue sets a single field.
func ModifyValue(name string, v field.Value) Policy {
	return ModifyPol{Fields: map[string]field.Value{name: v}}
}

func (ModifyPol) isPolicy() {}

func (p ModifyPol) ops() []packet.Op {
	out := make([]packet.Op, 0, len(p.Fields))
	for _, k := range sortedKeys(p.Fields) {
		out = append(out, packet.Modify(k, p.Fields[k]))
	}
	return out
}

func (p ModifyPol) String() string { return "modify(" + formatValues(p.Fields) + ")" }

// PushPol pushes a value onto each field.
type PushPol struct {
	Fields map[string]field.Value
}

// Push returns the policy pushing every value of fs.
func Push(fs map[string]field.Value) Policy {
	if len(fs) == 0 {
		return Identity
	}
	return PushPol{Fields: copyValues(fs)}
}

func (PushPol) isPolicy() {}

func (p PushPol) ops() []packet.Op {
	out := make([]packet.Op, 0, len(p.Fields))
	for _, k := range sortedKeys(p.Fields) {
		out = append(out, packet.Push(k, p.Fields[k]))
	}
	return out
}

func (p PushPol) String() string { return "push(" + formatValues(p.Fields) + ")" }

// PopPol pops the top value of each field.
type PopPol struct {
	Fields []string
}

// Pop returns the policy popping every field of names.
func Pop(names ...string) Policy {
	if len(names) == 0 {
		return Identity
	}
	fs := append([]string(nil), names...)
	sort.Strings(fs)
	return PopPol{Fields: fs}
}

func (PopPol) isPolicy() {}

func (p PopPol) ops() []packet.Op {
	out := make([]packet.Op, 0, len(p.Fields))
	for _, k := range p.Fields {
		out = append(out, packet.Pop(k))
	}
	return out
}

func (p PopPol) String() string { return "pop(" + strings.Join(p.Fields, ",") + ")" }

// CopyPol copies the top value of a source field over the top of a
// destination field, for each destination in order.
type CopyPol struct {
	// Fields maps destination to source.
	Fields map[string]string
}

// Copy returns the policy copying src into dst for every dst=src of fs.
func Copy(fs map[string]string) Policy {
	if len(fs) == 0 {
		return Identity
	}
	cp := make(map[string]string, len(fs))
	for k, v := range fs {
		cp[k] = v
	}
	return CopyPol{Fields: cp}
}

func (CopyPol) isPolicy() {}

func (p CopyPol) ops() []packet.Op {
	out := make([]packet.Op, 0, len(p.Fields))
	for _, k := range sortedKeys(p.Fields) {
		out = append(out, packet.Copy(k, p.Fields[k]))
	}
	return out
}

func (p CopyPol) String() string {
	parts := make([]string, 0, len(p.Fields))
	for _, k := range sortedKeys(p.Fields) {
		parts = append(parts, k+"="+p.Fields[k])
	}
	return "copy(" + strings.Join(parts, ",") + ")"
}

// FwdPol pushes Port onto the outport stack.
type FwdPol struct {
	Port field.Port
}

// Fwd forwards out of port.
func Fwd(port uint16) Policy {
	return FwdPol{Port: field.PhysPort(port)}
}

// FwdTo forwards out of p, which may be a reserved port.
func FwdTo(p field.Port) Policy {
	return FwdPol{Port: p}
}

func (FwdPol) isPolicy() {}

func (p FwdPol) ops() []packet.Op {
	return []packet.Op{packet.Push(field.OutPort, p.Port)}
}

func (p FwdPol) String() string { return "fwd(" + p.Port.String() + ")" }

// Xfwd forwards out of port unless the packet arrived on it.
func Xfwd(port uint16) Policy {
	return Restrict(Fwd(port), Not(MatchValue(field.InPort, field.PhysPort(port))))
}

// RestrictPol applies Pol to packets accepted by Pred.
type RestrictPol struct {
	Pol  Policy
	Pred Pred
}

// Restrict applies pol only to packets accepted by pred.
func Restrict(pol Policy, pred Pred) Policy {
	switch pred.(type) {
	case allPackets:
		return pol
	case noPackets:
		return Drop
	}
	if p, ok := pol.(Pred); ok {
		return And(p, pred)
	}
	return RestrictPol{Pol: pol, Pred: pred}
}

func (RestrictPol) isPolicy() {}

func (p RestrictPol) String() string {
	return "restrict(" + p.Pol.String() + "; " + p.Pred.String() + ")"
}

// RemovePol applies Pol to packets rejected by Pred.
type RemovePol struct {
	Pol  Policy
	Pred Pred
}

// Remove applies pol only to packets rejected by pred.
func Remove(pol Policy, pred Pred) Policy {
	switch pred.(type) {
	case allPackets:
		return Drop
	case noPackets:
		return pol
	}
	return RemovePol{Pol: pol, Pred: pred}
}

func (RemovePol) isPolicy() {}

func (p RemovePol) String() string {
	return "remove(" + p.Pol.String() + "; " + p.Pred.String() + ")"
}

// ParallelPol runs every policy on the packet and unions the results.
type ParallelPol struct {
	Pols []Policy
}

// Par returns the parallel composition of ps.
func Par(ps ...Policy) Policy {
	var out []Policy
	for _, p := range ps {
		switch p := p.(type) {
		case noPackets:
			continue
		case ParallelPol:
			out = append(out, p.Pols...)
		default:
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return Drop
	case 1:
		return out[0]
	}
	return ParallelPol{Pols: out}
}

func (ParallelPol) isPolicy() {}

func (p ParallelPol) String() string { return "parallel(" + join(p.Pols) + ")" }

// SequentialPol feeds the output of each policy into the next.
type SequentialPol struct {
	Pols []Policy
}

// Seq returns the sequential composition of ps.
func Seq(ps ...Policy) Policy {
	var out []Policy
	for _, p := range ps {
		switch p := p.(type) {
		case allPackets:
			continue
		case noPackets:
			if !hasSideEffects(out) {
				return Drop
			}
			out = append(out, p)
		case SequentialPol:
			out = append(out, p.Pols...)
		default:
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return Identity
	case 1:
		return out[0]
	}
	return SequentialPol{Pols: out}
}

func (SequentialPol) isPolicy() {}

func (p SequentialPol) String() string { return "sequential(" + join(p.Pols) + ")" }

// IfPol applies Then to packets accepted by Pred and Else to the rest.
type IfPol struct {
	Pred Pred
	Then Policy
	Else Policy
}

// If branches on pred.
func If(pred Pred, then, els Policy) Policy {
	switch pred.(type) {
	case allPackets:
		return then
	case noPackets:
		return els
	}
	return IfPol{Pred: pred, Then: then, Else: els}
}

func (IfPol) isPolicy() {}

func (p IfPol) String() string {
	return "if_(" + p.Pred.String() + "; " + p.Then.String() + "; " + p.Else.String() + ")"
}

// Bucket is an out of band sink for packets delivered by a query.
type Bucket interface {
	ID() string
	Receive(p packet.Packet)
}

// QueryPol delivers every packet to Bucket and outputs nothing.
type QueryPol struct {
	Bucket Bucket
}

// ToBucket returns the policy delivering packets to b.
func ToBucket(b Bucket) Policy {
	return QueryPol{Bucket: b}
}

func (QueryPol) isPolicy() {}

func (p QueryPol) String() string { return "bucket(" + p.Bucket.ID() + ")" }

// hasSideEffects reports whether any of ps may deliver packets to a bucket,
// in which case dropping their output still has to run them.
func hasSideEffects(ps []Policy) bool {
	found := false
	for _, p := range ps {
		Walk(p, func(n Policy) bool {
			switch n.(type) {
			case QueryPol, *Dynamic, *Recurse:
				found = true
			}
			return !found
		})
		if found {
			return true
		}
	}
	return false
}

func join[T Policy](ps []T) string {
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyValues(fs map[string]field.Value) map[string]field.Value {
	out := make(map[string]field.Value, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

func formatValues(fs map[string]field.Value) string {
	parts := make([]string, 0, len(fs))
	for _, k := range sortedKeys(fs) {
		parts = append(parts, k+"="+fs[k].String())
	}
	return strings.Join(parts, ",")
}
