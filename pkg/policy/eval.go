package policy

import (
	"fmt"

	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/packet"
)

// Delivery is a packet handed to a bucket during evaluation.
type Delivery struct {
	Bucket Bucket
	Packet packet.Packet
}

// Result is the outcome of evaluating a policy on one packet.
type Result struct {
	Out        *packet.Multiset
	Deliveries []Delivery
}

func (r *Result) merge(o Result, factor int) {
	r.Out.AddAll(o.Out, factor)
	for i := 0; i < factor; i++ {
		r.Deliveries = append(r.Deliveries, o.Deliveries...)
	}
}

func emptyResult() Result {
	return Result{Out: &packet.Multiset{}}
}

// Evaluate runs pol on p. Bucket deliveries are returned, not performed, so
// evaluation has no side effects. An operation that fails drops only the
// packet it ran on: the result holds everything the other branches
// produced, and the error is the first failure met.
func Evaluate(pol Policy, p packet.Packet) (Result, error) {
	return evaluate(pol, p, 0)
}

// Eval returns the output multiset of pol on p.
func Eval(pol Policy, p packet.Packet) *packet.Multiset {
	r, _ := Evaluate(pol, p)
	return r.Out
}

// Test evaluates pred on p.
func Test(pred Pred, p packet.Packet) bool {
	switch pred := pred.(type) {
	case allPackets:
		return true
	case noPackets:
		return false
	case MatchPred:
		return pred.M.Matches(p)
	case UnionPred:
		for _, q := range pred.Preds {
			if Test(q, p) {
				return true
			}
		}
		return false
	case IntersectPred:
		for _, q := range pred.Preds {
			if !Test(q, p) {
				return false
			}
		}
		return true
	case DiffPred:
		if !Test(pred.Base, p) {
			return false
		}
		for _, q := range pred.Diffs {
			if Test(q, p) {
				return false
			}
		}
		return true
	case NegatePred:
		return !Test(pred.P, p)
	default:
		return false
	}
}

func evaluate(pol Policy, p packet.Packet, depth int) (Result, error) {
	switch pol := pol.(type) {
	case Pred:
		r := emptyResult()
		if Test(pol, p) {
			r.Out.Add(p, 1)
		}
		return r, nil
	case ModifyPol:
		return applyOps(pol.ops(), p)
	case PushPol:
		return applyOps(pol.ops(), p)
	case PopPol:
		return applyOps(pol.ops(), p)
	case CopyPol:
		return applyOps(pol.ops(), p)
	case FwdPol:
		return applyOps(pol.ops(), p)
	case RestrictPol:
		if !Test(pol.Pred, p) {
			return emptyResult(), nil
		}
		return evaluate(pol.Pol, p, depth)
	case RemovePol:
		if Test(pol.Pred, p) {
			return emptyResult(), nil
		}
		return evaluate(pol.Pol, p, depth)
	case IfPol:
		if Test(pol.Pred, p) {
			return evaluate(pol.Then, p, depth)
		}
		return evaluate(pol.Else, p, depth)
	case ParallelPol:
		r := emptyResult()
		var first error
		for _, sub := range pol.Pols {
			o, err := evaluate(sub, p, depth)
			if err != nil && first == nil {
				first = err
			}
			r.merge(o, 1)
		}
		return r, first
	case SequentialPol:
		cur := emptyResult()
		cur.Out.Add(p, 1)
		var first error
		for _, sub := range pol.Pols {
			next := emptyResult()
			next.Deliveries = cur.Deliveries
			cur.Out.Each(func(q packet.Packet, n int) {
				o, err := evaluate(sub, q, depth)
				if err != nil && first == nil {
					first = err
				}
				next.merge(o, n)
			})
			cur = next
		}
		return cur, first
	case QueryPol:
		r := emptyResult()
		r.Deliveries = []Delivery{{Bucket: pol.Bucket, Packet: p}}
		return r, nil
	case *Dynamic:
		return evaluate(pol.Policy(), p, depth)
	case *Recurse:
		t, ok := pol.Target()
		if !ok {
			return emptyResult(), fmt.Errorf("%w: %s", ErrUnbound, pol)
		}
		if depth >= MaxRecursion {
			return emptyResult(), nil
		}
		return evaluate(t, p, depth+1)
	default:
		return emptyResult(), fmt.Errorf("%w: %T", ErrUnknownPolicy, pol)
	}
}

func applyOps(ops []packet.Op, p packet.Packet) (Result, error) {
	r := emptyResult()
	q, ok, err := classifier.Do(ops...).Apply(p)
	if err != nil {
		return r, err
	}
	if ok {
		r.Out.Add(q, 1)
	}
	return r, nil
}
