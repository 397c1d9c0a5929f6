package policy

// Children returns the direct sub-policies of p. Dynamic policies yield
// their current policy; Recurse nodes yield nothing.
func Children(p Policy) []Policy {
	switch p := p.(type) {
	case UnionPred:
		return preds(p.Preds)
	case IntersectPred:
		return preds(p.Preds)
	case DiffPred:
		return append([]Policy{p.Base}, preds(p.Diffs)...)
	case NegatePred:
		return []Policy{p.P}
	case RestrictPol:
		return []Policy{p.Pol, p.Pred}
	case RemovePol:
		return []Policy{p.Pol, p.Pred}
	case ParallelPol:
		return p.Pols
	case SequentialPol:
		return p.Pols
	case IfPol:
		return []Policy{p.Pred, p.Then, p.Else}
	case *Dynamic:
		return []Policy{p.Policy()}
	default:
		return nil
	}
}

func preds(ps []Pred) []Policy {
	out := make([]Policy, 0, len(ps))
	for _, p := range ps {
		out = append(out, p)
	}
	return out
}

// Walk visits p and its descendants depth first. Children of a node are
// skipped when fn returns false for it.
func Walk(p Policy, fn func(Policy) bool) {
	if !fn(p) {
		return
	}
	for _, c := range Children(p) {
		Walk(c, fn)
	}
}

// Contains reports whether d occurs in p.
func Contains(p Policy, d *Dynamic) bool {
	found := false
	Walk(p, func(n Policy) bool {
		if x, ok := n.(*Dynamic); ok && x == d {
			found = true
		}
		return !found
	})
	return found
}

// Buckets returns the distinct buckets p delivers to.
func Buckets(p Policy) []Bucket {
	seen := make(map[string]bool)
	var out []Bucket
	visit := func(n Policy) bool {
		if q, ok := n.(QueryPol); ok && !seen[q.Bucket.ID()] {
			seen[q.Bucket.ID()] = true
			out = append(out, q.Bucket)
		}
		return true
	}
	Walk(p, visit)
	// targets of recursion points are walked once
	Walk(p, func(n Policy) bool {
		if r, ok := n.(*Recurse); ok {
			if t, bound := r.Target(); bound {
				Walk(t, visit)
			}
		}
		return true
	})
	return out
}

// Dynamics returns every distinct dynamic policy in p, including those
// reached through recursion points.
func Dynamics(p Policy) []*Dynamic {
	var out []*Dynamic
	seen := make(map[*Dynamic]bool)
	entered := make(map[*Recurse]bool)
	var visit func(Policy) bool
	visit = func(n Policy) bool {
		switch n := n.(type) {
		case *Dynamic:
			if seen[n] {
				return false
			}
			seen[n] = true
			out = append(out, n)
		case *Recurse:
			if !entered[n] {
				entered[n] = true
				if t, ok := n.Target(); ok {
					Walk(t, visit)
				}
			}
		}
		return true
	}
	Walk(p, visit)
	return out
}

// Notify hands v to every dynamic policy in p, outermost first. The
// contents of a scope are skipped; the scope passes on what it sees fit.
func Notify(p Policy, v NetworkView) {
	var targets []*Dynamic
	seen := make(map[*Dynamic]bool)
	entered := make(map[*Recurse]bool)
	var visit func(Policy) bool
	visit = func(n Policy) bool {
		switch n := n.(type) {
		case *Dynamic:
			if seen[n] {
				return false
			}
			seen[n] = true
			targets = append(targets, n)
			return !n.isScope()
		case *Recurse:
			if !entered[n] {
				entered[n] = true
				if t, ok := n.Target(); ok {
					Walk(t, visit)
				}
			}
		}
		return true
	}
	Walk(p, visit)
	for _, d := range targets {
		d.NetworkChanged(v)
	}
}

// directDynamics returns the dynamic policies in p not nested inside another
// dynamic policy.
func directDynamics(p Policy) []*Dynamic {
	var out []*Dynamic
	Walk(p, func(n Policy) bool {
		if d, ok := n.(*Dynamic); ok {
			out = append(out, d)
			return false
		}
		return true
	})
	return out
}
