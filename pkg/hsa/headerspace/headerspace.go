// Package headerspace implements unions of wildcards with lazily subtracted
// regions.
package headerspace

import (
	"fmt"
	"strings"

	"netpolicy/pkg/hsa/wildcard"
)

// AppliedRule records a transfer-function rule that produced a headerspace.
type AppliedRule struct {
	TF     string `json:"tf"`
	RuleID string `json:"rule_id"`
	Port   uint64 `json:"port"`
}

// LazyRule is a rule whose application was deferred because it only touches
// lazily evaluated header bytes.
type LazyRule struct {
	TF     string `json:"tf"`
	RuleID string `json:"rule_id"`
	Port   uint64 `json:"port"`
}

// Element is one member of a headerspace: an included wildcard and the
// wildcards still to be subtracted from it.
type Element struct {
	Elem wildcard.Wildcard   `json:"elem"`
	Diff []wildcard.Wildcard `json:"diff,omitempty"`
}

// Headerspace is a finite union of wildcards, each with an optional list of
// wildcards subtracted from it.
type Headerspace struct {
	width int
	list  []wildcard.Wildcard
	diffs [][]wildcard.Wildcard

	applied []AppliedRule
	lazy    []LazyRule
}

// New returns an empty headerspace for headers of the given bit width.
func New(width int) *Headerspace {
	return &Headerspace{width: width}
}

// All returns the headerspace containing every header of the given width.
func All(width int) *Headerspace {
	h := New(width)
	h.Add(wildcard.New(width))
	return h
}

// FromWildcards returns a headerspace holding the given wildcards.
func FromWildcards(width int, ws ...wildcard.Wildcard) *Headerspace {
	h := New(width)
	for _, w := range ws {
		h.Add(w)
	}
	return h
}

// Width returns the header width in bits.
func (h *Headerspace) Width() int {
	return h.width
}

func (h *Headerspace) check(w wildcard.Wildcard) {
	if w.Width() != h.width {
		panic(fmt.Sprintf("headerspace: width mismatch %d != %d", w.Width(), h.width))
	}
}

// Add includes w in the union. Empty wildcards are ignored.
func (h *Headerspace) Add(w wildcard.Wildcard) {
	h.check(w)
	if w.IsEmpty() {
		return
	}
	h.list = append(h.list, w.Clone())
	h.diffs = append(h.diffs, nil)
}

// AddHS includes every element of other, with its pending differences.
func (h *Headerspace) AddHS(other *Headerspace) {
	if other.width != h.width {
		panic(fmt.Sprintf("headerspace: width mismatch %d != %d", other.width, h.width))
	}
	for i, w := range other.list {
		h.list = append(h.list, w.Clone())
		h.diffs = append(h.diffs, cloneList(other.diffs[i]))
	}
}

// Diff lazily subtracts w from every element it intersects.
func (h *Headerspace) Diff(w wildcard.Wildcard) {
	h.check(w)
	for i, elem := range h.list {
		if in := wildcard.Intersect(elem, w); !in.IsEmpty() {
			h.diffs[i] = append(h.diffs[i], in)
		}
	}
}

// DiffHS lazily subtracts other from h. Pending differences of other are
// materialized first so nothing outside other is removed.
func (h *Headerspace) DiffHS(other *Headerspace) {
	o := other.Copy()
	o.SelfDiff()
	for _, w := range o.list {
		h.Diff(w)
	}
}

// Count returns the number of elements in the union.
func (h *Headerspace) Count() int {
	return len(h.list)
}

// Elements returns a copy of the union members.
func (h *Headerspace) Elements() []Element {
	out := make([]Element, 0, len(h.list))
	for i, w := range h.list {
		out = append(out, Element{Elem: w.Clone(), Diff: cloneList(h.diffs[i])})
	}
	return out
}

// Intersect returns the intersection of h and other. Pending differences of
// both operands are carried into every pairwise result.
func (h *Headerspace) Intersect(other *Headerspace) *Headerspace {
	if other.width != h.width {
		panic(fmt.Sprintf("headerspace: width mismatch %d != %d", other.width, h.width))
	}
	out := New(h.width)
	for i, a := range h.list {
		for j, b := range other.list {
			in := wildcard.Intersect(a, b)
			if in.IsEmpty() {
				continue
			}
			var diffs []wildcard.Wildcard
			for _, d := range h.diffs[i] {
				if x := wildcard.Intersect(d, in); !x.IsEmpty() {
					diffs = append(diffs, x)
				}
			}
			for _, d := range other.diffs[j] {
				if x := wildcard.Intersect(d, in); !x.IsEmpty() {
					diffs = append(diffs, x)
				}
			}
			out.list = append(out.list, in)
			out.diffs = append(out.diffs, diffs)
		}
	}
	out.applied = append(out.applied, h.applied...)
	out.lazy = append(out.lazy, h.lazy...)
	return out
}

// IntersectWildcard returns the intersection of h with a single wildcard.
func (h *Headerspace) IntersectWildcard(w wildcard.Wildcard) *Headerspace {
	return h.Intersect(FromWildcards(h.width, w))
}

// Complement returns the headerspace of every header not in h.
func (h *Headerspace) Complement() *Headerspace {
	result := All(h.width)
	for i, w := range h.list {
		// complement(w - D) = complement(w) + D
		c := FromWildcards(h.width, wildcard.Complement(w)...)
		for _, d := range h.diffs[i] {
			c.Add(d)
		}
		result = result.Intersect(c)
		result.CleanUp()
	}
	return result
}

// Minus returns h with other subtracted, materialized.
func (h *Headerspace) Minus(other *Headerspace) *Headerspace {
	out := h.Intersect(other.Complement())
	out.SelfDiff()
	return out
}

// SelfDiff materializes every pending difference into a flat union.
func (h *Headerspace) SelfDiff() {
	var list []wildcard.Wildcard
	for i, w := range h.list {
		pieces := []wildcard.Wildcard{w}
		for _, d := range h.diffs[i] {
			var next []wildcard.Wildcard
			for _, p := range pieces {
				next = append(next, wildcard.Difference(p, d)...)
			}
			pieces = next
		}
		list = append(list, pieces...)
	}
	h.list = wildcard.Compress(list)
	h.diffs = make([][]wildcard.Wildcard, len(h.list))
}

// CleanUp drops elements fully covered by one of their own differences and
// removes differences subsumed by another difference of the same element.
func (h *Headerspace) CleanUp() {
	var (
		list  []wildcard.Wildcard
		diffs [][]wildcard.Wildcard
	)
	for i, w := range h.list {
		covered := false
		for _, d := range h.diffs[i] {
			if wildcard.Subset(w, d) {
				covered = true
				break
			}
		}
		if covered || w.IsEmpty() {
			continue
		}
		list = append(list, w)
		diffs = append(diffs, wildcard.Compress(h.diffs[i]))
	}
	h.list = list
	h.diffs = diffs
}

// IsEmpty reports whether h denotes no header at all. Pending differences
// are materialized on a copy.
func (h *Headerspace) IsEmpty() bool {
	c := h.Copy()
	c.SelfDiff()
	return len(c.list) == 0
}

// IsSubsetOf reports whether every header of h is in other.
func (h *Headerspace) IsSubsetOf(other *Headerspace) bool {
	return h.Intersect(other.Complement()).IsEmpty()
}

// IsContainedIn is a structural check: every element of h sits inside some
// element of other, ignoring pending differences on both sides. It is cheaper
// than IsSubsetOf and may report false for a union that only covers h jointly.
func (h *Headerspace) IsContainedIn(other *Headerspace) bool {
	for _, w := range h.list {
		found := false
		for _, o := range other.list {
			if wildcard.Subset(w, o) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Rewrite applies mask and rw to every element. Differences survive only
// when the rewrite collapses as many x bits in them as in their element.
func (h *Headerspace) Rewrite(mask, rw wildcard.Wildcard) {
	for i, w := range h.list {
		nw, card := wildcard.Rewrite(w, mask, rw)
		h.list[i] = nw
		var kept []wildcard.Wildcard
		for _, d := range h.diffs[i] {
			nd, dcard := wildcard.Rewrite(d, mask, rw)
			if dcard == card {
				kept = append(kept, nd)
			}
		}
		h.diffs[i] = kept
	}
}

// Copy returns a deep copy of h, traces included.
func (h *Headerspace) Copy() *Headerspace {
	out := New(h.width)
	out.AddHS(h)
	out.applied = append([]AppliedRule(nil), h.applied...)
	out.lazy = append([]LazyRule(nil), h.lazy...)
	return out
}

// PushApplied appends a rule to the applied-rule trace.
func (h *Headerspace) PushApplied(tf, ruleID string, port uint64) {
	h.applied = append(h.applied, AppliedRule{TF: tf, RuleID: ruleID, Port: port})
}

// Applied returns the applied-rule trace, oldest first.
func (h *Headerspace) Applied() []AppliedRule {
	return append([]AppliedRule(nil), h.applied...)
}

// AddLazy defers a rule.
func (h *Headerspace) AddLazy(tf, ruleID string, port uint64) {
	h.lazy = append(h.lazy, LazyRule{TF: tf, RuleID: ruleID, Port: port})
}

// Lazy returns the deferred rules.
func (h *Headerspace) Lazy() []LazyRule {
	return append([]LazyRule(nil), h.lazy...)
}

// TakeLazy returns the deferred rules and clears the list.
func (h *Headerspace) TakeLazy() []LazyRule {
	l := h.lazy
	h.lazy = nil
	return l
}

// Wildcards materializes h on a copy and returns the resulting wildcards.
func (h *Headerspace) Wildcards() []wildcard.Wildcard {
	c := h.Copy()
	c.SelfDiff()
	return cloneList(c.list)
}

func (h *Headerspace) String() string {
	if len(h.list) == 0 {
		return "[]"
	}
	parts := make([]string, 0, len(h.list))
	for i, w := range h.list {
		s := w.String()
		if len(h.diffs[i]) > 0 {
			ds := make([]string, 0, len(h.diffs[i]))
			for _, d := range h.diffs[i] {
				ds = append(ds, d.String())
			}
			s += " - (" + strings.Join(ds, " + ") + ")"
		}
		parts = append(parts, s)
	}
	return "[" + strings.Join(parts, " + ") + "]"
}

func cloneList(ws []wildcard.Wildcard) []wildcard.Wildcard {
	if ws == nil {
		return nil
	}
	out := make([]wildcard.Wildcard, len(ws))
	for i, w := range ws {
		out[i] = w.Clone()
	}
	return out
}
