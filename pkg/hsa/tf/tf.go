// Package tf implements transfer functions over headerspaces: per-device
// rule tables that map an input (headerspace, port) to the set of
// (headerspace, ports) it produces, and back.
package tf

import (
	"fmt"
	"slices"
	"strings"

	"netpolicy/pkg/hsa/headerspace"
	"netpolicy/pkg/hsa/wildcard"
)

// Action is the kind of a transfer-function rule.
type Action string

const (
	ActionFwd     Action = "fwd"
	ActionRewrite Action = "rw"
	ActionLink    Action = "link"
)

// Affect records that a higher priority rule overlaps a rule on some ports.
// The overlap is subtracted before the lower rule applies.
type Affect struct {
	Rule      int
	Intersect wildcard.Wildcard
	Ports     []uint64
}

// Rule is one entry of a transfer function. Match, Mask and Rewrite are zero
// wildcards on link rules; Mask and Rewrite are zero on forward rules.
type Rule struct {
	ID       string
	Action   Action
	InPorts  []uint64
	OutPorts []uint64

	Match          wildcard.Wildcard
	Mask           wildcard.Wildcard
	Rewrite        wildcard.Wildcard
	InverseMatch   wildcard.Wildcard
	InverseRewrite wildcard.Wildcard

	// SendOnReceivingPort allows the rule to emit on the port a header
	// arrived on. Devices differ here, so it is tracked per rule.
	SendOnReceivingPort bool

	File  string
	Lines []int

	AffectedBy  []Affect
	InfluenceOn []int
}

func (r *Rule) String() string {
	switch r.Action {
	case ActionRewrite:
		return fmt.Sprintf("in_ports: %v, match: %s => ((h & %s) | %s, %v)",
			r.InPorts, r.Match, r.Mask, r.Rewrite, r.OutPorts)
	case ActionLink:
		return fmt.Sprintf("in_ports: %v => out_ports: %v", r.InPorts, r.OutPorts)
	default:
		return fmt.Sprintf("in_ports: %v, match: %s => (h, %v)", r.InPorts, r.Match, r.OutPorts)
	}
}

// Output is one result of applying a transfer function: a headerspace and the
// ports it leaves on (or, for inverse application, the ports it came from).
type Output struct {
	HS    *headerspace.Headerspace
	Ports []uint64
}

// TF is a transfer function over headers of a fixed byte length.
type TF struct {
	length              int
	prefixID            string
	nextID              int
	sendOnReceivingPort bool

	lazyActive bool
	lazyBytes  []int

	rules   []*Rule
	inport  map[uint64][]int
	outport map[uint64][]int
	byID    map[string]int

	index          *wildcard.Dictionary[int]
	indexBits      []int
	indexThreshold int
}

// New creates an empty transfer function for headers of length bytes.
func New(length int) *TF {
	return &TF{
		length:  length,
		inport:  make(map[uint64][]int),
		outport: make(map[uint64][]int),
		byID:    make(map[string]int),
	}
}

// Length returns the header length in bytes.
func (t *TF) Length() int { return t.length }

// Width returns the header width in bits.
func (t *TF) Width() int { return t.length * 8 }

// PrefixID returns the prefix used for rule ids.
func (t *TF) PrefixID() string { return t.prefixID }

// SetPrefixID sets the prefix used for rule ids and applied-rule traces.
func (t *TF) SetPrefixID(prefix string) { t.prefixID = prefix }

// SendOnReceivingPort returns the default for rules added from now on.
func (t *TF) SendOnReceivingPort() bool { return t.sendOnReceivingPort }

// SetSendOnReceivingPort sets the default for rules added from now on.
// Rules already in the table keep their own setting.
func (t *TF) SetSendOnReceivingPort(v bool) { t.sendOnReceivingPort = v }

// SetLazyEval configures the header bytes that may be evaluated lazily. A
// rewrite rule whose rewrites all fall inside these bytes is not applied when
// lazy evaluation is active; it is recorded on the output instead.
func (t *TF) SetLazyEval(bytes []int, active bool) {
	t.lazyBytes = append([]int(nil), bytes...)
	t.lazyActive = active
}

// ActivateIndex builds a wildcard dictionary over the given bit positions and
// uses it to prefilter rules in T.
func (t *TF) ActivateIndex(bits []int, threshold int) {
	t.indexBits = append([]int(nil), bits...)
	t.indexThreshold = threshold
	t.rebuildIndex()
}

// DeactivateIndex drops the rule dictionary.
func (t *TF) DeactivateIndex() {
	t.index = nil
	t.indexBits = nil
}

func (t *TF) rebuildIndex() {
	if t.indexBits == nil {
		return
	}
	t.index = wildcard.NewDictionary[int](t.Width(), t.indexBits, t.indexThreshold)
	for i, r := range t.rules {
		if r.Action != ActionLink {
			t.index.Add(r.Match, i, i)
		}
	}
}

// Len returns the number of rules.
func (t *TF) Len() int { return len(t.rules) }

// Rules returns the rules in priority order. The returned rules must not be
// modified.
func (t *TF) Rules() []*Rule {
	return append([]*Rule(nil), t.rules...)
}

// Rule returns the rule with the given id.
func (t *TF) Rule(id string) (*Rule, bool) {
	i, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return t.rules[i], true
}

func (t *TF) generateID() string {
	t.nextID++
	return fmt.Sprintf("%s_%d", t.prefixID, t.nextID)
}

func (t *TF) checkWidth(ws ...wildcard.Wildcard) error {
	for _, w := range ws {
		if w.Width() != t.Width() {
			return fmt.Errorf("%w: %d bits, want %d", ErrWidthMismatch, w.Width(), t.Width())
		}
	}
	return nil
}

// AddFwdRule appends a rule forwarding headers matching match from inPorts to
// outPorts unchanged. An empty outPorts drops the headers. It returns the id
// of the new rule.
func (t *TF) AddFwdRule(inPorts []uint64, match wildcard.Wildcard, outPorts []uint64) (string, error) {
	if err := t.checkWidth(match); err != nil {
		return "", err
	}
	r := &Rule{
		Action:              ActionFwd,
		InPorts:             append([]uint64(nil), inPorts...),
		OutPorts:            append([]uint64(nil), outPorts...),
		Match:               match.Clone(),
		SendOnReceivingPort: t.sendOnReceivingPort,
	}
	return t.insert(r), nil
}

// AddRewriteRule appends a rule that rewrites matching headers. mask holds 0
// on every bit to rewrite; rewrite supplies the new values for those bits.
func (t *TF) AddRewriteRule(inPorts []uint64, match, mask, rewrite wildcard.Wildcard, outPorts []uint64) (string, error) {
	if err := t.checkWidth(match, mask, rewrite); err != nil {
		return "", err
	}
	zero := zeros(t.Width())
	rw, _ := wildcard.Rewrite(zero, mask, rewrite)
	invMatch, _ := wildcard.Rewrite(match, mask, rewrite)
	invRewrite, _ := wildcard.Rewrite(zero, mask, match)
	r := &Rule{
		Action:              ActionRewrite,
		InPorts:             append([]uint64(nil), inPorts...),
		OutPorts:            append([]uint64(nil), outPorts...),
		Match:               match.Clone(),
		Mask:                mask.Clone(),
		Rewrite:             rw,
		InverseMatch:        invMatch,
		InverseRewrite:      invRewrite,
		SendOnReceivingPort: t.sendOnReceivingPort,
	}
	return t.insert(r), nil
}

// AddLinkRule appends a rule that moves any header from inPorts to outPorts.
func (t *TF) AddLinkRule(inPorts, outPorts []uint64) string {
	r := &Rule{
		Action:              ActionLink,
		InPorts:             append([]uint64(nil), inPorts...),
		OutPorts:            append([]uint64(nil), outPorts...),
		SendOnReceivingPort: t.sendOnReceivingPort,
	}
	return t.insert(r)
}

func (t *TF) insert(r *Rule) string {
	r.ID = t.generateID()
	t.rules = append(t.rules, r)
	pos := len(t.rules) - 1
	if r.Action != ActionLink {
		t.findInfluences(pos)
		if t.index != nil {
			t.index.Add(r.Match, pos, pos)
		}
	}
	t.setLookups(pos)
	return r.ID
}

// findInfluences links the rule at pos with every higher priority rule that
// overlaps it on a shared input port.
func (t *TF) findInfluences(pos int) {
	r := t.rules[pos]
	for i := 0; i < pos; i++ {
		o := t.rules[i]
		if o.Action == ActionLink {
			continue
		}
		common := commonPorts(r.InPorts, o.InPorts)
		if len(common) == 0 {
			continue
		}
		in := wildcard.Intersect(o.Match, r.Match)
		if in.IsEmpty() {
			continue
		}
		r.AffectedBy = append(r.AffectedBy, Affect{Rule: i, Intersect: in, Ports: common})
		o.InfluenceOn = append(o.InfluenceOn, pos)
	}
}

func (t *TF) setLookups(pos int) {
	r := t.rules[pos]
	for _, p := range r.InPorts {
		t.inport[p] = append(t.inport[p], pos)
	}
	for _, p := range r.OutPorts {
		t.outport[p] = append(t.outport[p], pos)
	}
	t.byID[r.ID] = pos
}

// candidates returns, in priority order, the rules that may apply to hs at
// port.
func (t *TF) candidates(hs *headerspace.Headerspace, port uint64) []int {
	rules := t.inport[port]
	if t.index == nil {
		return rules
	}
	hit := make(map[int]bool)
	for _, e := range hs.Elements() {
		for _, i := range t.index.Lookup(e.Elem) {
			hit[i] = true
		}
	}
	out := make([]int, 0, len(rules))
	for _, i := range rules {
		if hit[i] || t.rules[i].Action == ActionLink {
			out = append(out, i)
		}
	}
	return out
}

// T applies the transfer function to hs arriving on port.
func (t *TF) T(hs *headerspace.Headerspace, port uint64) []Output {
	var (
		out       []Output
		lazyPorts []uint64
		lazyRules = make(map[uint64][]string)
	)
	for _, i := range t.candidates(hs, port) {
		r := t.rules[i]
		switch {
		case t.lazyActive && t.qualifiesForLazy(r):
			if !slices.Contains(r.InPorts, port) {
				continue
			}
			for _, p := range r.OutPorts {
				if _, ok := lazyRules[p]; !ok {
					lazyPorts = append(lazyPorts, p)
				}
				lazyRules[p] = append(lazyRules[p], r.ID)
			}
		case r.Action == ActionLink:
			out = append(out, t.applyLink(r, hs, port)...)
		default:
			out = append(out, t.apply(r, hs, port)...)
		}
	}
	for _, p := range lazyPorts {
		lh := hs.Copy()
		for _, id := range lazyRules[p] {
			lh.AddLazy(t.prefixID, id, port)
		}
		out = append(out, Output{HS: lh, Ports: []uint64{p}})
	}
	return out
}

// TRule applies a single rule, ignoring the rest of the table except for
// the higher priority overlaps recorded on the rule.
func (t *TF) TRule(id string, hs *headerspace.Headerspace, port uint64) []Output {
	r, ok := t.Rule(id)
	if !ok {
		return nil
	}
	if r.Action == ActionLink {
		return t.applyLink(r, hs, port)
	}
	return t.apply(r, hs, port)
}

func (t *TF) applyLink(r *Rule, hs *headerspace.Headerspace, port uint64) []Output {
	if !slices.Contains(r.InPorts, port) {
		return nil
	}
	oh := hs.Copy()
	oh.PushApplied(t.prefixID, r.ID, port)
	return []Output{{HS: oh, Ports: append([]uint64(nil), r.OutPorts...)}}
}

func (t *TF) apply(r *Rule, hs *headerspace.Headerspace, port uint64) []Output {
	if !slices.Contains(r.InPorts, port) {
		return nil
	}
	outPorts := append([]uint64(nil), r.OutPorts...)
	if !r.SendOnReceivingPort {
		outPorts = slices.DeleteFunc(outPorts, func(p uint64) bool { return p == port })
	}
	if len(outPorts) == 0 {
		return nil
	}

	nh := hs.IntersectWildcard(r.Match)
	if nh.Count() == 0 {
		return nil
	}
	for _, a := range r.AffectedBy {
		if slices.Contains(a.Ports, port) {
			nh.Diff(a.Intersect)
		}
	}
	if r.Action == ActionRewrite {
		nh.Rewrite(r.Mask, r.Rewrite)
	}
	nh.CleanUp()
	if nh.Count() == 0 {
		return nil
	}
	nh.PushApplied(t.prefixID, r.ID, port)
	return []Output{{HS: nh, Ports: outPorts}}
}

// TInv returns the (headerspace, input port) pairs that can produce hs on
// output port.
func (t *TF) TInv(hs *headerspace.Headerspace, port uint64) []Output {
	var out []Output
	for _, i := range t.outport[port] {
		r := t.rules[i]
		switch {
		case t.lazyActive && t.qualifiesForLazy(r):
			lh := hs.Copy()
			lh.AddLazy(t.prefixID, r.ID, port)
			out = append(out, Output{HS: lh, Ports: append([]uint64(nil), r.InPorts...)})
		case r.Action == ActionLink:
			ih := hs.Copy()
			ih.PushApplied(t.prefixID, r.ID, port)
			out = append(out, Output{HS: ih, Ports: append([]uint64(nil), r.InPorts...)})
		default:
			out = append(out, t.applyInverse(r, hs, port)...)
		}
	}
	return out
}

func (t *TF) applyInverse(r *Rule, hs *headerspace.Headerspace, port uint64) []Output {
	var nh *headerspace.Headerspace
	if r.Action == ActionRewrite {
		nh = hs.IntersectWildcard(r.InverseMatch)
		if nh.Count() == 0 {
			return nil
		}
		nh.Rewrite(r.Mask, r.InverseRewrite)
	} else {
		nh = hs.IntersectWildcard(r.Match)
		if nh.Count() == 0 {
			return nil
		}
	}

	var out []Output
	for _, p := range r.InPorts {
		if p == port && !r.SendOnReceivingPort {
			continue
		}
		next := nh.Copy()
		for _, a := range r.AffectedBy {
			if slices.Contains(a.Ports, p) {
				next.Diff(a.Intersect)
			}
		}
		next.CleanUp()
		if next.Count() == 0 {
			continue
		}
		next.PushApplied(t.prefixID, r.ID, port)
		out = append(out, Output{HS: next, Ports: []uint64{p}})
	}
	return out
}

// qualifiesForLazy reports whether every bit r rewrites lies in a lazily
// evaluated byte, and there is at least one such bit.
func (t *TF) qualifiesForLazy(r *Rule) bool {
	if r.Action != ActionRewrite {
		return false
	}
	inside := false
	for i := 0; i < r.Mask.Width(); i++ {
		if b := r.Mask.Get(i); b == wildcard.One || b == wildcard.X {
			continue
		}
		if !slices.Contains(t.lazyBytes, i/8) {
			return false
		}
		inside = true
	}
	return inside
}

func (t *TF) String() string {
	var sb strings.Builder
	for _, r := range t.rules {
		sb.WriteString(r.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func zeros(width int) wildcard.Wildcard {
	w := wildcard.New(width)
	w.SetRange(0, width, wildcard.Zero)
	return w
}

func commonPorts(a, b []uint64) []uint64 {
	var out []uint64
	for _, p := range a {
		if slices.Contains(b, p) {
			out = append(out, p)
		}
	}
	return out
}
