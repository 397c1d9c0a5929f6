// Package classifier implements prioritized match/action tables and the
// operators that combine them.
package classifier

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"netpolicy/pkg/policy/packet"
)

// Rule pairs a match with the actions applied to matching packets. A rule
// with no actions drops.
type Rule struct {
	Match   Match
	Actions []Action
}

// Drops reports whether r drops every packet it matches.
func (r Rule) Drops() bool {
	return len(r.Actions) == 0
}

func (r Rule) String() string {
	acts := make([]string, 0, len(r.Actions))
	for _, a := range r.Actions {
		acts = append(acts, a.String())
	}
	if len(acts) == 0 {
		acts = append(acts, "drop")
	}
	return r.Match.String() + " -> [" + strings.Join(acts, ", ") + "]"
}

// Equal reports whether r and o match the same packets with the same
// actions in the same order.
func (r Rule) Equal(o Rule) bool {
	if !r.Match.Equal(o.Match) || len(r.Actions) != len(o.Actions) {
		return false
	}
	for i := range r.Actions {
		if !r.Actions[i].Equal(o.Actions[i]) {
			return false
		}
	}
	return true
}

// Classifier is an ordered rule list with first-match semantics. Every
// classifier built by this package ends in a catch-all rule, so each packet
// matches exactly one rule. Classifiers are immutable.
type Classifier struct {
	rules []Rule
}

// New builds a classifier from rules, appending a catch-all drop when the
// last rule does not match everything.
func New(rules ...Rule) *Classifier {
	c := &Classifier{rules: append([]Rule(nil), rules...)}
	if n := len(c.rules); n == 0 || !c.rules[n-1].Match.IsAll() {
		c.rules = append(c.rules, Rule{Match: All()})
	}
	return c
}

// Drop returns the classifier dropping every packet.
func Drop() *Classifier {
	return New()
}

// Pass returns the classifier forwarding every packet unchanged.
func Pass() *Classifier {
	return New(Rule{Match: All(), Actions: []Action{Identity()}})
}

// Single returns the classifier applying a to every packet.
func Single(a Action) *Classifier {
	return New(Rule{Match: All(), Actions: []Action{a}})
}

// Filter returns the classifier passing packets accepted by m.
func Filter(m Match) *Classifier {
	return New(Rule{Match: m, Actions: []Action{Identity()}})
}

// Rules returns the rules in priority order.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Len returns the number of rules.
func (c *Classifier) Len() int {
	return len(c.rules)
}

// Lookup returns the first rule matching p.
func (c *Classifier) Lookup(p packet.Packet) (Rule, bool) {
	for _, r := range c.rules {
		if r.Match.Matches(p) {
			return r, true
		}
	}
	return Rule{}, false
}

// Delivery is a packet handed to a sink.
type Delivery struct {
	Sink   string
	Packet packet.Packet
}

// Eval applies the first rule matching p. An action that fails, such as a
// pop of an absent field, contributes nothing while the others still apply.
func (c *Classifier) Eval(p packet.Packet) (*packet.Multiset, []Delivery) {
	out := &packet.Multiset{}
	r, ok := c.Lookup(p)
	if !ok {
		return out, nil
	}
	var ds []Delivery
	for _, a := range r.Actions {
		q, ok, err := a.Apply(p)
		if err != nil || !ok {
			continue
		}
		if a.Sink != "" {
			ds = append(ds, Delivery{Sink: a.Sink, Packet: q})
			continue
		}
		out.Add(q, 1)
	}
	return out, ds
}

// Sinks returns the distinct sinks referenced by c.
func (c *Classifier) Sinks() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range c.rules {
		for _, a := range r.Actions {
			if a.Sink != "" && !seen[a.Sink] {
				seen[a.Sink] = true
				out = append(out, a.Sink)
			}
		}
	}
	return out
}

// Equal reports whether c and o hold the same rules in the same order.
func (c *Classifier) Equal(o *Classifier) bool {
	if len(c.rules) != len(o.rules) {
		return false
	}
	for i := range c.rules {
		if !c.rules[i].Equal(o.rules[i]) {
			return false
		}
	}
	return true
}

func (c *Classifier) String() string {
	var sb strings.Builder
	for i, r := range c.rules {
		fmt.Fprintf(&sb, "%d: %s\n", i, r)
	}
	return sb.String()
}

// Render writes c as a table.
func (c *Classifier) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"PRIO", "MATCH", "ACTIONS"})
	for i, r := range c.rules {
		acts := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			acts = append(acts, a.String())
		}
		if len(acts) == 0 {
			acts = append(acts, "drop")
		}
		table.Append([]string{fmt.Sprint(len(c.rules) - i), r.Match.String(), strings.Join(acts, " + ")})
	}
	table.Render()
}

// optimize removes rules shadowed by an earlier rule.
func optimize(rules []Rule) *Classifier {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		shadowed := false
		for _, prev := range out {
			if prev.Match.Covers(r.Match) {
				shadowed = true
				break
			}
		}
		if !shadowed {
			out = append(out, r)
		}
	}
	return New(out...)
}

// Parallel returns the classifier whose output on every packet is the
// multiset union of the outputs of a and b.
func Parallel(a, b *Classifier) *Classifier {
	rules := make([]Rule, 0, len(a.rules)*len(b.rules))
	for _, ra := range a.rules {
		for _, rb := range b.rules {
			m, ok := ra.Match.Intersect(rb.Match)
			if !ok {
				continue
			}
			acts := make([]Action, 0, len(ra.Actions)+len(rb.Actions))
			acts = append(acts, ra.Actions...)
			acts = append(acts, rb.Actions...)
			rules = append(rules, Rule{Match: m, Actions: acts})
		}
	}
	return optimize(rules)
}

// ParallelDisjoint is Parallel for classifiers whose non-dropping rules
// never overlap: their rules are concatenated instead of multiplied. ok is
// false when the classifiers do overlap.
func ParallelDisjoint(a, b *Classifier) (*Classifier, bool) {
	ra, rb := a.active(), b.active()
	for _, x := range ra {
		for _, y := range rb {
			if !x.Match.Disjoint(y.Match) {
				return nil, false
			}
		}
	}
	rules := make([]Rule, 0, len(ra)+len(rb))
	rules = append(rules, ra...)
	rules = append(rules, rb...)
	return optimize(rules), true
}

// active returns the rules before the trailing run of dropping rules.
// Interior drops stay, since they shadow later rules.
func (c *Classifier) active() []Rule {
	n := len(c.rules)
	for n > 0 && c.rules[n-1].Drops() {
		n--
	}
	return c.rules[:n]
}

// Sequential returns the classifier feeding every output of a into b.
func Sequential(a, b *Classifier) (*Classifier, error) {
	var rules []Rule
	for _, ra := range a.rules {
		if ra.Drops() {
			rules = append(rules, ra)
			continue
		}
		var combined *Classifier
		for _, act := range ra.Actions {
			c, err := act.seq(b)
			if err != nil {
				return nil, err
			}
			if combined == nil {
				combined = c
			} else {
				combined = Parallel(combined, c)
			}
		}
		for _, r := range combined.rules {
			m, ok := ra.Match.Intersect(r.Match)
			if !ok {
				continue
			}
			rules = append(rules, Rule{Match: m, Actions: r.Actions})
		}
	}
	return optimize(rules), nil
}

// seq returns the classifier applying a and then b.
func (a Action) seq(b *Classifier) (*Classifier, error) {
	if a.Sink != "" {
		return Single(a), nil
	}
	rules := make([]Rule, 0, len(b.rules))
	for _, rb := range b.rules {
		m, ok, err := a.Preimage(rb.Match)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		acts := make([]Action, 0, len(rb.Actions))
		for _, x := range rb.Actions {
			acts = append(acts, a.Then(x))
		}
		rules = append(rules, Rule{Match: m, Actions: acts})
	}
	return New(rules...), nil
}

// Negate flips a boolean classifier, one whose rules either drop or pass
// unchanged: passing rules drop and dropping rules pass.
func Negate(c *Classifier) *Classifier {
	rules := make([]Rule, 0, len(c.rules))
	for _, r := range c.rules {
		if r.Drops() {
			rules = append(rules, Rule{Match: r.Match, Actions: []Action{Identity()}})
		} else {
			rules = append(rules, Rule{Match: r.Match})
		}
	}
	return optimize(rules)
}

// Or combines boolean classifiers: the result passes what either passes.
func Or(a, b *Classifier) *Classifier {
	return boolean(a, b, func(x, y bool) bool { return x || y })
}

// And combines boolean classifiers: the result passes what both pass.
func And(a, b *Classifier) *Classifier {
	return boolean(a, b, func(x, y bool) bool { return x && y })
}

func boolean(a, b *Classifier, op func(x, y bool) bool) *Classifier {
	rules := make([]Rule, 0, len(a.rules)*len(b.rules))
	for _, ra := range a.rules {
		for _, rb := range b.rules {
			m, ok := ra.Match.Intersect(rb.Match)
			if !ok {
				continue
			}
			r := Rule{Match: m}
			if op(!ra.Drops(), !rb.Drops()) {
				r.Actions = []Action{Identity()}
			}
			rules = append(rules, r)
		}
	}
	return optimize(rules)
}
