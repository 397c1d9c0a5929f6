package tf

import (
	"encoding/json"
	"fmt"
	"os"

	"netpolicy/pkg/hsa/wildcard"
)

type tfJSON struct {
	Length              int        `json:"length"`
	PrefixID            string     `json:"prefix_id"`
	NextID              int        `json:"next_id"`
	LazyEvalActive      bool       `json:"lazy_eval_active"`
	SendOnReceivingPort bool       `json:"send_on_receiving_port"`
	LazyEvalBytes       []int      `json:"lazy_eval_bytes"`
	Rules               []ruleJSON `json:"rules"`
}

type ruleJSON struct {
	ID                  string             `json:"id"`
	Action              Action             `json:"action"`
	InPorts             []uint64           `json:"in_ports"`
	OutPorts            []uint64           `json:"out_ports"`
	Match               *wildcard.Wildcard `json:"match"`
	Mask                *wildcard.Wildcard `json:"mask"`
	Rewrite             *wildcard.Wildcard `json:"rewrite"`
	InverseMatch        *wildcard.Wildcard `json:"inverse_match"`
	InverseRewrite      *wildcard.Wildcard `json:"inverse_rewrite"`
	SendOnReceivingPort bool               `json:"send_on_receiving_port"`
	AffectedBy          []Affect           `json:"affected_by"`
	InfluenceOn         []int              `json:"influence_on"`
	File                string             `json:"file"`
	Line                []int              `json:"line"`
}

// MarshalJSON encodes the overlap as [rule index, wildcard, ports].
func (a Affect) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.Rule, a.Intersect.String(), nonNil(a.Ports)})
}

// UnmarshalJSON decodes the [rule index, wildcard, ports] form.
func (a *Affect) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("affected_by entry has %d elements, want 3", len(raw))
	}
	if err := json.Unmarshal(raw[0], &a.Rule); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &a.Intersect); err != nil {
		return err
	}
	return json.Unmarshal(raw[2], &a.Ports)
}

// MarshalJSON encodes the transfer function in the persisted schema.
func (t *TF) MarshalJSON() ([]byte, error) {
	out := tfJSON{
		Length:              t.length,
		PrefixID:            t.prefixID,
		NextID:              t.nextID,
		LazyEvalActive:      t.lazyActive,
		SendOnReceivingPort: t.sendOnReceivingPort,
		LazyEvalBytes:       nonNil(t.lazyBytes),
		Rules:               make([]ruleJSON, 0, len(t.rules)),
	}
	for _, r := range t.rules {
		rj := ruleJSON{
			ID:                  r.ID,
			Action:              r.Action,
			InPorts:             nonNil(r.InPorts),
			OutPorts:            nonNil(r.OutPorts),
			Match:               optional(r.Match),
			Mask:                optional(r.Mask),
			Rewrite:             optional(r.Rewrite),
			InverseMatch:        optional(r.InverseMatch),
			InverseRewrite:      optional(r.InverseRewrite),
			SendOnReceivingPort: r.SendOnReceivingPort,
			AffectedBy:          nonNil(r.AffectedBy),
			InfluenceOn:         nonNil(r.InfluenceOn),
			File:                r.File,
			Line:                nonNil(r.Lines),
		}
		out.Rules = append(out.Rules, rj)
	}
	return json.Marshal(out)
}

// UnmarshalJSON replaces t with the decoded transfer function. An active
// rule index is rebuilt over the new rules.
func (t *TF) UnmarshalJSON(b []byte) error {
	var in tfJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	n := New(in.Length)
	n.prefixID = in.PrefixID
	n.nextID = in.NextID
	n.lazyActive = in.LazyEvalActive
	n.lazyBytes = in.LazyEvalBytes
	n.sendOnReceivingPort = in.SendOnReceivingPort

	for i, rj := range in.Rules {
		switch rj.Action {
		case ActionFwd, ActionRewrite, ActionLink:
		default:
			return fmt.Errorf("rule %d: %w %q", i, ErrUnknownAction, rj.Action)
		}
		r := &Rule{
			ID:                  rj.ID,
			Action:              rj.Action,
			InPorts:             rj.InPorts,
			OutPorts:            rj.OutPorts,
			Match:               value(rj.Match),
			Mask:                value(rj.Mask),
			Rewrite:             value(rj.Rewrite),
			InverseMatch:        value(rj.InverseMatch),
			InverseRewrite:      value(rj.InverseRewrite),
			SendOnReceivingPort: rj.SendOnReceivingPort,
			AffectedBy:          rj.AffectedBy,
			InfluenceOn:         rj.InfluenceOn,
			File:                rj.File,
			Lines:               rj.Line,
		}
		for _, w := range []wildcard.Wildcard{r.Match, r.Mask, r.Rewrite, r.InverseMatch, r.InverseRewrite} {
			if w.IsZero() {
				continue
			}
			if err := n.checkWidth(w); err != nil {
				return fmt.Errorf("rule %s: %w", r.ID, err)
			}
		}
		if r.Action != ActionLink && r.Match.IsZero() {
			return fmt.Errorf("rule %s: missing match", r.ID)
		}
		n.rules = append(n.rules, r)
	}
	for _, r := range n.rules {
		for _, a := range r.AffectedBy {
			if a.Rule < 0 || a.Rule >= len(n.rules) {
				return fmt.Errorf("rule %s: %w: affected_by %d", r.ID, ErrBadRuleIndex, a.Rule)
			}
		}
		for _, i := range r.InfluenceOn {
			if i < 0 || i >= len(n.rules) {
				return fmt.Errorf("rule %s: %w: influence_on %d", r.ID, ErrBadRuleIndex, i)
			}
		}
	}
	for i := range n.rules {
		n.setLookups(i)
	}

	n.indexBits = t.indexBits
	n.indexThreshold = t.indexThreshold
	n.rebuildIndex()
	*t = *n
	return nil
}

// Save writes t to path as indented JSON.
func (t *TF) Save(path string) error {
	data, err := json.MarshalIndent(t, "", " ")
	if err != nil {
		return fmt.Errorf("failed to encode transfer function: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write transfer function: %w", err)
	}
	return nil
}

// Load reads a transfer function saved with Save.
func Load(path string) (*TF, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer function: %w", err)
	}
	t := New(0)
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to decode transfer function %s: %w", path, err)
	}
	return t, nil
}

func optional(w wildcard.Wildcard) *wildcard.Wildcard {
	if w.IsZero() {
		return nil
	}
	c := w.Clone()
	return &c
}

func value(w *wildcard.Wildcard) wildcard.Wildcard {
	if w == nil {
		return wildcard.Wildcard{}
	}
	return *w
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
