package etcd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy/classifier"
)

// Snapshot key names, relative to the configured prefix.
const (
	ClassifierKey = "classifier"
	TopologyKey   = "topology"
	RuntimeKey    = "runtime"
)

// RuleSnapshot is one rule of a published classifier.
type RuleSnapshot struct {
	Priority int               `json:"priority"`
	Match    map[string]string `json:"match"`
	Actions  []string          `json:"actions"`
}

// ClassifierSnapshot is the published form of the installed classifier.
type ClassifierSnapshot struct {
	Version uint64         `json:"version"`
	Rules   []RuleSnapshot `json:"rules"`
}

// NewClassifierSnapshot captures cl. Rules are listed in first-match order
// with a rank that decreases down the list. Switches may hold them at other
// priorities in the same order.
func NewClassifierSnapshot(version uint64, cl *classifier.Classifier) ClassifierSnapshot {
	rules := cl.Rules()
	s := ClassifierSnapshot{Version: version, Rules: make([]RuleSnapshot, 0, len(rules))}
	for i, r := range rules {
		rs := RuleSnapshot{
			Priority: len(rules) - i,
			Match:    make(map[string]string, r.Match.Len()),
			Actions:  make([]string, 0, len(r.Actions)),
		}
		for _, name := range r.Match.Fields() {
			pat, _ := r.Match.Get(name)
			rs.Match[name] = pat.String()
		}
		for _, a := range r.Actions {
			rs.Actions = append(rs.Actions, a.String())
		}
		s.Rules = append(s.Rules, rs)
	}
	return s
}

// Render writes s as a table.
func (s ClassifierSnapshot) Render(w io.Writer) {
	table := newTable(w, "PRIO", "MATCH", "ACTIONS")
	for _, r := range s.Rules {
		match := make([]string, 0, len(r.Match))
		for _, name := range sortedNames(r.Match) {
			match = append(match, name+"="+r.Match[name])
		}
		m := strings.Join(match, ",")
		if m == "" {
			m = "*"
		}
		acts := strings.Join(r.Actions, " + ")
		if acts == "" {
			acts = "drop"
		}
		table.Append([]string{strconv.Itoa(r.Priority), m, acts})
	}
	table.Render()
}

// SwitchSnapshot is one switch of a published topology.
type SwitchSnapshot struct {
	DPID  uint64          `json:"dpid"`
	Ports []topology.Port `json:"ports"`
}

// TopologySnapshot is the published form of the network topology.
type TopologySnapshot struct {
	Switches []SwitchSnapshot `json:"switches"`
	Links    []topology.Link  `json:"links"`
}

// NewTopologySnapshot captures t.
func NewTopologySnapshot(t *topology.Topology) TopologySnapshot {
	s := TopologySnapshot{Links: t.Links()}
	for _, sw := range t.Switches() {
		s.Switches = append(s.Switches, SwitchSnapshot{DPID: sw, Ports: t.Ports(sw)})
	}
	return s
}

// Render writes s as a table of ports.
func (s TopologySnapshot) Render(w io.Writer) {
	table := newTable(w, "SWITCH", "PORT", "UP", "LINK")
	for _, sw := range s.Switches {
		if len(sw.Ports) == 0 {
			table.Append([]string{strconv.FormatUint(sw.DPID, 10), "-", "-", "-"})
			continue
		}
		for _, p := range sw.Ports {
			link := "-"
			if p.LinkedTo != nil {
				link = p.LinkedTo.String()
			}
			table.Append([]string{
				strconv.FormatUint(sw.DPID, 10),
				strconv.Itoa(int(p.No)),
				strconv.FormatBool(p.PossiblyUp()),
				link,
			})
		}
	}
	table.Render()
}

// RuntimeSnapshot announces a running controller.
type RuntimeSnapshot struct {
	ID       string    `json:"id"`
	Module   string    `json:"module"`
	Mode     string    `json:"mode"`
	Pipeline string    `json:"pipeline"`
	Started  time.Time `json:"started"`
}

// Decode parses a published snapshot into v.
func Decode(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
