// Package topology models the switch graph of a network: switches with
// their ports, and at most one link between any two switches.
package topology

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Location is a port of a switch.
type Location struct {
	Switch uint64 `json:"switch"`
	Port   uint16 `json:"port"`
}

func (l Location) String() string {
	return fmt.Sprintf("%d[%d]", l.Switch, l.Port)
}

func (l Location) less(o Location) bool {
	if l.Switch != o.Switch {
		return l.Switch < o.Switch
	}
	return l.Port < o.Port
}

// Port is the state of a switch port.
type Port struct {
	No       uint16    `json:"no"`
	ConfigUp bool      `json:"config_up"`
	StatusUp bool      `json:"status_up"`
	LinkedTo *Location `json:"linked_to,omitempty"`
}

// PossiblyUp reports whether the port may carry traffic. Some switches
// report a down status on ports that are up, so only a port both
// configured and reported down counts as down.
func (p Port) PossiblyUp() bool {
	return p.ConfigUp || p.StatusUp
}

// Link connects two switch ports.
type Link struct {
	A Location `json:"a"`
	B Location `json:"b"`
}

func (l Link) String() string {
	return l.A.String() + " --- " + l.B.String()
}

type pair struct{ lo, hi uint64 }

func pairOf(a, b uint64) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// Topology is a switch graph. It is not safe for concurrent use; owners
// share immutable clones.
type Topology struct {
	switches map[uint64]map[uint16]*Port
	links    map[pair]Link
}

// New returns an empty topology.
func New() *Topology {
	return &Topology{
		switches: make(map[uint64]map[uint16]*Port),
		links:    make(map[pair]Link),
	}
}

// Clone returns a deep copy of t.
func (t *Topology) Clone() *Topology {
	out := New()
	for sw, ports := range t.switches {
		cp := make(map[uint16]*Port, len(ports))
		for no, p := range ports {
			q := *p
			if p.LinkedTo != nil {
				loc := *p.LinkedTo
				q.LinkedTo = &loc
			}
			cp[no] = &q
		}
		out.switches[sw] = cp
	}
	for k, l := range t.links {
		out.links[k] = l
	}
	return out
}

// AddSwitch adds sw without ports. Adding a present switch is a no-op.
func (t *Topology) AddSwitch(sw uint64) {
	if _, ok := t.switches[sw]; !ok {
		t.switches[sw] = make(map[uint16]*Port)
	}
}

// RemoveSwitch removes sw and its links.
func (t *Topology) RemoveSwitch(sw uint64) {
	for k, l := range t.links {
		if k.lo == sw || k.hi == sw {
			t.unlink(k, l)
		}
	}
	delete(t.switches, sw)
}

// HasSwitch reports whether sw is in t.
func (t *Topology) HasSwitch(sw uint64) bool {
	_, ok := t.switches[sw]
	return ok
}

// AddPort adds or updates a port of sw.
func (t *Topology) AddPort(sw uint64, no uint16, configUp, statusUp bool) error {
	ports, ok := t.switches[sw]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSwitch, sw)
	}
	if p, ok := ports[no]; ok {
		p.ConfigUp, p.StatusUp = configUp, statusUp
		return nil
	}
	ports[no] = &Port{No: no, ConfigUp: configUp, StatusUp: statusUp}
	return nil
}

// RemovePort removes a port of sw and the link attached to it.
func (t *Topology) RemovePort(sw uint64, no uint16) {
	ports, ok := t.switches[sw]
	if !ok {
		return
	}
	if p, ok := ports[no]; ok && p.LinkedTo != nil {
		k := pairOf(sw, p.LinkedTo.Switch)
		if l, ok := t.links[k]; ok {
			t.unlink(k, l)
		}
	}
	delete(ports, no)
}

// Port returns a port of sw.
func (t *Topology) Port(sw uint64, no uint16) (Port, bool) {
	p, ok := t.switches[sw][no]
	if !ok {
		return Port{}, false
	}
	return *p, true
}

// AddLink links a and b, replacing any link between the two switches.
func (t *Topology) AddLink(a, b Location) error {
	pa, err := t.port(a)
	if err != nil {
		return err
	}
	pb, err := t.port(b)
	if err != nil {
		return err
	}
	// ports are reused across links
	t.RemoveLink(a)
	t.RemoveLink(b)
	k := pairOf(a.Switch, b.Switch)
	if old, ok := t.links[k]; ok {
		t.unlink(k, old)
	}
	if a.less(b) {
		t.links[k] = Link{A: a, B: b}
	} else {
		t.links[k] = Link{A: b, B: a}
	}
	la, lb := b, a
	pa.LinkedTo = &la
	pb.LinkedTo = &lb
	return nil
}

// RemoveLink removes the link attached to a, if any.
func (t *Topology) RemoveLink(a Location) {
	p, err := t.port(a)
	if err != nil || p.LinkedTo == nil {
		return
	}
	k := pairOf(a.Switch, p.LinkedTo.Switch)
	if l, ok := t.links[k]; ok {
		t.unlink(k, l)
	}
}

func (t *Topology) unlink(k pair, l Link) {
	delete(t.links, k)
	for _, loc := range []Location{l.A, l.B} {
		if p, ok := t.switches[loc.Switch][loc.Port]; ok {
			p.LinkedTo = nil
		}
	}
}

func (t *Topology) port(l Location) (*Port, error) {
	ports, ok := t.switches[l.Switch]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSwitch, l.Switch)
	}
	p, ok := ports[l.Port]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPort, l)
	}
	return p, nil
}

// Switches returns the switches in ascending order.
func (t *Topology) Switches() []uint64 {
	out := make([]uint64, 0, len(t.switches))
	for sw := range t.switches {
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ports returns the ports of sw in ascending order.
func (t *Topology) Ports(sw uint64) []Port {
	ports := t.switches[sw]
	out := make([]Port, 0, len(ports))
	for _, p := range ports {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })
	return out
}

// Links returns the links ordered by their endpoints.
func (t *Topology) Links() []Link {
	out := make([]Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A.less(out[j].A)
		}
		return out[i].B.less(out[j].B)
	})
	return out
}

// Link returns the link between switches a and b.
func (t *Topology) Link(a, b uint64) (Link, bool) {
	l, ok := t.links[pairOf(a, b)]
	return l, ok
}

// Neighbors returns the switches linked to sw in ascending order.
func (t *Topology) Neighbors(sw uint64) []uint64 {
	var out []uint64
	for k := range t.links {
		switch sw {
		case k.lo:
			out = append(out, k.hi)
		case k.hi:
			out = append(out, k.lo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EgressLocations returns the ports that may be up and lead out of the
// network.
func (t *Topology) EgressLocations() []Location {
	return t.locations(func(p *Port) bool { return p.PossiblyUp() && p.LinkedTo == nil })
}

// InteriorLocations returns the ports that may be up and lead to another
// switch.
func (t *Topology) InteriorLocations() []Location {
	return t.locations(func(p *Port) bool { return p.PossiblyUp() && p.LinkedTo != nil })
}

func (t *Topology) locations(keep func(*Port) bool) []Location {
	var out []Location
	for _, sw := range t.Switches() {
		for _, p := range t.Ports(sw) {
			if keep(&p) {
				out = append(out, Location{Switch: sw, Port: p.No})
			}
		}
	}
	return out
}

// IsConnected reports whether every switch can reach every other one. An
// empty topology is not connected.
func (t *Topology) IsConnected() bool {
	sws := t.Switches()
	if len(sws) == 0 {
		return false
	}
	seen := map[uint64]bool{sws[0]: true}
	queue := []uint64{sws[0]}
	for len(queue) > 0 {
		sw := queue[0]
		queue = queue[1:]
		for _, n := range t.Neighbors(sw) {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return len(seen) == len(sws)
}

// FilterOut returns a copy of t without the given switches. Ports that led
// to a removed switch become egress ports.
func (t *Topology) FilterOut(switches ...uint64) *Topology {
	out := t.Clone()
	for _, sw := range switches {
		out.RemoveSwitch(sw)
	}
	return out
}

// Equal reports whether t and o hold the same switches, ports and links.
func (t *Topology) Equal(o *Topology) bool {
	if len(t.switches) != len(o.switches) || len(t.links) != len(o.links) {
		return false
	}
	for sw, ports := range t.switches {
		oports, ok := o.switches[sw]
		if !ok || len(ports) != len(oports) {
			return false
		}
		for no, p := range ports {
			q, ok := oports[no]
			if !ok || p.ConfigUp != q.ConfigUp || p.StatusUp != q.StatusUp {
				return false
			}
		}
	}
	for k, l := range t.links {
		if o.links[k] != l {
			return false
		}
	}
	return true
}

// Render writes t as a table of switches, their links and egress ports.
func (t *Topology) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"SWITCH", "SWITCH EDGES", "EGRESS PORTS"})
	egress := t.EgressLocations()
	for _, sw := range t.Switches() {
		var edges, outs []string
		for _, l := range t.Links() {
			if l.A.Switch == sw || l.B.Switch == sw {
				edges = append(edges, l.String())
			}
		}
		for _, loc := range egress {
			if loc.Switch == sw {
				outs = append(outs, loc.String()+"---")
			}
		}
		table.Append([]string{fmt.Sprint(sw), strings.Join(edges, ", "), strings.Join(outs, ", ")})
	}
	table.Render()
}

func (t *Topology) String() string {
	var sb strings.Builder
	t.Render(&sb)
	return sb.String()
}
