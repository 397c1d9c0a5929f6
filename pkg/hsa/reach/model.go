package reach

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"netpolicy/pkg/hsa/tf"
	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/field"
)

const (
	topologyFile = "topology.tf"
	portMapFile  = "port_map.txt"
)

// Model is a network in transfer function form: one transfer function per
// switch and one for the links between switches.
type Model struct {
	Layout   *Layout
	Ports    *tf.PortMap
	Switches map[uint64]*tf.TF
	Links    *tf.TF
}

// PortsOf lists the ports of every switch of phys.
func PortsOf(phys *topology.Topology) *tf.PortMap {
	swPorts := make(map[uint64][]uint64)
	for _, sw := range phys.Switches() {
		swPorts[sw] = []uint64{}
		for _, p := range phys.Ports(sw) {
			swPorts[sw] = append(swPorts[sw], uint64(p.No))
		}
	}
	return tf.NewPortMap(swPorts)
}

// Build converts a classifier installed on every switch of phys, and the
// links of phys, into a model.
func Build(cl *classifier.Classifier, phys *topology.Topology, layout *Layout, logger *zap.Logger) (*Model, error) {
	ports := PortsOf(phys)
	switches, err := ConvertClassifier(cl, layout, ports, logger)
	if err != nil {
		return nil, err
	}
	return &Model{
		Layout:   layout,
		Ports:    ports,
		Switches: switches,
		Links:    ConvertTopology(phys, layout, ports),
	}, nil
}

// ConvertClassifier returns the transfer function of every switch of ports
// running cl. Each rule becomes a forward rule, or a rewrite rule when it
// changes headers. Rules whose actions rewrite headers differently on
// different ports, or change stack depths, cannot be converted.
func ConvertClassifier(cl *classifier.Classifier, layout *Layout, ports *tf.PortMap, logger *zap.Logger) (map[uint64]*tf.TF, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(map[uint64]*tf.TF)
	for _, sw := range ports.Switches() {
		t := tf.New(layout.Length())
		t.SetPrefixID(fmt.Sprintf("s%d", sw))
		t.SetSendOnReceivingPort(true)
		for _, r := range cl.Rules() {
			if err := addRule(t, r, sw, layout, ports, logger); err != nil {
				return nil, fmt.Errorf("failed to convert rule %s: %w", r, err)
			}
		}
		out[sw] = t
	}
	return out, nil
}

func addRule(t *tf.TF, r classifier.Rule, sw uint64, layout *Layout, ports *tf.PortMap, logger *zap.Logger) error {
	pats := r.Match.Patterns()
	if p, ok := pats[field.Switch]; ok && (p.Absent || p.IsPrefix() || p.Value.Uint64() != sw) {
		return nil
	}
	// packets arriving at a switch carry no output port
	if p, ok := pats[field.OutPort]; ok && !p.Absent {
		return nil
	}
	var (
		inPorts []uint64
		inPort  uint64
		hasIn   bool
	)
	if p, ok := pats[field.InPort]; ok {
		if p.Absent || p.IsPrefix() {
			return nil
		}
		inPort, hasIn = p.Value.Uint64(), true
		id, ok := ports.ID(sw, inPort)
		if !ok {
			return nil
		}
		inPorts = []uint64{id}
	} else {
		inPorts = ports.IDs(sw)
	}

	headers := maps.Clone(pats)
	delete(headers, field.Switch)
	delete(headers, field.InPort)
	delete(headers, field.OutPort)
	match, err := layout.Encode(headers)
	if err != nil {
		return err
	}

	outs, rewrite, err := outputs(r.Actions)
	if err != nil {
		return err
	}
	var (
		outIDs []uint64
		flood  bool
	)
	for _, p := range outs {
		switch {
		case p.Bucket || p.No == field.PortController:
		case p.No == field.PortFlood:
			flood = true
			outIDs = append(outIDs, ports.IDs(sw)...)
		case p.No == field.PortInPort && hasIn:
			outIDs = append(outIDs, inPorts[0])
		default:
			id, ok := ports.ID(sw, uint64(p.No))
			if !ok {
				logger.Warn("rule forwards to a non-existent port",
					zap.Uint64("switch", sw),
					zap.Stringer("port", p),
					zap.Stringer("rule", r),
				)
				continue
			}
			outIDs = append(outIDs, id)
		}
	}
	slices.Sort(outIDs)
	outIDs = slices.Compact(outIDs)

	if flood {
		t.SetSendOnReceivingPort(false)
		defer t.SetSendOnReceivingPort(true)
	}
	if len(rewrite) == 0 {
		_, err = t.AddFwdRule(inPorts, match, outIDs)
		return err
	}
	mask, rw, err := layout.Rewrite(rewrite)
	if err != nil {
		return err
	}
	_, err = t.AddRewriteRule(inPorts, match, mask, rw, outIDs)
	return err
}

// outputs returns the output ports of actions and the header rewrite they
// share. Sinks and actions without an output port do not leave the switch.
func outputs(actions []classifier.Action) ([]field.Port, map[string]field.Value, error) {
	var (
		ports   []field.Port
		rewrite map[string]field.Value
	)
	for _, a := range actions {
		if a.Sink != "" {
			continue
		}
		e, ok := a.Effect()
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotHSACompilable, a)
		}
		if !e.HasOut {
			continue
		}
		if len(e.Strip) > 0 {
			return nil, nil, fmt.Errorf("%w: %s removes %v", ErrNotHSACompilable, a, e.Strip)
		}
		if len(ports) > 0 && !maps.Equal(rewrite, e.Modify) {
			return nil, nil, fmt.Errorf("%w: different rewrites on several ports", ErrNotHSACompilable)
		}
		ports = append(ports, e.Out)
		rewrite = e.Modify
	}
	return ports, rewrite, nil
}

// ConvertTopology returns the transfer function of the links of phys
// between ports of ports, in both directions.
func ConvertTopology(phys *topology.Topology, layout *Layout, ports *tf.PortMap) *tf.TF {
	t := tf.New(layout.Length())
	t.SetPrefixID("topology")
	for _, l := range phys.Links() {
		a, aok := ports.ID(l.A.Switch, uint64(l.A.Port))
		b, bok := ports.ID(l.B.Switch, uint64(l.B.Port))
		if !aok || !bok {
			continue
		}
		t.AddLinkRule([]uint64{a}, []uint64{b})
		t.AddLinkRule([]uint64{b}, []uint64{a})
	}
	return t
}

// Export writes the model to dir: s<sw>.tf per switch, topology.tf and the
// port map.
func (m *Model) Export(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	var errs error
	for _, sw := range m.Ports.Switches() {
		t, ok := m.Switches[sw]
		if !ok {
			continue
		}
		errs = multierr.Append(errs, t.Save(filepath.Join(dir, fmt.Sprintf("s%d.tf", sw))))
	}
	errs = multierr.Append(errs, m.Links.Save(filepath.Join(dir, topologyFile)))

	f, err := os.Create(filepath.Join(dir, portMapFile))
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("failed to create port map: %w", err))
	}
	_, err = m.Ports.WriteTo(f)
	errs = multierr.Append(errs, err)
	errs = multierr.Append(errs, f.Close())
	if errs != nil {
		return fmt.Errorf("failed to export model: %w", errs)
	}
	return nil
}

// Load reads a model written by Export.
func Load(dir string, layout *Layout) (*Model, error) {
	f, err := os.Open(filepath.Join(dir, portMapFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open port map: %w", err)
	}
	defer f.Close()
	ports, err := tf.ReadPortMap(f)
	if err != nil {
		return nil, err
	}

	m := &Model{Layout: layout, Ports: ports, Switches: make(map[uint64]*tf.TF)}
	for _, sw := range ports.Switches() {
		t, err := tf.Load(filepath.Join(dir, fmt.Sprintf("s%d.tf", sw)))
		if err != nil {
			return nil, err
		}
		if t.Length() != layout.Length() {
			return nil, fmt.Errorf("%w: s%d.tf has %d byte headers", ErrBadLayout, sw, t.Length())
		}
		m.Switches[sw] = t
	}
	if m.Links, err = tf.Load(filepath.Join(dir, topologyFile)); err != nil {
		return nil, err
	}
	return m, nil
}
