// Package reach answers header reachability questions about a network
// running a compiled classifier: which headers entering at one port can
// leave the network matching some output pattern.
package reach

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/field"
)

// SolverLocal selects the in-process solver.
const SolverLocal = "local"

// Config configures an Analyzer.
type Config struct {
	// Solver is SolverLocal or the path of an external solver binary.
	Solver  string `mapstructure:"solver"`
	WorkDir string `mapstructure:"work_dir"`
	MaxHops int    `mapstructure:"max_hops"`
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		Solver:  SolverLocal,
		MaxHops: 32,
	}
}

// Analyzer builds models and runs queries on them.
type Analyzer struct {
	config Config
	layout *Layout
	solver Solver
	logger *zap.Logger
}

// New returns an analyzer over the default header layout.
func New(config Config, logger *zap.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("reach")

	var solver Solver
	switch config.Solver {
	case "", SolverLocal:
		solver = LocalSolver{MaxHops: config.MaxHops}
	default:
		if config.WorkDir == "" {
			return nil, ErrNoWorkDir
		}
		solver = ExecSolver{Binary: config.Solver, WorkDir: config.WorkDir, Logger: logger}
	}
	return &Analyzer{
		config: config,
		layout: DefaultLayout(),
		solver: solver,
		logger: logger,
	}, nil
}

// Layout returns the header layout of the analyzer's models.
func (a *Analyzer) Layout() *Layout {
	return a.layout
}

// Build converts cl running on phys into a model.
func (a *Analyzer) Build(cl *classifier.Classifier, phys *topology.Topology) (*Model, error) {
	m, err := Build(cl, phys, a.layout, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build reachability model: %w", err)
	}
	a.logger.Debug("model built",
		zap.Int("switches", len(m.Switches)),
		zap.Int("links", m.Links.Len()/2),
	)
	return m, nil
}

// Reachable returns the headers entering the network at in that leave it
// matching out. The switch and outport patterns of out select the output
// ports; every other pattern constrains the output header.
func (a *Analyzer) Reachable(ctx context.Context, m *Model, in topology.Location, out map[string]field.Pattern) ([]Result, error) {
	inID, ok := m.Ports.ID(in.Switch, uint64(in.Port))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPort, in)
	}
	outIDs, err := outputPorts(m, out)
	if err != nil {
		return nil, err
	}
	headers := maps.Clone(out)
	delete(headers, field.Switch)
	delete(headers, field.InPort)
	delete(headers, field.OutPort)
	hw, err := m.Layout.Encode(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output headers: %w", err)
	}

	rs, err := a.solver.Solve(ctx, m, Query{In: inID, Out: outIDs, Header: hw})
	if err != nil {
		return nil, fmt.Errorf("failed to solve reachability: %w", err)
	}
	a.logger.Debug("reachability solved",
		zap.Stringer("in", in),
		zap.Int("out_ports", len(outIDs)),
		zap.Int("results", len(rs)),
	)
	return rs, nil
}

// ReachableInHeaders is Reachable with the result as a predicate.
func (a *Analyzer) ReachableInHeaders(ctx context.Context, m *Model, in topology.Location, out map[string]field.Pattern) (policy.Pred, error) {
	rs, err := a.Reachable(ctx, m, in, out)
	if err != nil {
		return nil, err
	}
	return m.Layout.Filter(rs)
}

func outputPorts(m *Model, out map[string]field.Pattern) ([]uint64, error) {
	portOf := func(p field.Pattern) (uint64, error) {
		if p.Absent || p.IsPrefix() {
			return 0, fmt.Errorf("%w: output port %s", ErrUnknownPort, p)
		}
		return p.Value.Uint64(), nil
	}
	switches := m.Ports.Switches()
	if p, ok := out[field.Switch]; ok {
		sw, err := portOf(p)
		if err != nil {
			return nil, err
		}
		switches = []uint64{sw}
	}
	var ids []uint64
	for _, sw := range switches {
		p, ok := out[field.OutPort]
		if !ok {
			ids = append(ids, m.Ports.IDs(sw)...)
			continue
		}
		no, err := portOf(p)
		if err != nil {
			return nil, err
		}
		if id, ok := m.Ports.ID(sw, no); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no port matches the output", ErrUnknownPort)
	}
	return ids, nil
}

// Filter returns the predicate accepting the headers of rs.
func (l *Layout) Filter(rs []Result) (policy.Pred, error) {
	var ps []policy.Pred
	for _, r := range rs {
		pats, ok, err := l.Decode(r.Elem)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var base policy.Pred = policy.Identity
		if len(pats) > 0 {
			base = policy.Match(pats)
		}
		if len(r.Diff) > 0 {
			sub, err := l.Filter(r.Diff)
			if err != nil {
				return nil, err
			}
			base = policy.Diff(base, sub)
		}
		ps = append(ps, base)
	}
	return policy.Or(ps...), nil
}
