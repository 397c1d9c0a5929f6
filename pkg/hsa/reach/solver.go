package reach

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"netpolicy/pkg/hsa/headerspace"
	"netpolicy/pkg/hsa/tf"
	"netpolicy/pkg/hsa/wildcard"
)

// Query asks which headers entering at In leave on one of Out while
// matching Header.
type Query struct {
	In     uint64
	Out    []uint64
	Header wildcard.Wildcard
	// InHeader, when set, limits the headers considered at In.
	InHeader wildcard.Wildcard
}

// Result is one member of a reachable headerspace: Elem minus the union of
// Diff.
type Result struct {
	Elem wildcard.Wildcard `json:"elem"`
	Diff []Result          `json:"diff,omitempty"`
}

// Solver answers reachability queries over a model.
type Solver interface {
	Solve(ctx context.Context, m *Model, q Query) ([]Result, error)
}

// LocalSolver walks the transfer functions of a model backwards from the
// output ports.
type LocalSolver struct {
	// MaxHops bounds the number of switches a header may cross.
	MaxHops int
}

type hop struct {
	hs   *headerspace.Headerspace
	port uint64
	n    int
}

func (s LocalSolver) Solve(ctx context.Context, m *Model, q Query) ([]Result, error) {
	width := m.Layout.Width()
	if q.Header.Width() != width {
		return nil, fmt.Errorf("%w: %d bit query on a %d bit header", ErrBadLayout, q.Header.Width(), width)
	}
	maxHops := s.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultConfig().MaxHops
	}

	var queue []hop
	for _, p := range q.Out {
		queue = append(queue, hop{hs: headerspace.FromWildcards(width, q.Header), port: p})
	}
	reached := headerspace.New(width)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h := queue[0]
		queue = queue[1:]

		sw, _ := tf.SplitPortID(h.port)
		t, ok := m.Switches[sw]
		if !ok {
			continue
		}
		for _, back := range t.TInv(h.hs, h.port) {
			for _, in := range back.Ports {
				if in == q.In {
					reached.AddHS(back.HS)
				}
				if h.n+1 >= maxHops {
					continue
				}
				for _, link := range m.Links.TInv(back.HS, in) {
					for _, prev := range link.Ports {
						queue = append(queue, hop{hs: link.HS, port: prev, n: h.n + 1})
					}
				}
			}
		}
	}
	if !q.InHeader.IsZero() {
		reached = reached.IntersectWildcard(q.InHeader)
	}
	reached.CleanUp()
	return results(reached), nil
}

// results lists the members of hs once each.
func results(hs *headerspace.Headerspace) []Result {
	var out []Result
next:
	for _, e := range hs.Elements() {
		r := Result{Elem: e.Elem}
		for _, d := range e.Diff {
			r.Diff = append(r.Diff, Result{Elem: d})
		}
		for _, seen := range out {
			if seen.equal(r) {
				continue next
			}
		}
		out = append(out, r)
	}
	return out
}

func (r Result) equal(o Result) bool {
	if !wildcard.Equal(r.Elem, o.Elem) || len(r.Diff) != len(o.Diff) {
		return false
	}
	for i := range r.Diff {
		if !r.Diff[i].equal(o.Diff[i]) {
			return false
		}
	}
	return true
}

// ExecSolver exports the model to WorkDir and runs an external solver on
// it as
//
//	<Binary> [-ih <wildcard>] -oh <wildcard> <in port> <out ports...>
//
// The solver prints its results as JSON lines, each a list of results.
type ExecSolver struct {
	Binary  string
	WorkDir string
	Logger  *zap.Logger
}

func (s ExecSolver) Solve(ctx context.Context, m *Model, q Query) ([]Result, error) {
	if s.WorkDir == "" {
		return nil, ErrNoWorkDir
	}
	if err := m.Export(s.WorkDir); err != nil {
		return nil, err
	}

	var args []string
	if !q.InHeader.IsZero() {
		args = append(args, "-ih", q.InHeader.String())
	}
	args = append(args, "-oh", q.Header.String(), strconv.FormatUint(q.In, 10))
	for _, p := range q.Out {
		args = append(args, strconv.FormatUint(p, 10))
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	cmd.Dir = s.WorkDir
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run solver: %s: %w", stderr.String(), err)
	}
	if s.Logger != nil {
		s.Logger.Debug("solver finished", zap.String("binary", s.Binary), zap.Int("output_bytes", len(out)))
	}
	return ParseResults(bytes.NewReader(out))
}

// ParseResults reads JSON lines of results.
func ParseResults(r io.Reader) ([]Result, error) {
	var out []Result
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var rs []Result
		if err := json.Unmarshal(b, &rs); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadResult, line, err)
		}
		out = append(out, rs...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read solver output: %w", err)
	}
	return out, nil
}
