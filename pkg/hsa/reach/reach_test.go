package reach_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/hsa/reach"
	"netpolicy/pkg/hsa/wildcard"
	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

var (
	h1 = field.MustParseIP("10.0.0.1")
	h3 = field.MustParseIP("10.0.0.3")
)

// chain builds h1 - s1 - s2 - s3 - h3: hosts sit on port 1 of s1 and port 2
// of s3, and switch links join port 2 to port 1 of the next switch.
func chain() *topology.Topology {
	topo := topology.New()
	for sw := uint64(1); sw <= 3; sw++ {
		topo.AddSwitch(sw)
		_ = topo.AddPort(sw, 1, true, true)
		_ = topo.AddPort(sw, 2, true, true)
	}
	_ = topo.AddLink(topology.Location{Switch: 1, Port: 2}, topology.Location{Switch: 2, Port: 1})
	_ = topo.AddLink(topology.Location{Switch: 2, Port: 2}, topology.Location{Switch: 3, Port: 1})
	return topo
}

func on(sw uint64, pol policy.Policy) policy.Policy {
	return policy.Restrict(pol, policy.MatchValue(field.Switch, field.Num(sw)))
}

// chainPolicy routes h3 to the right; h1 to the left, with s2 rewriting the
// destination port on the way.
func chainPolicy() policy.Policy {
	return policy.Par(
		policy.Restrict(policy.Par(
			on(1, policy.Fwd(2)),
			on(2, policy.Fwd(2)),
			on(3, policy.Fwd(2)),
		), policy.MatchValue(field.DstIP, h3)),
		policy.Restrict(policy.Par(
			on(1, policy.Fwd(1)),
			on(2, policy.Seq(policy.ModifyValue(field.DstPort, field.Num(79)), policy.Fwd(1))),
			on(3, policy.Fwd(1)),
		), policy.MatchValue(field.DstIP, h1)),
	)
}

func compile(t *testing.T, pol policy.Policy) *classifier.Classifier {
	t.Helper()
	c, err := policy.NewCompiler(field.NewRegistry(), policy.CompilerConfig{}, nil)
	require.NoError(t, err)
	cl, err := c.Compile(pol)
	require.NoError(t, err)
	return cl
}

func newModel(t *testing.T) (*reach.Analyzer, *reach.Model) {
	t.Helper()
	a, err := reach.New(reach.DefaultConfig(), nil)
	require.NoError(t, err)
	m, err := a.Build(compile(t, chainPolicy()), chain())
	require.NoError(t, err)
	return a, m
}

func ipPacket(dst field.IP) packet.Packet {
	return packet.New(map[string]field.Value{
		field.Switch:  field.Num(1),
		field.InPort:  field.PhysPort(1),
		field.SrcMAC:  field.MustParseMAC("00:00:00:00:00:01"),
		field.DstMAC:  field.MustParseMAC("00:00:00:00:00:03"),
		field.EthType: field.Num(0x0800),
		field.SrcIP:   field.MustParseIP("10.0.0.9"),
		field.DstIP:   dst,
	})
}

func TestReachableAcrossChain(t *testing.T) {
	a, m := newModel(t)

	rs, err := a.Reachable(context.Background(), m, topology.Location{Switch: 1, Port: 1}, map[string]field.Pattern{
		field.Switch:  field.Exact(field.Num(3)),
		field.OutPort: field.Exact(field.PhysPort(2)),
	})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Empty(t, rs[0].Diff)

	pats, ok, err := a.Layout().Decode(rs[0].Elem)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]field.Pattern{field.DstIP: field.Exact(h3)}, pats)
}

func TestReachableThroughRewrite(t *testing.T) {
	a, m := newModel(t)

	// dstport is rewritten on s2, so any dstport entering at s3 qualifies
	rs, err := a.Reachable(context.Background(), m, topology.Location{Switch: 3, Port: 2}, map[string]field.Pattern{
		field.Switch:  field.Exact(field.Num(1)),
		field.OutPort: field.Exact(field.PhysPort(1)),
		field.DstPort: field.Exact(field.Num(79)),
	})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	pats, ok, err := a.Layout().Decode(rs[0].Elem)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]field.Pattern{field.DstIP: field.Exact(h1)}, pats)

	// no header leaves s1 with another dstport
	rs, err = a.Reachable(context.Background(), m, topology.Location{Switch: 3, Port: 2}, map[string]field.Pattern{
		field.Switch:  field.Exact(field.Num(1)),
		field.OutPort: field.Exact(field.PhysPort(1)),
		field.DstPort: field.Exact(field.Num(80)),
	})
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestReachableInHeaders(t *testing.T) {
	a, m := newModel(t)

	pred, err := a.ReachableInHeaders(context.Background(), m, topology.Location{Switch: 1, Port: 1}, map[string]field.Pattern{
		field.Switch:  field.Exact(field.Num(3)),
		field.OutPort: field.Exact(field.PhysPort(2)),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, policy.Eval(pred, ipPacket(h3)).Len())
	assert.True(t, policy.Eval(pred, ipPacket(h1)).IsEmpty())
}

func TestReachableErrors(t *testing.T) {
	a, m := newModel(t)
	ctx := context.Background()

	_, err := a.Reachable(ctx, m, topology.Location{Switch: 9, Port: 1}, nil)
	assert.ErrorIs(t, err, reach.ErrUnknownPort)

	_, err = a.Reachable(ctx, m, topology.Location{Switch: 1, Port: 1}, map[string]field.Pattern{
		field.Switch:  field.Exact(field.Num(3)),
		field.OutPort: field.Exact(field.PhysPort(7)),
	})
	assert.ErrorIs(t, err, reach.ErrUnknownPort)

	_, err = a.Reachable(ctx, m, topology.Location{Switch: 1, Port: 1}, map[string]field.Pattern{
		field.VSwitch: field.Exact(field.Num(1)),
	})
	assert.ErrorIs(t, err, reach.ErrNotHSACompilable)
}

func TestConvertClassifier(t *testing.T) {
	layout := reach.DefaultLayout()
	ports := reach.PortsOf(chain())
	out := func(p uint16) packet.Op { return packet.Push(field.OutPort, field.PhysPort(p)) }

	tests := []struct {
		name    string
		actions []classifier.Action
		wantErr error
	}{
		{
			name:    "multicast",
			actions: []classifier.Action{classifier.Do(out(1)), classifier.Do(out(2))},
		},
		{
			name: "same rewrite on every port",
			actions: []classifier.Action{
				classifier.Do(packet.Modify(field.TOS, field.Num(4)), out(1)),
				classifier.Do(packet.Modify(field.TOS, field.Num(4)), out(2)),
			},
		},
		{
			name:    "to controller",
			actions: []classifier.Action{classifier.ToSink(classifier.ControllerSink)},
		},
		{
			name: "different rewrites",
			actions: []classifier.Action{
				classifier.Do(packet.Modify(field.TOS, field.Num(4)), out(1)),
				classifier.Do(out(2)),
			},
			wantErr: reach.ErrNotHSACompilable,
		},
		{
			name:    "stack change",
			actions: []classifier.Action{classifier.Do(packet.Push(field.TOS, field.Num(4)), out(1))},
			wantErr: reach.ErrNotHSACompilable,
		},
		{
			name:    "rewrite outside the header",
			actions: []classifier.Action{classifier.Do(packet.Modify(field.VTag, field.Num(4)), out(1))},
			wantErr: reach.ErrNotHSACompilable,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cl := classifier.New(classifier.Rule{Match: classifier.All(), Actions: tc.actions})
			tfs, err := reach.ConvertClassifier(cl, layout, ports, nil)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, tfs, 3)
		})
	}
}

func TestConvertTopology(t *testing.T) {
	topo := chain()
	ttf := reach.ConvertTopology(topo, reach.DefaultLayout(), reach.PortsOf(topo))
	assert.Equal(t, 4, ttf.Len())
}

func TestLayoutEncodeDecode(t *testing.T) {
	layout := reach.DefaultLayout()

	tests := []struct {
		name string
		pats map[string]field.Pattern
	}{
		{name: "everything"},
		{
			name: "exact fields",
			pats: map[string]field.Pattern{
				field.SrcMAC:  field.Exact(field.MustParseMAC("aa:bb:cc:dd:ee:ff")),
				field.EthType: field.Exact(field.Num(0x0806)),
				field.VlanID:  field.Exact(field.Num(42)),
			},
		},
		{
			name: "prefix",
			pats: map[string]field.Pattern{
				field.SrcIP: field.MustPrefix("10.1.0.0/16"),
				field.DstIP: field.Exact(field.MustParseIP("192.168.1.7")),
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, err := layout.Encode(tc.pats)
			require.NoError(t, err)
			got, ok, err := layout.Decode(w)
			require.NoError(t, err)
			require.True(t, ok)
			want := tc.pats
			if want == nil {
				want = map[string]field.Pattern{}
			}
			assert.Equal(t, want, got)
		})
	}
}

func TestLayoutDecodePartial(t *testing.T) {
	layout := reach.DefaultLayout()

	w := wildcard.New(layout.Width())
	// low bit of tos set, the rest free
	w.Set(20*8+7, wildcard.One)
	_, _, err := layout.Decode(w)
	assert.ErrorIs(t, err, reach.ErrPartialWildcard)

	w = wildcard.New(layout.Width())
	// srcip x...x1 is not a prefix
	w.Set(12*8+31, wildcard.One)
	_, _, err = layout.Decode(w)
	assert.ErrorIs(t, err, reach.ErrPartialWildcard)

	_, ok, err := layout.Decode(wildcard.Empty(layout.Width()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewLayout(t *testing.T) {
	_, err := reach.NewLayout(4,
		reach.Span{Name: "a", Offset: 0, Length: 2, Kind: field.KindNum},
		reach.Span{Name: "b", Offset: 1, Length: 2, Kind: field.KindNum},
	)
	assert.ErrorIs(t, err, reach.ErrBadLayout)

	_, err = reach.NewLayout(2, reach.Span{Name: "a", Offset: 1, Length: 2, Kind: field.KindNum})
	assert.ErrorIs(t, err, reach.ErrBadLayout)

	l, err := reach.NewLayout(4, reach.Span{Name: "a", Offset: 2, Length: 2, Kind: field.KindNum})
	require.NoError(t, err)
	assert.Equal(t, 32, l.Width())
}

func TestExportLoad(t *testing.T) {
	a, m := newModel(t)
	dir := t.TempDir()
	require.NoError(t, m.Export(dir))

	for _, name := range []string{"s1.tf", "s2.tf", "s3.tf", "topology.tf", "port_map.txt"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	pm, err := os.ReadFile(filepath.Join(dir, "port_map.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(pm), "$s2\ns2-eth1:200001\ns2-eth2:200002\n")

	loaded, err := reach.Load(dir, a.Layout())
	require.NoError(t, err)
	rs, err := a.Reachable(context.Background(), loaded, topology.Location{Switch: 1, Port: 1}, map[string]field.Pattern{
		field.Switch:  field.Exact(field.Num(3)),
		field.OutPort: field.Exact(field.PhysPort(2)),
	})
	require.NoError(t, err)
	require.Len(t, rs, 1)
}

func TestParseResults(t *testing.T) {
	in := `[{"elem": "1x"}, {"elem": "0x", "diff": [{"elem": "01"}]}]

[{"elem": "xx"}]
`
	rs, err := reach.ParseResults(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rs, 3)
	assert.Equal(t, "0x", rs[1].Elem.String())
	require.Len(t, rs[1].Diff, 1)
	assert.Equal(t, "01", rs[1].Diff[0].Elem.String())

	_, err = reach.ParseResults(strings.NewReader("{not json}\n"))
	assert.ErrorIs(t, err, reach.ErrBadResult)
}

func TestExecSolver(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	_, m := newModel(t)
	dir := t.TempDir()
	bin := filepath.Join(t.TempDir(), "solver")
	script := "#!/bin/sh\necho \"$@\" > args.txt\necho '[{\"elem\": \"10\"}]'\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	s := reach.ExecSolver{Binary: bin, WorkDir: dir}
	header := wildcard.New(m.Layout.Width())
	rs, err := s.Solve(context.Background(), m, reach.Query{In: 100001, Out: []uint64{300002}, Header: header})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "10", rs[0].Elem.String())

	args, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Equal(t, "-oh "+header.String()+" 100001 300002\n", string(args))
	assert.FileExists(t, filepath.Join(dir, "s1.tf"))
}

func TestNewRequiresWorkDir(t *testing.T) {
	_, err := reach.New(reach.Config{Solver: "/usr/local/bin/hassel"}, nil)
	assert.ErrorIs(t, err, reach.ErrNoWorkDir)
}
