package runtime

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/pipeline"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/classifier"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
	"netpolicy/pkg/policy/query"
	"netpolicy/pkg/southbound"
)

type fakeSender struct {
	mu   sync.Mutex
	cmds []southbound.Command
	err  error
}

func (s *fakeSender) Send(cmd southbound.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

// take returns the commands sent so far and forgets them.
func (s *fakeSender) take() []southbound.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.cmds
	s.cmds = nil
	return out
}

func kinds(cmds []southbound.Command) map[string]int {
	out := make(map[string]int)
	for _, c := range cmds {
		switch c.(type) {
		case southbound.Clear:
			out["clear"]++
		case southbound.FlowMod:
			out["flow_mod"]++
		case southbound.FlowDelete:
			out["delete"]++
		case southbound.Barrier:
			out["barrier"]++
		default:
			out["other"]++
		}
	}
	return out
}

func compileOn(t *testing.T, sw uint64, pol policy.Policy) *classifier.Classifier {
	t.Helper()
	c, err := policy.NewCompiler(nil, policy.CompilerConfig{}, nil)
	require.NoError(t, err)
	cl, err := c.Compile(policy.Seq(policy.MatchValue(field.Switch, field.Num(sw)), pol))
	require.NoError(t, err)
	return cl
}

func TestFlowManagerModes(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		first  map[string]int
		second map[string]int
	}{
		{
			name:   "proactive1 sends the difference",
			mode:   ModeProactive1,
			first:  map[string]int{"flow_mod": 2, "barrier": 1},
			second: map[string]int{"barrier": 1},
		},
		{
			name:   "proactive0 reinstalls",
			mode:   ModeProactive0,
			first:  map[string]int{"clear": 1, "flow_mod": 2, "barrier": 1},
			second: map[string]int{"clear": 1, "flow_mod": 2, "barrier": 1},
		},
		{
			name:   "reactive0 resets to the catch-all",
			mode:   ModeReactive0,
			first:  map[string]int{"clear": 1, "flow_mod": 1, "barrier": 1},
			second: map[string]int{"clear": 1, "flow_mod": 1, "barrier": 1},
		},
		{
			name:   "interpreted keeps the catch-all",
			mode:   ModeInterpreted,
			first:  map[string]int{},
			second: map[string]int{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			fm := NewFlowManager(sender, nil, nil, tt.mode, false, NewMetrics(), nil)

			require.NoError(t, fm.AddSwitch(1))
			assert.Equal(t, map[string]int{"clear": 1, "flow_mod": 1, "barrier": 1}, kinds(sender.take()))
			assert.Equal(t, 1, fm.Flows(1))

			cl := compileOn(t, 1, policy.Fwd(2))
			require.NoError(t, fm.Update(cl))
			assert.Equal(t, tt.first, kinds(sender.take()))

			require.NoError(t, fm.Update(cl))
			assert.Equal(t, tt.second, kinds(sender.take()))
			assert.Same(t, cl, fm.Classifier())
		})
	}
}

func TestFlowManagerAddSwitchEndsWithBarrier(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		cl   bool
	}{
		{name: "catch-all", mode: ModeReactive0},
		{name: "classifier", mode: ModeProactive1, cl: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{}
			fm := NewFlowManager(sender, nil, pipeline.Default(), tt.mode, true, nil, nil)
			if tt.cl {
				require.NoError(t, fm.Update(compileOn(t, 1, policy.Fwd(2))))
			}
			require.NoError(t, fm.AddSwitch(1))
			cmds := sender.take()
			require.NotEmpty(t, cmds)
			assert.Equal(t, southbound.Barrier{DPID: 1}, cmds[len(cmds)-1])
			assert.Equal(t, 1, kinds(cmds)["barrier"])
		})
	}
}

func inportRule(in, out uint16) classifier.Rule {
	return classifier.Rule{
		Match:   classifier.Exact(field.InPort, field.PhysPort(in)),
		Actions: []classifier.Action{classifier.Do(packet.Push(field.OutPort, field.PhysPort(out)))},
	}
}

func priorities(cmds []southbound.Command) map[uint16]int {
	out := make(map[uint16]int)
	for _, c := range cmds {
		m, ok := c.(southbound.FlowMod)
		if !ok {
			continue
		}
		if pat, ok := m.Match[field.InPort]; ok {
			out[pat.Value.(field.Port).No] = m.Priority
		}
	}
	return out
}

func TestFlowManagerStablePriorities(t *testing.T) {
	sender := &fakeSender{}
	fm := NewFlowManager(sender, nil, nil, ModeProactive1, false, nil, nil)
	require.NoError(t, fm.AddSwitch(1))
	sender.take()

	require.NoError(t, fm.Update(classifier.New(inportRule(1, 2), inportRule(2, 1))))
	cmds := sender.take()
	// the catch-all turns into the drop in place
	assert.Equal(t, map[string]int{"flow_mod": 3, "barrier": 1}, kinds(cmds))
	before := priorities(cmds)
	require.Len(t, before, 2)
	assert.Greater(t, before[1], before[2])

	// a rule added on top leaves the others alone
	require.NoError(t, fm.Update(classifier.New(inportRule(3, 4), inportRule(1, 2), inportRule(2, 1))))
	cmds = sender.take()
	assert.Equal(t, map[string]int{"flow_mod": 1, "barrier": 1}, kinds(cmds))
	added := priorities(cmds)
	require.Contains(t, added, uint16(3))
	assert.Greater(t, added[3], before[1])
	assert.Equal(t, 4, fm.Flows(1))

	// a rule moved below another is installed before its old flow goes
	require.NoError(t, fm.Update(classifier.New(inportRule(1, 2), inportRule(3, 4), inportRule(2, 1))))
	cmds = sender.take()
	require.Len(t, cmds, 3)
	mod, ok := cmds[0].(southbound.FlowMod)
	require.True(t, ok)
	assert.False(t, mod.Modify)
	assert.Equal(t, field.Exact(field.PhysPort(3)), mod.Match[field.InPort])
	assert.Less(t, mod.Priority, before[1])
	assert.Greater(t, mod.Priority, before[2])
	del, ok := cmds[1].(southbound.FlowDelete)
	require.True(t, ok)
	assert.Equal(t, added[3], del.Priority)
	assert.Equal(t, southbound.Barrier{DPID: 1}, cmds[2])
	assert.Equal(t, 4, fm.Flows(1))
}

func TestFlowManagerInstallsClassifier(t *testing.T) {
	sender := &fakeSender{}
	fm := NewFlowManager(sender, southbound.NewCodec(), nil, ModeProactive1, false, nil, nil)
	require.NoError(t, fm.AddSwitch(1))
	require.NoError(t, fm.AddSwitch(2))
	sender.take()

	require.NoError(t, fm.Update(compileOn(t, 1, policy.Fwd(2))))
	var mods []southbound.FlowMod
	for _, c := range sender.take() {
		if m, ok := c.(southbound.FlowMod); ok {
			mods = append(mods, m)
		}
	}
	// switch 1 gets the forwarding rule and the drop below it; switch 2
	// only the drop
	require.Len(t, mods, 3)
	var fwd *southbound.FlowMod
	for i, m := range mods {
		if len(m.Actions) > 0 {
			fwd = &mods[i]
		}
	}
	require.NotNil(t, fwd)
	assert.Equal(t, field.Exact(field.Num(1)), fwd.Match[field.Switch])
	assert.Equal(t, []southbound.Output{{Port: field.PhysPort(2)}}, fwd.Actions)
	assert.Equal(t, 2, fm.Flows(1))
	assert.Equal(t, 1, fm.Flows(2))
}

func TestFlowManagerMultitable(t *testing.T) {
	sender := &fakeSender{}
	pipe := pipeline.Default()
	fm := NewFlowManager(sender, nil, pipe, ModeProactive1, true, nil, nil)
	require.NoError(t, fm.AddSwitch(1))

	gotos := 0
	for _, c := range sender.take() {
		m, ok := c.(southbound.FlowMod)
		if !ok {
			continue
		}
		if m.Goto != 0 {
			gotos++
			assert.Less(t, m.Table, pipe.Forwarding)
			continue
		}
		assert.Equal(t, pipe.Forwarding, m.Table)
	}
	assert.Equal(t, len(pipe.Before()), gotos)
}

func TestFlowManagerCountedBuckets(t *testing.T) {
	sender := &fakeSender{}
	fm := NewFlowManager(sender, nil, nil, ModeProactive1, false, nil, nil)
	b := query.NewCountBucket(nil)
	defer b.Close()
	fm.SetCounted(func(id string) bool { return id == b.ID() })
	require.NoError(t, fm.AddSwitch(1))
	sender.take()

	require.NoError(t, fm.Update(compileOn(t, 1, b.Policy())))
	var cookie uint64
	for _, c := range sender.take() {
		if m, ok := c.(southbound.FlowMod); ok && m.Cookie != 0 {
			cookie = m.Cookie
			assert.Empty(t, m.Actions)
		}
	}
	require.NotZero(t, cookie)
	assert.Equal(t, []string{b.ID()}, fm.CookieBuckets(cookie))
	assert.Equal(t, []uint64{1}, fm.Holders(b.ID()))
	assert.Empty(t, fm.CookieBuckets(cookie+1))

	fm.RemoveSwitch(1)
	assert.Empty(t, fm.Holders(b.ID()))
}

func TestFlowManagerUncountedBucketGoesToController(t *testing.T) {
	sender := &fakeSender{}
	fm := NewFlowManager(sender, nil, nil, ModeProactive1, false, nil, nil)
	b := query.Packets(0)
	defer b.Close()
	require.NoError(t, fm.AddSwitch(1))
	sender.take()

	require.NoError(t, fm.Update(compileOn(t, 1, b.Policy())))
	found := false
	for _, c := range sender.take() {
		m, ok := c.(southbound.FlowMod)
		if !ok || len(m.Actions) == 0 {
			continue
		}
		found = true
		assert.Equal(t, []southbound.Output{{Port: field.PhysPort(field.PortController)}}, m.Actions)
		assert.Zero(t, m.Cookie)
	}
	assert.True(t, found)
}

func TestFlowManagerForget(t *testing.T) {
	sender := &fakeSender{}
	fm := NewFlowManager(sender, nil, nil, ModeProactive1, false, nil, nil)
	require.NoError(t, fm.AddSwitch(1))
	fromHost := policy.Seq(policy.MatchValue(field.InPort, field.PhysPort(1)), policy.Fwd(2))
	require.NoError(t, fm.Update(compileOn(t, 1, fromHost)))
	n := fm.Flows(1)
	require.GreaterOrEqual(t, n, 2)

	fm.Forget(1, map[string]field.Pattern{
		field.Switch: field.Exact(field.Num(1)),
		field.InPort: field.Exact(field.PhysPort(1)),
	})
	assert.Equal(t, n-1, fm.Flows(1))

	// the next update puts the removed flow back
	sender.take()
	require.NoError(t, fm.Update(fm.Classifier()))
	assert.Equal(t, map[string]int{"flow_mod": 1, "barrier": 1}, kinds(sender.take()))
	assert.Equal(t, n, fm.Flows(1))
}

func TestFlowManagerSendFailure(t *testing.T) {
	sender := &fakeSender{}
	fm := NewFlowManager(sender, nil, nil, ModeProactive0, false, nil, nil)
	require.NoError(t, fm.AddSwitch(1))

	boom := errors.New("boom")
	sender.err = boom
	err := fm.Update(compileOn(t, 1, policy.Fwd(2)))
	assert.ErrorIs(t, err, boom)
}

func hostPacket() packet.Packet {
	return packet.New(map[string]field.Value{
		field.Switch:  field.Num(1),
		field.InPort:  field.PhysPort(1),
		field.SrcMAC:  field.MustParseMAC("00:00:00:00:00:01"),
		field.DstMAC:  field.MustParseMAC("00:00:00:00:00:02"),
		field.EthType: field.Num(0x0800),
	})
}

func TestInstallMicroflow(t *testing.T) {
	sender := &fakeSender{}
	fm := NewFlowManager(sender, nil, nil, ModeReactive0, false, nil, nil)
	require.NoError(t, fm.AddSwitch(1))
	sender.take()

	in := hostPacket()
	out := in.Modify(field.OutPort, field.PhysPort(2)).Modify(field.EthType, field.Num(0x0806))
	require.NoError(t, fm.InstallMicroflow(in, packet.NewMultiset(out)))

	cmds := sender.take()
	require.Len(t, cmds, 1)
	mod, ok := cmds[0].(southbound.FlowMod)
	require.True(t, ok)
	assert.Equal(t, microflowPriority, mod.Priority)
	assert.Equal(t, field.Exact(field.MustParseMAC("00:00:00:00:00:01")), mod.Match[field.SrcMAC])
	require.Len(t, mod.Actions, 1)
	assert.Equal(t, field.PhysPort(2), mod.Actions[0].Port)
	assert.Equal(t, map[string]field.Value{field.EthType: field.Num(0x0806)}, mod.Actions[0].Modify)
	assert.Equal(t, 2, fm.Flows(1))
}

func TestInstallMicroflowSkipsNonNative(t *testing.T) {
	sender := &fakeSender{}
	fm := NewFlowManager(sender, nil, nil, ModeReactive0, false, nil, nil)
	require.NoError(t, fm.AddSwitch(1))
	sender.take()

	tests := []struct {
		name string
		in   packet.Packet
		out  packet.Packet
	}{
		{
			name: "virtual header on input",
			in:   hostPacket().Modify(field.VSwitch, field.Num(7)),
			out:  hostPacket().Modify(field.OutPort, field.PhysPort(2)),
		},
		{
			name: "no outport",
			in:   hostPacket(),
			out:  hostPacket(),
		},
		{
			name: "unknown switch",
			in:   hostPacket().Modify(field.Switch, field.Num(9)),
			out:  hostPacket().Modify(field.OutPort, field.PhysPort(2)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, fm.InstallMicroflow(tt.in, packet.NewMultiset(tt.out)))
			assert.Empty(t, sender.take())
		})
	}
}
