package kinetic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/events"
	"netpolicy/pkg/kinetic"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

func bySrcIP(flow map[string]field.Value) (policy.Pred, bool) {
	ip, ok := flow[field.SrcIP]
	if !ok {
		return nil, false
	}
	return policy.MatchValue(field.SrcIP, ip), true
}

func authDef() kinetic.Def {
	auth := kinetic.NewTransition("authenticated")
	auth.Case(kinetic.Occurred(auth.Event()), auth.Event())
	return kinetic.Def{
		"authenticated": {Type: kinetic.Bool, Init: false, Trans: auth},
		"policy": {
			Type: kinetic.PolicyType,
			Init: policy.Drop,
			Trans: kinetic.NewTransition("policy").
				Case(kinetic.IsTrue(kinetic.V("authenticated")), kinetic.C(policy.Identity)).
				Default(kinetic.C(policy.Drop)),
		},
	}
}

func from(src string) packet.Packet {
	return packet.New(map[string]field.Value{
		field.Switch:  field.Num(1),
		field.InPort:  field.PhysPort(1),
		field.SrcMAC:  field.MustParseMAC("00:00:00:00:00:01"),
		field.DstMAC:  field.MustParseMAC("00:00:00:00:00:02"),
		field.EthType: field.Num(0x0800),
		field.SrcIP:   field.MustParseIP(src),
	})
}

func TestAuthentication(t *testing.T) {
	fsm, err := kinetic.NewFSMPolicy(bySrcIP, authDef(), nil, nil)
	require.NoError(t, err)
	pol := fsm.Policy()

	assert.True(t, policy.Eval(pol, from("10.0.0.1")).IsEmpty())

	v, err := fsm.HandleEvent(events.Event{Name: "authenticated", Value: "True", Flow: map[string]string{field.SrcIP: "10.0.0.1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	assert.Equal(t, 1, policy.Eval(pol, from("10.0.0.1")).Size())
	assert.True(t, policy.Eval(pol, from("10.0.0.2")).IsEmpty())
	require.Equal(t, []string{"match(srcip=10.0.0.1)"}, fsm.LPECs())
	auth, ok := fsm.Value("match(srcip=10.0.0.1)", "authenticated")
	require.True(t, ok)
	assert.Equal(t, true, auth)

	_, err = fsm.HandleEvent(events.Event{Name: "authenticated", Value: true, Flow: map[string]string{field.SrcIP: "10.0.0.2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, policy.Eval(pol, from("10.0.0.2")).Size())

	// no flow: every LPEC
	v, err = fsm.HandleEvent(events.Event{Name: "authenticated", Value: "false"})
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.True(t, policy.Eval(pol, from("10.0.0.1")).IsEmpty())
	assert.True(t, policy.Eval(pol, from("10.0.0.2")).IsEmpty())
}

func TestEventErrors(t *testing.T) {
	fsm, err := kinetic.NewFSMPolicy(bySrcIP, authDef(), nil, nil)
	require.NoError(t, err)
	flow := map[string]string{field.SrcIP: "10.0.0.1"}

	testCases := []struct {
		Name  string
		Event events.Event
		Err   error
	}{
		{Name: "unknown event", Event: events.Event{Name: "rate", Value: 1, Flow: flow}, Err: events.ErrUnknownEvent},
		{Name: "not exogenous", Event: events.Event{Name: "policy", Value: policy.Identity, Flow: flow}, Err: kinetic.ErrNotExogenous},
		{Name: "bad value", Event: events.Event{Name: "authenticated", Value: "maybe", Flow: flow}, Err: kinetic.ErrTypeMismatch},
		{Name: "missing lpec field", Event: events.Event{Name: "authenticated", Value: true, Flow: map[string]string{field.DstIP: "10.0.0.1"}}, Err: kinetic.ErrBadFlow},
		{Name: "bad flow value", Event: events.Event{Name: "authenticated", Value: true, Flow: map[string]string{field.SrcIP: "ten"}}, Err: kinetic.ErrBadFlow},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := fsm.HandleEvent(tc.Event)
			assert.ErrorIs(t, err, tc.Err)
		})
	}
	// failed events leave no machine behind
	assert.Empty(t, fsm.LPECs())
}

func TestDefinitionErrors(t *testing.T) {
	_, err := kinetic.NewFSMPolicy(bySrcIP, kinetic.Def{"x": {Type: kinetic.Bool, Init: false}}, nil, nil)
	assert.ErrorIs(t, err, kinetic.ErrNoPolicyVariable)

	_, err = kinetic.NewFSMPolicy(bySrcIP, kinetic.Def{
		"policy": {
			Type:  kinetic.PolicyType,
			Init:  policy.Drop,
			Trans: kinetic.NewTransition("policy").Case(kinetic.IsTrue(kinetic.V("ghost")), kinetic.C(policy.Identity)),
		},
	}, nil, nil)
	assert.ErrorIs(t, err, kinetic.ErrUnknownVariable)
}

type view struct{}

func (view) SpanningTree() map[uint64][]uint16 { return nil }
func (view) EdgePorts() map[uint64][]uint16    { return nil }

func TestTopologyChange(t *testing.T) {
	moved := kinetic.NewTransition(kinetic.TopoChange)
	moved.Case(kinetic.Occurred(moved.Event()), moved.Event())
	def := kinetic.Def{
		kinetic.TopoChange: {Type: kinetic.Bool, Init: false, Trans: moved},
		"authenticated": {
			Type:  kinetic.Bool,
			Init:  false,
			Trans: kinetic.NewTransition("authenticated").Case(kinetic.Occurred(kinetic.E("authenticated")), kinetic.E("authenticated")),
		},
		"policy": {
			Type: kinetic.PolicyType,
			Init: policy.Drop,
			Trans: kinetic.NewTransition("policy").
				Case(kinetic.IsTrue(kinetic.V(kinetic.TopoChange)), kinetic.C(policy.Fwd(1))).
				Case(kinetic.IsTrue(kinetic.V("authenticated")), kinetic.C(policy.Identity)).
				Default(kinetic.C(policy.Drop)),
		},
	}
	fsm, err := kinetic.NewFSMPolicy(bySrcIP, def, nil, nil)
	require.NoError(t, err)

	bus := events.NewBus()
	bus.Subscribe(fsm.HandleEvent)
	_, err = bus.Dispatch(events.Event{Name: "authenticated", Value: true, Flow: map[string]string{field.SrcIP: "10.0.0.1"}})
	require.NoError(t, err)

	k := from("10.0.0.1")
	out := policy.Eval(fsm.Policy(), k)
	require.Equal(t, 1, out.Count(k))

	// the initial topology is not a change
	fsm.Policy().NetworkChanged(view{})
	assert.Equal(t, 1, policy.Eval(fsm.Policy(), k).Count(k))

	fsm.Policy().NetworkChanged(view{})
	out = policy.Eval(fsm.Policy(), k)
	assert.Equal(t, 1, out.Count(k.Modify(field.OutPort, field.PhysPort(1))))
}
