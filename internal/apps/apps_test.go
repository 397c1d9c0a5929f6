package apps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"netpolicy/pkg/events"
	"netpolicy/pkg/network"
	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
	"netpolicy/pkg/virt"
)

type testEnv struct {
	net    *network.Network
	fields *field.Registry
	bus    *events.Bus
	virt   *virt.Virtualizer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fields := field.NewRegistry()
	v, err := virt.New(virt.DefaultConfig(), fields, nil)
	require.NoError(t, err)
	return &testEnv{
		net:    network.New(nil),
		fields: fields,
		bus:    events.NewBus(),
		virt:   v,
	}
}

func (e *testEnv) Network() *network.Network      { return e.net }
func (e *testEnv) Fields() *field.Registry        { return e.fields }
func (e *testEnv) Events() *events.Bus            { return e.bus }
func (e *testEnv) Virtualizer() *virt.Virtualizer { return e.virt }
func (e *testEnv) Logger() *zap.Logger            { return zap.NewNop() }

func ipPacket(src, dst string) packet.Packet {
	return packet.New(map[string]field.Value{
		field.Switch:  field.Num(1),
		field.InPort:  field.PhysPort(1),
		field.SrcMAC:  field.MustParseMAC("00:00:00:00:00:01"),
		field.DstMAC:  field.MustParseMAC("00:00:00:00:00:02"),
		field.EthType: field.Num(0x0800),
		field.SrcIP:   field.MustParseIP(src),
		field.DstIP:   field.MustParseIP(dst),
	})
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"auth", "bigswitch", "firewall", "hub", "mac_learner", "monitor"}, Names())

	m, err := Lookup("hub")
	require.NoError(t, err)
	assert.Equal(t, "hub", m.Name)

	_, err = Lookup("router")
	assert.ErrorIs(t, err, ErrUnknownModule)

	err = Register(Module{Name: "hub", Build: buildHub})
	assert.ErrorIs(t, err, ErrDuplicateModule)
}

func TestModulesBuild(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			m, err := Lookup(name)
			require.NoError(t, err)
			pol, err := m.Build(newTestEnv(t), map[string]string{"allow": "10.0.0.0/24"})
			require.NoError(t, err)
			assert.NotNil(t, pol)
		})
	}
}

func TestBadArguments(t *testing.T) {
	tests := []struct {
		module string
		args   map[string]string
	}{
		{module: "firewall", args: map[string]string{"allow": "10.0.0.300"}},
		{module: "firewall", args: map[string]string{"allow": "10.0.0.0/40"}},
		{module: "monitor", args: map[string]string{"interval": "often"}},
		{module: "bigswitch", args: map[string]string{"vswitch": "big"}},
	}
	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			m, err := Lookup(tt.module)
			require.NoError(t, err)
			_, err = m.Build(newTestEnv(t), tt.args)
			assert.ErrorIs(t, err, ErrBadArgument)
		})
	}
}

func TestBigSwitchNeedsVirtualizer(t *testing.T) {
	env := newTestEnv(t)
	env.virt = nil
	_, err := buildBigSwitch(env, nil)
	assert.ErrorIs(t, err, ErrNoVirtualizer)
}

func TestWhitelist(t *testing.T) {
	allowed, err := whitelist("10.0.0.0/24, 192.168.1.7")
	require.NoError(t, err)

	arp := ipPacket("172.16.0.1", "172.16.0.2").Modify(field.EthType, field.Num(ethTypeARP))
	tests := []struct {
		name string
		pkt  packet.Packet
		want bool
	}{
		{name: "both inside", pkt: ipPacket("10.0.0.1", "10.0.0.200"), want: true},
		{name: "single address", pkt: ipPacket("192.168.1.7", "10.0.0.3"), want: true},
		{name: "source outside", pkt: ipPacket("10.0.1.1", "10.0.0.2"), want: false},
		{name: "destination outside", pkt: ipPacket("10.0.0.1", "192.168.1.8"), want: false},
		{name: "arp", pkt: arp, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Test(allowed, tt.pkt))
		})
	}
}

type view struct{}

func (view) SpanningTree() map[uint64][]uint16 { return map[uint64][]uint16{1: {1, 2}} }
func (view) EdgePorts() map[uint64][]uint16    { return map[uint64][]uint16{1: {1, 2}} }

func TestLearner(t *testing.T) {
	l := newLearner(zap.NewNop())

	// 00:..:02 sends from port 2 of switch 1
	back := ipPacket("10.0.0.2", "10.0.0.1").
		Modify(field.SrcMAC, field.MustParseMAC("00:00:00:00:00:02")).
		Modify(field.DstMAC, field.MustParseMAC("00:00:00:00:00:01")).
		Modify(field.InPort, field.PhysPort(2))
	l.learn(back)
	l.learn(back)

	out := policy.Eval(l.fwd, ipPacket("10.0.0.1", "10.0.0.2"))
	require.Equal(t, 1, out.Len())
	port, ok := out.Packets()[0].Get(field.OutPort)
	require.True(t, ok)
	assert.Equal(t, field.PhysPort(2), port)

	l.fwd.NetworkChanged(view{})
	l.mu.Lock()
	assert.Empty(t, l.hosts)
	l.mu.Unlock()
}

func TestAuthEvents(t *testing.T) {
	env := newTestEnv(t)
	_, err := buildAuth(env, nil)
	require.NoError(t, err)

	_, err = env.bus.Dispatch(events.Event{
		Name:  "authenticated",
		Value: "True",
		Flow:  map[string]string{field.SrcIP: "10.0.0.1"},
	})
	assert.NoError(t, err)
}
