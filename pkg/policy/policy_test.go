package policy_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
)

type testBucket struct {
	id  string
	got []packet.Packet
}

func (b *testBucket) ID() string               { return b.id }
func (b *testBucket) Receive(p packet.Packet) { b.got = append(b.got, p) }

func located(sw uint64, inport uint16, dst string) packet.Packet {
	return packet.New(map[string]field.Value{
		field.Switch:  field.Num(sw),
		field.InPort:  field.PhysPort(inport),
		field.SrcMAC:  field.MustParseMAC("00:00:00:00:00:01"),
		field.DstMAC:  field.MustParseMAC("00:00:00:00:00:02"),
		field.EthType: field.Num(0x0800),
		field.SrcIP:   field.MustParseIP("10.0.0.100"),
		field.DstIP:   field.MustParseIP(dst),
		field.TOS:     field.Num(0),
	})
}

func samplePackets() []packet.Packet {
	var out []packet.Packet
	for _, sw := range []uint64{1, 2} {
		for _, in := range []uint16{1, 2, 3} {
			for _, dst := range []string{"10.0.0.1", "10.0.0.9", "192.168.1.1"} {
				out = append(out, located(sw, in, dst))
			}
		}
	}
	return out
}

func samplePreds() map[string]policy.Pred {
	net24 := policy.Match(map[string]field.Pattern{field.DstIP: field.MustPrefix("10.0.0.0/24")})
	in1 := policy.MatchValue(field.InPort, field.PhysPort(1))
	sw2 := policy.MatchValue(field.Switch, field.Num(2))
	return map[string]policy.Pred{
		"all":       policy.AllPackets,
		"none":      policy.NoPackets,
		"prefix":    net24,
		"union":     policy.Or(in1, sw2),
		"intersect": policy.And(net24, in1),
		"diff":      policy.Diff(net24, in1, sw2),
		"negate":    policy.Not(sw2),
		"absent":    policy.Match(map[string]field.Pattern{field.VlanID: field.None()}),
	}
}

func samplePolicies(b policy.Bucket) map[string]policy.Policy {
	x := field.MustParseIP("10.0.0.9")
	net24 := policy.Match(map[string]field.Pattern{field.DstIP: field.MustPrefix("10.0.0.0/24")})
	pols := map[string]policy.Policy{
		"fwd":      policy.Fwd(1),
		"parallel": policy.Par(policy.Fwd(1), policy.Fwd(2)),
		"restrict": policy.Restrict(policy.Fwd(3), net24),
		"rewrite then route": policy.Seq(
			policy.ModifyValue(field.DstIP, x),
			policy.Restrict(policy.Fwd(4), policy.MatchValue(field.DstIP, x)),
		),
		"if":     policy.If(policy.MatchValue(field.InPort, field.PhysPort(1)), policy.Fwd(2), policy.Fwd(1)),
		"remove": policy.Remove(policy.Fwd(5), policy.MatchValue(field.Switch, field.Num(2))),
		"xfwd":   policy.Xfwd(1),
		"virtual header": policy.Seq(
			policy.Push(map[string]field.Value{field.VSwitch: field.Num(0)}),
			policy.Copy(map[string]string{field.VSwitch: field.Switch}),
			policy.Restrict(policy.Fwd(7), policy.MatchValue(field.VSwitch, field.Num(1))),
			policy.Pop(field.VSwitch),
		),
		"bucket":    policy.Par(policy.Fwd(1), policy.ToBucket(b)),
		"filtered bucket": policy.Seq(net24, policy.ModifyValue(field.TOS, field.Num(3)), policy.ToBucket(b)),
		"flood":     policy.FloodTree(map[uint64][]uint16{1: {1, 2}, 2: {3}}),
		"double":    policy.Par(policy.Fwd(1), policy.Fwd(1)),
		"seq of parallel": policy.Seq(
			policy.Par(policy.ModifyValue(field.TOS, field.Num(1)), policy.ModifyValue(field.TOS, field.Num(2))),
			policy.If(policy.MatchValue(field.TOS, field.Num(1)), policy.Fwd(1), policy.Drop),
		),
		"pop required": policy.Par(policy.Fwd(1), policy.Pop(field.Switch)),
	}
	for name, p := range samplePreds() {
		pols["pred "+name] = p
	}
	return pols
}

func TestScenarios(t *testing.T) {
	k := located(1, 2, "10.0.0.1")

	out := policy.Eval(policy.Fwd(1), k)
	require.Equal(t, 1, out.Size())
	assert.Equal(t, 1, out.Count(k.Modify(field.OutPort, field.PhysPort(1))))

	restricted := policy.Restrict(policy.Fwd(3), policy.Match(map[string]field.Pattern{
		field.DstIP: field.MustPrefix("10.0.0.1/24"),
	}))
	out = policy.Eval(restricted, k)
	assert.Equal(t, 1, out.Count(k.Modify(field.OutPort, field.PhysPort(3))))
	assert.True(t, policy.Eval(restricted, located(1, 2, "10.0.1.1")).IsEmpty())

	out = policy.Eval(policy.Par(policy.Fwd(1), policy.Fwd(2)), k)
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, 1, out.Count(k.Modify(field.OutPort, field.PhysPort(1))))
	assert.Equal(t, 1, out.Count(k.Modify(field.OutPort, field.PhysPort(2))))
}

func TestNegation(t *testing.T) {
	for name, p := range samplePreds() {
		t.Run(name, func(t *testing.T) {
			for _, k := range samplePackets() {
				assert.Equal(t, !policy.Test(p, k), policy.Test(policy.Not(p), k))
				assert.Equal(t, !policy.Test(p, k), policy.Test(policy.NegatePred{P: p}, k))
			}
		})
	}
}

func TestIdentityLaws(t *testing.T) {
	b := &testBucket{id: "b"}
	for name, p := range samplePolicies(b) {
		t.Run(name, func(t *testing.T) {
			left := policy.SequentialPol{Pols: []policy.Policy{policy.Passthrough, p}}
			right := policy.SequentialPol{Pols: []policy.Policy{p, policy.Passthrough}}
			for _, k := range samplePackets() {
				want := policy.Eval(p, k)
				assert.True(t, want.Equal(policy.Eval(left, k)), "%s on %s", left, k)
				assert.True(t, want.Equal(policy.Eval(right, k)), "%s on %s", right, k)
			}
		})
	}
}

func TestAssociativity(t *testing.T) {
	p := policy.Par(policy.Fwd(1), policy.ModifyValue(field.TOS, field.Num(1)))
	q := policy.If(policy.MatchValue(field.TOS, field.Num(1)), policy.Fwd(2), policy.Identity)
	r := policy.Par(policy.Identity, policy.Pop(field.OutPort))

	seqL := policy.SequentialPol{Pols: []policy.Policy{policy.SequentialPol{Pols: []policy.Policy{p, q}}, r}}
	seqR := policy.SequentialPol{Pols: []policy.Policy{p, policy.SequentialPol{Pols: []policy.Policy{q, r}}}}
	parL := policy.ParallelPol{Pols: []policy.Policy{policy.ParallelPol{Pols: []policy.Policy{p, q}}, r}}
	parR := policy.ParallelPol{Pols: []policy.Policy{p, policy.ParallelPol{Pols: []policy.Policy{q, r}}}}
	for _, k := range samplePackets() {
		assert.True(t, policy.Eval(seqL, k).Equal(policy.Eval(seqR, k)))
		assert.True(t, policy.Eval(parL, k).Equal(policy.Eval(parR, k)))
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	k := located(1, 1, "10.0.0.1")
	testCases := []struct {
		Name  string
		Field string
	}{
		{Name: "absent field", Field: field.VTag},
		{Name: "present field", Field: field.DstIP},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			pol := policy.Seq(
				policy.Push(map[string]field.Value{tc.Field: field.MustParseIP("1.2.3.4")}),
				policy.Pop(tc.Field),
			)
			out := policy.Eval(pol, k)
			require.Equal(t, 1, out.Size())
			assert.Equal(t, 1, out.Count(k))
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	k := located(1, 1, "10.0.0.1")
	r, err := policy.Evaluate(policy.Par(policy.Fwd(1), policy.Pop(field.Switch)), k)
	assert.ErrorIs(t, err, packet.ErrPopLast)
	// the failing branch drops its copy, the other one still forwards
	assert.Equal(t, 1, r.Out.Count(k.Modify(field.OutPort, field.PhysPort(1))))
	assert.True(t, policy.Eval(policy.Pop(field.Switch), k).IsEmpty())

	// absent fields match only None
	assert.False(t, policy.Test(policy.MatchValue(field.VlanID, field.Num(1)), k))
	assert.True(t, policy.Test(policy.Match(map[string]field.Pattern{field.VlanID: field.None()}), k))
}

func TestDeliveries(t *testing.T) {
	b := &testBucket{id: "q"}
	pol := policy.Seq(policy.ModifyValue(field.TOS, field.Num(3)), policy.Par(policy.ToBucket(b), policy.Fwd(1)))
	r, err := policy.Evaluate(pol, located(1, 1, "10.0.0.1"))
	require.NoError(t, err)
	require.Len(t, r.Deliveries, 1)
	assert.Same(t, b, r.Deliveries[0].Bucket)
	v, _ := r.Deliveries[0].Packet.Get(field.TOS)
	assert.Equal(t, field.Num(3), v)
	assert.Equal(t, 1, r.Out.Size())
	// evaluation itself never calls the bucket
	assert.Empty(t, b.got)

	assert.Equal(t, []policy.Bucket{b}, policy.Buckets(pol))
}

func TestSimplifications(t *testing.T) {
	fwd := policy.Fwd(1)
	assert.Equal(t, policy.Drop, policy.Seq(policy.Drop, fwd))
	assert.Equal(t, policy.Drop, policy.Seq(fwd, policy.Drop))
	assert.Equal(t, fwd, policy.Restrict(fwd, policy.AllPackets))
	assert.Equal(t, fwd, policy.Par(fwd, policy.Drop))
	assert.Equal(t, fwd, policy.Seq(policy.Identity, fwd))

	// a bucket before a drop still sees packets
	b := &testBucket{id: "b"}
	kept := policy.Seq(policy.ToBucket(b), policy.Drop)
	assert.NotEqual(t, policy.Drop, kept)

	assert.Equal(t, "parallel(fwd(1), fwd(2))", policy.Par(policy.Fwd(1), policy.Fwd(2)).String())
}

func TestRestrictRemoveOrderings(t *testing.T) {
	net24 := policy.Match(map[string]field.Pattern{field.DstIP: field.MustPrefix("10.0.0.0/24")})
	sw2 := policy.MatchValue(field.Switch, field.Num(2))
	fwd := policy.Seq(policy.ModifyValue(field.TOS, field.Num(4)), policy.Fwd(3))

	restrictFirst := policy.Remove(policy.Restrict(fwd, net24), sw2)
	removeFirst := policy.Restrict(policy.Remove(fwd, sw2), net24)
	assert.NotEqual(t, restrictFirst.String(), removeFirst.String())

	want := policy.Restrict(fwd, policy.And(net24, policy.Not(sw2)))
	for _, k := range samplePackets() {
		expected := policy.Eval(want, k)
		assert.True(t, expected.Equal(policy.Eval(restrictFirst, k)), "%s on %s", restrictFirst, k)
		assert.True(t, expected.Equal(policy.Eval(removeFirst, k)), "%s on %s", removeFirst, k)
	}
}

func TestFloodTree(t *testing.T) {
	flood := policy.FloodTree(map[uint64][]uint16{1: {1, 2, 3}, 2: {1}})
	out := policy.Eval(flood, located(1, 2, "10.0.0.1"))
	assert.Equal(t, 2, out.Len())
	for _, p := range out.Packets() {
		v, _ := p.Get(field.OutPort)
		assert.NotEqual(t, field.PhysPort(2), v)
	}
	assert.True(t, policy.Eval(flood, located(2, 1, "10.0.0.1")).IsEmpty())
	assert.True(t, policy.Eval(policy.FloodTree(nil), located(1, 1, "10.0.0.1")).IsEmpty())
}

func ExampleSeq() {
	pol := policy.Seq(
		policy.Match(map[string]field.Pattern{field.DstIP: field.MustPrefix("10.0.0.0/24")}),
		policy.Fwd(3),
	)
	fmt.Println(pol)
	// Output: sequential(match(dstip=10.0.0.0/24), fwd(3))
}
