package query_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/field"
	"netpolicy/pkg/policy/packet"
	"netpolicy/pkg/policy/query"
)

func pkt(src string, payload int) packet.Packet {
	p := packet.New(map[string]field.Value{
		field.Switch:  field.Num(1),
		field.InPort:  field.PhysPort(1),
		field.SrcMAC:  field.MustParseMAC("00:00:00:00:00:01"),
		field.DstMAC:  field.MustParseMAC("00:00:00:00:00:02"),
		field.EthType: field.Num(0x0800),
		field.SrcIP:   field.MustParseIP(src),
		field.DstIP:   field.MustParseIP("10.0.0.2"),
	})
	if payload > 0 {
		p = p.WithPayload(make([]byte, payload))
	}
	return p
}

func delivered(t *testing.T, pol policy.Policy, p packet.Packet) int {
	t.Helper()
	r, err := policy.Evaluate(pol, p)
	require.NoError(t, err)
	return len(r.Deliveries)
}

func TestPacketsLimit(t *testing.T) {
	b := query.Packets(2, field.SrcIP)
	var got []packet.Packet
	b.Register(func(p packet.Packet) { got = append(got, p) })

	changes := 0
	b.Policy().(*policy.Dynamic).Subscribe(func() { changes++ })

	a := pkt("10.0.0.1", 0)
	assert.Equal(t, 1, delivered(t, b.Policy(), a))
	for i := 0; i < 3; i++ {
		b.Receive(a)
	}
	assert.Len(t, got, 2)
	assert.Equal(t, 1, changes)

	// the saturated group no longer reaches the bucket, others still do
	assert.Equal(t, 0, delivered(t, b.Policy(), a))
	assert.Equal(t, 1, delivered(t, b.Policy(), pkt("10.0.0.3", 0)))

	b.Receive(pkt("10.0.0.3", 0))
	assert.Len(t, got, 3)
}

func TestPacketsUnlimited(t *testing.T) {
	b := query.Packets(0)
	n := 0
	b.Register(func(packet.Packet) { n++ })
	for i := 0; i < 5; i++ {
		b.Receive(pkt("10.0.0.1", 0))
	}
	assert.Equal(t, 5, n)
	assert.Equal(t, "bucket("+b.ID()+")", b.Policy().(*policy.Dynamic).Policy().String())
}

func TestPacketsGroupTTL(t *testing.T) {
	b := query.NewPacketBucket(query.WithLimit(1, field.SrcIP), query.WithGroupTTL(10*time.Millisecond))
	n := 0
	b.Register(func(packet.Packet) { n++ })

	a := pkt("10.0.0.1", 0)
	b.Receive(a)
	b.Receive(a)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, delivered(t, b.Policy(), a))

	time.Sleep(20 * time.Millisecond)
	b.Sweep()
	assert.Equal(t, 1, delivered(t, b.Policy(), a))
	b.Receive(a)
	assert.Equal(t, 2, n)
}

func TestPacketsRate(t *testing.T) {
	b := query.NewPacketBucket(query.WithRate(0, 1))
	n := 0
	b.Register(func(packet.Packet) { n++ })
	for i := 0; i < 3; i++ {
		b.Receive(pkt("10.0.0.1", 0))
	}
	assert.Equal(t, 1, n)
}

func TestPacketsClose(t *testing.T) {
	b := query.Packets(0)
	n := 0
	b.Register(func(packet.Packet) { n++ })
	b.Close()
	b.Receive(pkt("10.0.0.1", 0))
	assert.Zero(t, n)
}

func TestPacketsSubscriberReentersBucket(t *testing.T) {
	b := query.Packets(1, field.SrcIP)
	got := 0
	b.Register(func(packet.Packet) { got++ })

	late := 0
	excluded := false
	b.Policy().(*policy.Dynamic).Subscribe(func() {
		// runs while the exclusion is published
		b.Register(func(packet.Packet) { late++ })
		r, _ := policy.Evaluate(b.Policy(), pkt("10.0.0.1", 0))
		excluded = len(r.Deliveries) == 0
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Receive(pkt("10.0.0.1", 0))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Receive blocked on a re-entrant subscriber")
	}
	assert.Equal(t, 1, got)
	assert.Equal(t, 1, late)
	assert.True(t, excluded)

	// a subscriber may also close the bucket
	c := query.Packets(1)
	c.Policy().(*policy.Dynamic).Subscribe(c.Close)
	calls := 0
	c.Register(func(packet.Packet) { calls++ })
	c.Receive(pkt("10.0.0.1", 0))
	assert.Zero(t, calls)
}

type fakePuller struct {
	switches []uint64
	fail     map[uint64]bool
	asked    []uint64
}

func (f *fakePuller) Switches(string) []uint64 { return f.switches }

func (f *fakePuller) RequestStats(dpid uint64) error {
	f.asked = append(f.asked, dpid)
	if f.fail[dpid] {
		return errors.New("switch down")
	}
	return nil
}

func TestCountBucketPull(t *testing.T) {
	b := query.NewCountBucket(nil)
	assert.ErrorIs(t, b.Pull(), query.ErrNoPuller)

	puller := &fakePuller{switches: []uint64{1, 2}}
	b.SetPuller(puller)
	var reports []query.Counts
	b.Register(func(c query.Counts) { reports = append(reports, c) })

	require.NoError(t, b.Pull())
	assert.Equal(t, query.StatePulling, b.State())
	assert.Equal(t, []uint64{1, 2}, puller.asked)
	assert.ErrorIs(t, b.Pull(), query.ErrPullInProgress)

	assert.False(t, b.HandleStats(3, query.Counts{Packets: 9}))
	assert.True(t, b.HandleStats(1, query.Counts{Packets: 2, Bytes: 200}))
	b.Receive(pkt("10.0.0.1", 10))
	assert.Empty(t, reports)
	assert.True(t, b.HandleStats(2, query.Counts{Packets: 1, Bytes: 100}))

	require.Len(t, reports, 1)
	assert.Equal(t, query.Counts{Packets: 4, Bytes: 310}, reports[0])
	assert.Equal(t, query.StateArmed, b.State())
	assert.Equal(t, reports[0], b.Last())

	// late reply
	assert.False(t, b.HandleStats(1, query.Counts{Packets: 5}))
	assert.Len(t, reports, 1)
}

func TestCountBucketTimeout(t *testing.T) {
	b := query.NewCountBucket(nil)
	b.SetPuller(&fakePuller{switches: []uint64{1}})
	n := 0
	b.Register(func(query.Counts) { n++ })

	require.NoError(t, b.Pull())
	b.Timeout()
	assert.Equal(t, query.StateArmed, b.State())
	assert.False(t, b.HandleStats(1, query.Counts{Packets: 1}))
	assert.Zero(t, n)

	b.Close()
	assert.Equal(t, "closed", b.State().String())
	assert.ErrorIs(t, b.Pull(), query.ErrBucketClosed)
}

func TestCountBucketNoRules(t *testing.T) {
	b := query.NewCountBucket(nil)
	b.SetPuller(&fakePuller{})
	b.Receive(pkt("10.0.0.1", 4))
	var got query.Counts
	b.Register(func(c query.Counts) { got = c })
	require.NoError(t, b.Pull())
	assert.Equal(t, query.Counts{Packets: 1, Bytes: 4}, got)
	assert.Equal(t, query.StateArmed, b.State())
}

func TestCountBucketRequestFailure(t *testing.T) {
	b := query.NewCountBucket(nil)
	b.SetPuller(&fakePuller{switches: []uint64{1, 2}, fail: map[uint64]bool{2: true}})
	var got []query.Counts
	b.Register(func(c query.Counts) { got = append(got, c) })

	err := b.Pull()
	assert.Error(t, err)
	assert.Equal(t, query.StatePulling, b.State())
	assert.True(t, b.HandleStats(1, query.Counts{Packets: 3, Bytes: 30}))
	require.Len(t, got, 1)
	assert.Equal(t, query.Counts{Packets: 3, Bytes: 30}, got[0])
}

func TestAggregate(t *testing.T) {
	defer goleak.VerifyNone(t)

	packets := query.CountPackets(5*time.Millisecond, nil, nil)
	reports := make(chan map[string]uint64, 16)
	packets.Register(func(m map[string]uint64) {
		select {
		case reports <- m:
		default:
		}
	})
	packets.Start(t.Context())
	for i := 0; i < 3; i++ {
		packets.Receive(pkt("10.0.0.1", 10))
	}

	select {
	case m := <-reports:
		assert.Equal(t, map[string]uint64{"*": 3}, m)
	case <-time.After(time.Second):
		t.Fatal("no report")
	}
	packets.Close()

	bytes := query.CountBytes(0, []string{field.SrcIP}, nil)
	bytes.Receive(pkt("10.0.0.1", 10))
	bytes.Receive(pkt("10.0.0.1", 5))
	bytes.Receive(pkt("10.0.0.2", 7))
	assert.Equal(t, map[string]uint64{
		"srcip=10.0.0.1": 15,
		"srcip=10.0.0.2": 7,
	}, bytes.Totals())
	// a zero interval never reports on its own
	bytes.Start(t.Context())
	bytes.Stop()
}

type view struct{}

func (view) SpanningTree() map[uint64][]uint16 { return map[uint64][]uint16{1: {1, 2}} }
func (view) EdgePorts() map[uint64][]uint16    { return map[uint64][]uint16{1: {1}} }

func TestResetting(t *testing.T) {
	built := 0
	seen := 0
	r := query.NewResetting(func() query.Query {
		built++
		b := query.Packets(1, field.SrcIP)
		b.Register(func(packet.Packet) { seen++ })
		return b
	})
	first := r.Current()
	a := pkt("10.0.0.1", 0)
	first.Receive(a)
	first.Receive(a)
	assert.Equal(t, 1, seen)

	r.Policy().NetworkChanged(view{})
	assert.Equal(t, 2, built)
	assert.NotEqual(t, first.ID(), r.Current().ID())

	// old state is gone, the fresh query admits the group again
	first.Receive(a)
	assert.Equal(t, 1, seen)
	assert.Equal(t, 1, delivered(t, r.Policy(), a))
	r.Current().Receive(a)
	assert.Equal(t, 2, seen)
}
