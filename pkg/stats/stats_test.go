package stats_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"netpolicy/pkg/policy/query"
	"netpolicy/pkg/stats"
)

func TestTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	var fired atomic.Int32
	tm := stats.NewTimer(20*time.Millisecond, func() { fired.Add(1) })
	assert.False(t, tm.Armed())

	tm.Reset()
	tm.Reset()
	tm.Reset()
	assert.True(t, tm.Armed())
	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, tm.Armed())
	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())

	tm.Reset()
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	time.Sleep(40 * time.Millisecond)
	assert.EqualValues(t, 1, fired.Load())
}

type silentPuller struct {
	mu       sync.Mutex
	requests []uint64
}

func (p *silentPuller) Switches(string) []uint64 { return []uint64{1, 2} }

func (p *silentPuller) RequestStats(dpid uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, dpid)
	return nil
}

func (p *silentPuller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type sweeper struct{ n atomic.Int32 }

func (s *sweeper) Sweep() { s.n.Add(1) }

func TestPollTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	bucket := query.NewCountBucket(nil)
	puller := &silentPuller{}
	bucket.SetPuller(puller)

	p := stats.NewPoller(stats.Config{Interval: time.Hour, Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, p.AddPull("count", bucket))
	assert.ErrorIs(t, p.AddPull("count", bucket), stats.ErrDuplicateTarget)
	sw := &sweeper{}
	require.NoError(t, p.AddSweep("packets", sw))
	assert.Equal(t, 2, p.Len())

	p.Poll()
	assert.Equal(t, query.StatePulling, bucket.State())
	assert.Equal(t, 2, puller.count())
	assert.EqualValues(t, 1, sw.n.Load())

	require.Eventually(t, func() bool { return bucket.State() == query.StateArmed }, 2*time.Second, 5*time.Millisecond)
	// a reply after the timeout is discarded
	assert.False(t, bucket.HandleStats(1, query.Counts{Packets: 3}))

	p.Remove("count")
	p.Remove("packets")
	assert.Equal(t, 0, p.Len())
	p.Stop()
	assert.ErrorIs(t, p.AddSweep("late", sw), stats.ErrPollerStopped)
}

func TestPollCompletes(t *testing.T) {
	bucket := query.NewCountBucket(nil)
	bucket.SetPuller(&silentPuller{})
	var got []query.Counts
	bucket.Register(func(c query.Counts) { got = append(got, c) })

	p := stats.NewPoller(stats.Config{Interval: time.Hour, Timeout: time.Hour}, nil)
	require.NoError(t, p.AddPull("count", bucket))
	p.Poll()
	assert.True(t, bucket.HandleStats(1, query.Counts{Packets: 2, Bytes: 128}))
	assert.True(t, bucket.HandleStats(2, query.Counts{Packets: 1, Bytes: 64}))
	assert.Equal(t, []query.Counts{{Packets: 3, Bytes: 192}}, got)
	p.Stop()
}

func TestPollerRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw := &sweeper{}
	p := stats.NewPoller(stats.Config{Interval: 5 * time.Millisecond}, nil)
	require.NoError(t, p.AddSweep("packets", sw))
	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, func() bool { return sw.n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()
}
