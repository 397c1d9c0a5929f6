package query

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/packet"
)

// Measure selects what an Aggregate counts.
type Measure uint8

const (
	// MeasurePackets counts packets.
	MeasurePackets Measure = iota
	// MeasureBytes counts payload bytes.
	MeasureBytes
)

// Aggregate counts the packets it receives per group and reports the
// running totals every interval. Totals are keyed by group, "*" when the
// aggregate is not grouped.
type Aggregate struct {
	id       string
	measure  Measure
	interval time.Duration
	groupBy  []string
	logger   *zap.Logger

	mu        sync.Mutex
	totals    map[string]uint64
	callbacks []func(map[string]uint64)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// CountPackets returns an aggregate counting packets per groupBy group.
func CountPackets(interval time.Duration, groupBy []string, logger *zap.Logger) *Aggregate {
	return newAggregate(MeasurePackets, interval, groupBy, logger)
}

// CountBytes returns an aggregate counting payload bytes per groupBy group.
func CountBytes(interval time.Duration, groupBy []string, logger *zap.Logger) *Aggregate {
	return newAggregate(MeasureBytes, interval, groupBy, logger)
}

func newAggregate(m Measure, interval time.Duration, groupBy []string, logger *zap.Logger) *Aggregate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregate{
		id:       uuid.New().String(),
		measure:  m,
		interval: interval,
		groupBy:  append([]string(nil), groupBy...),
		logger:   logger.Named("aggregate"),
		totals:   make(map[string]uint64),
	}
}

// ID implements policy.Bucket.
func (a *Aggregate) ID() string {
	return a.id
}

// Policy returns the policy delivering to a.
func (a *Aggregate) Policy() policy.Policy {
	return policy.ToBucket(a)
}

// Register adds fn to the functions receiving each report.
func (a *Aggregate) Register(fn func(map[string]uint64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, fn)
}

// Receive implements policy.Bucket.
func (a *Aggregate) Receive(p packet.Packet) {
	key := "*"
	if len(a.groupBy) > 0 {
		key = groupOf(p, a.groupBy).key
	}
	n := uint64(1)
	if a.measure == MeasureBytes {
		n = byteCount(p)
	}
	a.mu.Lock()
	a.totals[key] += n
	a.mu.Unlock()
}

// Totals returns a copy of the running totals.
func (a *Aggregate) Totals() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint64, len(a.totals))
	for k, v := range a.totals {
		out[k] = v
	}
	return out
}

// Report hands the running totals to the callbacks.
func (a *Aggregate) Report() {
	totals := a.Totals()
	a.mu.Lock()
	fns := append([]func(map[string]uint64){}, a.callbacks...)
	a.mu.Unlock()
	for _, fn := range fns {
		fn(totals)
	}
}

// Start starts reporting every interval until Stop or until ctx is done.
func (a *Aggregate) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil || a.interval <= 0 {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.run(ctx)
	a.logger.Debug("aggregate started", zap.String("bucket", a.id), zap.Duration("interval", a.interval))
}

func (a *Aggregate) run(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Report()
		}
	}
}

// Stop stops reporting and waits for the reporting goroutine to exit.
func (a *Aggregate) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// Close stops reporting and detaches the callbacks.
func (a *Aggregate) Close() {
	a.Stop()
	a.mu.Lock()
	a.callbacks = nil
	a.mu.Unlock()
}
