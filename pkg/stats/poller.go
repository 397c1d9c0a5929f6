// Package stats drives the periodic work of queries: pulling switch
// counters into count buckets, abandoning pulls that time out and sweeping
// expired packet groups.
package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds the poller configuration.
type Config struct {
	// Interval between two polls.
	Interval time.Duration `mapstructure:"interval"`

	// Timeout after which an unanswered pull is abandoned.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Pullable is a bucket whose counters are pulled from the switches.
type Pullable interface {
	Pull() error
	Timeout()
}

// Sweeper forgets state that expired.
type Sweeper interface {
	Sweep()
}

type target struct {
	pull    Pullable
	sweep   Sweeper
	timeout *Timer
}

// Poller polls its targets every interval.
type Poller struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	targets map[string]*target
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPoller creates a poller.
func NewPoller(config Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &Poller{
		config:  config,
		logger:  logger.Named("stats"),
		targets: make(map[string]*target),
	}
}

// AddPull registers a bucket to pull every interval.
func (p *Poller) AddPull(id string, b Pullable) error {
	return p.add(id, &target{
		pull:    b,
		timeout: NewTimer(p.config.Timeout, b.Timeout),
	})
}

// AddSweep registers s to sweep every interval.
func (p *Poller) AddSweep(id string, s Sweeper) error {
	return p.add(id, &target{sweep: s})
}

func (p *Poller) add(id string, t *target) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPollerStopped
	}
	if _, ok := p.targets[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTarget, id)
	}
	p.targets[id] = t
	return nil
}

// Remove unregisters id and cancels its pending timeout.
func (p *Poller) Remove(id string) {
	p.mu.Lock()
	t, ok := p.targets[id]
	delete(p.targets, id)
	p.mu.Unlock()
	if ok && t.timeout != nil {
		t.timeout.Stop()
	}
}

// Len returns the number of targets.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.targets)
}

// Start starts polling.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("stats poller started",
		zap.Duration("interval", p.config.Interval),
		zap.Duration("timeout", p.config.Timeout),
	)
}

// Stop stops polling, cancels pending timeouts and waits for the polling
// goroutine.
func (p *Poller) Stop() {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.cancel = nil
	for _, t := range p.targets {
		if t.timeout != nil {
			t.timeout.Stop()
		}
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll pulls and sweeps every target once. Each pull is abandoned if not
// answered within the timeout.
func (p *Poller) Poll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.targets))
	for id := range p.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	targets := make([]*target, len(ids))
	for i, id := range ids {
		targets[i] = p.targets[id]
	}
	p.mu.Unlock()

	for i, t := range targets {
		if t.sweep != nil {
			t.sweep.Sweep()
		}
		if t.pull == nil {
			continue
		}
		// a pending timeout belongs to a pull still in progress
		if !t.timeout.Armed() {
			t.timeout.Reset()
		}
		if err := t.pull.Pull(); err != nil {
			p.logger.Warn("stats pull failed", zap.String("target", ids[i]), zap.Error(err))
		}
	}
}
