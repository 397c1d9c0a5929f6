package query

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/packet"
)

// BucketState is the pull state of a CountBucket.
type BucketState uint8

const (
	// StateArmed means the bucket is ready to pull.
	StateArmed BucketState = iota
	// StatePulling means stats requests are outstanding.
	StatePulling
	// StateClosed means the bucket no longer pulls nor reports.
	StateClosed
)

func (s BucketState) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StatePulling:
		return "pulling"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("bucket_state(%d)", uint8(s))
	}
}

// Counts is a packet and byte counter pair.
type Counts struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// Add returns the sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{Packets: c.Packets + o.Packets, Bytes: c.Bytes + o.Bytes}
}

// Puller reaches the switches holding the rules of a bucket.
type Puller interface {
	// Switches returns the switches holding a rule delivering to bucket id.
	Switches(id string) []uint64
	// RequestStats sends a flow stats request to switch dpid.
	RequestStats(dpid uint64) error
}

// CountBucket counts the packets of the rules delivering to it. Switches
// count the traffic they handle themselves; a pull asks every switch for
// its counters and reports their sum plus the packets that reached the
// controller.
type CountBucket struct {
	id     string
	logger *zap.Logger

	mu          sync.Mutex
	state       BucketState
	puller      Puller
	local       Counts
	pulled      Counts
	outstanding map[uint64]struct{}
	last        Counts
	callbacks   []func(Counts)
}

// NewCountBucket returns an armed bucket.
func NewCountBucket(logger *zap.Logger) *CountBucket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CountBucket{
		id:     uuid.New().String(),
		logger: logger.Named("count"),
		state:  StateArmed,
	}
}

// ID implements policy.Bucket.
func (b *CountBucket) ID() string {
	return b.id
}

// Policy returns the policy delivering to b.
func (b *CountBucket) Policy() policy.Policy {
	return policy.ToBucket(b)
}

// State returns the pull state.
func (b *CountBucket) State() BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Register adds fn to the functions receiving each completed pull.
func (b *CountBucket) Register(fn func(Counts)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// SetPuller attaches the function issuing stats requests.
func (b *CountBucket) SetPuller(p Puller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puller = p
}

// Receive implements policy.Bucket, counting a packet evaluated by the
// controller.
func (b *CountBucket) Receive(p packet.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return
	}
	b.local = b.local.Add(Counts{Packets: 1, Bytes: byteCount(p)})
}

// Pull starts a stats pull. When no switch holds a rule for b the result
// is reported at once. Switches that cannot be asked are left out of the
// sum and reported in the returned error.
func (b *CountBucket) Pull() error {
	b.mu.Lock()
	switch {
	case b.state == StateClosed:
		b.mu.Unlock()
		return ErrBucketClosed
	case b.state == StatePulling:
		b.mu.Unlock()
		return ErrPullInProgress
	case b.puller == nil:
		b.mu.Unlock()
		return ErrNoPuller
	}
	puller := b.puller
	switches := puller.Switches(b.id)
	b.state = StatePulling
	b.pulled = Counts{}
	b.outstanding = make(map[uint64]struct{}, len(switches))
	for _, sw := range switches {
		b.outstanding[sw] = struct{}{}
	}
	b.mu.Unlock()

	var errs error
	for _, sw := range switches {
		if err := puller.RequestStats(sw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to request stats from switch %d: %w", sw, err))
			b.HandleStats(sw, Counts{})
		}
	}
	if len(switches) == 0 {
		b.mu.Lock()
		if b.state != StatePulling {
			b.mu.Unlock()
			return errs
		}
		fns, total := b.finish()
		b.mu.Unlock()
		report(fns, total)
	}
	return errs
}

// HandleStats records the counters reported by switch dpid for the rules
// of b. Replies from switches not being waited on are discarded and
// reported as false.
func (b *CountBucket) HandleStats(dpid uint64, c Counts) bool {
	b.mu.Lock()
	if b.state != StatePulling {
		b.mu.Unlock()
		return false
	}
	if _, ok := b.outstanding[dpid]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.outstanding, dpid)
	b.pulled = b.pulled.Add(c)
	if len(b.outstanding) > 0 {
		b.mu.Unlock()
		return true
	}
	fns, total := b.finish()
	b.mu.Unlock()
	report(fns, total)
	return true
}

// Timeout abandons the pull in progress without reporting. Replies
// arriving later are discarded.
func (b *CountBucket) Timeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StatePulling {
		return
	}
	b.logger.Debug("stats pull timed out",
		zap.String("bucket", b.id),
		zap.Int("missing", len(b.outstanding)),
	)
	b.state = StateArmed
	b.outstanding = nil
}

// Last returns the counts of the last completed pull.
func (b *CountBucket) Last() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Close stops pulling and detaches the callbacks.
func (b *CountBucket) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.callbacks = nil
	b.outstanding = nil
}

// finish completes a pull. Called with b.mu held.
func (b *CountBucket) finish() ([]func(Counts), Counts) {
	b.state = StateArmed
	b.outstanding = nil
	b.last = b.local.Add(b.pulled)
	return append([]func(Counts){}, b.callbacks...), b.last
}

func report(fns []func(Counts), c Counts) {
	for _, fn := range fns {
		fn(c)
	}
}
