package query

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"netpolicy/pkg/policy"
	"netpolicy/pkg/policy/packet"
)

// PacketOption configures a PacketBucket.
type PacketOption func(*PacketBucket)

// WithLimit lets at most limit packets of each group reach the callbacks.
// A group is the set of packets agreeing on the groupBy fields, or on every
// field when groupBy is empty. Once a group reaches the limit it is excluded
// from the bucket's policy so switches stop sending it.
func WithLimit(limit int, groupBy ...string) PacketOption {
	return func(b *PacketBucket) {
		b.limit = limit
		b.groupBy = append([]string(nil), groupBy...)
	}
}

// WithGroupTTL forgets a group ttl after its first packet, re-admitting it
// if it had been excluded.
func WithGroupTTL(ttl time.Duration) PacketOption {
	return func(b *PacketBucket) { b.ttl = ttl }
}

// WithRate drops packets arriving faster than r per second, allowing bursts
// of burst packets.
func WithRate(r float64, burst int) PacketOption {
	return func(b *PacketBucket) { b.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// WithLogger sets the logger of the bucket.
func WithLogger(logger *zap.Logger) PacketOption {
	return func(b *PacketBucket) { b.logger = logger }
}

// PacketBucket hands matching packets to its callbacks.
type PacketBucket struct {
	id      string
	limit   int
	groupBy []string
	ttl     time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
	pol     *policy.Dynamic

	mu        sync.Mutex
	callbacks []func(packet.Packet)
	groups    *cache.Cache
	excluded  map[string]policy.Pred
	// gen counts the changes to excluded
	gen    uint64
	closed bool
}

// NewPacketBucket returns an open bucket.
func NewPacketBucket(opts ...PacketOption) *PacketBucket {
	b := &PacketBucket{
		id:       uuid.New().String(),
		ttl:      cache.NoExpiration,
		excluded: make(map[string]policy.Pred),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.Named("packets")
	// expired groups are swept by Sweep, the cache runs no janitor
	b.groups = cache.New(b.ttl, 0)
	b.groups.OnEvicted(b.readmit)
	b.pol = policy.NewDynamic("packets", policy.ToBucket(b))
	return b
}

// Packets returns a bucket receiving at most limit packets per group, or
// every packet when limit is zero.
func Packets(limit int, groupBy ...string) *PacketBucket {
	return NewPacketBucket(WithLimit(limit, groupBy...))
}

// ID implements policy.Bucket.
func (b *PacketBucket) ID() string {
	return b.id
}

// Policy returns the dynamic policy feeding the bucket. It changes when a
// group is excluded or re-admitted.
func (b *PacketBucket) Policy() policy.Policy {
	return b.pol
}

// Register adds fn to the callbacks.
func (b *PacketBucket) Register(fn func(packet.Packet)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// Receive implements policy.Bucket.
func (b *PacketBucket) Receive(p packet.Packet) {
	b.groups.DeleteExpired()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.limit > 0 {
		ok, changed := b.admit(p)
		if changed {
			b.mu.Unlock()
			b.publish()
			b.mu.Lock()
		}
		if !ok || b.closed {
			b.mu.Unlock()
			return
		}
	}
	if b.limiter != nil && !b.limiter.Allow() {
		b.mu.Unlock()
		b.logger.Debug("packet dropped by rate limit", zap.String("bucket", b.id))
		return
	}
	fns := append([]func(packet.Packet){}, b.callbacks...)
	b.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

// admit counts p against its group. changed reports that the group was
// excluded and the policy must be published. Called with b.mu held.
func (b *PacketBucket) admit(p packet.Packet) (ok, changed bool) {
	g := groupOf(p, b.groupBy)
	n := 1
	if err := b.groups.Add(g.key, 1, cache.DefaultExpiration); err != nil {
		// the group exists
		if n, err = b.groups.IncrementInt(g.key, 1); err != nil {
			return false, false
		}
	}
	if n > b.limit {
		// packets in flight before the switches were updated
		return false, false
	}
	if n == b.limit {
		b.excluded[g.key] = g.pred()
		b.gen++
		return true, true
	}
	return true, false
}

func (b *PacketBucket) readmit(key string, _ interface{}) {
	b.mu.Lock()
	if _, ok := b.excluded[key]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.excluded, key)
	b.gen++
	b.mu.Unlock()

	b.logger.Debug("group readmitted", zap.String("bucket", b.id), zap.String("group", key))
	b.publish()
}

// publish sets the policy built from the excluded groups. Subscribers of the
// dynamic policy run synchronously, so b.mu must not be held. A publish
// racing with a newer change repeats until the newest one is in place.
func (b *PacketBucket) publish() {
	for {
		b.mu.Lock()
		gen := b.gen
		pol := b.build()
		b.mu.Unlock()

		_ = b.pol.Set(pol)

		b.mu.Lock()
		done := b.gen == gen
		b.mu.Unlock()
		if done {
			return
		}
	}
}

// build returns the policy excluding the saturated groups. Called with b.mu
// held.
func (b *PacketBucket) build() policy.Policy {
	preds := make([]policy.Pred, 0, len(b.excluded))
	for _, key := range sortedKeys(b.excluded) {
		preds = append(preds, b.excluded[key])
	}
	var pol policy.Policy = policy.ToBucket(b)
	if len(preds) > 0 {
		pol = policy.Seq(policy.Not(policy.Or(preds...)), pol)
	}
	// pol only refers to b, never to b.pol
	return pol
}

// Sweep forgets groups older than the group TTL.
func (b *PacketBucket) Sweep() {
	b.groups.DeleteExpired()
}

// Close detaches the callbacks. Packets received afterwards are ignored.
func (b *PacketBucket) Close() {
	b.mu.Lock()
	b.closed = true
	b.callbacks = nil
	b.mu.Unlock()
	b.pol.Close()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
