package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"netpolicy/pkg/network/topology"
	"netpolicy/pkg/policy/classifier"
)

// KV is the part of the etcd client a Publisher writes through.
type KV interface {
	Put(ctx context.Context, key, value string) error
}

// Getter reads published snapshots.
type Getter interface {
	Get(ctx context.Context, key string) (string, error)
}

// Publisher writes JSON snapshots under a key prefix, skipping writes that
// would not change the stored value.
type Publisher struct {
	kv     KV
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]string
}

// NewPublisher returns a publisher writing to kv under prefix.
func NewPublisher(kv KV, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		kv:     kv,
		prefix: prefix,
		logger: logger.Named("publisher"),
		last:   make(map[string]string),
	}
}

// Publish stores v as JSON under name.
func (p *Publisher) Publish(ctx context.Context, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", name, err)
	}
	key := JoinKey(p.prefix, name)
	value := string(b)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last[key] == value {
		return nil
	}
	if err := p.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	p.last[key] = value
	p.logger.Debug("published snapshot", zap.String("key", key), zap.Int("bytes", len(b)))
	return nil
}

// PublishClassifier publishes the classifier installed at version.
func (p *Publisher) PublishClassifier(ctx context.Context, version uint64, cl *classifier.Classifier) error {
	return p.Publish(ctx, ClassifierKey, NewClassifierSnapshot(version, cl))
}

// PublishTopology publishes t.
func (p *Publisher) PublishTopology(ctx context.Context, t *topology.Topology) error {
	return p.Publish(ctx, TopologyKey, NewTopologySnapshot(t))
}

// LoadClassifier reads the classifier published under prefix.
func LoadClassifier(ctx context.Context, g Getter, prefix string) (ClassifierSnapshot, error) {
	var s ClassifierSnapshot
	raw, err := g.Get(ctx, JoinKey(prefix, ClassifierKey))
	if err != nil {
		return s, err
	}
	return s, Decode(raw, &s)
}

// LoadTopology reads the topology published under prefix.
func LoadTopology(ctx context.Context, g Getter, prefix string) (TopologySnapshot, error) {
	var s TopologySnapshot
	raw, err := g.Get(ctx, JoinKey(prefix, TopologyKey))
	if err != nil {
		return s, err
	}
	return s, Decode(raw, &s)
}
