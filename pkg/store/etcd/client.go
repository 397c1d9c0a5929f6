// Package etcd publishes snapshots of the runtime's state to etcd so that
// operators and tools can inspect a running controller. Snapshots are
// written, never read back by the runtime.
package etcd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Config holds the etcd client configuration.
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	// Prefix is prepended to every key written.
	Prefix string `mapstructure:"prefix"`
	// LeaseTTL is the lifetime in seconds of the key announcing a running
	// controller.
	LeaseTTL int64 `mapstructure:"lease_ttl"`
}

// DefaultConfig returns the default etcd configuration.
func DefaultConfig() Config {
	return Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
		Prefix:      "/netpolicy/",
		LeaseTTL:    10,
	}
}

// Client wraps the etcd client.
type Client struct {
	client *clientv3.Client
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// New connects to etcd.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := cli.Status(ctx, cfg.Endpoints[0]); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("connected to etcd", zap.Strings("endpoints", cfg.Endpoints))
	return &Client{
		client: cli,
		config: cfg,
		logger: logger,
	}, nil
}

// Close closes the etcd client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

func (c *Client) usable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Put stores a key-value pair in etcd.
func (c *Client) Put(ctx context.Context, key, value string) error {
	if err := c.usable(); err != nil {
		return err
	}
	if _, err := c.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("etcd put failed: %w", err)
	}
	return nil
}

// Get retrieves a value by key from etcd.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := c.usable(); err != nil {
		return "", err
	}
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("etcd get failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", ErrKeyNotFound
	}
	return string(resp.Kvs[0].Value), nil
}

// GetWithPrefix retrieves all key-value pairs with a given prefix.
func (c *Client) GetWithPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get with prefix failed: %w", err)
	}
	result := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = string(kv.Value)
	}
	return result, nil
}

// Delete removes a key from etcd.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.usable(); err != nil {
		return err
	}
	if _, err := c.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete failed: %w", err)
	}
	return nil
}

// Announce stores value under key for as long as the client keeps the
// lease alive, which it does until ctx is done or the client is closed.
func (c *Client) Announce(ctx context.Context, key, value string) error {
	if err := c.usable(); err != nil {
		return err
	}
	ttl := c.config.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultConfig().LeaseTTL
	}
	lease, err := c.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	if _, err := c.client.Put(ctx, key, value, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put with lease failed: %w", err)
	}
	ch, err := c.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		c.logger.Debug("lease keep-alive ended", zap.String("key", key))
	}()
	return nil
}

// Key joins the configured prefix and name.
func (c *Client) Key(name string) string {
	return JoinKey(c.config.Prefix, name)
}

// JoinKey joins a key prefix and a name with exactly one separator.
func JoinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(name, "/")
}
