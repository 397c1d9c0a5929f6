package etcd

import "errors"

var (
	// ErrKeyNotFound is returned when a key is not found in etcd.
	ErrKeyNotFound = errors.New("key not found")

	// ErrClosed is returned when using a closed client.
	ErrClosed = errors.New("etcd client closed")

	// ErrNoEndpoints is returned when connecting without any endpoint.
	ErrNoEndpoints = errors.New("no etcd endpoints configured")
)
