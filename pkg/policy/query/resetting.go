package query

import (
	"sync"

	"netpolicy/pkg/policy"
)

// Resetting keeps a query built by a factory and replaces it with a fresh
// one whenever the network topology changes, so grouping state learned on
// an old topology is dropped.
type Resetting struct {
	factory func() Query
	pol     *policy.Dynamic

	mu      sync.Mutex
	current Query
}

// NewResetting returns a resetting query around factory. factory registers
// the callbacks of every query it builds.
func NewResetting(factory func() Query) *Resetting {
	r := &Resetting{factory: factory, current: factory()}
	r.pol = policy.NewDynamic("resetting_q", r.current.Policy())
	r.pol.OnNetwork(func(*policy.Dynamic, policy.NetworkView) { r.Reset() })
	return r
}

// Policy returns the dynamic policy feeding the current query.
func (r *Resetting) Policy() *policy.Dynamic {
	return r.pol
}

// Current returns the current query.
func (r *Resetting) Current() Query {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Reset closes the current query and installs a new one.
func (r *Resetting) Reset() {
	next := r.factory()
	r.mu.Lock()
	old := r.current
	r.current = next
	r.mu.Unlock()
	old.Close()
	// the fresh query cannot contain r.pol
	_ = r.pol.Set(next.Policy())
}
