// Package events carries application events into the runtime: records
// naming a variable, its new value and optionally the flow it applies to.
package events

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Event is a named value directed at the policies handling Name. Flow,
// when set, holds field values identifying the packets it applies to.
type Event struct {
	Name  string            `json:"name"`
	Value any               `json:"value"`
	Flow  map[string]string `json:"flow,omitempty"`
}

// Validate checks that e can be dispatched.
func (e Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidEvent)
	}
	return nil
}

func (e Event) String() string {
	if len(e.Flow) == 0 {
		return fmt.Sprintf("%s=%v", e.Name, e.Value)
	}
	keys := make([]string, 0, len(e.Flow))
	for k := range e.Flow {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Flow[k])
	}
	return fmt.Sprintf("%s=%v {%s}", e.Name, e.Value, strings.Join(parts, ","))
}

// Handler handles an event and returns the reply for its sender. Handlers
// return ErrUnknownEvent for events they do not handle.
type Handler func(Event) (any, error)

// Bus dispatches events to in-process handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	next     uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]Handler)}
}

// Subscribe adds h and returns a function removing it.
func (b *Bus) Subscribe(h Handler) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Dispatch hands e to every handler in subscription order. The reply is the
// one of the last handler accepting e; ErrUnknownEvent is returned when
// none does.
func (b *Bus) Dispatch(e Event) (any, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, b.handlers[id])
	}
	b.mu.RUnlock()

	var (
		reply   any
		handled bool
	)
	for _, h := range hs {
		r, err := h(e)
		if errors.Is(err, ErrUnknownEvent) {
			continue
		}
		if err != nil {
			return nil, err
		}
		reply, handled = r, true
	}
	if !handled {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, e.Name)
	}
	return reply, nil
}
