package stats

import (
	"sync"
	"time"
)

// Timer is a resettable one-shot timer. Resetting an armed timer pushes its
// deadline back without adding a firing; a callback whose firing was
// overtaken by Reset or Stop does nothing.
type Timer struct {
	d  time.Duration
	fn func()

	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	armed bool
}

// NewTimer returns a disarmed timer calling fn d after each Reset.
func NewTimer(d time.Duration, fn func()) *Timer {
	return &Timer{d: d, fn: fn}
}

// Reset arms the timer to fire d from now.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	t.armed = true
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(t.d, func() { t.fire(gen) })
}

// Stop disarms the timer and reports whether it was armed.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	was := t.armed
	t.armed = false
	if t.t != nil {
		t.t.Stop()
	}
	return was
}

// Armed reports whether the timer will fire.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.armed {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.mu.Unlock()
	t.fn()
}
