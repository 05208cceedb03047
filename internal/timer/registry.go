// Package timer manages named, cancellable delayed and periodic callbacks.
//
// Each component that needs timing owns one Registry. Closing the registry
// on teardown guarantees that no callback fires against released state.
package timer

import (
	"sync"
	"time"
)

// Registry holds at most one timer per name. Arming a name that is already
// pending replaces the previous timer.
type Registry struct {
	clock Clock

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	name   string
	period time.Duration
	fn     func()
	stop   Stopper
}

// NewRegistry creates a Registry driven by clock. A nil clock means RealClock.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = RealClock{}
	}
	return &Registry{
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// Clock returns the clock the registry schedules on.
func (r *Registry) Clock() Clock { return r.clock }

// After runs fn once, d from now.
func (r *Registry) After(name string, d time.Duration, fn func()) {
	r.schedule(name, d, 0, fn)
}

// Every runs fn every d until cancelled. The first run is d from now.
func (r *Registry) Every(name string, d time.Duration, fn func()) {
	if d <= 0 {
		panic("timer: non-positive period for " + name)
	}
	r.schedule(name, d, d, fn)
}

func (r *Registry) schedule(name string, d, period time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if old, ok := r.entries[name]; ok {
		old.stop.Stop()
	}
	e := &entry{name: name, period: period, fn: fn}
	r.entries[name] = e
	r.arm(e, d)
}

// arm must be called with r.mu held.
func (r *Registry) arm(e *entry, d time.Duration) {
	e.stop = r.clock.AfterFunc(d, func() { r.fire(e) })
}

func (r *Registry) fire(e *entry) {
	r.mu.Lock()
	if r.entries[e.name] != e {
		// cancelled or replaced after the clock released it
		r.mu.Unlock()
		return
	}
	if e.period > 0 {
		r.arm(e, e.period)
	} else {
		delete(r.entries, e.name)
	}
	fn := e.fn
	r.mu.Unlock()

	fn()
}

// Cancel stops the named timer. It reports whether one was pending.
func (r *Registry) Cancel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.stop.Stop()
	delete(r.entries, name)
	return true
}

// CancelAll stops every pending timer. The registry stays usable.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelAllLocked()
}

func (r *Registry) cancelAllLocked() {
	for name, e := range r.entries {
		e.stop.Stop()
		delete(r.entries, name)
	}
}

// Close cancels everything and refuses further scheduling. Safe to call
// more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelAllLocked()
	r.closed = true
}

// Pending reports whether the named timer is armed.
func (r *Registry) Pending(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Len returns the number of armed timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
