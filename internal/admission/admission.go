// Package admission bounds outbound query volume per target server. A
// rejection is a normal "try later" outcome, never a fault.
package admission

import (
	"errors"
	"sync"
	"time"
)

// ErrLimited is returned when a query is refused by admission control.
// Callers must back off instead of retrying in a loop.
var ErrLimited = errors.New("rate limited")

// Caller tags who is asking, for accounting only. It never influences
// protocol addressing.
type Caller struct {
	// Context identifies the tenant or interaction that triggered the
	// query (guild id, client IP, "monitor").
	Context string

	// Monitor marks the attempt as part of a periodic monitoring cycle,
	// which is throttled more gently than interactive use.
	Monitor bool
}

// Limits of the sliding window. One target gets at most MaxPerWindow
// queries per trailing hour, from at most MaxContexts distinct callers,
// spaced no closer than the applicable cooldown.
const (
	Window              = time.Hour
	MaxPerWindow        = 60
	MaxContexts         = 10
	MonitorCooldown     = time.Second
	InteractiveCooldown = 10 * time.Second
)

type target struct {
	stamps   []time.Time
	contexts map[string]time.Time
	last     time.Time
}

// Limiter holds per-target admission state. All decisions for a target
// are taken atomically under one coarse lock; the lock is never held
// across network I/O.
type Limiter struct {
	mu      sync.Mutex
	targets map[string]*target

	// now is the clock, swappable in tests.
	now func() time.Time
}

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		targets: make(map[string]*target),
		now:     time.Now,
	}
}

// Allow decides whether one query to the given target may proceed, and
// records it if so. The target key is the server identity, not the raw
// datagram address.
func (l *Limiter) Allow(key string, caller Caller) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	t, ok := l.targets[key]
	if !ok {
		t = &target{contexts: make(map[string]time.Time)}
		l.targets[key] = t
	}
	t.prune(now)

	if len(t.stamps) >= MaxPerWindow {
		return ErrLimited
	}

	if _, seen := t.contexts[caller.Context]; !seen && len(t.contexts) >= MaxContexts {
		return ErrLimited
	}

	cooldown := InteractiveCooldown
	if caller.Monitor {
		cooldown = MonitorCooldown
	}
	if !t.last.IsZero() && now.Sub(t.last) < cooldown {
		return ErrLimited
	}

	t.stamps = append(t.stamps, now)
	t.contexts[caller.Context] = now
	t.last = now
	return nil
}

// Sweep drops targets with no activity in the trailing window. Meant to
// run periodically from a background goroutine.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, t := range l.targets {
		t.prune(now)
		if len(t.stamps) == 0 && now.Sub(t.last) > Window {
			delete(l.targets, key)
		}
	}
}

// prune discards timestamps and caller contexts older than the window.
func (t *target) prune(now time.Time) {
	cutoff := now.Add(-Window)

	kept := t.stamps[:0]
	for _, s := range t.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	t.stamps = kept

	for ctx, seen := range t.contexts {
		if !seen.After(cutoff) {
			delete(t.contexts, ctx)
		}
	}
}
