// Package activity records when the user last interacted with the client and
// answers whether the user still counts as active.
package activity

import (
	"context"
	"sync"
	"time"
)

// InactivityThreshold is the window after the last interaction during which
// an expired session is renewed silently instead of being terminated.
const InactivityThreshold = 10 * time.Minute

// EventKind is a tracked interaction.
type EventKind string

const (
	PointerDown EventKind = "pointerdown"
	KeyDown     EventKind = "keydown"
	Scroll      EventKind = "scroll"
	TouchStart  EventKind = "touchstart"
)

// TrackedEvents lists the interaction kinds that count as activity.
var TrackedEvents = []EventKind{PointerDown, KeyDown, Scroll, TouchStart}

// Tracker holds the last-interaction timestamp. It is safe for concurrent use.
type Tracker struct {
	mu             sync.RWMutex
	lastActivityAt time.Time
	now            func() time.Time
	threshold      time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithThreshold overrides InactivityThreshold.
func WithThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.threshold = d }
}

// New creates a Tracker. The process start counts as the first interaction.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:       time.Now,
		threshold: InactivityThreshold,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lastActivityAt = t.now()
	return t
}

// Record registers an interaction of the given kind. Untracked kinds are
// ignored. The timestamp never moves backwards.
func (t *Tracker) Record(kind EventKind) {
	if !isTracked(kind) {
		return
	}
	t.Touch()
}

// Touch registers an interaction unconditionally.
func (t *Tracker) Touch() {
	now := t.now()
	t.mu.Lock()
	if now.After(t.lastActivityAt) {
		t.lastActivityAt = now
	}
	t.mu.Unlock()
}

// Listen consumes interaction events until ctx is done or events is closed.
func (t *Tracker) Listen(ctx context.Context, events <-chan EventKind) {
	for {
		select {
		case <-ctx.Done():
			return
		case kind, ok := <-events:
			if !ok {
				return
			}
			t.Record(kind)
		}
	}
}

// LastActivity returns the timestamp of the last tracked interaction.
func (t *Tracker) LastActivity() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastActivityAt
}

// IsUserActive reports whether the last interaction is within the threshold.
func (t *Tracker) IsUserActive() bool {
	return t.elapsed() < t.threshold
}

// InactivityDuration returns the time since the last interaction, truncated
// to whole seconds.
func (t *Tracker) InactivityDuration() time.Duration {
	return t.elapsed().Truncate(time.Second)
}

func (t *Tracker) elapsed() time.Duration {
	d := t.now().Sub(t.LastActivity())
	if d < 0 {
		return 0
	}
	return d
}

func isTracked(kind EventKind) bool {
	for _, k := range TrackedEvents {
		if k == kind {
			return true
		}
	}
	return false
}
