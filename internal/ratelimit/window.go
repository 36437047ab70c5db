// Package ratelimit implements a per-user sliding window used to cap costly
// side effects such as image generation. State is process-local.
package ratelimit

import (
	"sync"
	"time"
)

// Window admits at most Limit events per user within Period.
type Window struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu     sync.Mutex
	events map[int64][]time.Time
}

// NewWindow returns a window. A non-positive limit disables limiting.
func NewWindow(limit int, period time.Duration) *Window {
	return &Window{
		limit:  limit,
		period: period,
		now:    time.Now,
		events: make(map[int64][]time.Time),
	}
}

// Reserve prunes events older than the window and claims a slot for userID
// if fewer than the limit are in use. Calling cancel gives the slot back, for
// events that did not happen after all. cancel is safe to call more than once.
func (w *Window) Reserve(userID int64) (cancel func(), ok bool) {
	if w == nil || w.limit <= 0 {
		return func() {}, true
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	kept := w.prune(userID, now)
	if len(kept) >= w.limit {
		return nil, false
	}
	w.events[userID] = append(kept, now)

	var once sync.Once
	return func() { once.Do(func() { w.release(userID, now) }) }, true
}

// RetryAfter reports how long userID must wait for a free slot. It is zero
// when a slot is free now.
func (w *Window) RetryAfter(userID int64) time.Duration {
	if w == nil || w.limit <= 0 {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	kept := w.prune(userID, now)
	if len(kept) < w.limit {
		return 0
	}
	// The slot frees when the oldest event that keeps the window full expires.
	oldest := kept[len(kept)-w.limit]
	return oldest.Add(w.period).Sub(now)
}

func (w *Window) release(userID int64, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	events := w.events[userID]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Equal(at) {
			events = append(events[:i], events[i+1:]...)
			break
		}
	}
	if len(events) == 0 {
		delete(w.events, userID)
		return
	}
	w.events[userID] = events
}

func (w *Window) prune(userID int64, now time.Time) []time.Time {
	cutoff := now.Add(-w.period)
	events := w.events[userID]
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	kept := events[i:]
	if len(kept) == 0 {
		delete(w.events, userID)
		return nil
	}
	w.events[userID] = kept
	return kept
}
