package ratelimiter

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SlidingWindow is a process-wide sliding-window log limiter.
type SlidingWindow struct {
	limit   int
	window  time.Duration
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*windowEntry
	hits  uint64
}

type windowEntry struct {
	events   []time.Time
	lastSeen time.Time
}

// NewSlidingWindow allows up to limit events per key within window. A
// non-positive limit or window disables limiting.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 || window <= 0 {
		return nil
	}
	idleTTL := 2 * window
	if idleTTL < 10*time.Minute {
		idleTTL = 10 * time.Minute
	}
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		idleTTL: idleTTL,
		byKey:   make(map[string]*windowEntry),
	}
}

// Allow records one event for key when the window has room.
func (l *SlidingWindow) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if l == nil {
		return Decision{Allowed: true}, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &windowEntry{}
		l.byKey[key] = e
	}
	e.lastSeen = now

	cutoff := now.Add(-l.window)
	kept := e.events[:0]
	for _, at := range e.events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	e.events = kept

	l.hits++
	if l.hits%512 == 0 {
		l.evictIdle(now)
	}

	if len(e.events) >= l.limit {
		return Decision{
			Allowed:    false,
			Count:      len(e.events),
			RetryAfter: e.events[0].Add(l.window).Sub(now),
		}, nil
	}
	e.events = append(e.events, now)
	return Decision{Allowed: true, Count: len(e.events)}, nil
}

func (l *SlidingWindow) evictIdle(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}

var _ Limiter = (*SlidingWindow)(nil)
