// Package ratelimiter caps events per key over a sliding time window.
package ratelimiter

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Count is the number of events inside the window, including this one when allowed.
	Count int
	// RetryAfter is how long until the oldest event leaves the window. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter admits or rejects one event for key at now.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}
