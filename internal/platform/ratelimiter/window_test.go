package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSlidingWindowCapsPerKey(t *testing.T) {
	limiter := NewSlidingWindow(2, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "req-1", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("expected event %d to be allowed", i)
		}
	}

	decision, err := limiter.Allow(ctx, "req-1", now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("allow over cap: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected third event inside window to be rejected")
	}
	if decision.RetryAfter != 50*time.Second {
		t.Fatalf("retry after = %v, want 50s", decision.RetryAfter)
	}

	other, err := limiter.Allow(ctx, "req-2", now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("allow other key: %v", err)
	}
	if !other.Allowed {
		t.Fatal("expected independent key to be allowed")
	}
}

func TestSlidingWindowSlides(t *testing.T) {
	limiter := NewSlidingWindow(1, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if d, _ := limiter.Allow(ctx, "k", now); !d.Allowed {
		t.Fatal("expected first event allowed")
	}
	if d, _ := limiter.Allow(ctx, "k", now.Add(59*time.Second)); d.Allowed {
		t.Fatal("expected event inside window rejected")
	}
	if d, _ := limiter.Allow(ctx, "k", now.Add(61*time.Second)); !d.Allowed {
		t.Fatal("expected event after window allowed")
	}
}

func TestSlidingWindowDisabledAndBlankKey(t *testing.T) {
	disabled := NewSlidingWindow(0, time.Minute)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 5; i++ {
		if d, err := disabled.Allow(ctx, "k", now); err != nil || !d.Allowed {
			t.Fatalf("expected disabled limiter to allow, got %+v %v", d, err)
		}
	}
	limiter := NewSlidingWindow(1, time.Minute)
	for i := 0; i < 3; i++ {
		if d, _ := limiter.Allow(ctx, "  ", now); !d.Allowed {
			t.Fatal("expected blank key to bypass limiting")
		}
	}
}

func TestSlidingWindowConcurrentAllowRespectsCap(t *testing.T) {
	limiter := NewSlidingWindow(10, time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(ctx, "shared", now)
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("allowed = %d, want 10", allowed)
	}
}

func TestRedisWindowRequiresClient(t *testing.T) {
	limiter := NewRedisWindow(nil, "", 1, time.Minute)
	if _, err := limiter.Allow(context.Background(), "k", time.Now()); err == nil {
		t.Fatal("expected missing client to fail")
	}
	if _, err := Open(context.Background(), " ", "", 0); err == nil {
		t.Fatal("expected blank address to fail")
	}
}
