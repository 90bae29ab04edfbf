package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisWindow(t *testing.T, limit int, window time.Duration) (*RedisWindow, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWindow(client, "test:", limit, window), server
}

func TestRedisWindowCapsPerKey(t *testing.T) {
	limiter, server := newRedisWindow(t, 2, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		decision, err := limiter.Allow(ctx, "req-1", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !decision.Allowed || decision.Count != i+1 {
			t.Fatalf("event %d: decision = %+v", i, decision)
		}
	}

	decision, err := limiter.Allow(ctx, "req-1", now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("allow over cap: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected third event inside window to be rejected")
	}
	if decision.Count != 2 {
		t.Fatalf("count = %d, want 2", decision.Count)
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

	members, err := server.ZMembers("test:req-1")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("stored members = %d, want 2", len(members))
	}
}

func TestRedisWindowSlides(t *testing.T) {
	limiter, _ := newRedisWindow(t, 1, time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if d, err := limiter.Allow(ctx, "k", now); err != nil || !d.Allowed {
		t.Fatalf("expected first event allowed, got %+v %v", d, err)
	}
	if d, err := limiter.Allow(ctx, "k", now.Add(59*time.Second)); err != nil || d.Allowed {
		t.Fatalf("expected event inside window rejected, got %+v %v", d, err)
	}
	if d, err := limiter.Allow(ctx, "k", now.Add(61*time.Second)); err != nil || !d.Allowed {
		t.Fatalf("expected event after window allowed, got %+v %v", d, err)
	}
}

func TestRedisWindowSurfacesServerErrors(t *testing.T) {
	limiter, server := newRedisWindow(t, 1, time.Minute)
	server.Close()

	if _, err := limiter.Allow(context.Background(), "k", time.Now()); err == nil {
		t.Fatal("expected error once redis is gone")
	}
}

func TestOpenPingsServer(t *testing.T) {
	server := miniredis.RunT(t)

	client, err := Open(context.Background(), server.Addr(), "", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRedisWindowDisabledAllows(t *testing.T) {
	var nilWindow *RedisWindow
	decision, err := nilWindow.Allow(context.Background(), "requester-1", time.Now())
	if err != nil || !decision.Allowed {
		t.Fatalf("nil window: decision = %+v, err = %v", decision, err)
	}

	unlimited := NewRedisWindow(nil, "", 0, time.Minute)
	decision, err = unlimited.Allow(context.Background(), "requester-1", time.Now())
	if err != nil || !decision.Allowed {
		t.Fatalf("zero limit: decision = %+v, err = %v", decision, err)
	}
}

func TestRedisWindowDefaultsPrefix(t *testing.T) {
	limiter := NewRedisWindow(nil, "  ", 1, time.Minute)
	if limiter.prefix != "dispatch:ratelimit:" {
		t.Fatalf("prefix = %q", limiter.prefix)
	}
}

func TestOpenRequiresAddress(t *testing.T) {
	if _, err := Open(context.Background(), " ", "", 0); err == nil {
		t.Fatal("expected error for empty address")
	}
}
