package server

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/louisbranch/dispatch/internal/platform/ratelimiter"
	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
	"github.com/louisbranch/dispatch/internal/services/dispatch/policy"
)

func testGrantConfig(t *testing.T) decision.GrantConfig {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return decision.GrantConfig{
		Issuer:     "dispatch",
		Audience:   "dispatch-decisions",
		PrivateKey: priv,
		PublicKey:  pub,
		Grace:      time.Hour,
	}
}

func TestRunRejectsMissingGrantKeys(t *testing.T) {
	t.Parallel()
	err := Run(context.Background(), RuntimeConfig{
		HTTPAddr: "127.0.0.1:0",
		DBPath:   filepath.Join(t.TempDir(), "dispatch.db"),
	})
	if err == nil {
		t.Fatal("expected error without grant keys")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, RuntimeConfig{
			HTTPAddr:         "127.0.0.1:0",
			DBPath:           filepath.Join(t.TempDir(), "nested", "dispatch.db"),
			Grants:           testGrantConfig(t),
			Channels:         []string{"log"},
			LogChannel:       true,
			RateLimit:        10,
			RateWindow:       time.Hour,
			SweepInterval:    10 * time.Millisecond,
			DeliveryInterval: 10 * time.Millisecond,
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestLoadPoliciesLayersFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "policies.yaml")
	doc := []byte(`
default:
  channels: [webhook]
types:
  urgent:
    decision_window: 2h
    decline_policy: terminate
`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write policies: %v", err)
	}
	set, err := loadPolicies(RuntimeConfig{PolicyPath: path, DecisionWindow: 6 * time.Hour})
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}
	if got := set.For("other").DecisionWindow; got != 6*time.Hour {
		t.Fatalf("default window = %v", got)
	}
	urgent := set.For("urgent")
	if urgent.DecisionWindow != 2*time.Hour || urgent.DeclinePolicy != policy.DeclineTerminate {
		t.Fatalf("urgent = %+v", urgent)
	}
}

func TestOpenLimiterDisabledWithoutCap(t *testing.T) {
	t.Parallel()
	limiter, closeLimiter, err := openLimiter(context.Background(), RuntimeConfig{})
	if err != nil || limiter != nil {
		t.Fatalf("limiter = %v, err = %v", limiter, err)
	}
	if err := closeLimiter(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenLimiterClosesRedisClient(t *testing.T) {
	t.Parallel()
	redisServer := miniredis.RunT(t)
	limiter, closeLimiter, err := openLimiter(context.Background(), RuntimeConfig{
		RateLimit:  1,
		RateWindow: time.Minute,
		RedisAddr:  redisServer.Addr(),
	})
	if err != nil {
		t.Fatalf("open limiter: %v", err)
	}
	if _, ok := limiter.(*ratelimiter.RedisWindow); !ok {
		t.Fatalf("limiter = %T, want redis window", limiter)
	}
	if d, err := limiter.Allow(context.Background(), "requester-1", time.Now()); err != nil || !d.Allowed {
		t.Fatalf("allow = %+v, %v", d, err)
	}
	if err := closeLimiter(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := limiter.Allow(context.Background(), "requester-1", time.Now()); err == nil {
		t.Fatal("expected closed client to refuse work")
	}
}
