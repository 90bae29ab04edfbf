package dispatch

import (
	"flag"
	"slices"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	t.Setenv("DISPATCH_HEALTH_PORT", "9099")
	t.Setenv("DISPATCH_CHANNELS", "webhook,telegram")

	cfg, err := ParseConfig(fs, []string{"-decision-window", "2h", "-max-attempts", "3", "-channels", "Lark, webhook"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HealthPort != 9099 {
		t.Fatalf("health port = %d, want 9099", cfg.HealthPort)
	}
	if cfg.HTTPAddr != ":8095" {
		t.Fatalf("http addr = %q, want %q", cfg.HTTPAddr, ":8095")
	}
	if cfg.DecisionWindow != 2*time.Hour {
		t.Fatalf("decision window = %v, want 2h", cfg.DecisionWindow)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.MaxAttempts)
	}
	if !slices.Equal(cfg.Channels, []string{"lark", "webhook"}) {
		t.Fatalf("channels = %v", cfg.Channels)
	}
}

func TestParseConfig_ChannelsFromEnv(t *testing.T) {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	t.Setenv("DISPATCH_CHANNELS", "webhook,telegram")

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if !slices.Equal(cfg.Channels, []string{"webhook", "telegram"}) {
		t.Fatalf("channels = %v", cfg.Channels)
	}
	if cfg.RateLimit != 20 || cfg.RateWindow != time.Hour {
		t.Fatalf("rate limit = %d per %v", cfg.RateLimit, cfg.RateWindow)
	}
}

func TestParseConfig_RejectsReminderFraction(t *testing.T) {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	t.Setenv("DISPATCH_REMINDER_FRACTION", "1.5")

	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected reminder fraction error")
	}
}
