// Package dispatch parses dispatch command flags and launches the dispatch runtime.
package dispatch

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/dispatch/internal/platform/cmd"
	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
	"github.com/louisbranch/dispatch/internal/services/dispatch/notify"
	dispatchserver "github.com/louisbranch/dispatch/internal/services/dispatch/server"
)

// Config holds dispatch command configuration.
type Config struct {
	HTTPAddr   string `env:"DISPATCH_HTTP_ADDR" envDefault:":8095"`
	HealthPort int    `env:"DISPATCH_HEALTH_PORT" envDefault:"8096"`
	DBPath     string `env:"DISPATCH_DB_PATH" envDefault:"data/dispatch.db"`
	PoolPath   string `env:"DISPATCH_POOL_PATH"`
	PolicyPath string `env:"DISPATCH_POLICY_PATH"`
	PublicURL  string `env:"DISPATCH_PUBLIC_URL"`

	DecisionWindow   time.Duration `env:"DISPATCH_DECISION_WINDOW" envDefault:"48h"`
	ReminderFraction float64       `env:"DISPATCH_REMINDER_FRACTION" envDefault:"0.5"`
	Channels         []string      `env:"DISPATCH_CHANNELS" envDefault:"webhook" envSeparator:","`

	RateLimit     int           `env:"DISPATCH_RATE_LIMIT" envDefault:"20"`
	RateWindow    time.Duration `env:"DISPATCH_RATE_WINDOW" envDefault:"1h"`
	RedisAddr     string        `env:"DISPATCH_REDIS_ADDR"`
	RedisPassword string        `env:"DISPATCH_REDIS_PASSWORD"`
	RedisDB       int           `env:"DISPATCH_REDIS_DB" envDefault:"0"`

	WebhookEnabled bool   `env:"DISPATCH_WEBHOOK_ENABLED" envDefault:"true"`
	LogChannel     bool   `env:"DISPATCH_LOG_CHANNEL" envDefault:"false"`
	TelegramToken  string `env:"DISPATCH_TELEGRAM_TOKEN"`
	LarkAppID      string `env:"DISPATCH_LARK_APP_ID"`
	LarkAppSecret  string `env:"DISPATCH_LARK_APP_SECRET"`

	MaxAttempts      int           `env:"DISPATCH_NOTIFY_MAX_ATTEMPTS" envDefault:"5"`
	InitialBackoff   time.Duration `env:"DISPATCH_NOTIFY_BACKOFF" envDefault:"2s"`
	MaxBackoff       time.Duration `env:"DISPATCH_NOTIFY_MAX_BACKOFF" envDefault:"1m"`
	DeliveryInterval time.Duration `env:"DISPATCH_NOTIFY_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL         time.Duration `env:"DISPATCH_NOTIFY_LEASE_TTL" envDefault:"30s"`
	PacePerSecond    float64       `env:"DISPATCH_NOTIFY_PACE" envDefault:"10"`
	BreakerThreshold int           `env:"DISPATCH_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerPeriod    time.Duration `env:"DISPATCH_BREAKER_PERIOD" envDefault:"1m"`
	BreakerCooldown  time.Duration `env:"DISPATCH_BREAKER_COOLDOWN" envDefault:"30s"`

	SweepInterval  time.Duration `env:"DISPATCH_SWEEP_INTERVAL" envDefault:"30s"`
	SweepBatchSize int           `env:"DISPATCH_SWEEP_BATCH_SIZE" envDefault:"100"`

	LogLevel string `env:"DISPATCH_LOG_LEVEL" envDefault:"info"`
	LogDev   bool   `env:"DISPATCH_LOG_DEV" envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	channels := strings.Join(cfg.Channels, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The dispatch HTTP API listen address")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The gRPC health server port (0 disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The dispatch SQLite database path")
	fs.StringVar(&cfg.PoolPath, "pool", cfg.PoolPath, "Counterparty pool YAML file")
	fs.StringVar(&cfg.PolicyPath, "policies", cfg.PolicyPath, "Request type policy YAML file")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "Base URL used in decision links")
	fs.DurationVar(&cfg.DecisionWindow, "decision-window", cfg.DecisionWindow, "Default counterparty decision window")
	fs.StringVar(&channels, "channels", channels, "Comma-separated default notification channels")
	fs.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Notifications per requester per window (0 disables)")
	fs.DurationVar(&cfg.RateWindow, "rate-window", cfg.RateWindow, "Notification rate limit window")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the shared rate limiter")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "SLA sweep interval")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum notification delivery attempts")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "Use the development console logger")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Channels = splitList(channels)
	if cfg.ReminderFraction <= 0 || cfg.ReminderFraction >= 1 {
		return Config{}, fmt.Errorf("reminder fraction must be within (0, 1), got %v", cfg.ReminderFraction)
	}
	return cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Run starts the dispatch runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceDispatch, func(ctx context.Context) error {
		logger, err := logging.New(logging.Config{
			Level:       cfg.LogLevel,
			Development: cfg.LogDev,
			Service:     entrypoint.ServiceDispatch,
		})
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		grants, err := decision.LoadGrantConfigFromEnv(time.Now)
		if err != nil {
			return err
		}
		return dispatchserver.Run(ctx, dispatchserver.RuntimeConfig{
			HTTPAddr:         cfg.HTTPAddr,
			HealthPort:       cfg.HealthPort,
			DBPath:           cfg.DBPath,
			PoolPath:         cfg.PoolPath,
			PolicyPath:       cfg.PolicyPath,
			PublicURL:        cfg.PublicURL,
			DecisionWindow:   cfg.DecisionWindow,
			ReminderFraction: cfg.ReminderFraction,
			Channels:         cfg.Channels,
			Grants:           grants,
			RateLimit:        cfg.RateLimit,
			RateWindow:       cfg.RateWindow,
			RedisAddr:        cfg.RedisAddr,
			RedisPassword:    cfg.RedisPassword,
			RedisDB:          cfg.RedisDB,
			WebhookEnabled:   cfg.WebhookEnabled,
			LogChannel:       cfg.LogChannel,
			TelegramToken:    cfg.TelegramToken,
			LarkAppID:        cfg.LarkAppID,
			LarkAppSecret:    cfg.LarkAppSecret,
			MaxAttempts:      cfg.MaxAttempts,
			InitialBackoff:   cfg.InitialBackoff,
			MaxBackoff:       cfg.MaxBackoff,
			DeliveryInterval: cfg.DeliveryInterval,
			LeaseTTL:         cfg.LeaseTTL,
			PacePerSecond:    cfg.PacePerSecond,
			Breaker: notify.BreakerConfig{
				Threshold: cfg.BreakerThreshold,
				Period:    cfg.BreakerPeriod,
				Cooldown:  cfg.BreakerCooldown,
			},
			SweepInterval:  cfg.SweepInterval,
			SweepBatchSize: cfg.SweepBatchSize,
			Logger:         logger,
		})
	})
}
