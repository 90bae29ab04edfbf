// Package server runs the dispatch process: the HTTP API, the gRPC health
// endpoint, the notification delivery workers and the SLA scheduler.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/platform/ratelimiter"
	"github.com/louisbranch/dispatch/internal/platform/telemetry/metrics"
	"github.com/louisbranch/dispatch/internal/platform/timeouts"
	"github.com/louisbranch/dispatch/internal/services/dispatch/api/httpapi"
	"github.com/louisbranch/dispatch/internal/services/dispatch/app"
	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
	"github.com/louisbranch/dispatch/internal/services/dispatch/notify"
	"github.com/louisbranch/dispatch/internal/services/dispatch/notify/channels"
	"github.com/louisbranch/dispatch/internal/services/dispatch/policy"
	"github.com/louisbranch/dispatch/internal/services/dispatch/pool"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultHTTPAddr = ":8095"
	defaultDBPath   = "data/dispatch.db"

	healthService = "dispatch.runtime"
)

// RuntimeConfig controls process startup and the background loops.
type RuntimeConfig struct {
	HTTPAddr   string
	HealthPort int
	DBPath     string
	PoolPath   string
	PolicyPath string
	// PublicURL prefixes decision links in notifications.
	PublicURL string

	DecisionWindow   time.Duration
	ReminderFraction float64
	Channels         []string
	Grants           decision.GrantConfig

	RateLimit     int
	RateWindow    time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WebhookEnabled bool
	LogChannel     bool
	TelegramToken  string
	LarkAppID      string
	LarkAppSecret  string

	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DeliveryInterval time.Duration
	LeaseTTL         time.Duration
	PacePerSecond    float64
	Breaker          notify.BreakerConfig

	SweepInterval  time.Duration
	SweepBatchSize int

	Logger *zap.Logger
}

// Run opens dependencies and serves until ctx ends or a component fails.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.OrNop(cfg.Logger)
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dispatch storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open dispatch sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("close dispatch sqlite store", zap.Error(closeErr))
		}
	}()

	profiles, err := loadPool(cfg.PoolPath)
	if err != nil {
		return err
	}
	policies, err := loadPolicies(cfg)
	if err != nil {
		return err
	}
	grants, err := decision.NewGrants(cfg.Grants)
	if err != nil {
		return fmt.Errorf("decision grants: %w", err)
	}
	logger.Info("decision grants ready", zap.String("key_id", grants.KeyID()))
	limiter, closeLimiter, err := openLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeLimiter(); closeErr != nil {
			logger.Warn("close redis limiter", zap.Error(closeErr))
		}
	}()
	senders, err := openChannels(cfg, logger)
	if err != nil {
		return err
	}
	m := metrics.New()

	orchestrator, err := notify.New(notify.Config{
		Store:          store,
		Channels:       senders,
		ExtraChannels:  policies.Channels(),
		Limiter:        limiter,
		Breaker:        cfg.Breaker,
		Link:           app.ResponseLinks(grants, cfg.PublicURL),
		Metrics:        m,
		Logger:         logger,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		PollInterval:   cfg.DeliveryInterval,
		LeaseTTL:       cfg.LeaseTTL,
		PacePerSecond:  cfg.PacePerSecond,
	})
	if err != nil {
		return fmt.Errorf("notification orchestrator: %w", err)
	}
	service, err := app.New(app.Config{
		Store:          store,
		Pool:           pool.WithTimeout(profiles, timeouts.PoolLookup),
		Policies:       policies,
		Grants:         grants,
		Waker:          orchestrator,
		Metrics:        m,
		Logger:         logger,
		SweepInterval:  cfg.SweepInterval,
		SweepBatchSize: cfg.SweepBatchSize,
	})
	if err != nil {
		return err
	}
	handler, err := httpapi.NewHandler(httpapi.Config{
		Service: service,
		Metrics: m,
		Logger:  logger,
		Ready:   store.Ping,
	})
	if err != nil {
		return err
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen on http addr %s: %w", cfg.HTTPAddr, err)
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	var healthListener net.Listener
	if cfg.HealthPort > 0 {
		healthListener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
		if err != nil {
			_ = httpListener.Close()
			return fmt.Errorf("listen on health port %d: %w", cfg.HealthPort, err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("dispatch http listening", zap.Stringer("addr", httpListener.Addr()))
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if healthListener != nil {
		serveHealth(ctx, group, healthListener, logger)
	}
	group.Go(func() error {
		return orchestrator.Run(ctx)
	})
	group.Go(func() error {
		return service.Sweeper().Run(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})
	return group.Wait()
}

// serveHealth exposes the gRPC health protocol on listener until ctx ends.
func serveHealth(ctx context.Context, group *errgroup.Group, listener net.Listener, logger *zap.Logger) {
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	group.Go(func() error {
		logger.Info("dispatch health listening", zap.Stringer("addr", listener.Addr()))
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return nil
	})
}

func loadPool(path string) (*pool.Static, error) {
	if strings.TrimSpace(path) == "" {
		return pool.NewStatic(), nil
	}
	profiles, err := pool.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load counterparty pool: %w", err)
	}
	return profiles, nil
}

func loadPolicies(cfg RuntimeConfig) (*policy.Set, error) {
	fallback := policy.Default()
	if cfg.DecisionWindow > 0 {
		fallback.DecisionWindow = cfg.DecisionWindow
	}
	if cfg.ReminderFraction > 0 {
		fallback.ReminderFraction = cfg.ReminderFraction
	}
	fallback.Channels = cfg.Channels
	if strings.TrimSpace(cfg.PolicyPath) == "" {
		set, err := policy.NewSet(fallback)
		if err != nil {
			return nil, fmt.Errorf("default policy: %w", err)
		}
		return set, nil
	}
	set, err := policy.LoadFile(cfg.PolicyPath, fallback)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	return set, nil
}

// openLimiter returns a nil limiter when no cap is configured. The returned
// close func releases the Redis connection pool, if one was opened.
func openLimiter(ctx context.Context, cfg RuntimeConfig) (ratelimiter.Limiter, func() error, error) {
	noop := func() error { return nil }
	if cfg.RateLimit <= 0 {
		return nil, noop, nil
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return ratelimiter.NewSlidingWindow(cfg.RateLimit, cfg.RateWindow), noop, nil
	}
	client, err := ratelimiter.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, noop, fmt.Errorf("open redis limiter: %w", err)
	}
	return ratelimiter.NewRedisWindow(client, "dispatch:notify:", cfg.RateLimit, cfg.RateWindow), client.Close, nil
}

func openChannels(cfg RuntimeConfig, logger *zap.Logger) ([]notify.Channel, error) {
	var senders []notify.Channel
	if cfg.WebhookEnabled {
		senders = append(senders, channels.NewWebhook(&http.Client{Timeout: timeouts.ChannelSend}))
	}
	if cfg.LogChannel {
		senders = append(senders, channels.NewLog(logger))
	}
	if token := strings.TrimSpace(cfg.TelegramToken); token != "" {
		telegram, err := channels.OpenTelegram(token)
		if err != nil {
			return nil, err
		}
		senders = append(senders, telegram)
	}
	if strings.TrimSpace(cfg.LarkAppID) != "" {
		senders = append(senders, channels.OpenLark(cfg.LarkAppID, cfg.LarkAppSecret))
	}
	return senders, nil
}
