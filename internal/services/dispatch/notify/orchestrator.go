// Package notify delivers notification events over channels with per-sender
// rate limiting, per-channel circuit breaking and bounded retry.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/platform/ratelimiter"
	"github.com/louisbranch/dispatch/internal/platform/telemetry/metrics"
	"github.com/louisbranch/dispatch/internal/platform/timeouts"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/render"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
	defaultPollInterval   = 5 * time.Second
	defaultBatchSize      = 16
	defaultLeaseTTL       = time.Minute
)

// Store is the persistence the orchestrator needs.
type Store interface {
	ClaimPendingNotifications(ctx context.Context, channel string, limit int, now time.Time, leaseUntil time.Time) ([]domain.NotificationEvent, error)
	RecordNotificationAttempt(ctx context.Context, attempt domain.NotificationAttempt) (int, error)
	CompleteNotification(ctx context.Context, outcome storage.NotificationOutcome) error
}

// LinkFunc builds the decision links embedded in a message.
type LinkFunc func(payload domain.NotificationPayload) (render.Links, error)

// Config wires an Orchestrator.
type Config struct {
	Store    Store
	Channels []Channel
	// ExtraChannels are channel names policies may target without a
	// registered Channel; their events fail with unknown_channel.
	ExtraChannels []string
	Limiter       ratelimiter.Limiter
	Breaker       BreakerConfig
	Link          LinkFunc
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	Clock         func() time.Time

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendTimeout    time.Duration
	PollInterval   time.Duration
	BatchSize      int
	LeaseTTL       time.Duration
	// PacePerSecond caps provider calls per channel; zero disables pacing.
	PacePerSecond float64
}

// Orchestrator claims pending events and delivers them.
type Orchestrator struct {
	store    Store
	channels map[string]Channel
	names    []string
	limiter  ratelimiter.Limiter
	breakers *BreakerSet
	pacers   map[string]*rate.Limiter
	wake     map[string]chan struct{}
	link     LinkFunc
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sendTimeout    time.Duration
	pollInterval   time.Duration
	batchSize      int
	leaseTTL       time.Duration
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("notification store is required")
	}
	o := &Orchestrator{
		store:          cfg.Store,
		channels:       map[string]Channel{},
		limiter:        cfg.Limiter,
		pacers:         map[string]*rate.Limiter{},
		wake:           map[string]chan struct{}{},
		link:           cfg.Link,
		metrics:        cfg.Metrics,
		logger:         logging.OrNop(cfg.Logger).Named("notify"),
		clock:          cfg.Clock,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		sendTimeout:    cfg.SendTimeout,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		leaseTTL:       cfg.LeaseTTL,
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = defaultMaxAttempts
	}
	if o.initialBackoff <= 0 {
		o.initialBackoff = defaultInitialBackoff
	}
	if o.maxBackoff <= 0 {
		o.maxBackoff = defaultMaxBackoff
	}
	if o.sendTimeout <= 0 {
		o.sendTimeout = timeouts.ChannelSend
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultPollInterval
	}
	if o.batchSize <= 0 {
		o.batchSize = defaultBatchSize
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = defaultLeaseTTL
	}
	o.breakers = NewBreakerSet(cfg.Breaker, func(channel string, state State) {
		o.metrics.BreakerState(channel, int(state))
		o.logger.Warn("channel breaker changed state", zap.String("channel", channel), zap.Stringer("state", state))
	})

	limit := rate.Inf
	if cfg.PacePerSecond > 0 {
		limit = rate.Limit(cfg.PacePerSecond)
	}
	for _, channel := range cfg.Channels {
		if channel == nil {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(channel.Name()))
		if name == "" {
			return nil, errors.New("channel name is required")
		}
		if _, exists := o.channels[name]; exists {
			return nil, fmt.Errorf("channel %q registered twice", name)
		}
		o.channels[name] = channel
		o.pacers[name] = rate.NewLimiter(limit, 1)
		o.addName(name)
	}
	for _, name := range cfg.ExtraChannels {
		o.addName(strings.ToLower(strings.TrimSpace(name)))
	}
	sort.Strings(o.names)
	return o, nil
}

func (o *Orchestrator) addName(name string) {
	if name == "" {
		return
	}
	if _, ok := o.wake[name]; ok {
		return
	}
	o.wake[name] = make(chan struct{}, 1)
	o.names = append(o.names, name)
}

// Breaker returns the circuit breaker of channel.
func (o *Orchestrator) Breaker(channel string) *Breaker {
	return o.breakers.For(channel)
}

// Wake asks every channel worker to poll immediately.
func (o *Orchestrator) Wake() {
	if o == nil {
		return
	}
	for _, ch := range o.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run starts one delivery worker per channel and blocks until ctx ends or a
// worker fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, name := range o.names {
		group.Go(func() error {
			return o.runChannel(ctx, name)
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) runChannel(ctx context.Context, channel string) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := o.DeliverPending(ctx, channel); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("deliver pending notifications", zap.String("channel", channel), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.wake[channel]:
		}
	}
}

// DeliverPending claims one batch of due events for channel and delivers
// them. It returns how many events were claimed.
func (o *Orchestrator) DeliverPending(ctx context.Context, channel string) (int, error) {
	now := o.clock().UTC()
	events, err := o.store.ClaimPendingNotifications(ctx, channel, o.batchSize, now, now.Add(o.leaseTTL))
	if err != nil {
		return 0, fmt.Errorf("claim notifications: %w", err)
	}
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return len(events), err
		}
		o.deliver(ctx, event)
	}
	return len(events), nil
}

// deliver sends one claimed event and records its outcome. Delivery failures
// end in a failed event, never in an error for the caller.
func (o *Orchestrator) deliver(ctx context.Context, event domain.NotificationEvent) {
	logger := o.logger.With(
		zap.String("event_id", event.ID),
		zap.String("channel", event.Channel),
		zap.String("kind", string(event.Kind)),
	)
	channel, ok := o.channels[event.Channel]
	if !ok {
		o.complete(ctx, logger, event, event.AttemptCount, domain.NotificationFailed,
			domain.NotificationErrUnknownChannel, "no channel registered for "+event.Channel)
		return
	}

	if o.limiter != nil {
		decision, err := o.limiter.Allow(ctx, event.SenderID, o.clock())
		if err != nil {
			logger.Warn("rate limiter unavailable, allowing send", zap.Error(err))
		} else if !decision.Allowed {
			message := fmt.Sprintf("sender over notification cap (%d in window)", decision.Count)
			attempt := o.record(ctx, logger, event, event.AttemptCount+1, domain.AttemptRateLimited, domain.NotificationErrRateLimited, message, 0)
			o.complete(ctx, logger, event, attempt, domain.NotificationFailed, domain.NotificationErrRateLimited, message)
			return
		}
	}

	msg := o.message(logger, event)
	breaker := o.breakers.For(event.Channel)
	attempt := event.AttemptCount
	sendErrCode := ""

	operation := func() (DeliveryResult, error) {
		if err := o.pacers[event.Channel].Wait(ctx); err != nil {
			return DeliveryResult{}, backoff.Permanent(err)
		}
		attempt++
		started := o.clock()
		if err := breaker.Allow(started); err != nil {
			sendErrCode = domain.NotificationErrServiceUnavailable
			attempt = o.record(ctx, logger, event, attempt, domain.AttemptServiceUnavailable, domain.NotificationErrServiceUnavailable, err.Error(), 0)
			return DeliveryResult{}, backoff.Permanent(err)
		}
		sendCtx, cancel := context.WithTimeout(ctx, o.sendTimeout)
		result, err := channel.Send(sendCtx, msg)
		cancel()
		elapsed := o.clock().Sub(started)
		if err != nil {
			if ctx.Err() != nil {
				breaker.Release()
				return DeliveryResult{}, backoff.Permanent(ctx.Err())
			}
			attempt = o.record(ctx, logger, event, attempt, domain.AttemptFailed, "", err.Error(), elapsed)
			if IsPermanent(err) {
				// A recipient-specific rejection says nothing about the provider.
				breaker.Release()
				sendErrCode = domain.NotificationErrPermanent
				return DeliveryResult{}, backoff.Permanent(err)
			}
			breaker.Failure(o.clock())
			sendErrCode = domain.NotificationErrRetriesExhausted
			return DeliveryResult{}, err
		}
		breaker.Success(o.clock())
		attempt = o.record(ctx, logger, event, attempt, domain.AttemptSent, "", "", elapsed)
		return result, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.initialBackoff
	policy.MaxInterval = o.maxBackoff
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(o.maxAttempts)),
	)
	if err != nil {
		if ctx.Err() != nil {
			// The lease expires and another pass redelivers the event.
			logger.Info("delivery interrupted", zap.Error(ctx.Err()))
			return
		}
		if sendErrCode == "" {
			sendErrCode = domain.NotificationErrRetriesExhausted
		}
		o.complete(ctx, logger, event, attempt, domain.NotificationFailed, sendErrCode, err.Error())
		return
	}
	logger.Debug("notification delivered", zap.String("provider_id", result.ProviderID), zap.Int("attempts", attempt))
	o.complete(ctx, logger, event, attempt, domain.NotificationSent, "", "")
}

func (o *Orchestrator) message(logger *zap.Logger, event domain.NotificationEvent) Message {
	var links render.Links
	if o.link != nil {
		built, err := o.link(event.Payload)
		if err != nil {
			logger.Warn("build decision links", zap.Error(err))
		} else {
			links = built
		}
	}
	out := render.Render(render.Printer(event.Payload.Locale), render.Input{Payload: event.Payload, Links: links})
	return Message{
		EventID:   event.ID,
		Kind:      event.Kind,
		Recipient: event.Recipient,
		Title:     out.Title,
		Body:      out.BodyText,
		Links:     links,
		Locale:    event.Payload.Locale,
	}
}

// record stores one attempt and returns the number the store assigned to it,
// or attempt when the store could not record it.
func (o *Orchestrator) record(ctx context.Context, logger *zap.Logger, event domain.NotificationEvent, attempt int, outcome, code, message string, elapsed time.Duration) int {
	o.metrics.NotificationAttempt(event.Channel, outcome)
	stored, err := o.store.RecordNotificationAttempt(ctx, domain.NotificationAttempt{
		EventID:     event.ID,
		Attempt:     attempt,
		Outcome:     outcome,
		ErrorCode:   code,
		Error:       message,
		AttemptedAt: o.clock().UTC(),
		Duration:    elapsed,
	})
	if err != nil {
		logger.Error("record notification attempt", zap.Int("attempt", attempt), zap.Error(err))
		return attempt
	}
	return stored
}

func (o *Orchestrator) complete(ctx context.Context, logger *zap.Logger, event domain.NotificationEvent, attempts int, status domain.NotificationStatus, code, message string) {
	now := o.clock().UTC()
	action := domain.ActionNotificationSent
	switch {
	case code == domain.NotificationErrRateLimited:
		action = domain.ActionNotificationRejected
	case status == domain.NotificationFailed:
		action = domain.ActionNotificationFailed
	}
	entry := domain.AuditEntry{
		RequestID:  event.RequestID,
		Actor:      domain.DecidedBySystem,
		Action:     action,
		EntityType: domain.EntityNotification,
		EntityID:   event.ID,
		Metadata: domain.AuditMetadata{
			Kind:           domain.AuditKindNotification,
			RoutingID:      event.RoutingID,
			CounterpartyID: event.CounterpartyID,
			Attempt:        attempts,
			Channel:        event.Channel,
			EventKind:      string(event.Kind),
			ErrorCode:      code,
			Error:          message,
		},
		CreatedAt: now,
	}
	err := o.store.CompleteNotification(ctx, storage.NotificationOutcome{
		EventID:      event.ID,
		Status:       status,
		ErrorCode:    code,
		Error:        message,
		AttemptCount: attempts,
		CompletedAt:  now,
		Audit:        &entry,
	})
	switch {
	case errors.Is(err, storage.ErrConflict):
		logger.Info("notification already completed elsewhere")
	case err != nil:
		logger.Error("complete notification", zap.Error(err))
	case status == domain.NotificationFailed:
		logger.Warn("notification failed", zap.String("error_code", code), zap.String("error", message))
	}
}
