// Package sla enforces decision windows with a periodic sweep.
package sla

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/dispatch/internal/platform/errors"
	"github.com/louisbranch/dispatch/internal/platform/id"
	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/platform/telemetry/metrics"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/policy"
	"github.com/louisbranch/dispatch/internal/services/dispatch/routing"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
	"go.uber.org/zap"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 100

	maxConflictRetries = 3

	expiredReason = "decision window elapsed"
)

// Store is the persistence the worker needs.
type Store interface {
	GetRequest(ctx context.Context, requestID string) (domain.Request, error)
	GetActiveRouting(ctx context.Context, requestID string) (domain.Routing, error)
	GetDecisionByRouting(ctx context.Context, routingID string) (domain.Decision, error)
	ListRoutingsDueForReminder(ctx context.Context, now time.Time, limit int) ([]domain.Routing, error)
	ListRoutingsPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Routing, error)
	EnqueueReminders(ctx context.Context, batch storage.ReminderBatch) (int, error)
	ApplyTransition(ctx context.Context, transition storage.Transition) (domain.Request, error)
}

// Rerouter hands an expired routing to the next candidate.
type Rerouter interface {
	Reroute(ctx context.Context, in routing.RerouteInput) (routing.Outcome, error)
}

// Config wires a Worker.
type Config struct {
	Store     Store
	Router    Rerouter
	Policies  *policy.Set
	Waker     routing.Waker
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() (string, error)
	Interval  time.Duration
	BatchSize int
}

// Worker runs reminder and expiry sweeps.
type Worker struct {
	store     Store
	router    Rerouter
	policies  *policy.Set
	waker     routing.Waker
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time
	newID     func() (string, error)
	interval  time.Duration
	batchSize int
}

// New validates cfg and builds a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Store == nil {
		return nil, errors.New("sla store is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	w := &Worker{
		store:     cfg.Store,
		router:    cfg.Router,
		policies:  cfg.Policies,
		waker:     cfg.Waker,
		metrics:   cfg.Metrics,
		logger:    logging.OrNop(cfg.Logger).Named("sla"),
		clock:     cfg.Clock,
		newID:     cfg.NewID,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
	if w.clock == nil {
		w.clock = time.Now
	}
	if w.newID == nil {
		w.newID = id.NewID
	}
	if w.interval <= 0 {
		w.interval = defaultInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	return w, nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Reminders    int `json:"reminders"`
	AutoApproved int `json:"auto_approved"`
	Expired      int `json:"expired"`
	Rerouted     int `json:"rerouted"`
	// Skipped routings were resolved by someone else between the query and
	// the write.
	Skipped int `json:"skipped"`
}

// Run sweeps every interval until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("sla sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep schedules due reminders, then resolves routings whose decision window
// elapsed. It is safe to run concurrently with itself and with decisions.
func (w *Worker) Sweep(ctx context.Context) (SweepResult, error) {
	started := w.clock()
	now := started.UTC()
	var result SweepResult

	if err := w.sweepReminders(ctx, now, &result); err != nil {
		return result, err
	}
	if err := w.sweepExpiries(ctx, now, &result); err != nil {
		return result, err
	}

	w.metrics.SweepObserved(w.clock().Sub(started), result.Reminders, result.AutoApproved+result.Expired+result.Rerouted)
	if result != (SweepResult{}) {
		w.logger.Info("sla sweep",
			zap.Int("reminders", result.Reminders),
			zap.Int("auto_approved", result.AutoApproved),
			zap.Int("expired", result.Expired),
			zap.Int("rerouted", result.Rerouted),
			zap.Int("skipped", result.Skipped),
		)
	}
	return result, nil
}

func (w *Worker) sweepReminders(ctx context.Context, now time.Time, result *SweepResult) error {
	due, err := w.store.ListRoutingsDueForReminder(ctx, now, w.batchSize)
	if err != nil {
		return fmt.Errorf("list routings due for reminder: %w", err)
	}
	woken := false
	for _, current := range due {
		written, err := w.remind(ctx, current, now)
		switch {
		case errors.Is(err, storage.ErrConflict):
			result.Skipped++
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("schedule reminder", zap.String("routing_id", current.ID), zap.Error(err))
		default:
			result.Reminders += written
			if written > 0 && !woken && w.waker != nil {
				w.waker.Wake()
				woken = true
			}
		}
	}
	return nil
}

func (w *Worker) remind(ctx context.Context, current domain.Routing, now time.Time) (int, error) {
	request, err := w.store.GetRequest(ctx, current.RequestID)
	if err != nil {
		return 0, fmt.Errorf("load request: %w", err)
	}
	if request.Status != domain.StatusAwaitingDecision {
		return 0, storage.ErrConflict
	}
	channels := w.policies.For(request.RequestType).Channels
	events, err := routing.NotificationEvents(domain.NotificationReminder, request, current, channels, w.newID, now)
	if err != nil {
		return 0, err
	}
	return w.store.EnqueueReminders(ctx, storage.ReminderBatch{
		RequestID:  request.ID,
		RoutingID:  current.ID,
		Events:     events,
		RemindedAt: now,
		Audit:      domain.RoutingEntry(domain.ActionReminderScheduled, domain.DecidedBySystem, current, "", now),
	})
}

func (w *Worker) sweepExpiries(ctx context.Context, now time.Time, result *SweepResult) error {
	elapsed, err := w.store.ListRoutingsPastDeadline(ctx, now, w.batchSize)
	if err != nil {
		return fmt.Errorf("list routings past deadline: %w", err)
	}
	for _, current := range elapsed {
		outcome, err := w.resolve(ctx, current, now)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("resolve elapsed routing", zap.String("routing_id", current.ID), zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeAutoApproved:
			result.AutoApproved++
		case outcomeExpired:
			result.Expired++
		case outcomeRerouted:
			result.Rerouted++
		default:
			result.Skipped++
		}
	}
	return nil
}

type resolution int

const (
	outcomeSkipped resolution = iota
	outcomeAutoApproved
	outcomeExpired
	outcomeRerouted
)

func (w *Worker) resolve(ctx context.Context, elapsed domain.Routing, now time.Time) (resolution, error) {
	for attempt := 1; ; attempt++ {
		outcome, err := w.resolveOnce(ctx, elapsed, now)
		if !errors.Is(err, storage.ErrConflict) {
			return outcome, err
		}
		if attempt >= maxConflictRetries {
			return outcomeSkipped, apperrors.Wrap(apperrors.CodeConcurrencyConflict, "sla resolution kept conflicting", err)
		}
	}
}

// resolveOnce re-reads the request and routing right before writing so a
// decision or another sweep that got there first wins.
func (w *Worker) resolveOnce(ctx context.Context, elapsed domain.Routing, now time.Time) (resolution, error) {
	request, err := w.store.GetRequest(ctx, elapsed.RequestID)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("load request: %w", err)
	}
	if request.Status != domain.StatusAwaitingDecision {
		return outcomeSkipped, nil
	}
	current, err := w.store.GetActiveRouting(ctx, request.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, fmt.Errorf("load active routing: %w", err)
	}
	if current.ID != elapsed.ID || now.Before(current.DeadlineAt) {
		return outcomeSkipped, nil
	}
	if _, err := w.store.GetDecisionByRouting(ctx, current.ID); err == nil {
		return outcomeSkipped, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return outcomeSkipped, fmt.Errorf("load decision: %w", err)
	}

	if current.AutoApprove != nil && request.Terms.LessThanOrEqual(*current.AutoApprove) {
		return outcomeAutoApproved, w.autoApprove(ctx, request, current, now)
	}
	if w.policies.For(request.RequestType).ExpiryPolicy == policy.ExpiryReroute {
		return w.reroute(ctx, request, current)
	}
	return outcomeExpired, w.expire(ctx, request, current, now)
}

func (w *Worker) autoApprove(ctx context.Context, request domain.Request, current domain.Routing, now time.Time) error {
	decisionID, err := w.newID()
	if err != nil {
		return fmt.Errorf("generate decision id: %w", err)
	}
	decision := domain.Decision{
		ID:             decisionID,
		RequestID:      request.ID,
		RoutingID:      current.ID,
		CounterpartyID: current.CounterpartyID,
		Verdict:        domain.VerdictApproved,
		Reason:         fmt.Sprintf("terms %s within auto-approval threshold %s", request.Terms, current.AutoApprove),
		DecidedAt:      now,
		DecidedBy:      domain.DecidedBySystem,
	}
	agreed := request.Terms
	if _, err := w.store.ApplyTransition(ctx, storage.Transition{
		RequestID:       request.ID,
		ExpectedVersion: request.Version,
		ExpectedStatus:  request.Status,
		NextStatus:      domain.StatusApproved,
		StatusReason:    decision.Reason,
		AgreedTerms:     &agreed,
		ResolvedAt:      &now,
		UpdatedAt:       now,
		CloseRouting:    &storage.RoutingClosure{RoutingID: current.ID, Reason: domain.CloseReasonAutoApproved, ClosedAt: now},
		Decision:        &decision,
		Audit: []domain.AuditEntry{
			domain.DecisionEntry(decision),
			domain.RoutingEntry(domain.ActionRoutingClosed, domain.DecidedBySystem, current, domain.CloseReasonAutoApproved, now),
			domain.TransitionEntry(request.ID, domain.DecidedBySystem, request.Status, domain.StatusApproved,
				domain.RuleAutoApproved, decision.Reason, now),
		},
	}); err != nil {
		return err
	}
	w.metrics.Transition(string(request.Status), string(domain.StatusApproved), domain.RuleAutoApproved)
	w.logger.Info("request auto-approved",
		zap.String("request_id", request.ID),
		zap.String("routing_id", current.ID),
		zap.String("terms", request.Terms.String()),
	)
	return nil
}

func (w *Worker) expire(ctx context.Context, request domain.Request, current domain.Routing, now time.Time) error {
	if _, err := w.store.ApplyTransition(ctx, storage.Transition{
		RequestID:       request.ID,
		ExpectedVersion: request.Version,
		ExpectedStatus:  request.Status,
		NextStatus:      domain.StatusExpired,
		StatusReason:    expiredReason,
		ResolvedAt:      &now,
		UpdatedAt:       now,
		CloseRouting:    &storage.RoutingClosure{RoutingID: current.ID, Reason: domain.CloseReasonExpired, ClosedAt: now},
		Audit: []domain.AuditEntry{
			domain.RoutingEntry(domain.ActionRoutingClosed, domain.DecidedBySystem, current, domain.CloseReasonExpired, now),
			domain.TransitionEntry(request.ID, domain.DecidedBySystem, request.Status, domain.StatusExpired,
				domain.RuleExpired, expiredReason, now),
		},
	}); err != nil {
		return err
	}
	w.metrics.Transition(string(request.Status), string(domain.StatusExpired), domain.RuleExpired)
	w.logger.Info("request expired", zap.String("request_id", request.ID), zap.String("routing_id", current.ID))
	return nil
}

func (w *Worker) reroute(ctx context.Context, request domain.Request, current domain.Routing) (resolution, error) {
	outcome, err := w.router.Reroute(ctx, routing.RerouteInput{
		RequestID:      request.ID,
		CloseRoutingID: current.ID,
		CloseReason:    domain.CloseReasonExpired,
		Actor:          domain.DecidedBySystem,
		Reason:         expiredReason,
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeStaleDecision) {
			return outcomeSkipped, nil
		}
		return outcomeSkipped, err
	}
	if _, exhausted := outcome.(routing.Exhausted); exhausted {
		return outcomeExpired, nil
	}
	return outcomeRerouted, nil
}
