// Package routing dispatches a request to its best untried candidate.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/dispatch/internal/platform/errors"
	"github.com/louisbranch/dispatch/internal/platform/id"
	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/platform/telemetry/metrics"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/policy"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
	"go.uber.org/zap"
)

const maxConflictRetries = 3

// Store is the persistence the router needs.
type Store interface {
	GetRequest(ctx context.Context, requestID string) (domain.Request, error)
	ListCandidates(ctx context.Context, requestID string) ([]domain.Candidate, error)
	GetActiveRouting(ctx context.Context, requestID string) (domain.Routing, error)
	ListRoutings(ctx context.Context, requestID string) ([]domain.Routing, error)
	ApplyTransition(ctx context.Context, transition storage.Transition) (domain.Request, error)
}

// Waker is notified after new notification events are committed.
type Waker interface {
	Wake()
}

// Config wires a Router.
type Config struct {
	Store    Store
	Policies *policy.Set
	Waker    Waker
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
	NewID    func() (string, error)
}

// Router creates routings and keeps at most one active per request.
type Router struct {
	store    Store
	policies *policy.Set
	waker    Waker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time
	newID    func() (string, error)
}

// New validates cfg and builds a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, errors.New("routing store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = id.NewID
	}
	return &Router{
		store:    cfg.Store,
		policies: cfg.Policies,
		waker:    cfg.Waker,
		metrics:  cfg.Metrics,
		logger:   logging.OrNop(cfg.Logger).Named("routing"),
		clock:    clock,
		newID:    newID,
	}, nil
}

// Route dispatches a searching request to its best untried eligible
// candidate, or expires it when none remains. A request already awaiting a
// decision on an active routing is returned unchanged.
func (r *Router) Route(ctx context.Context, requestID string) (Outcome, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "request id is required")
	}
	for attempt := 1; ; attempt++ {
		outcome, err := r.route(ctx, requestID)
		if !errors.Is(err, storage.ErrConflict) {
			return outcome, err
		}
		if attempt >= maxConflictRetries {
			return nil, apperrors.Wrap(apperrors.CodeConcurrencyConflict, "routing kept conflicting", err)
		}
		r.logger.Debug("routing conflict, retrying", zap.String("request_id", requestID), zap.Int("attempt", attempt))
	}
}

func (r *Router) route(ctx context.Context, requestID string) (Outcome, error) {
	request, err := r.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	switch {
	case request.Status.Terminal():
		return nil, apperrors.New(apperrors.CodeRequestTerminal, fmt.Sprintf("request is %s", request.Status))
	case request.Status == domain.StatusAwaitingDecision:
		active, err := r.store.GetActiveRouting(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("load active routing: %w", err)
		}
		candidate, _ := r.candidateFor(ctx, requestID, active.CounterpartyID)
		return Routed{Request: request, Routing: active, Candidate: candidate}, nil
	case request.Status != domain.StatusSearching:
		return nil, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("request is %s, not searching", request.Status))
	}

	plan, err := r.plan(ctx, request)
	if err != nil {
		return nil, err
	}
	return r.commit(ctx, request, plan, transitionInput{
		actor: domain.DecidedBySystem,
	})
}

// RerouteInput closes the active routing of an awaiting request and moves on
// to the next candidate.
type RerouteInput struct {
	RequestID      string
	CloseRoutingID string
	CloseReason    string
	// Decision, when set, is recorded in the same unit of work.
	Decision *domain.Decision
	Actor    string
	// Via names the transient status the request passes through.
	Via    domain.Status
	Reason string
}

// Reroute closes in.CloseRoutingID and routes to the next untried eligible
// candidate, expiring the request when none remains. It fails with
// STALE_DECISION when the request no longer awaits a decision on that routing.
func (r *Router) Reroute(ctx context.Context, in RerouteInput) (Outcome, error) {
	in.RequestID = strings.TrimSpace(in.RequestID)
	in.CloseRoutingID = strings.TrimSpace(in.CloseRoutingID)
	if in.RequestID == "" || in.CloseRoutingID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "request id and routing id are required")
	}
	if in.Actor == "" {
		in.Actor = domain.DecidedBySystem
	}
	for attempt := 1; ; attempt++ {
		outcome, err := r.reroute(ctx, in)
		if !errors.Is(err, storage.ErrConflict) {
			return outcome, err
		}
		if attempt >= maxConflictRetries {
			return nil, apperrors.Wrap(apperrors.CodeConcurrencyConflict, "re-routing kept conflicting", err)
		}
		r.logger.Debug("re-routing conflict, retrying", zap.String("request_id", in.RequestID), zap.Int("attempt", attempt))
	}
}

func (r *Router) reroute(ctx context.Context, in RerouteInput) (Outcome, error) {
	request, err := r.loadRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if request.Status != domain.StatusAwaitingDecision {
		return nil, apperrors.New(apperrors.CodeStaleDecision, fmt.Sprintf("request is %s", request.Status))
	}
	active, err := r.store.GetActiveRouting(ctx, in.RequestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.CodeStaleDecision, "request has no active routing")
		}
		return nil, fmt.Errorf("load active routing: %w", err)
	}
	if active.ID != in.CloseRoutingID {
		return nil, apperrors.New(apperrors.CodeStaleDecision, "routing is no longer active")
	}

	plan, err := r.plan(ctx, request)
	if err != nil {
		return nil, err
	}
	return r.commit(ctx, request, plan, transitionInput{
		actor:       in.Actor,
		close:       &active,
		closeReason: in.CloseReason,
		decision:    in.Decision,
		via:         in.Via,
		reason:      in.Reason,
	})
}

// plan is the next routing for a request, or nil when candidates are exhausted.
type plan struct {
	candidate *domain.Candidate
	attempt   int
}

func (r *Router) plan(ctx context.Context, request domain.Request) (plan, error) {
	candidates, err := r.store.ListCandidates(ctx, request.ID)
	if err != nil {
		return plan{}, fmt.Errorf("load candidates: %w", err)
	}
	routings, err := r.store.ListRoutings(ctx, request.ID)
	if err != nil {
		return plan{}, fmt.Errorf("load routings: %w", err)
	}
	tried := make(map[string]bool, len(routings))
	for _, routing := range routings {
		tried[routing.CounterpartyID] = true
	}
	next := plan{attempt: len(routings) + 1}
	for i := range candidates {
		if candidates[i].Eligible && !tried[candidates[i].CounterpartyID] {
			next.candidate = &candidates[i]
			break
		}
	}
	return next, nil
}

type transitionInput struct {
	actor       string
	close       *domain.Routing
	closeReason string
	decision    *domain.Decision
	via         domain.Status
	reason      string
}

func (r *Router) commit(ctx context.Context, request domain.Request, next plan, in transitionInput) (Outcome, error) {
	now := r.clock().UTC()
	t := storage.Transition{
		RequestID:       request.ID,
		ExpectedVersion: request.Version,
		ExpectedStatus:  request.Status,
		UpdatedAt:       now,
		Decision:        in.decision,
	}
	if in.close != nil {
		t.CloseRouting = &storage.RoutingClosure{RoutingID: in.close.ID, Reason: in.closeReason, ClosedAt: now}
		t.Audit = append(t.Audit, domain.RoutingEntry(domain.ActionRoutingClosed, in.actor, *in.close, in.closeReason, now))
	}
	if in.decision != nil {
		t.Audit = append(t.Audit, domain.DecisionEntry(*in.decision))
	}

	if next.candidate == nil {
		t.NextStatus = domain.StatusExpired
		t.StatusReason = domain.ReasonCandidatesExhausted
		t.ResolvedAt = &now
		entry := domain.TransitionEntry(request.ID, in.actor, request.Status, domain.StatusExpired,
			domain.RuleCandidatesExhausted, domain.ReasonCandidatesExhausted, now)
		entry.Metadata.Via = in.via
		t.Audit = append(t.Audit, entry)

		updated, err := r.store.ApplyTransition(ctx, t)
		if err != nil {
			return nil, err
		}
		r.metrics.Transition(string(request.Status), string(domain.StatusExpired), domain.RuleCandidatesExhausted)
		r.logger.Info("candidates exhausted", zap.String("request_id", request.ID), zap.Int("attempts", next.attempt-1))
		return Exhausted{Request: updated, Reason: domain.ReasonCandidatesExhausted}, nil
	}

	routingID, err := r.newID()
	if err != nil {
		return nil, fmt.Errorf("generate routing id: %w", err)
	}
	p := r.policies.For(request.RequestType)
	candidate := *next.candidate
	routing := domain.Routing{
		ID:             routingID,
		RequestID:      request.ID,
		CounterpartyID: candidate.CounterpartyID,
		AttemptNumber:  next.attempt,
		Score:          candidate.Score,
		DistanceKm:     candidate.DistanceKm,
		DispatchedAt:   now,
		ReminderAt:     p.ReminderAt(now),
		DeadlineAt:     p.DeadlineAt(now),
		Contacts:       candidate.Profile.Contacts,
		Locale:         candidate.Profile.Locale,
		AutoApprove:    candidate.Profile.AutoApprove,
	}
	events, err := NotificationEvents(domain.NotificationDecisionRequest, request, routing, p.Channels, r.newID, now)
	if err != nil {
		return nil, err
	}

	rule := domain.RuleRouted
	if in.close != nil {
		rule = domain.RuleRerouted
	}
	entry := domain.TransitionEntry(request.ID, in.actor, request.Status, domain.StatusAwaitingDecision, rule, in.reason, now)
	entry.Metadata.Via = in.via
	entry.Metadata.CounterpartyID = routing.CounterpartyID
	entry.Metadata.RoutingID = routing.ID
	entry.Metadata.Attempt = routing.AttemptNumber

	t.NextStatus = domain.StatusAwaitingDecision
	t.OpenRouting = &routing
	t.Notifications = events
	t.Audit = append(t.Audit, entry, domain.RoutingEntry(domain.ActionRoutingCreated, in.actor, routing, "", now))

	updated, err := r.store.ApplyTransition(ctx, t)
	if err != nil {
		return nil, err
	}
	r.metrics.Transition(string(request.Status), string(domain.StatusAwaitingDecision), rule)
	if len(events) == 0 {
		r.logger.Warn("routed counterparty has no contact on any policy channel",
			zap.String("request_id", request.ID),
			zap.String("counterparty_id", routing.CounterpartyID),
		)
	} else if r.waker != nil {
		r.waker.Wake()
	}
	r.logger.Info("request routed",
		zap.String("request_id", request.ID),
		zap.String("routing_id", routing.ID),
		zap.String("counterparty_id", routing.CounterpartyID),
		zap.Int("attempt", routing.AttemptNumber),
	)
	return Routed{Request: updated, Routing: routing, Candidate: candidate}, nil
}

func (r *Router) loadRequest(ctx context.Context, requestID string) (domain.Request, error) {
	request, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Request{}, apperrors.Wrap(apperrors.CodeNotFound, "request not found", err)
		}
		return domain.Request{}, fmt.Errorf("load request: %w", err)
	}
	return request, nil
}

func (r *Router) candidateFor(ctx context.Context, requestID, counterpartyID string) (domain.Candidate, bool) {
	candidates, err := r.store.ListCandidates(ctx, requestID)
	if err != nil {
		return domain.Candidate{}, false
	}
	for _, candidate := range candidates {
		if candidate.CounterpartyID == counterpartyID {
			return candidate, true
		}
	}
	return domain.Candidate{}, false
}
