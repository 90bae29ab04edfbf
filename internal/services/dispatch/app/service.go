// Package app composes the dispatch components into the operations exposed to
// collaborators and runs them as one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/dispatch/internal/platform/errors"
	"github.com/louisbranch/dispatch/internal/platform/id"
	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/platform/otel"
	"github.com/louisbranch/dispatch/internal/platform/telemetry/metrics"
	"github.com/louisbranch/dispatch/internal/services/dispatch/decision"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/match"
	"github.com/louisbranch/dispatch/internal/services/dispatch/policy"
	"github.com/louisbranch/dispatch/internal/services/dispatch/pool"
	"github.com/louisbranch/dispatch/internal/services/dispatch/routing"
	"github.com/louisbranch/dispatch/internal/services/dispatch/sla"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/louisbranch/dispatch/internal/services/dispatch/app"

// Config wires a Service.
type Config struct {
	Store    storage.Store
	Pool     pool.Source
	Policies *policy.Set
	Grants   *decision.Grants
	// Waker is told when new notification events are committed.
	Waker   routing.Waker
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
	NewID   func() (string, error)

	SweepInterval  time.Duration
	SweepBatchSize int
}

// Service is the dispatch API used by transports and the scheduler.
type Service struct {
	store     storage.Store
	matcher   *match.Service
	router    *routing.Router
	decisions *decision.Handler
	sweeper   *sla.Worker
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	clock     func() time.Time
	newID     func() (string, error)
}

// New builds the Service and its components.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("dispatch store is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("counterparty pool is required")
	}
	if cfg.Grants == nil {
		return nil, errors.New("decision grants are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = id.NewID
	}
	if cfg.Policies == nil {
		policies, err := policy.NewSet(policy.Default())
		if err != nil {
			return nil, err
		}
		cfg.Policies = policies
	}

	matcher, err := match.NewService(match.ServiceConfig{
		Store:  cfg.Store,
		Pool:   cfg.Pool,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("match service: %w", err)
	}
	router, err := routing.New(routing.Config{
		Store:    cfg.Store,
		Policies: cfg.Policies,
		Waker:    cfg.Waker,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		NewID:    cfg.NewID,
	})
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	decisions, err := decision.New(decision.Config{
		Store:    cfg.Store,
		Grants:   cfg.Grants,
		Router:   router,
		Policies: cfg.Policies,
		Metrics:  cfg.Metrics,
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		NewID:    cfg.NewID,
	})
	if err != nil {
		return nil, fmt.Errorf("decision handler: %w", err)
	}
	sweeper, err := sla.New(sla.Config{
		Store:     cfg.Store,
		Router:    router,
		Policies:  cfg.Policies,
		Waker:     cfg.Waker,
		Metrics:   cfg.Metrics,
		Logger:    cfg.Logger,
		Clock:     cfg.Clock,
		NewID:     cfg.NewID,
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("sla worker: %w", err)
	}

	return &Service{
		store:     cfg.Store,
		matcher:   matcher,
		router:    router,
		decisions: decisions,
		sweeper:   sweeper,
		metrics:   cfg.Metrics,
		logger:    logging.OrNop(cfg.Logger).Named("app"),
		tracer:    otel.Tracer(tracerName),
		clock:     cfg.Clock,
		newID:     cfg.NewID,
	}, nil
}

// CreateRequestInput is a new request and the requester facts captured with it.
type CreateRequestInput struct {
	RequesterID    string
	ItemID         string
	OrganizationID string
	RequestType    string
	Category       string
	Region         string
	Terms          string
	Facts          domain.SnapshotFacts
	// AutoMatch runs TriggerMatch right after the request is stored.
	AutoMatch bool
}

// RequestStatus is the externally visible state of a request.
type RequestStatus struct {
	Request       domain.Request
	Candidates    []domain.Candidate
	ActiveRouting *domain.Routing
	Routings      []domain.Routing
	Decisions     []domain.Decision
}

// CreateRequest stores a draft request with its snapshot.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (status RequestStatus, err error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.CreateRequest")
	defer func() { endSpan(span, err) }()

	request, snapshot, err := s.newRequest(in)
	if err != nil {
		return RequestStatus{}, err
	}
	span.SetAttributes(attribute.String("request.id", request.ID))
	created := domain.AuditEntry{
		RequestID:  request.ID,
		Actor:      request.RequesterID,
		Action:     domain.ActionRequestCreated,
		EntityType: domain.EntityRequest,
		EntityID:   request.ID,
		Metadata: domain.AuditMetadata{
			Kind: domain.AuditKindCreation,
			To:   domain.StatusDraft,
			Extra: map[string]string{
				"item_id": request.ItemID,
				"terms":   request.Terms.String(),
			},
		},
		CreatedAt: request.CreatedAt,
	}
	if err := s.store.CreateRequest(ctx, request, snapshot, []domain.AuditEntry{created}); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return RequestStatus{}, apperrors.Wrap(apperrors.CodeConcurrencyConflict, "request id already exists", err)
		}
		return RequestStatus{}, fmt.Errorf("create request: %w", err)
	}
	s.logger.Info("request created",
		zap.String("request_id", request.ID),
		zap.String("requester_id", request.RequesterID),
		zap.String("request_type", request.RequestType),
	)
	if in.AutoMatch {
		return s.TriggerMatch(ctx, request.ID)
	}
	return s.GetRequestStatus(ctx, request.ID)
}

func (s *Service) newRequest(in CreateRequestInput) (domain.Request, domain.Snapshot, error) {
	in.RequesterID = strings.TrimSpace(in.RequesterID)
	in.ItemID = strings.TrimSpace(in.ItemID)
	in.Category = strings.ToLower(strings.TrimSpace(in.Category))
	var missing []string
	if in.RequesterID == "" {
		missing = append(missing, "requester_id")
	}
	if in.ItemID == "" {
		missing = append(missing, "item_id")
	}
	if in.Category == "" {
		missing = append(missing, "category")
	}
	if len(missing) > 0 {
		return domain.Request{}, domain.Snapshot{}, apperrors.WithMetadata(apperrors.CodeValidation,
			"missing required fields", map[string]string{"Fields": strings.Join(missing, ",")})
	}
	terms, err := domain.ParseTerms(in.Terms)
	if err != nil {
		return domain.Request{}, domain.Snapshot{}, apperrors.Wrap(apperrors.CodeValidation, "terms are invalid", err)
	}
	if loc := in.Facts.Location; loc != nil && !loc.Valid() {
		return domain.Request{}, domain.Snapshot{}, apperrors.New(apperrors.CodeValidation, "location is out of range")
	}
	if in.Facts.Urgency < 0 || in.Facts.Urgency > 1 {
		return domain.Request{}, domain.Snapshot{}, apperrors.New(apperrors.CodeValidation, "urgency must be within [0, 1]")
	}
	requestID, err := s.newID()
	if err != nil {
		return domain.Request{}, domain.Snapshot{}, fmt.Errorf("generate request id: %w", err)
	}
	now := s.clock().UTC()
	request := domain.Request{
		ID:             requestID,
		RequesterID:    in.RequesterID,
		ItemID:         in.ItemID,
		OrganizationID: strings.TrimSpace(in.OrganizationID),
		RequestType:    strings.ToLower(strings.TrimSpace(in.RequestType)),
		Category:       in.Category,
		Region:         strings.TrimSpace(in.Region),
		Terms:          terms,
		Status:         domain.StatusDraft,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return request, domain.Snapshot{RequestID: requestID, Facts: in.Facts, CreatedAt: now}, nil
}

// TriggerMatch moves a draft request to searching, regenerates its
// candidates and routes it. Calling it again on a routed request refreshes
// the candidates without touching the active routing.
func (s *Service) TriggerMatch(ctx context.Context, requestID string) (status RequestStatus, err error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.TriggerMatch", trace.WithAttributes(attribute.String("request.id", requestID)))
	defer func() { endSpan(span, err) }()

	request, err := s.startSearching(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return RequestStatus{}, err
	}
	result, err := s.matcher.Run(ctx, request.ID)
	if err != nil {
		return RequestStatus{}, err
	}
	span.SetAttributes(
		attribute.Int("candidates.generation", result.Generation),
		attribute.Int("candidates.eligible", len(result.Eligible())),
	)
	if _, err := s.router.Route(ctx, request.ID); err != nil {
		return RequestStatus{}, err
	}
	return s.GetRequestStatus(ctx, request.ID)
}

func (s *Service) startSearching(ctx context.Context, requestID string) (domain.Request, error) {
	if requestID == "" {
		return domain.Request{}, apperrors.New(apperrors.CodeValidation, "request id is required")
	}
	for attempt := 1; ; attempt++ {
		request, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return domain.Request{}, apperrors.Wrap(apperrors.CodeNotFound, "request not found", err)
			}
			return domain.Request{}, fmt.Errorf("load request: %w", err)
		}
		if request.Status.Terminal() {
			return domain.Request{}, apperrors.New(apperrors.CodeRequestTerminal, fmt.Sprintf("request is %s", request.Status))
		}
		if request.Status != domain.StatusDraft {
			return request, nil
		}
		now := s.clock().UTC()
		updated, err := s.store.ApplyTransition(ctx, storage.Transition{
			RequestID:       request.ID,
			ExpectedVersion: request.Version,
			ExpectedStatus:  domain.StatusDraft,
			NextStatus:      domain.StatusSearching,
			UpdatedAt:       now,
			Audit: []domain.AuditEntry{
				domain.TransitionEntry(request.ID, request.RequesterID, domain.StatusDraft, domain.StatusSearching,
					domain.RuleMatchTriggered, "", now),
			},
		})
		if err == nil {
			s.metrics.Transition(string(domain.StatusDraft), string(domain.StatusSearching), domain.RuleMatchTriggered)
			return updated, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return domain.Request{}, err
		}
		if attempt >= 3 {
			return domain.Request{}, apperrors.Wrap(apperrors.CodeConcurrencyConflict, "match trigger kept conflicting", err)
		}
	}
}

// GetRequestStatus returns a request with its candidates, routings and
// decisions.
func (s *Service) GetRequestStatus(ctx context.Context, requestID string) (status RequestStatus, err error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.GetRequestStatus", trace.WithAttributes(attribute.String("request.id", requestID)))
	defer func() { endSpan(span, err) }()

	request, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return RequestStatus{}, err
	}
	status.Request = request
	if status.Candidates, err = s.store.ListCandidates(ctx, request.ID); err != nil {
		return RequestStatus{}, fmt.Errorf("list candidates: %w", err)
	}
	if status.Routings, err = s.store.ListRoutings(ctx, request.ID); err != nil {
		return RequestStatus{}, fmt.Errorf("list routings: %w", err)
	}
	for i := range status.Routings {
		if status.Routings[i].Active() {
			active := status.Routings[i]
			status.ActiveRouting = &active
		}
	}
	if status.Decisions, err = s.store.ListDecisions(ctx, request.ID); err != nil {
		return RequestStatus{}, fmt.Errorf("list decisions: %w", err)
	}
	return status, nil
}

// SubmitDecision applies a counterparty verdict authorized by a grant.
func (s *Service) SubmitDecision(ctx context.Context, in decision.SubmitInput) (result decision.SubmitResult, err error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.SubmitDecision")
	defer func() { endSpan(span, err) }()

	result, err = s.decisions.Submit(ctx, in)
	if err != nil {
		return decision.SubmitResult{}, err
	}
	span.SetAttributes(
		attribute.String("request.id", result.Decision.RequestID),
		attribute.String("routing.id", result.Decision.RoutingID),
		attribute.Bool("decision.replayed", result.Replayed),
	)
	return result, nil
}

// RunSlaSweep runs one reminder and expiry sweep.
func (s *Service) RunSlaSweep(ctx context.Context) (result sla.SweepResult, err error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.RunSlaSweep")
	defer func() { endSpan(span, err) }()
	return s.sweeper.Sweep(ctx)
}

// ListAudit returns the audit trail of a request, oldest first.
func (s *Service) ListAudit(ctx context.Context, requestID string) (entries []domain.AuditEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "dispatch.ListAudit", trace.WithAttributes(attribute.String("request.id", requestID)))
	defer func() { endSpan(span, err) }()

	request, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	entries, err = s.store.ListAudit(ctx, request.ID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return entries, nil
}

// Sweeper returns the SLA worker for the periodic scheduler.
func (s *Service) Sweeper() *sla.Worker {
	return s.sweeper
}

func (s *Service) loadRequest(ctx context.Context, requestID string) (domain.Request, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.Request{}, apperrors.New(apperrors.CodeValidation, "request id is required")
	}
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Request{}, apperrors.Wrap(apperrors.CodeNotFound, "request not found", err)
		}
		return domain.Request{}, fmt.Errorf("load request: %w", err)
	}
	return request, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}
