// Package decision records counterparty verdicts on routings.
package decision

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
	"github.com/louisbranch/dispatch/internal/services/dispatch/routing"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxConflictRetries = 3

const declineReason = "declined by counterparty"

// Store is the persistence the handler needs.
type Store interface {
	GetRequest(ctx context.Context, requestID string) (domain.Request, error)
	GetRouting(ctx context.Context, routingID string) (domain.Routing, error)
	GetDecisionByRouting(ctx context.Context, routingID string) (domain.Decision, error)
	ApplyTransition(ctx context.Context, transition storage.Transition) (domain.Request, error)
}

// Rerouter moves a declined request to its next candidate.
type Rerouter interface {
	Reroute(ctx context.Context, in routing.RerouteInput) (routing.Outcome, error)
}

// Verifier validates a decision grant.
type Verifier interface {
	Verify(grant string) (GrantClaims, error)
}

// Config wires a Handler.
type Config struct {
	Store    Store
	Grants   Verifier
	Router   Rerouter
	Policies *policy.Set
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
	NewID    func() (string, error)
}

// Handler applies submitted decisions.
type Handler struct {
	store    Store
	grants   Verifier
	router   Rerouter
	policies *policy.Set
	metrics  *metrics.Metrics
	logger   *zap.Logger
	clock    func() time.Time
	newID    func() (string, error)
}

// New validates cfg and builds a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("decision store is required")
	}
	if cfg.Grants == nil {
		return nil, errors.New("decision grants are required")
	}
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = id.NewID
	}
	return &Handler{
		store:    cfg.Store,
		grants:   cfg.Grants,
		router:   cfg.Router,
		policies: cfg.Policies,
		metrics:  cfg.Metrics,
		logger:   logging.OrNop(cfg.Logger).Named("decision"),
		clock:    clock,
		newID:    newID,
	}, nil
}

// SubmitInput is a counterparty verdict authorized by a decision grant.
type SubmitInput struct {
	Token         string
	Verdict       string
	ProposedTerms string
	Message       string
}

// SubmitResult is the binding decision and the request after it applied.
type SubmitResult struct {
	Decision domain.Decision
	Request  domain.Request
	// Replayed is set when the routing was already decided and nothing changed.
	Replayed bool
}

// Submit records a verdict on the routing named by the grant. A second
// submission for a decided routing returns the existing decision unchanged.
func (h *Handler) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	verdict, ok := domain.ParseVerdict(in.Verdict)
	if !ok {
		return SubmitResult{}, apperrors.New(apperrors.CodeValidation, fmt.Sprintf("decision %q is invalid", in.Verdict))
	}
	proposed, err := domain.ParseOptionalTerms(in.ProposedTerms)
	if err != nil {
		return SubmitResult{}, apperrors.Wrap(apperrors.CodeValidation, "proposed terms are invalid", err)
	}
	claims, err := h.grants.Verify(in.Token)
	if err != nil {
		return SubmitResult{}, err
	}
	message := strings.TrimSpace(in.Message)

	for attempt := 1; ; attempt++ {
		result, err := h.submit(ctx, claims, verdict, proposed, message)
		if err == nil {
			return result, nil
		}
		conflict := errors.Is(err, storage.ErrConflict) || apperrors.HasCode(err, apperrors.CodeConcurrencyConflict)
		if !conflict && !apperrors.HasCode(err, apperrors.CodeStaleDecision) {
			return SubmitResult{}, err
		}
		// A racing submission for the same routing may have won.
		if replay, ok, replayErr := h.replay(ctx, claims.RoutingID); replayErr != nil {
			return SubmitResult{}, replayErr
		} else if ok {
			return replay, nil
		}
		if !conflict {
			return SubmitResult{}, err
		}
		if attempt >= maxConflictRetries {
			return SubmitResult{}, apperrors.Wrap(apperrors.CodeConcurrencyConflict, "decision kept conflicting", err)
		}
	}
}

func (h *Handler) submit(ctx context.Context, claims GrantClaims, verdict domain.Verdict, proposed *decimal.Decimal, message string) (SubmitResult, error) {
	if replay, ok, err := h.replay(ctx, claims.RoutingID); err != nil || ok {
		return replay, err
	}

	current, err := h.store.GetRouting(ctx, claims.RoutingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return SubmitResult{}, apperrors.New(apperrors.CodeDecisionGrantInvalid, "decision grant names an unknown routing")
		}
		return SubmitResult{}, fmt.Errorf("load routing: %w", err)
	}
	if current.RequestID != claims.RequestID || current.CounterpartyID != claims.CounterpartyID {
		return SubmitResult{}, apperrors.New(apperrors.CodeDecisionGrantInvalid, "decision grant does not match routing")
	}
	request, err := h.store.GetRequest(ctx, current.RequestID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("load request: %w", err)
	}
	if !current.Active() || request.Status != domain.StatusAwaitingDecision {
		return SubmitResult{}, apperrors.WithMetadata(
			apperrors.CodeStaleDecision,
			"routing is no longer awaiting a decision",
			map[string]string{"RoutingID": current.ID, "Status": string(request.Status)},
		)
	}

	decisionID, err := h.newID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate decision id: %w", err)
	}
	now := h.clock().UTC()
	decision := domain.Decision{
		ID:             decisionID,
		RequestID:      request.ID,
		RoutingID:      current.ID,
		CounterpartyID: current.CounterpartyID,
		Verdict:        verdict,
		ProposedTerms:  proposed,
		Reason:         message,
		DecidedAt:      now,
		DecidedBy:      current.CounterpartyID,
	}

	if verdict == domain.VerdictDeclined && h.policies.For(request.RequestType).DeclinePolicy == policy.DeclineReroute {
		reason := message
		if reason == "" {
			reason = declineReason
		}
		outcome, err := h.router.Reroute(ctx, routing.RerouteInput{
			RequestID:      request.ID,
			CloseRoutingID: current.ID,
			CloseReason:    domain.CloseReasonDeclined,
			Decision:       &decision,
			Actor:          current.CounterpartyID,
			Via:            domain.StatusDeclinedPendingRerouting,
			Reason:         reason,
		})
		if err != nil {
			return SubmitResult{}, err
		}
		h.logger.Info("decision declined, re-routed",
			zap.String("request_id", request.ID),
			zap.String("routing_id", current.ID),
			zap.String("status", string(outcome.Result().Status)),
		)
		return SubmitResult{Decision: decision, Request: outcome.Result()}, nil
	}

	updated, err := h.finalize(ctx, request, current, decision)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Decision: decision, Request: updated}, nil
}

// finalize ends the request with decision: approved, or declined when the
// request type terminates on decline.
func (h *Handler) finalize(ctx context.Context, request domain.Request, current domain.Routing, decision domain.Decision) (domain.Request, error) {
	now := decision.DecidedAt
	next, rule, closeReason := domain.StatusApproved, domain.RuleDecisionApproved, domain.CloseReasonApproved
	var agreed *decimal.Decimal
	if decision.Verdict == domain.VerdictApproved {
		terms := request.Terms
		if decision.ProposedTerms != nil {
			terms = *decision.ProposedTerms
		}
		agreed = &terms
	} else {
		next, rule, closeReason = domain.StatusDeclined, domain.RuleDecisionDeclined, domain.CloseReasonDeclined
	}

	updated, err := h.store.ApplyTransition(ctx, storage.Transition{
		RequestID:       request.ID,
		ExpectedVersion: request.Version,
		ExpectedStatus:  request.Status,
		NextStatus:      next,
		StatusReason:    decision.Reason,
		AgreedTerms:     agreed,
		ResolvedAt:      &now,
		UpdatedAt:       now,
		CloseRouting:    &storage.RoutingClosure{RoutingID: current.ID, Reason: closeReason, ClosedAt: now},
		Decision:        &decision,
		Audit: []domain.AuditEntry{
			domain.DecisionEntry(decision),
			domain.RoutingEntry(domain.ActionRoutingClosed, decision.DecidedBy, current, closeReason, now),
			domain.TransitionEntry(request.ID, decision.DecidedBy, request.Status, next, rule, decision.Reason, now),
		},
	})
	if err != nil {
		return domain.Request{}, err
	}
	h.metrics.Transition(string(request.Status), string(next), rule)
	h.logger.Info("decision recorded",
		zap.String("request_id", request.ID),
		zap.String("routing_id", current.ID),
		zap.String("verdict", string(decision.Verdict)),
	)
	return updated, nil
}

func (h *Handler) replay(ctx context.Context, routingID string) (SubmitResult, bool, error) {
	existing, err := h.store.GetDecisionByRouting(ctx, routingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return SubmitResult{}, false, nil
		}
		return SubmitResult{}, false, fmt.Errorf("load decision: %w", err)
	}
	request, err := h.store.GetRequest(ctx, existing.RequestID)
	if err != nil {
		return SubmitResult{}, false, fmt.Errorf("load request: %w", err)
	}
	return SubmitResult{Decision: existing, Request: request, Replayed: true}, true, nil
}
