package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/dispatch/internal/platform/errors"
	"github.com/louisbranch/dispatch/internal/platform/logging"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/pool"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
	"go.uber.org/zap"
)

const maxConflictRetries = 3

// Store is the persistence the match service needs.
type Store interface {
	GetRequest(ctx context.Context, requestID string) (domain.Request, error)
	GetSnapshot(ctx context.Context, requestID string) (domain.Snapshot, error)
	storage.CandidateStore
}

// Result is one persisted candidate generation.
type Result struct {
	Request    domain.Request
	Generation int
	Candidates []domain.Candidate
}

// Eligible returns the eligible candidates in rank order.
func (r Result) Eligible() []domain.Candidate {
	eligible := make([]domain.Candidate, 0, len(r.Candidates))
	for _, candidate := range r.Candidates {
		if candidate.Eligible {
			eligible = append(eligible, candidate)
		}
	}
	return eligible
}

// Service runs the engine for stored requests and persists every candidate.
type Service struct {
	store  Store
	pool   pool.Source
	engine *Engine
	clock  func() time.Time
	logger *zap.Logger
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store  Store
	Pool   pool.Source
	Engine *Engine
	Clock  func() time.Time
	Logger *zap.Logger
}

// NewService validates cfg and builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("match store is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("counterparty pool is required")
	}
	engine := cfg.Engine
	if engine == nil {
		var err error
		engine, err = NewEngine()
		if err != nil {
			return nil, err
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:  cfg.Store,
		pool:   cfg.Pool,
		engine: engine,
		clock:  clock,
		logger: logging.OrNop(cfg.Logger).Named("match"),
	}, nil
}

// Run ranks the pool for requestID and persists the result as a new
// generation, superseding earlier ones. An empty pool or one without
// eligible counterparties is not an error.
func (s *Service) Run(ctx context.Context, requestID string) (Result, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return Result{}, apperrors.New(apperrors.CodeValidation, "request id is required")
	}
	request, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, apperrors.Wrap(apperrors.CodeNotFound, "request not found", err)
		}
		return Result{}, fmt.Errorf("load request: %w", err)
	}
	if request.Status.Terminal() {
		return Result{}, apperrors.New(apperrors.CodeRequestTerminal, fmt.Sprintf("request is %s", request.Status))
	}
	snapshot, err := s.store.GetSnapshot(ctx, requestID)
	if err != nil {
		return Result{}, fmt.Errorf("load snapshot: %w", err)
	}
	profiles, err := s.pool.GetCounterpartyPool(ctx, request.Category, request.Region)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.CodeServiceUnavailable, "counterparty pool lookup failed", err)
	}

	ranked := s.engine.Rank(request, snapshot, profiles)
	for attempt := 1; ; attempt++ {
		latest, err := s.store.LatestCandidateGeneration(ctx, requestID)
		if err != nil {
			return Result{}, fmt.Errorf("read latest generation: %w", err)
		}
		result, err := s.persist(ctx, request, latest+1, ranked)
		if err == nil {
			s.logger.Debug("candidates generated",
				zap.String("request_id", requestID),
				zap.Int("generation", result.Generation),
				zap.Int("total", len(result.Candidates)),
				zap.Int("eligible", len(result.Eligible())),
			)
			return result, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return Result{}, err
		}
		if attempt >= maxConflictRetries {
			return Result{}, apperrors.Wrap(apperrors.CodeConcurrencyConflict, "candidate generation kept conflicting", err)
		}
	}
}

func (s *Service) persist(ctx context.Context, request domain.Request, generation int, ranked []domain.Candidate) (Result, error) {
	now := s.clock().UTC()
	candidates := make([]domain.Candidate, len(ranked))
	eligible := 0
	for i, candidate := range ranked {
		candidate.RequestID = request.ID
		candidate.Generation = generation
		candidate.CreatedAt = now
		candidates[i] = candidate
		if candidate.Eligible {
			eligible++
		}
	}
	err := s.store.PutCandidateGeneration(ctx, storage.CandidateGeneration{
		RequestID:  request.ID,
		Generation: generation,
		Candidates: candidates,
		CreatedAt:  now,
		Audit: domain.AuditEntry{
			RequestID:  request.ID,
			Actor:      domain.DecidedBySystem,
			Action:     domain.ActionCandidatesGenerated,
			EntityType: domain.EntityRequest,
			EntityID:   request.ID,
			Metadata: domain.AuditMetadata{
				Kind:       domain.AuditKindCandidates,
				Generation: generation,
				Eligible:   eligible,
				Total:      len(candidates),
			},
			CreatedAt: now,
		},
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Request: request, Generation: generation, Candidates: candidates}, nil
}
