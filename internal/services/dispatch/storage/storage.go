// Package storage defines persistence contracts for the dispatch service.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates an optimistic check or uniqueness constraint failed.
	ErrConflict = errors.New("record conflict")
)

// Transition is one atomic request state change. Every field besides the
// request identity and expectations is optional; all non-empty parts commit
// together or not at all.
type Transition struct {
	RequestID       string
	ExpectedVersion int64
	ExpectedStatus  domain.Status
	NextStatus      domain.Status
	StatusReason    string
	AgreedTerms     *decimal.Decimal
	ResolvedAt      *time.Time
	UpdatedAt       time.Time

	CloseRouting  *RoutingClosure
	OpenRouting   *domain.Routing
	Decision      *domain.Decision
	Notifications []domain.NotificationEvent
	Audit         []domain.AuditEntry
}

// RoutingClosure stamps the active routing of a request as closed.
type RoutingClosure struct {
	RoutingID string
	Reason    string
	ClosedAt  time.Time
}

// CandidateGeneration replaces the ranked candidates of a request.
type CandidateGeneration struct {
	RequestID  string
	Generation int
	Candidates []domain.Candidate
	CreatedAt  time.Time
	Audit      domain.AuditEntry
}

// ReminderBatch schedules reminder events for one routing.
type ReminderBatch struct {
	RequestID  string
	RoutingID  string
	Events     []domain.NotificationEvent
	RemindedAt time.Time
	Audit      domain.AuditEntry
}

// NotificationOutcome finalizes a claimed notification event.
type NotificationOutcome struct {
	EventID      string
	Status       domain.NotificationStatus
	ErrorCode    string
	Error        string
	AttemptCount int
	CompletedAt  time.Time
	Audit        *domain.AuditEntry
}

// RequestStore persists requests, snapshots and their state transitions.
type RequestStore interface {
	CreateRequest(ctx context.Context, request domain.Request, snapshot domain.Snapshot, audit []domain.AuditEntry) error
	GetRequest(ctx context.Context, requestID string) (domain.Request, error)
	GetSnapshot(ctx context.Context, requestID string) (domain.Snapshot, error)
	ApplyTransition(ctx context.Context, transition Transition) (domain.Request, error)
}

// CandidateStore persists ranked candidates by generation.
type CandidateStore interface {
	PutCandidateGeneration(ctx context.Context, generation CandidateGeneration) error
	LatestCandidateGeneration(ctx context.Context, requestID string) (int, error)
	ListCandidates(ctx context.Context, requestID string) ([]domain.Candidate, error)
}

// RoutingStore reads routing attempts.
type RoutingStore interface {
	GetRouting(ctx context.Context, routingID string) (domain.Routing, error)
	GetActiveRouting(ctx context.Context, requestID string) (domain.Routing, error)
	ListRoutings(ctx context.Context, requestID string) ([]domain.Routing, error)
	ListRoutingsDueForReminder(ctx context.Context, now time.Time, limit int) ([]domain.Routing, error)
	ListRoutingsPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Routing, error)
}

// DecisionStore reads recorded decisions.
type DecisionStore interface {
	GetDecisionByRouting(ctx context.Context, routingID string) (domain.Decision, error)
	ListDecisions(ctx context.Context, requestID string) ([]domain.Decision, error)
}

// NotificationStore persists notification events and their delivery attempts.
type NotificationStore interface {
	EnqueueReminders(ctx context.Context, batch ReminderBatch) (int, error)
	ClaimPendingNotifications(ctx context.Context, channel string, limit int, now time.Time, leaseUntil time.Time) ([]domain.NotificationEvent, error)
	RecordNotificationAttempt(ctx context.Context, attempt domain.NotificationAttempt) (int, error)
	CompleteNotification(ctx context.Context, outcome NotificationOutcome) error
	GetNotification(ctx context.Context, eventID string) (domain.NotificationEvent, error)
	ListNotifications(ctx context.Context, requestID string) ([]domain.NotificationEvent, error)
	ListNotificationAttempts(ctx context.Context, eventID string) ([]domain.NotificationAttempt, error)
}

// AuditStore reads the append-only audit log.
type AuditStore interface {
	ListAudit(ctx context.Context, requestID string) ([]domain.AuditEntry, error)
}

// Store is the full dispatch persistence boundary.
type Store interface {
	RequestStore
	CandidateStore
	RoutingStore
	DecisionStore
	NotificationStore
	AuditStore
}
