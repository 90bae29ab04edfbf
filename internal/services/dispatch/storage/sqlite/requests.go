package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
	"github.com/shopspring/decimal"
)

const requestColumns = `id, requester_id, item_id, organization_id, request_type, category, region, terms,
status, status_reason, agreed_terms, version, created_at, updated_at, resolved_at`

// CreateRequest persists a draft request with its snapshot and creation audit.
func (s *Store) CreateRequest(ctx context.Context, request domain.Request, snapshot domain.Snapshot, audit []domain.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.configured(); err != nil {
		return err
	}
	request.ID = strings.TrimSpace(request.ID)
	request.RequesterID = strings.TrimSpace(request.RequesterID)
	request.ItemID = strings.TrimSpace(request.ItemID)
	request.Category = strings.TrimSpace(request.Category)
	if request.ID == "" {
		return fmt.Errorf("request id is required")
	}
	if request.RequesterID == "" {
		return fmt.Errorf("requester id is required")
	}
	if request.ItemID == "" {
		return fmt.Errorf("item id is required")
	}
	if request.Category == "" {
		return fmt.Errorf("category is required")
	}
	if _, ok := domain.ParseStatus(string(request.Status)); !ok {
		return fmt.Errorf("request status %q is invalid", request.Status)
	}
	if request.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if request.UpdatedAt.IsZero() {
		request.UpdatedAt = request.CreatedAt
	}
	if request.Version <= 0 {
		request.Version = 1
	}
	if snapshot.RequestID != request.ID {
		return fmt.Errorf("snapshot request id must match request id")
	}
	facts, err := marshalJSON(snapshot.Facts)
	if err != nil {
		return fmt.Errorf("encode snapshot facts: %w", err)
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = request.CreatedAt
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO requests (`+requestColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		request.ID,
		request.RequesterID,
		request.ItemID,
		strings.TrimSpace(request.OrganizationID),
		strings.TrimSpace(request.RequestType),
		request.Category,
		strings.TrimSpace(request.Region),
		request.Terms.String(),
		request.Status,
		request.StatusReason,
		nullDecimal(request.AgreedTerms),
		request.Version,
		toMillis(request.CreatedAt),
		toMillis(request.UpdatedAt),
		nullMillis(request.ResolvedAt),
	); err != nil {
		if isUniqueConstraintError(err) {
			return rollbackWith(tx, storage.ErrConflict)
		}
		return rollbackWith(tx, fmt.Errorf("insert request: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO snapshots (request_id, facts_json, created_at) VALUES (?, ?, ?)
`, request.ID, facts, toMillis(snapshot.CreatedAt)); err != nil {
		return rollbackWith(tx, fmt.Errorf("insert snapshot: %w", err))
	}
	for _, entry := range audit {
		if err := insertAuditExec(ctx, tx, s.newID, entry); err != nil {
			return rollbackWith(tx, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

// GetRequest loads one request by id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (domain.Request, error) {
	if err := ctx.Err(); err != nil {
		return domain.Request{}, err
	}
	if err := s.configured(); err != nil {
		return domain.Request{}, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.Request{}, fmt.Errorf("request id is required")
	}
	return getRequest(ctx, s.sqlDB, requestID)
}

func getRequest(ctx context.Context, q sqlQueryer, requestID string) (domain.Request, error) {
	row := q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, requestID)
	request, err := scanRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Request{}, storage.ErrNotFound
		}
		return domain.Request{}, fmt.Errorf("get request: %w", err)
	}
	return request, nil
}

// GetSnapshot loads the immutable snapshot captured with a request.
func (s *Store) GetSnapshot(ctx context.Context, requestID string) (domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.Snapshot{}, err
	}
	if err := s.configured(); err != nil {
		return domain.Snapshot{}, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.Snapshot{}, fmt.Errorf("request id is required")
	}

	var (
		factsJSON string
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT facts_json, created_at FROM snapshots WHERE request_id = ?
`, requestID).Scan(&factsJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Snapshot{}, storage.ErrNotFound
		}
		return domain.Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	snapshot := domain.Snapshot{RequestID: requestID, CreatedAt: fromMillis(createdAt)}
	if err := json.Unmarshal([]byte(factsJSON), &snapshot.Facts); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot facts: %w", err)
	}
	return snapshot, nil
}

// ApplyTransition commits one request state change and all of its side
// records in a single transaction. It returns storage.ErrConflict when the
// request version or status moved, when the routing to close is no longer
// active, or when a second active routing or decision would be created.
func (s *Store) ApplyTransition(ctx context.Context, transition storage.Transition) (domain.Request, error) {
	if err := ctx.Err(); err != nil {
		return domain.Request{}, err
	}
	if err := s.configured(); err != nil {
		return domain.Request{}, err
	}
	t, err := normalizeTransition(transition)
	if err != nil {
		return domain.Request{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, fmt.Errorf("begin transition: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE requests
SET status = ?,
    status_reason = ?,
    agreed_terms = COALESCE(?, agreed_terms),
    resolved_at = COALESCE(?, resolved_at),
    version = version + 1,
    updated_at = ?
WHERE id = ? AND version = ? AND status = ?
`,
		t.NextStatus,
		t.StatusReason,
		nullDecimal(t.AgreedTerms),
		nullMillis(t.ResolvedAt),
		toMillis(t.UpdatedAt),
		t.RequestID,
		t.ExpectedVersion,
		t.ExpectedStatus,
	)
	if err != nil {
		return domain.Request{}, rollbackWith(tx, fmt.Errorf("update request status: %w", err))
	}
	if err := requireAffected(result, "update request status"); err != nil {
		return domain.Request{}, rollbackWith(tx, err)
	}

	if closure := t.CloseRouting; closure != nil {
		result, err := tx.ExecContext(ctx, `
UPDATE routings SET closed_at = ?, close_reason = ?
WHERE id = ? AND request_id = ? AND closed_at IS NULL
`, toMillis(closure.ClosedAt), closure.Reason, closure.RoutingID, t.RequestID)
		if err != nil {
			return domain.Request{}, rollbackWith(tx, fmt.Errorf("close routing: %w", err))
		}
		if err := requireAffected(result, "close routing"); err != nil {
			return domain.Request{}, rollbackWith(tx, err)
		}
	}

	if t.OpenRouting != nil {
		if err := insertRoutingExec(ctx, tx, *t.OpenRouting); err != nil {
			return domain.Request{}, rollbackWith(tx, err)
		}
	}
	if t.Decision != nil {
		if err := insertDecisionExec(ctx, tx, *t.Decision); err != nil {
			return domain.Request{}, rollbackWith(tx, err)
		}
	}
	for _, event := range t.Notifications {
		if _, err := insertNotificationExec(ctx, tx, event, false); err != nil {
			return domain.Request{}, rollbackWith(tx, err)
		}
	}
	for _, entry := range t.Audit {
		if err := insertAuditExec(ctx, tx, s.newID, entry); err != nil {
			return domain.Request{}, rollbackWith(tx, err)
		}
	}

	updated, err := getRequest(ctx, tx, t.RequestID)
	if err != nil {
		return domain.Request{}, rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

func normalizeTransition(t storage.Transition) (storage.Transition, error) {
	t.RequestID = strings.TrimSpace(t.RequestID)
	t.StatusReason = strings.TrimSpace(t.StatusReason)
	if t.RequestID == "" {
		return storage.Transition{}, fmt.Errorf("request id is required")
	}
	if t.ExpectedVersion <= 0 {
		return storage.Transition{}, fmt.Errorf("expected version is required")
	}
	if t.NextStatus.Internal() {
		return storage.Transition{}, fmt.Errorf("status %q is not persisted", t.NextStatus)
	}
	if _, ok := domain.ParseStatus(string(t.NextStatus)); !ok {
		return storage.Transition{}, fmt.Errorf("next status %q is invalid", t.NextStatus)
	}
	if !domain.CanTransition(t.ExpectedStatus, t.NextStatus) {
		return storage.Transition{}, fmt.Errorf("transition %s -> %s is not allowed", t.ExpectedStatus, t.NextStatus)
	}
	if t.UpdatedAt.IsZero() {
		return storage.Transition{}, fmt.Errorf("updated_at is required")
	}
	if t.CloseRouting != nil {
		closure := *t.CloseRouting
		closure.RoutingID = strings.TrimSpace(closure.RoutingID)
		if closure.RoutingID == "" {
			return storage.Transition{}, fmt.Errorf("routing id to close is required")
		}
		if closure.ClosedAt.IsZero() {
			closure.ClosedAt = t.UpdatedAt
		}
		t.CloseRouting = &closure
	}
	if t.OpenRouting != nil && t.OpenRouting.RequestID != t.RequestID {
		return storage.Transition{}, fmt.Errorf("routing request id must match transition request id")
	}
	if t.Decision != nil && t.Decision.RequestID != t.RequestID {
		return storage.Transition{}, fmt.Errorf("decision request id must match transition request id")
	}
	return t, nil
}

func scanRequest(scan scanner) (domain.Request, error) {
	var (
		request     domain.Request
		terms       string
		status      string
		agreedTerms sql.NullString
		createdAt   int64
		updatedAt   int64
		resolvedAt  sql.NullInt64
	)
	if err := scan(
		&request.ID,
		&request.RequesterID,
		&request.ItemID,
		&request.OrganizationID,
		&request.RequestType,
		&request.Category,
		&request.Region,
		&terms,
		&status,
		&request.StatusReason,
		&agreedTerms,
		&request.Version,
		&createdAt,
		&updatedAt,
		&resolvedAt,
	); err != nil {
		return domain.Request{}, err
	}
	parsedTerms, err := decimal.NewFromString(terms)
	if err != nil {
		return domain.Request{}, fmt.Errorf("parse request terms: %w", err)
	}
	request.Terms = parsedTerms
	request.Status = domain.Status(status)
	if request.AgreedTerms, err = decimalPtr(agreedTerms); err != nil {
		return domain.Request{}, err
	}
	request.CreatedAt = fromMillis(createdAt)
	request.UpdatedAt = fromMillis(updatedAt)
	request.ResolvedAt = timePtr(resolvedAt)
	return request, nil
}
