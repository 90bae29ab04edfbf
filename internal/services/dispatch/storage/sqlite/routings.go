package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
)

const routingColumns = `id, request_id, counterparty_id, attempt_number, score, distance_km, contacts_json,
locale, auto_approve_threshold, dispatched_at, reminder_at, deadline_at, reminded_at, closed_at, close_reason`

func insertRoutingExec(ctx context.Context, execer sqlExecer, routing domain.Routing) error {
	routing.ID = strings.TrimSpace(routing.ID)
	routing.CounterpartyID = strings.TrimSpace(routing.CounterpartyID)
	if routing.ID == "" {
		return fmt.Errorf("routing id is required")
	}
	if routing.CounterpartyID == "" {
		return fmt.Errorf("routing counterparty id is required")
	}
	if routing.AttemptNumber <= 0 {
		return fmt.Errorf("attempt number must be greater than zero")
	}
	if routing.DispatchedAt.IsZero() || routing.DeadlineAt.IsZero() || routing.ReminderAt.IsZero() {
		return fmt.Errorf("routing dispatch, reminder and deadline times are required")
	}
	contacts := routing.Contacts
	if contacts == nil {
		contacts = map[string]string{}
	}
	contactsJSON, err := marshalJSON(contacts)
	if err != nil {
		return fmt.Errorf("encode routing contacts: %w", err)
	}
	_, err = execer.ExecContext(ctx, `
INSERT INTO routings (`+routingColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		routing.ID,
		routing.RequestID,
		routing.CounterpartyID,
		routing.AttemptNumber,
		routing.Score,
		nullFloat(routing.DistanceKm),
		contactsJSON,
		routing.Locale,
		nullDecimal(routing.AutoApprove),
		toMillis(routing.DispatchedAt),
		toMillis(routing.ReminderAt),
		toMillis(routing.DeadlineAt),
		nullMillis(routing.RemindedAt),
		nullMillis(routing.ClosedAt),
		routing.CloseReason,
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert routing: %w", err)
	}
	return nil
}

// GetRouting loads one routing by id.
func (s *Store) GetRouting(ctx context.Context, routingID string) (domain.Routing, error) {
	if err := ctx.Err(); err != nil {
		return domain.Routing{}, err
	}
	if err := s.configured(); err != nil {
		return domain.Routing{}, err
	}
	routingID = strings.TrimSpace(routingID)
	if routingID == "" {
		return domain.Routing{}, fmt.Errorf("routing id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+routingColumns+` FROM routings WHERE id = ?`, routingID)
	routing, err := scanRouting(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Routing{}, storage.ErrNotFound
		}
		return domain.Routing{}, fmt.Errorf("get routing: %w", err)
	}
	return routing, nil
}

// GetActiveRouting loads the single open routing of a request.
func (s *Store) GetActiveRouting(ctx context.Context, requestID string) (domain.Routing, error) {
	if err := ctx.Err(); err != nil {
		return domain.Routing{}, err
	}
	if err := s.configured(); err != nil {
		return domain.Routing{}, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return domain.Routing{}, fmt.Errorf("request id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+routingColumns+` FROM routings WHERE request_id = ? AND closed_at IS NULL
`, requestID)
	routing, err := scanRouting(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Routing{}, storage.ErrNotFound
		}
		return domain.Routing{}, fmt.Errorf("get active routing: %w", err)
	}
	return routing, nil
}

// ListRoutings lists every routing attempt of a request in attempt order.
func (s *Store) ListRoutings(ctx context.Context, requestID string) ([]domain.Routing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.configured(); err != nil {
		return nil, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, fmt.Errorf("request id is required")
	}
	return queryRoutings(ctx, s.sqlDB, `
SELECT `+routingColumns+` FROM routings WHERE request_id = ? ORDER BY attempt_number ASC
`, requestID)
}

// ListRoutingsDueForReminder lists open routings whose reminder time passed
// before their deadline and that have no reminder yet, or whose reminder
// fast-failed on an open circuit.
func (s *Store) ListRoutingsDueForReminder(ctx context.Context, now time.Time, limit int) ([]domain.Routing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.configured(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	nowMillis := toMillis(now)
	return queryRoutings(ctx, s.sqlDB, `
SELECT `+routingColumns+`
FROM routings r
WHERE r.closed_at IS NULL
  AND r.reminder_at <= ?
  AND r.deadline_at > ?
  AND (
    r.reminded_at IS NULL
    OR EXISTS (
      SELECT 1 FROM notification_events e
      WHERE e.routing_id = r.id
        AND e.kind = ?
        AND e.status = ?
        AND e.error_code = ?
    )
  )
ORDER BY r.reminder_at ASC, r.id ASC
LIMIT ?
`, nowMillis, nowMillis, domain.NotificationReminder, domain.NotificationFailed, domain.NotificationErrServiceUnavailable, limit)
}

// ListRoutingsPastDeadline lists open routings whose decision window elapsed.
func (s *Store) ListRoutingsPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Routing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.configured(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	return queryRoutings(ctx, s.sqlDB, `
SELECT `+routingColumns+`
FROM routings
WHERE closed_at IS NULL AND deadline_at <= ?
ORDER BY deadline_at ASC, id ASC
LIMIT ?
`, toMillis(now), limit)
}

func queryRoutings(ctx context.Context, q sqlQueryer, query string, args ...any) ([]domain.Routing, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list routings: %w", err)
	}
	defer rows.Close()

	var routings []domain.Routing
	for rows.Next() {
		routing, err := scanRouting(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan routing row: %w", err)
		}
		routings = append(routings, routing)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing rows: %w", err)
	}
	return routings, nil
}

func scanRouting(scan scanner) (domain.Routing, error) {
	var (
		routing      domain.Routing
		distance     sql.NullFloat64
		contactsJSON string
		autoApprove  sql.NullString
		dispatchedAt int64
		reminderAt   int64
		deadlineAt   int64
		remindedAt   sql.NullInt64
		closedAt     sql.NullInt64
	)
	if err := scan(
		&routing.ID,
		&routing.RequestID,
		&routing.CounterpartyID,
		&routing.AttemptNumber,
		&routing.Score,
		&distance,
		&contactsJSON,
		&routing.Locale,
		&autoApprove,
		&dispatchedAt,
		&reminderAt,
		&deadlineAt,
		&remindedAt,
		&closedAt,
		&routing.CloseReason,
	); err != nil {
		return domain.Routing{}, err
	}
	if err := json.Unmarshal([]byte(contactsJSON), &routing.Contacts); err != nil {
		return domain.Routing{}, fmt.Errorf("decode routing contacts: %w", err)
	}
	threshold, err := decimalPtr(autoApprove)
	if err != nil {
		return domain.Routing{}, err
	}
	routing.AutoApprove = threshold
	routing.DistanceKm = floatPtr(distance)
	routing.DispatchedAt = fromMillis(dispatchedAt)
	routing.ReminderAt = fromMillis(reminderAt)
	routing.DeadlineAt = fromMillis(deadlineAt)
	routing.RemindedAt = timePtr(remindedAt)
	routing.ClosedAt = timePtr(closedAt)
	return routing, nil
}
