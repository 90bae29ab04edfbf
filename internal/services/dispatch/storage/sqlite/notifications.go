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

const notificationColumns = `id, request_id, routing_id, counterparty_id, sender_id, kind, channel, recipient,
status, payload_json, error_code, error, attempt_count, lease_expires_at, created_at, updated_at, sent_at`

// insertNotificationExec inserts a pending event. An existing event for the
// same routing, kind and channel is left alone unless requeueUnavailable is
// set and it failed on an open circuit, in which case it returns to pending.
// It reports whether a row was written.
func insertNotificationExec(ctx context.Context, execer sqlExecer, event domain.NotificationEvent, requeueUnavailable bool) (bool, error) {
	event.ID = strings.TrimSpace(event.ID)
	event.Channel = strings.TrimSpace(event.Channel)
	event.Recipient = strings.TrimSpace(event.Recipient)
	if event.ID == "" {
		return false, fmt.Errorf("notification id is required")
	}
	if event.RoutingID == "" {
		return false, fmt.Errorf("notification routing id is required")
	}
	if event.Channel == "" {
		return false, fmt.Errorf("notification channel is required")
	}
	if event.Kind != domain.NotificationDecisionRequest && event.Kind != domain.NotificationReminder {
		return false, fmt.Errorf("notification kind %q is invalid", event.Kind)
	}
	if event.CreatedAt.IsZero() {
		return false, fmt.Errorf("notification created_at is required")
	}
	if event.Status == "" {
		event.Status = domain.NotificationPending
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return false, fmt.Errorf("encode notification payload: %w", err)
	}

	conflictClause := `ON CONFLICT (routing_id, kind, channel) DO NOTHING`
	if requeueUnavailable {
		conflictClause = `ON CONFLICT (routing_id, kind, channel) DO UPDATE SET
    status = excluded.status,
    recipient = excluded.recipient,
    payload_json = excluded.payload_json,
    error_code = '',
    error = '',
    lease_expires_at = NULL,
    updated_at = excluded.updated_at
WHERE notification_events.status = '` + string(domain.NotificationFailed) + `'
  AND notification_events.error_code = '` + domain.NotificationErrServiceUnavailable + `'`
	}

	result, err := execer.ExecContext(ctx, `
INSERT INTO notification_events (`+notificationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`+conflictClause,
		event.ID,
		event.RequestID,
		event.RoutingID,
		event.CounterpartyID,
		event.SenderID,
		event.Kind,
		event.Channel,
		event.Recipient,
		event.Status,
		payload,
		event.ErrorCode,
		event.Error,
		event.AttemptCount,
		nullMillis(event.LeaseExpiresAt),
		toMillis(event.CreatedAt),
		toMillis(event.UpdatedAt),
		nullMillis(event.SentAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return false, storage.ErrConflict
		}
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert notification rows affected: %w", err)
	}
	return affected > 0, nil
}

// EnqueueReminders writes reminder events for an open routing and stamps it
// reminded. Repeated calls never duplicate an event; a reminder that failed on
// an open circuit is requeued. It returns how many events were written.
func (s *Store) EnqueueReminders(ctx context.Context, batch storage.ReminderBatch) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.configured(); err != nil {
		return 0, err
	}
	batch.RoutingID = strings.TrimSpace(batch.RoutingID)
	if batch.RoutingID == "" {
		return 0, fmt.Errorf("routing id is required")
	}
	if batch.RemindedAt.IsZero() {
		return 0, fmt.Errorf("reminded_at is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue reminders: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
UPDATE routings SET reminded_at = COALESCE(reminded_at, ?)
WHERE id = ? AND request_id = ? AND closed_at IS NULL
`, toMillis(batch.RemindedAt), batch.RoutingID, batch.RequestID)
	if err != nil {
		return 0, rollbackWith(tx, fmt.Errorf("stamp routing reminded: %w", err))
	}
	if err := requireAffected(result, "stamp routing reminded"); err != nil {
		return 0, rollbackWith(tx, err)
	}

	written := 0
	for _, event := range batch.Events {
		if event.Kind != domain.NotificationReminder {
			return 0, rollbackWith(tx, fmt.Errorf("reminder batch contains %q event", event.Kind))
		}
		ok, err := insertNotificationExec(ctx, tx, event, true)
		if err != nil {
			return 0, rollbackWith(tx, err)
		}
		if ok {
			written++
		}
	}
	if written > 0 {
		audit := batch.Audit
		audit.Metadata.Total = written
		if err := insertAuditExec(ctx, tx, s.newID, audit); err != nil {
			return 0, rollbackWith(tx, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit enqueue reminders: %w", err)
	}
	return written, nil
}

// ClaimPendingNotifications leases up to limit pending events of a channel.
// Events whose lease is still running are skipped; an expired lease makes the
// event claimable again.
func (s *Store) ClaimPendingNotifications(ctx context.Context, channel string, limit int, now time.Time, leaseUntil time.Time) ([]domain.NotificationEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.configured(); err != nil {
		return nil, err
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, fmt.Errorf("notification channel is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if !leaseUntil.After(now) {
		return nil, fmt.Errorf("lease must end after now")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim notifications: %w", err)
	}
	events, err := queryNotifications(ctx, tx, `
SELECT `+notificationColumns+`
FROM notification_events
WHERE channel = ?
  AND status = ?
  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
ORDER BY created_at ASC, id ASC
LIMIT ?
`, channel, domain.NotificationPending, toMillis(now), limit)
	if err != nil {
		return nil, rollbackWith(tx, err)
	}

	lease := leaseUntil.UTC()
	for i := range events {
		if _, err := tx.ExecContext(ctx, `
UPDATE notification_events SET lease_expires_at = ?, updated_at = ? WHERE id = ?
`, toMillis(lease), toMillis(now), events[i].ID); err != nil {
			return nil, rollbackWith(tx, fmt.Errorf("lease notification: %w", err))
		}
		events[i].LeaseExpiresAt = &lease
		events[i].UpdatedAt = now.UTC()
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim notifications: %w", err)
	}
	return events, nil
}

// RecordNotificationAttempt appends one delivery attempt row numbered one
// past the event's last recorded attempt, raises the event's attempt_count to
// match and returns the stored number. Workers that re-claim an event after a
// lease expiry therefore never reuse an attempt number.
func (s *Store) RecordNotificationAttempt(ctx context.Context, attempt domain.NotificationAttempt) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.configured(); err != nil {
		return 0, err
	}
	attempt.EventID = strings.TrimSpace(attempt.EventID)
	if attempt.EventID == "" {
		return 0, fmt.Errorf("event id is required")
	}
	if attempt.AttemptedAt.IsZero() {
		return 0, fmt.Errorf("attempted_at is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record notification attempt: %w", err)
	}
	var number int
	err = tx.QueryRowContext(ctx, `
INSERT INTO notification_attempts (event_id, attempt, outcome, error_code, error, attempted_at, duration_ms)
SELECT ?, COALESCE(MAX(attempt), 0) + 1, ?, ?, ?, ?, ?
FROM notification_attempts WHERE event_id = ?
RETURNING attempt
`,
		attempt.EventID,
		attempt.Outcome,
		attempt.ErrorCode,
		attempt.Error,
		toMillis(attempt.AttemptedAt),
		attempt.Duration.Milliseconds(),
		attempt.EventID,
	).Scan(&number)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return 0, rollbackWith(tx, storage.ErrConflict)
		}
		return 0, rollbackWith(tx, fmt.Errorf("record notification attempt: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE notification_events SET attempt_count = MAX(attempt_count, ?) WHERE id = ?
`, number, attempt.EventID); err != nil {
		return 0, rollbackWith(tx, fmt.Errorf("bump notification attempt count: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit notification attempt: %w", err)
	}
	return number, nil
}

// CompleteNotification moves a pending event to sent or failed and releases
// its lease. It returns storage.ErrConflict when the event already completed.
func (s *Store) CompleteNotification(ctx context.Context, outcome storage.NotificationOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.configured(); err != nil {
		return err
	}
	outcome.EventID = strings.TrimSpace(outcome.EventID)
	if outcome.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	if outcome.Status != domain.NotificationSent && outcome.Status != domain.NotificationFailed {
		return fmt.Errorf("notification outcome %q is invalid", outcome.Status)
	}
	if outcome.CompletedAt.IsZero() {
		return fmt.Errorf("completed_at is required")
	}
	var sentAt sql.NullInt64
	if outcome.Status == domain.NotificationSent {
		sentAt = sql.NullInt64{Int64: toMillis(outcome.CompletedAt), Valid: true}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete notification: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
UPDATE notification_events
SET status = ?, error_code = ?, error = ?, attempt_count = MAX(attempt_count, ?), lease_expires_at = NULL,
    updated_at = ?, sent_at = COALESCE(?, sent_at)
WHERE id = ? AND status = ?
`,
		outcome.Status,
		outcome.ErrorCode,
		outcome.Error,
		outcome.AttemptCount,
		toMillis(outcome.CompletedAt),
		sentAt,
		outcome.EventID,
		domain.NotificationPending,
	)
	if err != nil {
		return rollbackWith(tx, fmt.Errorf("complete notification: %w", err))
	}
	if err := requireAffected(result, "complete notification"); err != nil {
		return rollbackWith(tx, err)
	}
	if outcome.Audit != nil {
		if err := insertAuditExec(ctx, tx, s.newID, *outcome.Audit); err != nil {
			return rollbackWith(tx, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete notification: %w", err)
	}
	return nil
}

// GetNotification loads one notification event.
func (s *Store) GetNotification(ctx context.Context, eventID string) (domain.NotificationEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.NotificationEvent{}, err
	}
	if err := s.configured(); err != nil {
		return domain.NotificationEvent{}, err
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return domain.NotificationEvent{}, fmt.Errorf("event id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notification_events WHERE id = ?`, eventID)
	event, err := scanNotification(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotificationEvent{}, storage.ErrNotFound
		}
		return domain.NotificationEvent{}, fmt.Errorf("get notification: %w", err)
	}
	return event, nil
}

// ListNotifications lists every event of a request, oldest first.
func (s *Store) ListNotifications(ctx context.Context, requestID string) ([]domain.NotificationEvent, error) {
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
	return queryNotifications(ctx, s.sqlDB, `
SELECT `+notificationColumns+` FROM notification_events WHERE request_id = ? ORDER BY created_at ASC, id ASC
`, requestID)
}

// ListNotificationAttempts lists delivery attempts of an event in order.
func (s *Store) ListNotificationAttempts(ctx context.Context, eventID string) ([]domain.NotificationAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.configured(); err != nil {
		return nil, err
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, fmt.Errorf("event id is required")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT event_id, attempt, outcome, error_code, error, attempted_at, duration_ms
FROM notification_attempts WHERE event_id = ? ORDER BY attempt ASC
`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list notification attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.NotificationAttempt
	for rows.Next() {
		var (
			attempt     domain.NotificationAttempt
			attemptedAt int64
			durationMS  int64
		)
		if err := rows.Scan(&attempt.EventID, &attempt.Attempt, &attempt.Outcome, &attempt.ErrorCode, &attempt.Error, &attemptedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan notification attempt: %w", err)
		}
		attempt.AttemptedAt = fromMillis(attemptedAt)
		attempt.Duration = time.Duration(durationMS) * time.Millisecond
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification attempts: %w", err)
	}
	return attempts, nil
}

func queryNotifications(ctx context.Context, q sqlQueryer, query string, args ...any) ([]domain.NotificationEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var events []domain.NotificationEvent
	for rows.Next() {
		event, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}
	return events, nil
}

func scanNotification(scan scanner) (domain.NotificationEvent, error) {
	var (
		event     domain.NotificationEvent
		kind      string
		status    string
		payload   string
		leaseAt   sql.NullInt64
		createdAt int64
		updatedAt int64
		sentAt    sql.NullInt64
	)
	if err := scan(
		&event.ID,
		&event.RequestID,
		&event.RoutingID,
		&event.CounterpartyID,
		&event.SenderID,
		&kind,
		&event.Channel,
		&event.Recipient,
		&status,
		&payload,
		&event.ErrorCode,
		&event.Error,
		&event.AttemptCount,
		&leaseAt,
		&createdAt,
		&updatedAt,
		&sentAt,
	); err != nil {
		return domain.NotificationEvent{}, err
	}
	event.Kind = domain.NotificationKind(kind)
	event.Status = domain.NotificationStatus(status)
	if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
		return domain.NotificationEvent{}, fmt.Errorf("decode notification payload: %w", err)
	}
	event.LeaseExpiresAt = timePtr(leaseAt)
	event.CreatedAt = fromMillis(createdAt)
	event.UpdatedAt = fromMillis(updatedAt)
	event.SentAt = timePtr(sentAt)
	return event, nil
}
