package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
)

// ListAudit returns the audit trail of a request in append order.
func (s *Store) ListAudit(ctx context.Context, requestID string) ([]domain.AuditEntry, error) {
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

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, request_id, actor, action, entity_type, entity_id, metadata_json, created_at
FROM audit_log
WHERE request_id = ?
ORDER BY seq ASC
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			entry     domain.AuditEntry
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.RequestID, &entry.Actor, &entry.Action, &entry.EntityType, &entry.EntityID, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		entry.CreatedAt = fromMillis(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return entries, nil
}
