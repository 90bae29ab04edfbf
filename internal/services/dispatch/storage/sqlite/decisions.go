package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
)

const decisionColumns = `id, request_id, routing_id, counterparty_id, verdict, proposed_terms, reason, decided_at, decided_by`

func insertDecisionExec(ctx context.Context, execer sqlExecer, decision domain.Decision) error {
	decision.ID = strings.TrimSpace(decision.ID)
	decision.RoutingID = strings.TrimSpace(decision.RoutingID)
	decision.DecidedBy = strings.TrimSpace(decision.DecidedBy)
	if decision.ID == "" {
		return fmt.Errorf("decision id is required")
	}
	if decision.RoutingID == "" {
		return fmt.Errorf("decision routing id is required")
	}
	if decision.Verdict != domain.VerdictApproved && decision.Verdict != domain.VerdictDeclined {
		return fmt.Errorf("decision verdict %q is invalid", decision.Verdict)
	}
	if decision.DecidedBy == "" {
		return fmt.Errorf("decided_by is required")
	}
	if decision.DecidedAt.IsZero() {
		return fmt.Errorf("decided_at is required")
	}
	_, err := execer.ExecContext(ctx, `
INSERT INTO decisions (`+decisionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		decision.ID,
		decision.RequestID,
		decision.RoutingID,
		decision.CounterpartyID,
		decision.Verdict,
		nullDecimal(decision.ProposedTerms),
		strings.TrimSpace(decision.Reason),
		toMillis(decision.DecidedAt),
		decision.DecidedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecisionByRouting loads the decision bound to a routing.
func (s *Store) GetDecisionByRouting(ctx context.Context, routingID string) (domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return domain.Decision{}, err
	}
	if err := s.configured(); err != nil {
		return domain.Decision{}, err
	}
	routingID = strings.TrimSpace(routingID)
	if routingID == "" {
		return domain.Decision{}, fmt.Errorf("routing id is required")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decisions WHERE routing_id = ?`, routingID)
	decision, err := scanDecision(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Decision{}, storage.ErrNotFound
		}
		return domain.Decision{}, fmt.Errorf("get decision: %w", err)
	}
	return decision, nil
}

// ListDecisions lists every decision recorded for a request, oldest first.
func (s *Store) ListDecisions(ctx context.Context, requestID string) ([]domain.Decision, error) {
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
SELECT `+decisionColumns+` FROM decisions WHERE request_id = ? ORDER BY decided_at ASC, id ASC
`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []domain.Decision
	for rows.Next() {
		decision, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan decision row: %w", err)
		}
		decisions = append(decisions, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decision rows: %w", err)
	}
	return decisions, nil
}

func scanDecision(scan scanner) (domain.Decision, error) {
	var (
		decision  domain.Decision
		verdict   string
		proposed  sql.NullString
		decidedAt int64
	)
	if err := scan(
		&decision.ID,
		&decision.RequestID,
		&decision.RoutingID,
		&decision.CounterpartyID,
		&verdict,
		&proposed,
		&decision.Reason,
		&decidedAt,
		&decision.DecidedBy,
	); err != nil {
		return domain.Decision{}, err
	}
	decision.Verdict = domain.Verdict(verdict)
	terms, err := decimalPtr(proposed)
	if err != nil {
		return domain.Decision{}, err
	}
	decision.ProposedTerms = terms
	decision.DecidedAt = fromMillis(decidedAt)
	return decision, nil
}
