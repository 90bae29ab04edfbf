package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
)

// PutCandidateGeneration supersedes the current candidates of a request and
// writes the new generation with its audit entry.
func (s *Store) PutCandidateGeneration(ctx context.Context, generation storage.CandidateGeneration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.configured(); err != nil {
		return err
	}
	generation.RequestID = strings.TrimSpace(generation.RequestID)
	if generation.RequestID == "" {
		return fmt.Errorf("request id is required")
	}
	if generation.Generation <= 0 {
		return fmt.Errorf("generation must be greater than zero")
	}
	if generation.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin candidate generation: %w", err)
	}

	var latest int
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(generation), 0) FROM candidates WHERE request_id = ?
`, generation.RequestID).Scan(&latest); err != nil {
		return rollbackWith(tx, fmt.Errorf("read latest generation: %w", err))
	}
	if generation.Generation <= latest {
		return rollbackWith(tx, storage.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE candidates SET superseded_at = ?
WHERE request_id = ? AND superseded_at IS NULL
`, toMillis(generation.CreatedAt), generation.RequestID); err != nil {
		return rollbackWith(tx, fmt.Errorf("supersede candidates: %w", err))
	}

	for _, candidate := range generation.Candidates {
		if err := insertCandidateExec(ctx, tx, generation, candidate); err != nil {
			return rollbackWith(tx, err)
		}
	}
	if err := insertAuditExec(ctx, tx, s.newID, generation.Audit); err != nil {
		return rollbackWith(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit candidate generation: %w", err)
	}
	return nil
}

func insertCandidateExec(ctx context.Context, execer sqlExecer, generation storage.CandidateGeneration, candidate domain.Candidate) error {
	counterpartyID := strings.TrimSpace(candidate.CounterpartyID)
	if counterpartyID == "" {
		return fmt.Errorf("candidate counterparty id is required")
	}
	breakdown, err := marshalJSON(candidate.Breakdown)
	if err != nil {
		return fmt.Errorf("encode score breakdown: %w", err)
	}
	profile, err := marshalJSON(candidate.Profile)
	if err != nil {
		return fmt.Errorf("encode candidate profile: %w", err)
	}
	eligible := 0
	if candidate.Eligible {
		eligible = 1
	}
	_, err = execer.ExecContext(ctx, `
INSERT INTO candidates (
    request_id, generation, counterparty_id, eligible, reason, score, rank,
    breakdown_json, distance_km, profile_json, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		generation.RequestID,
		generation.Generation,
		counterpartyID,
		eligible,
		candidate.Reason,
		candidate.Score,
		candidate.Rank,
		breakdown,
		nullFloat(candidate.DistanceKm),
		profile,
		toMillis(generation.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

// LatestCandidateGeneration returns the newest generation number, or zero.
func (s *Store) LatestCandidateGeneration(ctx context.Context, requestID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.configured(); err != nil {
		return 0, err
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return 0, fmt.Errorf("request id is required")
	}
	var latest int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COALESCE(MAX(generation), 0) FROM candidates WHERE request_id = ?
`, requestID).Scan(&latest); err != nil {
		return 0, fmt.Errorf("read latest generation: %w", err)
	}
	return latest, nil
}

// ListCandidates returns the newest generation: eligible candidates by rank,
// then ineligible ones by counterparty id.
func (s *Store) ListCandidates(ctx context.Context, requestID string) ([]domain.Candidate, error) {
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
SELECT request_id, generation, counterparty_id, eligible, reason, score, rank,
       breakdown_json, distance_km, profile_json, created_at, superseded_at
FROM candidates
WHERE request_id = ?
  AND generation = (SELECT MAX(generation) FROM candidates WHERE request_id = ?)
ORDER BY eligible DESC, rank ASC, counterparty_id ASC
`, requestID, requestID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var candidates []domain.Candidate
	for rows.Next() {
		candidate, err := scanCandidate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		candidates = append(candidates, candidate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate rows: %w", err)
	}
	return candidates, nil
}

func scanCandidate(scan scanner) (domain.Candidate, error) {
	var (
		candidate    domain.Candidate
		eligible     int
		breakdown    string
		distance     sql.NullFloat64
		profile      string
		createdAt    int64
		supersededAt sql.NullInt64
	)
	if err := scan(
		&candidate.RequestID,
		&candidate.Generation,
		&candidate.CounterpartyID,
		&eligible,
		&candidate.Reason,
		&candidate.Score,
		&candidate.Rank,
		&breakdown,
		&distance,
		&profile,
		&createdAt,
		&supersededAt,
	); err != nil {
		return domain.Candidate{}, err
	}
	candidate.Eligible = eligible == 1
	if err := json.Unmarshal([]byte(breakdown), &candidate.Breakdown); err != nil {
		return domain.Candidate{}, fmt.Errorf("decode score breakdown: %w", err)
	}
	if err := json.Unmarshal([]byte(profile), &candidate.Profile); err != nil {
		return domain.Candidate{}, fmt.Errorf("decode candidate profile: %w", err)
	}
	candidate.DistanceKm = floatPtr(distance)
	candidate.CreatedAt = fromMillis(createdAt)
	candidate.SupersededAt = timePtr(supersededAt)
	return candidate, nil
}
