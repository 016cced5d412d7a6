package run

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forgebay/internal/db"
)

// Check is a single attempt of one validation check. Checks are
// append-only: a re-run writes a new row rather than mutating the last
// one, so history is preserved.
type Check struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	CheckName   string     `json:"check_name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ArtifactURI *string    `json:"artifact_uri,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CheckStore provides database operations for validation checks.
type CheckStore struct {
	dbtx db.DBTX
}

// NewCheckStore creates a CheckStore.
func NewCheckStore(dbtx db.DBTX) *CheckStore {
	return &CheckStore{dbtx: dbtx}
}

const checkColumns = `id, run_id, check_name, status, started_at, ended_at, artifact_uri, created_at`

func scanCheck(row pgx.Row) (Check, error) {
	var c Check
	err := row.Scan(&c.ID, &c.RunID, &c.CheckName, &c.Status, &c.StartedAt, &c.EndedAt, &c.ArtifactURI, &c.CreatedAt)
	return c, err
}

// RecordParams are the fields supplied when recording a check attempt.
type RecordParams struct {
	RunID       string
	CheckName   string
	Status      string
	StartedAt   *time.Time
	EndedAt     *time.Time
	ArtifactURI *string
}

// Record appends one check attempt row.
func (s *CheckStore) Record(ctx context.Context, p RecordParams) (Check, error) {
	query := `INSERT INTO validation_checks (run_id, check_name, status, started_at, ended_at, artifact_uri)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING ` + checkColumns
	row := s.dbtx.QueryRow(ctx, query, p.RunID, p.CheckName, p.Status, p.StartedAt, p.EndedAt, p.ArtifactURI)
	c, err := scanCheck(row)
	if err != nil {
		return Check{}, fmt.Errorf("recording validation check: %w", err)
	}
	return c, nil
}

// ListForRun returns every check attempt for runID, oldest first.
func (s *CheckStore) ListForRun(ctx context.Context, runID string) ([]Check, error) {
	query := `SELECT ` + checkColumns + ` FROM validation_checks WHERE run_id = $1 ORDER BY created_at, id`
	rows, err := s.dbtx.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing validation checks: %w", err)
	}
	defer rows.Close()
	var items []Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning validation check row: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating validation check rows: %w", err)
	}
	return items, nil
}

// LatestForRun returns the most recent attempt per distinct check_name,
// which is what the merge gate re-checks against before merging.
func (s *CheckStore) LatestForRun(ctx context.Context, runID string) ([]Check, error) {
	query := `SELECT DISTINCT ON (check_name) ` + checkColumns + `
	FROM validation_checks WHERE run_id = $1 ORDER BY check_name, created_at DESC, id DESC`
	rows, err := s.dbtx.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing latest validation checks: %w", err)
	}
	defer rows.Close()
	var items []Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning validation check row: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating validation check rows: %w", err)
	}
	return items, nil
}
