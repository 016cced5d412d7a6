package previewdb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forgebay/internal/db"
)

// Store provides database operations for preview DB reset provenance rows.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a previewdb Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const resetColumns = `id, run_id, slot_id, db_name, strategy, seed_version,
	snapshot_version, dry_run, reset_status, details, started_at, ended_at`

func scanReset(row pgx.Row) (Reset, error) {
	var rs Reset
	err := row.Scan(&rs.ID, &rs.RunID, &rs.SlotID, &rs.DBName, &rs.Strategy, &rs.SeedVersion,
		&rs.SnapshotVersion, &rs.DryRun, &rs.ResetStatus, &rs.Details, &rs.StartedAt, &rs.EndedAt)
	return rs, err
}

func scanResets(rows pgx.Rows) ([]Reset, error) {
	defer rows.Close()
	var items []Reset
	for rows.Next() {
		rs, err := scanReset(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning preview db reset row: %w", err)
		}
		items = append(items, rs)
	}
	return items, rows.Err()
}

// CreateParams holds parameters for recording a reset attempt.
type CreateParams struct {
	RunID           string
	SlotID          string
	DBName          string
	Strategy        Strategy
	SeedVersion     *string
	SnapshotVersion *string
	DryRun          bool
	ResetStatus     ResetStatus
	Details         json.RawMessage
}

// Create inserts a new preview_db_resets provenance row.
func (s *Store) Create(ctx context.Context, p CreateParams) (Reset, error) {
	query := `INSERT INTO preview_db_resets
		(run_id, slot_id, db_name, strategy, seed_version, snapshot_version, dry_run, reset_status, details, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		RETURNING ` + resetColumns
	row := s.dbtx.QueryRow(ctx, query, p.RunID, p.SlotID, p.DBName, p.Strategy,
		p.SeedVersion, p.SnapshotVersion, p.DryRun, p.ResetStatus, p.Details)
	rs, err := scanReset(row)
	if err != nil {
		return Reset{}, fmt.Errorf("creating preview db reset row: %w", err)
	}
	return rs, nil
}

// ListForRun returns every reset provenance row for runID, oldest first.
func (s *Store) ListForRun(ctx context.Context, runID string) ([]Reset, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+resetColumns+` FROM preview_db_resets
		WHERE run_id = $1 ORDER BY started_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing preview db resets for run %s: %w", runID, err)
	}
	return scanResets(rows)
}
