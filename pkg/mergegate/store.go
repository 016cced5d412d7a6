package mergegate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forgebay/internal/db"
)

// ApprovalStore provides database operations for approval decisions.
type ApprovalStore struct {
	dbtx db.DBTX
}

// NewApprovalStore creates an ApprovalStore.
func NewApprovalStore(dbtx db.DBTX) *ApprovalStore {
	return &ApprovalStore{dbtx: dbtx}
}

const approvalColumns = `id, run_id, reviewer_id, decision, reason, failure_reason_code, created_at`

func scanApproval(row pgx.Row) (Approval, error) {
	var a Approval
	err := row.Scan(&a.ID, &a.RunID, &a.ReviewerID, &a.Decision, &a.Reason, &a.FailureReasonCode, &a.CreatedAt)
	return a, err
}

// RecordParams are the fields supplied when recording an approval decision.
type RecordParams struct {
	RunID             string
	ReviewerID        *string
	Decision          ApprovalDecision
	Reason            *string
	FailureReasonCode *string
}

// Record appends one approval decision row.
func (s *ApprovalStore) Record(ctx context.Context, p RecordParams) (Approval, error) {
	query := `INSERT INTO approvals (run_id, reviewer_id, decision, reason, failure_reason_code)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING ` + approvalColumns
	row := s.dbtx.QueryRow(ctx, query, p.RunID, p.ReviewerID, p.Decision, p.Reason, p.FailureReasonCode)
	a, err := scanApproval(row)
	if err != nil {
		return Approval{}, fmt.Errorf("recording approval: %w", err)
	}
	return a, nil
}

// ListForRun returns every approval decision for runID, oldest first.
func (s *ApprovalStore) ListForRun(ctx context.Context, runID string) ([]Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE run_id = $1 ORDER BY created_at, id`
	rows, err := s.dbtx.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	defer rows.Close()
	var items []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning approval row: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approval rows: %w", err)
	}
	return items, nil
}

// ReleaseStore provides database operations for releases.
type ReleaseStore struct {
	dbtx db.DBTX
}

// NewReleaseStore creates a ReleaseStore.
func NewReleaseStore(dbtx db.DBTX) *ReleaseStore {
	return &ReleaseStore{dbtx: dbtx}
}

const releaseColumns = `release_id, commit_sha, status, migration_marker, created_at, updated_at`

func scanRelease(row pgx.Row) (Release, error) {
	var r Release
	err := row.Scan(&r.ReleaseID, &r.CommitSHA, &r.Status, &r.MigrationMarker, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// Get returns a single release by its ID (the commit SHA it deployed).
func (s *ReleaseStore) Get(ctx context.Context, releaseID string) (Release, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE release_id = $1`, releaseID)
	return scanRelease(row)
}

// List returns every release, newest first.
func (s *ReleaseStore) List(ctx context.Context, limit, offset int) ([]Release, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+releaseColumns+` FROM releases
	ORDER BY created_at DESC, release_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing releases: %w", err)
	}
	defer rows.Close()
	var items []Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning release row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating release rows: %w", err)
	}
	return items, nil
}

// Count returns the total number of release rows.
func (s *ReleaseStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM releases`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting releases: %w", err)
	}
	return count, nil
}

// CurrentDeployed returns the release row currently marked deployed, if
// any. There is at most one at a time.
func (s *ReleaseStore) CurrentDeployed(ctx context.Context) (Release, bool, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE status = $1 ORDER BY updated_at DESC LIMIT 1`
	row := s.dbtx.QueryRow(ctx, query, ReleaseStatusDeployed)
	r, err := scanRelease(row)
	if err == pgx.ErrNoRows {
		return Release{}, false, nil
	}
	if err != nil {
		return Release{}, false, fmt.Errorf("reading current deployed release: %w", err)
	}
	return r, true, nil
}

// Upsert inserts or updates releaseID's row with the given status.
func (s *ReleaseStore) Upsert(ctx context.Context, releaseID, commitSHA string, status ReleaseStatus) (Release, error) {
	query := `INSERT INTO releases (release_id, commit_sha, status)
	VALUES ($1, $2, $3)
	ON CONFLICT (release_id) DO UPDATE SET status = $3, updated_at = now()
	RETURNING ` + releaseColumns
	row := s.dbtx.QueryRow(ctx, query, releaseID, commitSHA, status)
	r, err := scanRelease(row)
	if err != nil {
		return Release{}, fmt.Errorf("upserting release: %w", err)
	}
	return r, nil
}

// MarkStatus updates releaseID's status in place.
func (s *ReleaseStore) MarkStatus(ctx context.Context, releaseID string, status ReleaseStatus) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE releases SET status = $2, updated_at = now() WHERE release_id = $1`, releaseID, status)
	if err != nil {
		return fmt.Errorf("marking release status: %w", err)
	}
	return nil
}
