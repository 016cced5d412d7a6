package run

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forgebay/internal/db"
)

// Store provides database operations for runs.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a run Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// WithTx returns a Store bound to tx, for use inside a transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{dbtx: tx}
}

const runColumns = `id, title, prompt, status, route, slot_id, branch_name,
	worktree_path, commit_sha, parent_run_id, failure_reason_code, created_by,
	created_at, updated_at`

func scanRun(row pgx.Row) (Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.Title, &r.Prompt, &r.Status, &r.Route, &r.SlotID, &r.BranchName,
		&r.WorktreePath, &r.CommitSHA, &r.ParentRunID, &r.FailureReason, &r.CreatedBy,
		&r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func scanRuns(rows pgx.Rows) ([]Run, error) {
	defer rows.Close()
	var items []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return items, nil
}

// CreateParams holds parameters for creating a run.
type CreateParams struct {
	ID          string
	Title       string
	Prompt      string
	Route       string
	ParentRunID *string
	CreatedBy   *string
}

// Create inserts a new run in the queued state and its RunContext row.
func (s *Store) Create(ctx context.Context, p CreateParams, rc Context) (Run, error) {
	query := `INSERT INTO runs (id, title, prompt, status, route, parent_run_id, created_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING ` + runColumns
	row := s.dbtx.QueryRow(ctx, query, p.ID, p.Title, p.Prompt, StatusQueued, p.Route, p.ParentRunID, p.CreatedBy)
	r, err := scanRun(row)
	if err != nil {
		return Run{}, fmt.Errorf("creating run: %w", err)
	}

	_, err = s.dbtx.Exec(ctx, `INSERT INTO run_contexts (run_id, route, page_title, element_hint, note, metadata)
	VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, rc.Route, rc.PageTitle, rc.ElementHint, rc.Note, rc.Metadata)
	if err != nil {
		return Run{}, fmt.Errorf("creating run context: %w", err)
	}
	return r, nil
}

// Get returns a single run by ID.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(s.dbtx.QueryRow(ctx, query, id))
}

// GetForUpdate returns a single run by ID with a row lock held for the
// caller's transaction, serializing concurrent transitions on the same run.
func (s *Store) GetForUpdate(ctx context.Context, id string) (Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1 FOR UPDATE`
	return scanRun(s.dbtx.QueryRow(ctx, query, id))
}

// ListFilters narrows the result of List.
type ListFilters struct {
	Status string
	Route  string
}

// List returns runs matching filters, newest first, offset-paginated.
func (s *Store) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Run, error) {
	where, args := buildFilterClauses(filters)
	argN := len(args) + 1
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		runColumns, where, argN, argN+1)
	args = append(args, limit, offset)
	rows, err := s.dbtx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return scanRuns(rows)
}

// Count returns the count of runs matching filters.
func (s *Store) Count(ctx context.Context, filters ListFilters) (int, error) {
	where, args := buildFilterClauses(filters)
	query := fmt.Sprintf(`SELECT count(*) FROM runs WHERE %s`, where)
	var count int
	if err := s.dbtx.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}
	return count, nil
}

func buildFilterClauses(filters ListFilters) (string, []any) {
	where := "1=1"
	var args []any
	argN := 1
	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, filters.Status)
		argN++
	}
	if filters.Route != "" {
		where += fmt.Sprintf(" AND route = $%d", argN)
		args = append(args, filters.Route)
		argN++
	}
	return where, args
}

// UpdateStatus applies a transition's persisted side effects: new status,
// optional failure reason, and optional allocation fields. Callers must hold
// the row lock taken by GetForUpdate within the same transaction.
type UpdateStatusParams struct {
	ID            string
	Status        Status
	FailureReason *string
	SlotID        *string
	BranchName    *string
	WorktreePath  *string
	CommitSHA     *string
}

// UpdateStatus writes the new status and associated fields for a run.
func (s *Store) UpdateStatus(ctx context.Context, p UpdateStatusParams) (Run, error) {
	query := `UPDATE runs SET status = $2, failure_reason_code = $3,
		slot_id = COALESCE($4, slot_id), branch_name = COALESCE($5, branch_name),
		worktree_path = COALESCE($6, worktree_path), commit_sha = COALESCE($7, commit_sha),
		updated_at = now()
	WHERE id = $1
	RETURNING ` + runColumns
	row := s.dbtx.QueryRow(ctx, query, p.ID, p.Status, p.FailureReason,
		p.SlotID, p.BranchName, p.WorktreePath, p.CommitSHA)
	r, err := scanRun(row)
	if err != nil {
		return Run{}, fmt.Errorf("updating run status: %w", err)
	}
	return r, nil
}

// SetSlotID records the slot a run's lease was acquired on, without
// touching status or any other field.
func (s *Store) SetSlotID(ctx context.Context, id, slotID string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE runs SET slot_id = $2, updated_at = now() WHERE id = $1`, id, slotID)
	if err != nil {
		return fmt.Errorf("setting run slot: %w", err)
	}
	return nil
}

// ClearAllocation nulls the slot/worktree fields on cancel or release.
func (s *Store) ClearAllocation(ctx context.Context, id string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE runs SET slot_id = NULL, worktree_path = NULL, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clearing run allocation: %w", err)
	}
	return nil
}

// ListExpirableCandidates returns non-terminal runs whose slot lease has
// expired, for the scheduler's expire sweep.
func (s *Store) ListExpirableCandidates(ctx context.Context) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs r
	WHERE r.status NOT IN ('merged', 'failed', 'canceled', 'expired')
	  AND r.slot_id IS NOT NULL
	  AND EXISTS (
	    SELECT 1 FROM slot_leases sl
	    WHERE sl.slot_id = r.slot_id AND sl.run_id = r.id AND sl.expires_at < now()
	  )`
	rows, err := s.dbtx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing expirable runs: %w", err)
	}
	return scanRuns(rows)
}
