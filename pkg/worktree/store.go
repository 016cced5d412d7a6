package worktree

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forgebay/internal/db"
)

// Store provides database operations for slot worktree bindings.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a worktree Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const bindingColumns = `slot_id, run_id, branch_name, worktree_path, binding_state,
	last_action, created_at, updated_at, released_at`

func scanBinding(row pgx.Row) (Binding, error) {
	var b Binding
	err := row.Scan(&b.SlotID, &b.RunID, &b.BranchName, &b.WorktreePath, &b.BindingState,
		&b.LastAction, &b.CreatedAt, &b.UpdatedAt, &b.ReleasedAt)
	return b, err
}

func scanBindings(rows pgx.Rows) ([]Binding, error) {
	defer rows.Close()
	var items []Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worktree binding row: %w", err)
		}
		items = append(items, b)
	}
	return items, rows.Err()
}

// List returns every binding row for the configured slot pool.
func (s *Store) List(ctx context.Context, slotIDs []string) ([]Binding, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+bindingColumns+` FROM slot_worktree_bindings
		WHERE slot_id = ANY($1) ORDER BY array_position($1, slot_id)`, slotIDs)
	if err != nil {
		return nil, fmt.Errorf("listing worktree bindings: %w", err)
	}
	return scanBindings(rows)
}

// GetForUpdate returns a single slot's binding row with a row lock.
func (s *Store) GetForUpdate(ctx context.Context, slotID string) (Binding, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+bindingColumns+` FROM slot_worktree_bindings
		WHERE slot_id = $1 FOR UPDATE`, slotID)
	return scanBinding(row)
}

// Assign upserts the active binding for slotID.
func (s *Store) Assign(ctx context.Context, slotID, runID, branchName, worktreePath string, action LastAction) (Binding, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE slot_worktree_bindings
		SET run_id = $2, branch_name = $3, worktree_path = $4, binding_state = 'active',
			last_action = $5, released_at = NULL, updated_at = now()
		WHERE slot_id = $1
		RETURNING `+bindingColumns, slotID, runID, branchName, worktreePath, action)
	b, err := scanBinding(row)
	if err != nil {
		return Binding{}, fmt.Errorf("assigning worktree binding for slot %s: %w", slotID, err)
	}
	return b, nil
}

// Release clears the binding for slotID, marking it released.
func (s *Store) Release(ctx context.Context, slotID string) (Binding, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE slot_worktree_bindings
		SET run_id = NULL, binding_state = 'released', last_action = 'cleaned_up',
			released_at = now(), updated_at = now()
		WHERE slot_id = $1
		RETURNING `+bindingColumns, slotID)
	b, err := scanBinding(row)
	if err != nil {
		return Binding{}, fmt.Errorf("releasing worktree binding for slot %s: %w", slotID, err)
	}
	return b, nil
}
