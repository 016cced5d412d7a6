package slot

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forgebay/internal/db"
)

// Store provides database operations for slot leases.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a slot Store backed by the given database connection.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const leaseColumns = `slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at`

func scanLease(row pgx.Row) (Lease, error) {
	var l Lease
	err := row.Scan(&l.SlotID, &l.RunID, &l.LeaseState, &l.LeasedAt, &l.ExpiresAt, &l.HeartbeatAt)
	return l, err
}

func scanLeases(rows pgx.Rows) ([]Lease, error) {
	defer rows.Close()
	var items []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning slot lease row: %w", err)
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// EnsureSlots upserts a released lease row for every configured slot ID
// that does not already have one. Called once at startup so the invariant
// "exactly one SlotLease row per configured slot" holds regardless of slot
// pool configuration changes between deployments.
func (s *Store) EnsureSlots(ctx context.Context, slotIDs []string) error {
	for _, id := range slotIDs {
		_, err := s.dbtx.Exec(ctx, `
			INSERT INTO slot_leases (slot_id, lease_state)
			VALUES ($1, 'released')
			ON CONFLICT (slot_id) DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("ensuring slot lease row for %s: %w", id, err)
		}
		_, err = s.dbtx.Exec(ctx, `
			INSERT INTO slot_worktree_bindings (slot_id, binding_state)
			VALUES ($1, 'released')
			ON CONFLICT (slot_id) DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("ensuring slot worktree binding row for %s: %w", id, err)
		}
	}
	return nil
}

// ListOrdered returns the lease rows for slotIDs in that exact order,
// locked FOR UPDATE within the caller's transaction. Every row must already
// exist (EnsureSlots is called at startup).
func (s *Store) ListOrdered(ctx context.Context, slotIDs []string) ([]Lease, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+leaseColumns+` FROM slot_leases
		WHERE slot_id = ANY($1) ORDER BY array_position($1, slot_id) FOR UPDATE`, slotIDs)
	if err != nil {
		return nil, fmt.Errorf("listing slot leases: %w", err)
	}
	return scanLeases(rows)
}

// List returns the lease rows for slotIDs in that order without locking.
func (s *Store) List(ctx context.Context, slotIDs []string) ([]Lease, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+leaseColumns+` FROM slot_leases
		WHERE slot_id = ANY($1) ORDER BY array_position($1, slot_id)`, slotIDs)
	if err != nil {
		return nil, fmt.Errorf("listing slot leases: %w", err)
	}
	return scanLeases(rows)
}

// GetForRun returns the lease currently held by runID, if any, locked for
// update. ok is false if runID holds no lease.
func (s *Store) GetForRun(ctx context.Context, runID string) (Lease, bool, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM slot_leases
		WHERE run_id = $1 AND lease_state = 'leased' FOR UPDATE`, runID)
	l, err := scanLease(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Lease{}, false, nil
		}
		return Lease{}, false, fmt.Errorf("getting lease for run %s: %w", runID, err)
	}
	return l, true, nil
}

// GetForUpdate returns a single slot's lease row with a row lock.
func (s *Store) GetForUpdate(ctx context.Context, slotID string) (Lease, error) {
	row := s.dbtx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM slot_leases WHERE slot_id = $1 FOR UPDATE`, slotID)
	return scanLease(row)
}

// Acquire marks slotID leased by runID with the given expiry.
func (s *Store) Acquire(ctx context.Context, slotID, runID string, ttlSeconds int) (Lease, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE slot_leases
		SET run_id = $2, lease_state = 'leased', leased_at = now(),
			heartbeat_at = now(), expires_at = now() + make_interval(secs => $3)
		WHERE slot_id = $1
		RETURNING `+leaseColumns, slotID, runID, ttlSeconds)
	l, err := scanLease(row)
	if err != nil {
		return Lease{}, fmt.Errorf("acquiring slot %s: %w", slotID, err)
	}
	return l, nil
}

// Heartbeat extends slotID's lease held by runID. A lease past its expiry
// is not extendable even before the reaper has marked it expired.
func (s *Store) Heartbeat(ctx context.Context, slotID, runID string, ttlSeconds int) (Lease, bool, error) {
	row := s.dbtx.QueryRow(ctx, `
		UPDATE slot_leases
		SET heartbeat_at = now(), expires_at = now() + make_interval(secs => $3)
		WHERE slot_id = $1 AND run_id = $2 AND lease_state = 'leased' AND expires_at > now()
		RETURNING `+leaseColumns, slotID, runID, ttlSeconds)
	l, err := scanLease(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Lease{}, false, nil
		}
		return Lease{}, false, fmt.Errorf("heartbeating slot %s: %w", slotID, err)
	}
	return l, true, nil
}

// Release clears slotID's lease. If runID is non-empty it is required to
// match the current holder; returns ok=false on mismatch.
func (s *Store) Release(ctx context.Context, slotID, runID string) (bool, error) {
	query := `UPDATE slot_leases SET run_id = NULL, lease_state = 'released',
		leased_at = NULL, expires_at = NULL, heartbeat_at = NULL
		WHERE slot_id = $1`
	args := []any{slotID}
	if runID != "" {
		query += ` AND run_id = $2`
		args = append(args, runID)
	}
	ct, err := s.dbtx.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("releasing slot %s: %w", slotID, err)
	}
	return ct.RowsAffected() > 0, nil
}

// ListExpired returns leases currently marked leased whose expiry has
// passed, locked for update.
func (s *Store) ListExpired(ctx context.Context) ([]Lease, error) {
	rows, err := s.dbtx.Query(ctx, `SELECT `+leaseColumns+` FROM slot_leases
		WHERE lease_state = 'leased' AND expires_at < now() FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("listing expired slot leases: %w", err)
	}
	return scanLeases(rows)
}

// MarkExpired transitions a leased slot to expired and clears its run_id.
func (s *Store) MarkExpired(ctx context.Context, slotID string) error {
	_, err := s.dbtx.Exec(ctx, `
		UPDATE slot_leases SET lease_state = 'expired', run_id = NULL,
			leased_at = NULL, expires_at = NULL, heartbeat_at = NULL
		WHERE slot_id = $1`, slotID)
	if err != nil {
		return fmt.Errorf("marking slot %s expired: %w", slotID, err)
	}
	return nil
}
