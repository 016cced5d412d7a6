package worktree

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/audit"
	"github.com/wisbric/forgebay/internal/db"
	"github.com/wisbric/forgebay/internal/events"
	"github.com/wisbric/forgebay/internal/gitdriver"
	"github.com/wisbric/forgebay/pkg/run"
	"github.com/wisbric/forgebay/pkg/slot"
)

// Manager assigns and releases the git branch + worktree bound to a slot's
// active lease.
type Manager struct {
	pool         *pgxpool.Pool
	worktreeRoot string
	mainBranch   string
	driver       gitdriver.Driver
	events       *events.Store
	broadcaster  *events.Broadcaster
	audit        *audit.Writer
	logger       *slog.Logger
}

// NewManager creates a worktree Manager.
func NewManager(pool *pgxpool.Pool, worktreeRoot, mainBranch string, driver gitdriver.Driver,
	eventStore *events.Store, broadcaster *events.Broadcaster, auditWriter *audit.Writer, logger *slog.Logger,
) *Manager {
	return &Manager{
		pool:         pool,
		worktreeRoot: worktreeRoot,
		mainBranch:   mainBranch,
		driver:       driver,
		events:       eventStore,
		broadcaster:  broadcaster,
		audit:        auditWriter,
		logger:       logger,
	}
}

// AssignResult is the outcome of Assign.
type AssignResult struct {
	SlotID       string     `json:"slot_id"`
	BranchName   string     `json:"branch_name"`
	WorktreePath string     `json:"worktree_path"`
	Action       LastAction `json:"action"`
}

// Assign binds slotID's active lease (held by runID) to the canonical branch
// and on-disk worktree for that run, invoking the git driver and recording
// the binding. It requires the slot's lease to already be held by runID.
func (m *Manager) Assign(ctx context.Context, runID, slotID string) (AssignResult, error) {
	var result AssignResult
	var ev *events.RunEvent

	err := db.WithTx(ctx, m.pool, func(ctx context.Context, tx pgx.Tx) error {
		slotStore := slot.NewStore(tx)
		lease, err := slotStore.GetForUpdate(ctx, slotID)
		if err != nil {
			return apierr.Internal("reading slot lease", err)
		}
		if lease.LeaseState != slot.LeaseStateLeased || lease.RunID == nil || *lease.RunID != runID {
			return apierr.LeaseMismatch(fmt.Sprintf("slot %s is not leased to run %s", slotID, runID))
		}

		runStore := run.NewStore(tx)
		r, err := runStore.GetForUpdate(ctx, runID)
		if err != nil {
			return apierr.Internal("reading run", err)
		}
		branch := BranchName(runID)
		if r.BranchName != nil && *r.BranchName != branch {
			return apierr.Conflict(fmt.Sprintf("run %s already bound to branch %q", runID, *r.BranchName))
		}

		path := WorktreePath(m.worktreeRoot, slotID)

		store := NewStore(tx)
		existing, err := store.GetForUpdate(ctx, slotID)
		if err != nil {
			return apierr.Internal("reading worktree binding", err)
		}

		action := ActionAssigned
		if existing.BindingState == BindingStateActive && existing.RunID != nil && *existing.RunID == runID &&
			existing.BranchName != nil && *existing.BranchName == branch &&
			existing.WorktreePath != nil && *existing.WorktreePath == path {
			action = ActionReused
		}

		if err := m.driver.EnsureBranch(ctx, branch, m.mainBranch); err != nil {
			return apierr.DriverFailed("ensuring branch", err)
		}
		if err := m.driver.CreateWorktree(ctx, path, branch); err != nil {
			return apierr.DriverFailed("creating worktree", err)
		}

		if _, err := store.Assign(ctx, slotID, runID, branch, path, action); err != nil {
			return apierr.Internal("persisting worktree binding", err)
		}

		if _, err := runStore.UpdateStatus(ctx, run.UpdateStatusParams{
			ID:           runID,
			Status:       r.Status,
			BranchName:   &branch,
			WorktreePath: &path,
		}); err != nil {
			return apierr.Internal("recording branch/worktree on run", err)
		}

		result = AssignResult{SlotID: slotID, BranchName: branch, WorktreePath: path, Action: action}

		eventType := "worktree_assigned"
		auditAction := "worktree.assign"
		if action == ActionReused {
			eventType = "worktree_reused"
			auditAction = "worktree.reuse"
		}
		payload, _ := json.Marshal(result)
		ev2, err := m.events.Append(ctx, tx, runID, eventType, nil, nil, payload)
		if err != nil {
			return apierr.Internal("appending worktree event", err)
		}
		ev = &ev2

		if m.audit != nil {
			m.audit.Log(audit.Entry{RunID: &runID, SlotID: &slotID, Actor: "api", Action: auditAction, Resource: "worktree", ResourceID: slotID, Detail: payload})
		}
		return nil
	})
	if err != nil {
		return AssignResult{}, err
	}
	if ev != nil {
		m.broadcaster.Publish(ctx, *ev)
	}
	return result, nil
}

// Cleanup removes the git worktree bound to slotID and releases the
// binding. If runID is non-empty it must match the binding's current
// holder. Idempotent: cleaning up an already-released slot succeeds.
func (m *Manager) Cleanup(ctx context.Context, slotID, runID string) error {
	var releasedRunID string
	var ev *events.RunEvent

	err := db.WithTx(ctx, m.pool, func(ctx context.Context, tx pgx.Tx) error {
		store := NewStore(tx)
		existing, err := store.GetForUpdate(ctx, slotID)
		if err != nil {
			return apierr.Internal("reading worktree binding", err)
		}
		if runID != "" && existing.RunID != nil && *existing.RunID != runID {
			return apierr.Conflict(fmt.Sprintf("slot %s worktree is bound to a different run", slotID))
		}
		if existing.RunID != nil {
			releasedRunID = *existing.RunID
		}

		if existing.WorktreePath != nil {
			if err := m.driver.RemoveWorktree(ctx, *existing.WorktreePath, false); err != nil {
				return apierr.DriverFailed("removing worktree", err)
			}
		}

		if _, err := store.Release(ctx, slotID); err != nil {
			return apierr.Internal("releasing worktree binding", err)
		}

		if releasedRunID != "" {
			if err := run.NewStore(tx).ClearAllocation(ctx, releasedRunID); err != nil {
				return apierr.Internal("clearing run allocation", err)
			}
		}

		payload, _ := json.Marshal(map[string]string{"slot_id": slotID})
		if releasedRunID != "" {
			ev2, err := m.events.Append(ctx, tx, releasedRunID, "worktree_cleaned", nil, nil, payload)
			if err != nil {
				return apierr.Internal("appending worktree_cleaned event", err)
			}
			ev = &ev2
		}

		if m.audit != nil {
			m.audit.Log(audit.Entry{SlotID: &slotID, Actor: "api", Action: "worktree.cleanup", Resource: "worktree", ResourceID: slotID, Detail: payload})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ev != nil && releasedRunID != "" {
		m.broadcaster.Publish(ctx, *ev)
	}
	return nil
}
