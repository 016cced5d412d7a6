// Package allocation implements the Allocation Orchestrator: the single
// entry point a worker uses to put a newly-claimed run into a
// ready-to-edit state by composing the slot, worktree, and preview DB
// subsystems.
package allocation

import (
	"context"
	"log/slog"

	"github.com/wisbric/forgebay/pkg/previewdb"
	"github.com/wisbric/forgebay/pkg/slot"
	"github.com/wisbric/forgebay/pkg/worktree"
)

// Status is the outcome of an Allocate call.
type Status string

const (
	StatusAllocated Status = "allocated"
	StatusWaiting   Status = "waiting"
	StatusFailed    Status = "failed"
)

// Reason codes for a non-allocated outcome.
const (
	ReasonWaitingForSlot       = "WAITING_FOR_SLOT"
	ReasonWorktreeAssignFailed = "WORKTREE_ASSIGN_FAILED"
	ReasonPreviewDBResetFailed = "PREVIEW_DB_RESET_FAILED"
)

// Result is the outcome of Allocate.
type Result struct {
	Status        Status   `json:"status"`
	Reason        string   `json:"reason,omitempty"`
	SlotID        string   `json:"slot_id,omitempty"`
	BranchName    string   `json:"branch_name,omitempty"`
	WorktreePath  string   `json:"worktree_path,omitempty"`
	DBName        string   `json:"db_name,omitempty"`
	OccupiedSlots []string `json:"occupied_slots,omitempty"`
}

// Orchestrator composes the slot, worktree, and preview DB managers into a
// single idempotent allocation operation.
type Orchestrator struct {
	slots      *slot.Manager
	worktrees  *worktree.Manager
	previewDBs *previewdb.Coordinator
	logger     *slog.Logger
}

// NewOrchestrator creates an allocation Orchestrator.
func NewOrchestrator(slots *slot.Manager, worktrees *worktree.Manager, previewDBs *previewdb.Coordinator, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		slots:      slots,
		worktrees:  worktrees,
		previewDBs: previewDBs,
		logger:     logger,
	}
}

// Params are the arguments to Allocate. Force re-acquires a slot the run
// already holds instead of rejecting with a conflict, for workers resuming
// after a crash.
type Params struct {
	RunID           string
	Strategy        previewdb.Strategy
	SeedVersion     *string
	SnapshotVersion *string
	Force           bool
}

// Allocate runs the acquire → assign → reset_and_seed pipeline for runID.
// Each step's failure rolls back the steps already completed; no failure
// is ever left un-rolled-back or unreported.
func (o *Orchestrator) Allocate(ctx context.Context, p Params) (Result, error) {
	acquireResult, err := o.slots.Acquire(ctx, p.RunID, p.Force)
	if err != nil {
		return Result{}, err
	}
	if !acquireResult.Acquired {
		return Result{
			Status:        StatusWaiting,
			Reason:        ReasonWaitingForSlot,
			OccupiedSlots: acquireResult.OccupiedSlots,
		}, nil
	}
	slotID := acquireResult.SlotID

	assignResult, err := o.worktrees.Assign(ctx, p.RunID, slotID)
	if err != nil {
		if releaseErr := o.slots.Release(ctx, slotID, p.RunID); releaseErr != nil {
			o.logger.Error("releasing slot after failed worktree assign", "error", releaseErr, "run_id", p.RunID, "slot_id", slotID)
		}
		return Result{Status: StatusFailed, Reason: ReasonWorktreeAssignFailed, SlotID: slotID}, nil
	}

	reset, err := o.previewDBs.ResetAndSeed(ctx, previewdb.ResetAndSeedParams{
		RunID:           p.RunID,
		SlotID:          slotID,
		Strategy:        p.Strategy,
		SeedVersion:     p.SeedVersion,
		SnapshotVersion: p.SnapshotVersion,
	})
	if err != nil || reset.ResetStatus != previewdb.ResetStatusApplied {
		if cleanupErr := o.worktrees.Cleanup(ctx, slotID, p.RunID); cleanupErr != nil {
			o.logger.Error("cleaning up worktree after failed preview db reset", "error", cleanupErr, "run_id", p.RunID, "slot_id", slotID)
		}
		if releaseErr := o.slots.Release(ctx, slotID, p.RunID); releaseErr != nil {
			o.logger.Error("releasing slot after failed preview db reset", "error", releaseErr, "run_id", p.RunID, "slot_id", slotID)
		}
		return Result{Status: StatusFailed, Reason: ReasonPreviewDBResetFailed, SlotID: slotID}, nil
	}

	return Result{
		Status:       StatusAllocated,
		SlotID:       slotID,
		BranchName:   assignResult.BranchName,
		WorktreePath: assignResult.WorktreePath,
		DBName:       reset.DBName,
	}, nil
}
