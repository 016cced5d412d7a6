// Package worktree implements the Worktree Binding Manager: the mapping
// between an active slot lease and the git branch + on-disk worktree the
// coding agent edits in.
package worktree

import (
	"fmt"
	"time"
)

// BindingState is the state of a slot's worktree binding.
type BindingState string

const (
	BindingStateActive   BindingState = "active"
	BindingStateReleased BindingState = "released"
)

// LastAction records what the most recent assign/cleanup call did.
type LastAction string

const (
	ActionAssigned  LastAction = "assigned"
	ActionReused    LastAction = "reused"
	ActionCleanedUp LastAction = "cleaned_up"
)

// Binding is the one row per slot recording which run's branch and
// worktree path it currently holds.
type Binding struct {
	SlotID       string       `json:"slot_id"`
	RunID        *string      `json:"run_id,omitempty"`
	BranchName   *string      `json:"branch_name,omitempty"`
	WorktreePath *string      `json:"worktree_path,omitempty"`
	BindingState BindingState `json:"binding_state"`
	LastAction   *LastAction  `json:"last_action,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ReleasedAt   *time.Time   `json:"released_at,omitempty"`
}

// BranchName returns the canonical branch name for a run:
// codex/run-<run_id>. No other form is accepted anywhere in the module.
func BranchName(runID string) string {
	return fmt.Sprintf("codex/run-%s", runID)
}

// IsCanonicalBranch reports whether branch is the canonical branch name for
// runID.
func IsCanonicalBranch(branch, runID string) bool {
	return branch == BranchName(runID)
}

// WorktreePath returns the on-disk path a slot's worktree lives at, rooted
// at worktreeRoot.
func WorktreePath(worktreeRoot, slotID string) string {
	return fmt.Sprintf("%s/%s", worktreeRoot, slotID)
}
