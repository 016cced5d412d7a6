// Package run implements the Run State Machine: the sole authority over
// Run.status. Every other component requests a transition through Machine
// rather than writing status directly.
package run

import (
	"encoding/json"
	"time"
)

// Status is one of the thirteen canonical run states.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusPlanning      Status = "planning"
	StatusEditing       Status = "editing"
	StatusTesting       Status = "testing"
	StatusPreviewReady  Status = "preview_ready"
	StatusNeedsApproval Status = "needs_approval"
	StatusApproved      Status = "approved"
	StatusMerging       Status = "merging"
	StatusDeploying     Status = "deploying"
	StatusMerged        Status = "merged"
	StatusFailed        Status = "failed"
	StatusCanceled      Status = "canceled"
	StatusExpired       Status = "expired"
)

// terminal holds the four states from which no further transition succeeds.
var terminal = map[Status]bool{
	StatusMerged:   true,
	StatusFailed:   true,
	StatusCanceled: true,
	StatusExpired:  true,
}

// IsTerminal reports whether s is a terminal state.
func IsTerminal(s Status) bool {
	return terminal[s]
}

// transitions is the canonical allowed-transition table.
var transitions = map[Status][]Status{
	StatusQueued:        {StatusPlanning, StatusCanceled, StatusFailed, StatusExpired},
	StatusPlanning:      {StatusEditing, StatusCanceled, StatusFailed, StatusExpired},
	StatusEditing:       {StatusTesting, StatusCanceled, StatusFailed, StatusExpired},
	StatusTesting:       {StatusPreviewReady, StatusFailed, StatusCanceled, StatusExpired},
	StatusPreviewReady:  {StatusNeedsApproval, StatusFailed, StatusCanceled, StatusExpired},
	StatusNeedsApproval: {StatusApproved, StatusFailed, StatusCanceled, StatusExpired},
	StatusApproved:      {StatusMerging, StatusFailed, StatusCanceled, StatusExpired},
	StatusMerging:       {StatusDeploying, StatusFailed, StatusCanceled},
	StatusDeploying:     {StatusMerged, StatusFailed, StatusCanceled},
}

// IsAllowedTransition reports whether a run may move from `from` to `to`.
func IsAllowedTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Contract returns the full transition table for self-describing clients
// (GET /api/runs/contract).
func Contract() map[Status][]Status {
	out := make(map[Status][]Status, len(transitions))
	for from, tos := range transitions {
		cp := make([]Status, len(tos))
		copy(cp, tos)
		out[from] = cp
	}
	return out
}

// FailureReason is one of the thirteen standard failure reason codes.
type FailureReason string

const (
	ReasonWaitingForSlot          FailureReason = "WAITING_FOR_SLOT"
	ReasonValidationFailed        FailureReason = "VALIDATION_FAILED"
	ReasonChecksFailed            FailureReason = "CHECKS_FAILED"
	ReasonMergeConflict           FailureReason = "MERGE_CONFLICT"
	ReasonMigrationFailed         FailureReason = "MIGRATION_FAILED"
	ReasonDeployHealthcheckFailed FailureReason = "DEPLOY_HEALTHCHECK_FAILED"
	ReasonDeployPushFailed        FailureReason = "DEPLOY_PUSH_FAILED"
	ReasonPreviewPublishFailed    FailureReason = "PREVIEW_PUBLISH_FAILED"
	ReasonAgentTimeout            FailureReason = "AGENT_TIMEOUT"
	ReasonAgentCanceled           FailureReason = "AGENT_CANCELED"
	ReasonPreviewExpired          FailureReason = "PREVIEW_EXPIRED"
	ReasonPolicyRejected          FailureReason = "POLICY_REJECTED"
	ReasonUnknownError            FailureReason = "UNKNOWN_ERROR"
)

var validReasons = map[FailureReason]bool{
	ReasonWaitingForSlot: true, ReasonValidationFailed: true, ReasonChecksFailed: true,
	ReasonMergeConflict: true, ReasonMigrationFailed: true, ReasonDeployHealthcheckFailed: true,
	ReasonDeployPushFailed: true, ReasonPreviewPublishFailed: true, ReasonAgentTimeout: true,
	ReasonAgentCanceled: true, ReasonPreviewExpired: true, ReasonPolicyRejected: true,
	ReasonUnknownError: true,
}

// IsValidFailureReason reports whether r is one of the standard codes.
func IsValidFailureReason(r FailureReason) bool {
	return validReasons[r]
}

// Run is one change request flowing through the state machine.
type Run struct {
	ID            string     `json:"run_id"`
	Title         string     `json:"title"`
	Prompt        string     `json:"prompt"`
	Status        Status     `json:"status"`
	Route         string     `json:"route"`
	SlotID        *string    `json:"slot_id,omitempty"`
	BranchName    *string    `json:"branch_name,omitempty"`
	WorktreePath  *string    `json:"worktree_path,omitempty"`
	CommitSHA     *string    `json:"commit_sha,omitempty"`
	ParentRunID   *string    `json:"parent_run_id,omitempty"`
	FailureReason *string    `json:"failure_reason_code,omitempty"`
	CreatedBy     *string    `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Context is the immutable RunContext row created alongside a Run.
type Context struct {
	RunID       string          `json:"run_id"`
	Route       string          `json:"route"`
	PageTitle   *string         `json:"page_title,omitempty"`
	ElementHint *string         `json:"element_hint,omitempty"`
	Note        *string         `json:"note,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}
