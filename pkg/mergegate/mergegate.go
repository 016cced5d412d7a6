// Package mergegate implements the merge/deploy gate: the
// final approval-to-production path. It re-checks an approved run against
// its exact commit, merges and pushes, invokes the deploy hook and health
// probe, and drives the run to its terminal state, rolling back the
// release on any deploy-side failure.
package mergegate

import "time"

// ApprovalDecision is the outcome recorded on an Approval row.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// Approval is one reviewer decision on a run.
type Approval struct {
	ID                int64            `json:"id"`
	RunID             string           `json:"run_id"`
	ReviewerID        *string          `json:"reviewer_id,omitempty"`
	Decision          ApprovalDecision `json:"decision"`
	Reason            *string          `json:"reason,omitempty"`
	FailureReasonCode *string          `json:"failure_reason_code,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// ReleaseStatus is the lifecycle of a Release row.
type ReleaseStatus string

const (
	ReleaseStatusDeployed     ReleaseStatus = "deployed"
	ReleaseStatusReplaced     ReleaseStatus = "replaced"
	ReleaseStatusDeployFailed ReleaseStatus = "deploy_failed"
)

// Release is one deployed (or attempted) commit, keyed by the commit SHA
// it shipped.
type Release struct {
	ReleaseID       string        `json:"release_id"`
	CommitSHA       string        `json:"commit_sha"`
	Status          ReleaseStatus `json:"status"`
	MigrationMarker *string       `json:"migration_marker,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
