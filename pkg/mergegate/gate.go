package mergegate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/audit"
	"github.com/wisbric/forgebay/internal/events"
	"github.com/wisbric/forgebay/internal/gitdriver"
	"github.com/wisbric/forgebay/internal/telemetry"
	"github.com/wisbric/forgebay/pkg/run"
	"github.com/wisbric/forgebay/pkg/slot"
	"github.com/wisbric/forgebay/pkg/worktree"
)

// CheckRunner re-executes the merge-gate's required checks against an exact
// commit. The checks themselves (lint, test, build) are whatever the worker
// already ran; the default StoredCheckRunner re-reads their latest recorded
// outcomes rather than re-executing anything. A gate with no CheckRunner
// configured, or with rechecking disabled, treats the re-check as passed.
type CheckRunner interface {
	RunChecks(ctx context.Context, runID, commitSHA string) (ok bool, failureReason run.FailureReason, err error)
}

// StoredCheckRunner is the default CheckRunner: it consults the latest
// recorded attempt of every validation check for the run and fails the
// re-check if any is missing a passing outcome. It never re-executes a
// check itself.
type StoredCheckRunner struct {
	checks *run.CheckStore
}

// NewStoredCheckRunner creates a StoredCheckRunner over the given store.
func NewStoredCheckRunner(checks *run.CheckStore) *StoredCheckRunner {
	return &StoredCheckRunner{checks: checks}
}

// RunChecks reports whether every recorded check's latest attempt passed.
// A run with no recorded checks at all also fails: an approved run is
// expected to have been validated before reaching the gate.
func (s *StoredCheckRunner) RunChecks(ctx context.Context, runID, commitSHA string) (bool, run.FailureReason, error) {
	latest, err := s.checks.LatestForRun(ctx, runID)
	if err != nil {
		return false, run.ReasonChecksFailed, err
	}
	if len(latest) == 0 {
		return false, run.ReasonChecksFailed, nil
	}
	for _, c := range latest {
		if c.Status != "passed" {
			return false, run.ReasonChecksFailed, nil
		}
	}
	return true, "", nil
}

// Gate finalizes an approved run: re-check, merge, push, reload, health
// probe, terminal transition, with release rollback on deploy-side failure.
type Gate struct {
	pool         *pgxpool.Pool
	machine      *run.Machine
	approvals    *ApprovalStore
	releases     *ReleaseStore
	artifacts    *run.ArtifactStore
	checkRunner  CheckRunner
	gitDriver    gitdriver.Driver
	deployDriver DeployDriver
	healthProbe  HealthProbe
	slots        *slot.Manager
	worktrees    *worktree.Manager
	events       *events.Store
	broadcaster  *events.Broadcaster
	audit        *audit.Writer
	logger       *slog.Logger
	repoPath     string
	mainBranch   string
	recheck      bool
}

// NewGate creates a merge/deploy Gate. recheck controls whether the
// re-check step runs at all; a nil checkRunner with recheck enabled uses
// the StoredCheckRunner default.
func NewGate(pool *pgxpool.Pool, machine *run.Machine, checkRunner CheckRunner, gitDriver gitdriver.Driver,
	deployDriver DeployDriver, healthProbe HealthProbe, slots *slot.Manager, worktrees *worktree.Manager,
	eventStore *events.Store, broadcaster *events.Broadcaster, auditWriter *audit.Writer, logger *slog.Logger,
	repoPath, mainBranch string, recheck bool,
) *Gate {
	if checkRunner == nil {
		checkRunner = NewStoredCheckRunner(run.NewCheckStore(pool))
	}
	return &Gate{
		pool:         pool,
		machine:      machine,
		approvals:    NewApprovalStore(pool),
		releases:     NewReleaseStore(pool),
		artifacts:    run.NewArtifactStore(pool),
		checkRunner:  checkRunner,
		gitDriver:    gitDriver,
		deployDriver: deployDriver,
		healthProbe:  healthProbe,
		slots:        slots,
		worktrees:    worktrees,
		events:       eventStore,
		broadcaster:  broadcaster,
		audit:        auditWriter,
		logger:       logger,
		repoPath:     repoPath,
		mainBranch:   mainBranch,
		recheck:      recheck,
	}
}

// Approve records a reviewer's approval and drives the run to approved. A
// run still in preview_ready is walked through needs_approval first, so a
// reviewer approving straight off the preview does not need two calls.
func (g *Gate) Approve(ctx context.Context, r *http.Request, p RecordParams) (Approval, run.Run, error) {
	current, err := run.NewStore(g.pool).Get(ctx, p.RunID)
	if err != nil {
		return Approval{}, run.Run{}, apierr.NotFound("run", p.RunID)
	}
	if current.Status != run.StatusNeedsApproval && current.Status != run.StatusPreviewReady {
		return Approval{}, run.Run{}, apierr.Conflict(fmt.Sprintf("run %s is in %s, not awaiting approval", p.RunID, current.Status))
	}

	p.Decision = DecisionApproved
	approval, err := g.approvals.Record(ctx, p)
	if err != nil {
		return Approval{}, run.Run{}, apierr.Internal("recording approval", err)
	}

	if current.Status == run.StatusPreviewReady {
		if _, err := g.machine.Transition(ctx, r, run.TransitionParams{
			RunID: p.RunID, ToStatus: run.StatusNeedsApproval, Actor: "merge_gate",
		}); err != nil {
			return Approval{}, run.Run{}, err
		}
	}

	updated, err := g.machine.Transition(ctx, r, run.TransitionParams{
		RunID: p.RunID, ToStatus: run.StatusApproved, Actor: "merge_gate",
	})
	if err != nil {
		return Approval{}, run.Run{}, err
	}
	return approval, updated, nil
}

// Reject records a reviewer's rejection and fails the run with
// POLICY_REJECTED (or the reviewer-supplied reason code).
func (g *Gate) Reject(ctx context.Context, r *http.Request, p RecordParams) (Approval, run.Run, error) {
	p.Decision = DecisionRejected
	failureCode := string(run.ReasonPolicyRejected)
	if p.FailureReasonCode != nil && run.IsValidFailureReason(run.FailureReason(*p.FailureReasonCode)) {
		failureCode = *p.FailureReasonCode
	}
	p.FailureReasonCode = &failureCode

	approval, err := g.approvals.Record(ctx, p)
	if err != nil {
		return Approval{}, run.Run{}, apierr.Internal("recording rejection", err)
	}

	updated, err := g.machine.Transition(ctx, r, run.TransitionParams{
		RunID:         p.RunID,
		ToStatus:      run.StatusFailed,
		FailureReason: &failureCode,
		Actor:         "merge_gate",
	})
	if err != nil {
		return Approval{}, run.Run{}, err
	}
	return approval, updated, nil
}

func (g *Gate) fail(ctx context.Context, runID string, reason run.FailureReason) (run.Run, error) {
	failureCode := string(reason)
	telemetry.DeployOutcomesTotal.WithLabelValues("failed").Inc()
	return g.machine.Transition(ctx, nil, run.TransitionParams{
		RunID:         runID,
		ToStatus:      run.StatusFailed,
		FailureReason: &failureCode,
		Actor:         "merge_gate",
	})
}

func (g *Gate) attachArtifact(ctx context.Context, runID, artifactType, uri string, payload json.RawMessage) {
	if _, err := g.artifacts.Create(ctx, run.CreateArtifactParams{
		RunID: runID, ArtifactType: artifactType, URI: uri, Payload: payload,
	}); err != nil {
		g.logger.Error("attaching artifact", "error", err, "run_id", runID, "artifact_type", artifactType)
	}
}

// Execute runs the full merge/deploy algorithm for an approved run,
// restoring the previous release and failing the run with the matching
// reason code on any sub-step failure.
func (g *Gate) Execute(ctx context.Context, runID string) (run.Run, error) {
	r, err := run.NewStore(g.pool).Get(ctx, runID)
	if err != nil {
		return run.Run{}, apierr.NotFound("run", runID)
	}
	if r.Status != run.StatusApproved {
		return run.Run{}, apierr.Conflict(fmt.Sprintf("run %s is not in approved state", runID))
	}
	if r.CommitSHA == nil || *r.CommitSHA == "" {
		return run.Run{}, apierr.Validation("run has no commit_sha to merge")
	}
	if r.BranchName == nil || *r.BranchName == "" {
		return run.Run{}, apierr.Validation("run has no branch_name to merge")
	}
	commitSHA := *r.CommitSHA
	branch := *r.BranchName

	// Step 1: approved -> merging.
	if _, err := g.machine.Transition(ctx, nil, run.TransitionParams{
		RunID: runID, ToStatus: run.StatusMerging, Actor: "merge_gate",
	}); err != nil {
		return run.Run{}, err
	}

	// Step 2: re-check against the exact commit.
	if g.recheck && g.checkRunner != nil {
		start := time.Now()
		ok, failureReason, err := g.checkRunner.RunChecks(ctx, runID, commitSHA)
		telemetry.DeployStepDuration.WithLabelValues("recheck").Observe(time.Since(start).Seconds())
		if err != nil {
			g.logger.Error("running merge gate re-check", "error", err, "run_id", runID)
			return g.fail(ctx, runID, run.ReasonChecksFailed)
		}
		if !ok {
			if failureReason == "" {
				failureReason = run.ReasonChecksFailed
			}
			return g.fail(ctx, runID, failureReason)
		}
	}

	// Step 3: merge and push.
	mergeStart := time.Now()
	mergedSHA, err := g.gitDriver.Merge(ctx, g.repoPath, g.mainBranch, branch)
	telemetry.DeployStepDuration.WithLabelValues("merge").Observe(time.Since(mergeStart).Seconds())
	if err != nil {
		g.logger.Error("merging run branch", "error", err, "run_id", runID)
		return g.fail(ctx, runID, run.ReasonMergeConflict)
	}
	if err := g.gitDriver.Push(ctx, g.repoPath, g.mainBranch); err != nil {
		g.logger.Error("pushing merged branch", "error", err, "run_id", runID)
		detail, _ := json.Marshal(map[string]string{"error": err.Error(), "commit_sha": mergedSHA})
		g.attachArtifact(ctx, runID, "push_diagnostics", "inline://push_diagnostics", detail)
		return g.fail(ctx, runID, run.ReasonDeployPushFailed)
	}

	// Step 4: merging -> deploying.
	if _, err := g.machine.Transition(ctx, nil, run.TransitionParams{
		RunID: runID, ToStatus: run.StatusDeploying, Actor: "merge_gate",
	}); err != nil {
		return run.Run{}, err
	}

	previous, hadPrevious, err := g.releases.CurrentDeployed(ctx)
	if err != nil {
		g.logger.Error("reading current deployed release", "error", err, "run_id", runID)
	}

	// Step 5: invoke the deploy hook. A gate with no deploy driver wired
	// records the merge but has nothing to reload.
	var deployOutput string
	if g.deployDriver != nil {
		deployStart := time.Now()
		var deployErr error
		deployOutput, deployErr = g.deployDriver.Deploy(ctx, mergedSHA)
		telemetry.DeployStepDuration.WithLabelValues("reload").Observe(time.Since(deployStart).Seconds())
		if deployErr != nil {
			return g.rollbackAndFail(ctx, runID, mergedSHA, deployOutput, previous, hadPrevious)
		}
	}

	// Step 6: health probe.
	if g.healthProbe != nil {
		healthStart := time.Now()
		healthErr := g.healthProbe.Check(ctx)
		telemetry.DeployStepDuration.WithLabelValues("health").Observe(time.Since(healthStart).Seconds())
		if healthErr != nil {
			deployOutput += "\nhealth check: " + healthErr.Error()
			return g.rollbackAndFail(ctx, runID, mergedSHA, deployOutput, previous, hadPrevious)
		}
	}

	// Step 7: deploying -> merged; upsert releases.
	if _, err := g.releases.Upsert(ctx, mergedSHA, mergedSHA, ReleaseStatusDeployed); err != nil {
		g.logger.Error("upserting new release", "error", err, "run_id", runID)
	}
	if hadPrevious && previous.ReleaseID != mergedSHA {
		if err := g.releases.MarkStatus(ctx, previous.ReleaseID, ReleaseStatusReplaced); err != nil {
			g.logger.Error("marking previous release replaced", "error", err, "run_id", runID)
		}
	}

	updated, err := g.machine.Transition(ctx, nil, run.TransitionParams{
		RunID: runID, ToStatus: run.StatusMerged, Actor: "merge_gate",
	})
	if err != nil {
		return run.Run{}, err
	}
	telemetry.DeployOutcomesTotal.WithLabelValues("merged").Inc()

	// Step 8: release the slot lease and clean up the worktree.
	if r.SlotID != nil {
		if err := g.worktrees.Cleanup(ctx, *r.SlotID, runID); err != nil {
			g.logger.Error("cleaning up worktree after merge", "error", err, "run_id", runID)
		}
		if err := g.slots.Release(ctx, *r.SlotID, runID); err != nil {
			g.logger.Error("releasing slot after merge", "error", err, "run_id", runID)
		}
	}

	if g.audit != nil {
		detail, _ := json.Marshal(map[string]string{"commit_sha": mergedSHA, "branch": branch})
		g.audit.Log(audit.Entry{RunID: &runID, CommitSHA: &mergedSHA, Actor: "merge_gate", Action: "execute", Resource: "run", ResourceID: runID, Detail: detail})
	}

	return updated, nil
}

// rollbackAndFail attaches the deploy log artifact, upserts the failed
// release, asks the deploy driver to restore the previous release, and
// drives the run to failed(DEPLOY_HEALTHCHECK_FAILED).
func (g *Gate) rollbackAndFail(ctx context.Context, runID, releaseID, log string, previous Release, hadPrevious bool) (run.Run, error) {
	detail, _ := json.Marshal(map[string]string{"log": log})
	g.attachArtifact(ctx, runID, "deploy_backend_reload_log", "inline://deploy_backend_reload_log", detail)

	if _, err := g.releases.Upsert(ctx, releaseID, releaseID, ReleaseStatusDeployFailed); err != nil {
		g.logger.Error("upserting failed release", "error", err, "run_id", runID)
	}

	if hadPrevious && g.deployDriver != nil {
		if _, err := g.deployDriver.Rollback(ctx, previous.ReleaseID); err != nil {
			g.logger.Error("rolling back deploy", "error", err, "run_id", runID, "previous_release_id", previous.ReleaseID)
		}
	}

	payload, _ := json.Marshal(map[string]any{"release_id": releaseID, "restored_previous": hadPrevious})
	if ev, err := g.events.Append(ctx, g.pool, runID, "deploy_rolled_back", nil, nil, payload); err != nil {
		g.logger.Error("appending rollback event", "error", err, "run_id", runID)
	} else {
		g.broadcaster.Publish(ctx, ev)
	}

	if g.audit != nil {
		g.audit.Log(audit.Entry{RunID: &runID, Actor: "merge_gate", Action: "rollback", Resource: "release", ResourceID: releaseID, Detail: detail})
	}

	return g.fail(ctx, runID, run.ReasonDeployHealthcheckFailed)
}
