package run

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/audit"
	"github.com/wisbric/forgebay/internal/db"
	"github.com/wisbric/forgebay/internal/events"
	"github.com/wisbric/forgebay/internal/telemetry"
)

// Releaser releases any slot lease held by a run, invoked by Cancel. It is
// an interface rather than a direct dependency on pkg/slot so the slot
// manager can depend on run without creating an import cycle.
type Releaser interface {
	ReleaseForRun(ctx context.Context, runID string) error
}

// StatusNotifier is notified whenever a run reaches a human-facing status
// (needs_approval, merged, failed). It is an interface for the same reason
// Releaser is: internal/notify must not be imported by pkg/run directly.
type StatusNotifier interface {
	PostRunEvent(ctx context.Context, runID, title, status string, reason *string)
}

// humanFacingStatus holds the statuses that warrant an operator-facing
// notification.
var humanFacingStatus = map[Status]bool{
	StatusNeedsApproval: true,
	StatusMerged:        true,
	StatusFailed:        true,
}

// Machine is the sole authority allowed to mutate Run.status.
type Machine struct {
	pool         *pgxpool.Pool
	events       *events.Store
	broadcaster  *events.Broadcaster
	audit        *audit.Writer
	slotReleaser Releaser
	notifier     StatusNotifier
}

// NewMachine creates a Machine. slotReleaser may be nil until the slot
// manager is constructed; SetSlotReleaser wires it in afterward to break
// the run/slot initialization cycle.
func NewMachine(pool *pgxpool.Pool, eventStore *events.Store, broadcaster *events.Broadcaster, auditWriter *audit.Writer) *Machine {
	return &Machine{pool: pool, events: eventStore, broadcaster: broadcaster, audit: auditWriter}
}

// SetSlotReleaser wires the slot lease manager in after construction.
func (m *Machine) SetSlotReleaser(r Releaser) {
	m.slotReleaser = r
}

// SetNotifier wires the Slack notifier in after construction. A nil
// notifier (the default) means Transition never attempts a notification.
func (m *Machine) SetNotifier(n StatusNotifier) {
	m.notifier = n
}

// TransitionParams describes a requested transition. CommitSHA, when set,
// is recorded on the run alongside the status change; the worker supplies
// it as soon as it has a commit worth validating, and the merge gate later
// re-checks against exactly that SHA.
type TransitionParams struct {
	RunID         string
	ToStatus      Status
	FailureReason *string
	CommitSHA     *string
	Payload       json.RawMessage
	Actor         string
}

// Transition applies the transition(run_id, to_status, ...) operation
// contract: row-locked read, allowed-transition check, status write, event
// append, audit append, all in one transaction.
func (m *Machine) Transition(ctx context.Context, r *http.Request, p TransitionParams) (Run, error) {
	var updated Run
	var ev events.RunEvent
	var reason string

	err := db.WithTx(ctx, m.pool, func(ctx context.Context, tx pgx.Tx) error {
		store := NewStore(tx)
		current, err := store.GetForUpdate(ctx, p.RunID)
		if err != nil {
			return apierr.NotFound("run", p.RunID)
		}

		if IsTerminal(current.Status) {
			return apierr.Conflict(fmt.Sprintf("run %s is in terminal state %s", p.RunID, current.Status))
		}
		if !IsAllowedTransition(current.Status, p.ToStatus) {
			return apierr.Conflict(fmt.Sprintf("transition %s -> %s is not allowed", current.Status, p.ToStatus))
		}
		if p.ToStatus == StatusFailed {
			if p.FailureReason == nil || !IsValidFailureReason(FailureReason(*p.FailureReason)) {
				return apierr.Validation("transition to failed requires a valid failure_reason_code")
			}
		} else if p.FailureReason != nil {
			return apierr.Validation("failure_reason_code may only be set on transitions to failed")
		}

		updated, err = store.UpdateStatus(ctx, UpdateStatusParams{
			ID:            p.RunID,
			Status:        p.ToStatus,
			FailureReason: p.FailureReason,
			CommitSHA:     p.CommitSHA,
		})
		if err != nil {
			return apierr.Internal("writing run status", err)
		}

		from := string(current.Status)
		to := string(p.ToStatus)
		ev, err = m.events.Append(ctx, tx, p.RunID, "status_transition", &from, &to, p.Payload)
		if err != nil {
			return apierr.Internal("appending run event", err)
		}

		if p.FailureReason != nil {
			reason = *p.FailureReason
		}
		if m.audit != nil {
			detail, _ := json.Marshal(map[string]any{"from": from, "to": to, "reason": reason})
			if r != nil {
				m.audit.LogFromRequest(r, p.Actor, "transition", "run", p.RunID, detail)
			} else {
				runID := p.RunID
				m.audit.Log(audit.Entry{RunID: &runID, Actor: p.Actor, Action: "transition", Resource: "run", ResourceID: p.RunID, Detail: detail})
			}
		}
		return nil
	})
	if err != nil {
		return Run{}, err
	}

	telemetry.RunTransitionsTotal.WithLabelValues(string(p.ToStatus), reason).Inc()
	m.broadcaster.Publish(ctx, ev)
	if m.notifier != nil && humanFacingStatus[p.ToStatus] {
		m.notifier.PostRunEvent(ctx, updated.ID, updated.Title, string(updated.Status), updated.FailureReason)
	}
	return updated, nil
}

// Retry creates a new Run in queued from a failed or expired parent,
// copying prompt and route. The parent is never mutated.
func (m *Machine) Retry(ctx context.Context, parentID string) (Run, error) {
	store := NewStore(m.pool)
	parent, err := store.Get(ctx, parentID)
	if err != nil {
		return Run{}, apierr.NotFound("run", parentID)
	}
	if parent.Status != StatusFailed && parent.Status != StatusExpired {
		return Run{}, apierr.Conflict("retry is only allowed from failed or expired runs")
	}

	newID := uuid.NewString()
	created, err := store.Create(ctx, CreateParams{
		ID:          newID,
		Title:       parent.Title,
		Prompt:      parent.Prompt,
		Route:       parent.Route,
		ParentRunID: &parent.ID,
		CreatedBy:   parent.CreatedBy,
	}, Context{RunID: newID, Route: parent.Route})
	if err != nil {
		return Run{}, apierr.Internal("creating retry run", err)
	}

	ev, err := m.events.Append(ctx, m.pool, created.ID, "retry_created", nil, nil, nil)
	if err == nil {
		m.broadcaster.Publish(ctx, ev)
	}
	return created, nil
}

// Resume creates a new Run in queued from an expired parent, the same
// forward-node shape as Retry: the parent is never reopened, only a new
// run is created. Unlike Retry, which also accepts a failed parent, Resume
// is specific to a run that ran out of lease time rather than one that
// failed outright.
func (m *Machine) Resume(ctx context.Context, parentID string) (Run, error) {
	store := NewStore(m.pool)
	parent, err := store.Get(ctx, parentID)
	if err != nil {
		return Run{}, apierr.NotFound("run", parentID)
	}
	if parent.Status != StatusExpired {
		return Run{}, apierr.Conflict("resume is only allowed from expired runs")
	}

	newID := uuid.NewString()
	created, err := store.Create(ctx, CreateParams{
		ID:          newID,
		Title:       parent.Title,
		Prompt:      parent.Prompt,
		Route:       parent.Route,
		ParentRunID: &parent.ID,
		CreatedBy:   parent.CreatedBy,
	}, Context{RunID: newID, Route: parent.Route})
	if err != nil {
		return Run{}, apierr.Internal("creating resumed run", err)
	}

	ev, err := m.events.Append(ctx, m.pool, created.ID, "resumed_from_expiry", nil, nil, nil)
	if err == nil {
		m.broadcaster.Publish(ctx, ev)
	}
	return created, nil
}

// Expire manually transitions a run to the terminal expired state. It is
// the operator-triggered counterpart to the scheduler's automatic lease
// reaping and does not consult EXPIRE_TO_FAILED: a manual expire always
// lands on expired, never failed.
func (m *Machine) Expire(ctx context.Context, r *http.Request, runID string) (Run, error) {
	return m.Transition(ctx, r, TransitionParams{
		RunID:    runID,
		ToStatus: StatusExpired,
		Actor:    "api",
	})
}

// Cancel transitions a run to canceled from any non-terminal state and
// releases any slot lease it holds, even when the worker holding the slot
// is unreachable.
func (m *Machine) Cancel(ctx context.Context, r *http.Request, runID string, reason *string) (Run, error) {
	var payload json.RawMessage
	if reason != nil {
		payload, _ = json.Marshal(map[string]string{"reason": *reason})
	}
	updated, err := m.Transition(ctx, r, TransitionParams{
		RunID:    runID,
		ToStatus: StatusCanceled,
		Payload:  payload,
		Actor:    "api",
	})
	if err != nil {
		return Run{}, err
	}
	if m.slotReleaser != nil {
		if err := m.slotReleaser.ReleaseForRun(ctx, runID); err != nil {
			return Run{}, apierr.Internal("releasing slot lease on cancel", err)
		}
	}
	return updated, nil
}
