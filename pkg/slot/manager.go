package slot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/audit"
	"github.com/wisbric/forgebay/internal/db"
	"github.com/wisbric/forgebay/internal/events"
	"github.com/wisbric/forgebay/internal/telemetry"
	"github.com/wisbric/forgebay/pkg/run"
)

// Manager mediates exclusive use of the fixed, configured slot pool.
type Manager struct {
	pool           *pgxpool.Pool
	rdb            *redis.Client
	slotIDs        []string
	ttlSeconds     int
	expireToFailed bool
	events         *events.Store
	broadcaster    *events.Broadcaster
	audit          *audit.Writer
	machine        *run.Machine
	logger         *slog.Logger
}

// NewManager creates a slot Manager over the configured slot pool. rdb may
// be nil, in which case the Redis advisory hint is skipped (Postgres row
// locks remain the sole source of truth either way). expireToFailed selects
// where a reaped, still-non-terminal run lands: failed(PREVIEW_EXPIRED)
// when true (the default), the bare expired state when false.
func NewManager(pool *pgxpool.Pool, rdb *redis.Client, slotIDs []string, ttl time.Duration, expireToFailed bool,
	eventStore *events.Store, broadcaster *events.Broadcaster, auditWriter *audit.Writer,
	machine *run.Machine, logger *slog.Logger,
) *Manager {
	return &Manager{
		pool:           pool,
		rdb:            rdb,
		slotIDs:        slotIDs,
		ttlSeconds:     int(ttl.Seconds()),
		expireToFailed: expireToFailed,
		events:         eventStore,
		broadcaster:    broadcaster,
		audit:          auditWriter,
		machine:        machine,
		logger:         logger,
	}
}

// EnsureSlots provisions a lease/binding row for every configured slot,
// idempotently. Call once at startup.
func (m *Manager) EnsureSlots(ctx context.Context) error {
	return NewStore(m.pool).EnsureSlots(ctx, m.slotIDs)
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	Acquired      bool     `json:"acquired"`
	SlotID        string   `json:"slot_id,omitempty"`
	Idempotent    bool     `json:"idempotent,omitempty"`
	QueueReason   string   `json:"queue_reason,omitempty"`
	OccupiedSlots []string `json:"occupied_slots,omitempty"`
}

// Acquire attempts to reserve one free slot for runID, scanning the pool
// first-fit in configured order under a row lock covering the slot set.
//
// force allows a caller to re-acquire a slot the run already holds (state
// drift from a crashed worker); without force such a call is rejected as a
// conflict rather than silently reused.
func (m *Manager) Acquire(ctx context.Context, runID string, force bool) (AcquireResult, error) {
	var result AcquireResult
	var ev *events.RunEvent

	err := db.WithTx(ctx, m.pool, func(ctx context.Context, tx pgx.Tx) error {
		store := NewStore(tx)

		existing, held, err := store.GetForRun(ctx, runID)
		if err != nil {
			return apierr.Internal("checking existing lease", err)
		}
		if held {
			// Re-acquiring is only idempotent when forced. An unforced
			// re-acquire while still holding a lease is surfaced as a
			// conflict so callers don't silently paper over state drift
			// (e.g. a crashed worker retrying acquire).
			if !force {
				return apierr.Conflict(fmt.Sprintf("run %s already holds slot %s", runID, existing.SlotID))
			}
			result = AcquireResult{Acquired: true, SlotID: existing.SlotID, Idempotent: true}
			ev2, err := m.events.Append(ctx, tx, runID, "slot_acquire_idempotent", nil, nil, slotPayload(existing.SlotID))
			if err != nil {
				return apierr.Internal("appending slot_acquire_idempotent event", err)
			}
			ev = &ev2
			return nil
		}

		leases, err := store.ListOrdered(ctx, m.slotIDs)
		if err != nil {
			return apierr.Internal("listing slot leases", err)
		}

		now := time.Now()
		free, ok := selectFree(leases, now)
		if !ok {
			occupied := occupiedSlotIDs(leases, now)
			payload, _ := json.Marshal(map[string]any{
				"reason":         "WAITING_FOR_SLOT",
				"occupied_slots": occupied,
				"queue_behavior": "retry_on_acquire",
			})
			result = AcquireResult{Acquired: false, QueueReason: "WAITING_FOR_SLOT", OccupiedSlots: occupied}
			ev2, err := m.events.Append(ctx, tx, runID, "slot_waiting", nil, nil, payload)
			if err != nil {
				return apierr.Internal("appending slot_waiting event", err)
			}
			ev = &ev2
			return nil
		}

		// Taking over a stale (expired but not yet reaped) lease: detach
		// the previous holder first so its slot_id doesn't dangle.
		if free.LeaseState == LeaseStateLeased && free.RunID != nil && *free.RunID != runID {
			if err := run.NewStore(tx).ClearAllocation(ctx, *free.RunID); err != nil {
				return apierr.Internal("detaching previous lease holder", err)
			}
		}

		leased, err := store.Acquire(ctx, free.SlotID, runID, m.ttlSeconds)
		if err != nil {
			return apierr.Internal("acquiring slot", err)
		}

		if err := run.NewStore(tx).SetSlotID(ctx, runID, leased.SlotID); err != nil {
			return apierr.Internal("recording slot assignment on run", err)
		}

		result = AcquireResult{Acquired: true, SlotID: leased.SlotID}
		ev2, err := m.events.Append(ctx, tx, runID, "slot_acquired", nil, nil, slotPayload(leased.SlotID))
		if err != nil {
			return apierr.Internal("appending slot_acquired event", err)
		}
		ev = &ev2
		return nil
	})
	if err != nil {
		return AcquireResult{}, err
	}

	if result.Acquired && !result.Idempotent {
		telemetry.SlotAcquisitionsTotal.WithLabelValues("acquired").Inc()
	} else if result.Idempotent {
		telemetry.SlotAcquisitionsTotal.WithLabelValues("already_held").Inc()
	} else {
		telemetry.SlotAcquisitionsTotal.WithLabelValues("waiting").Inc()
	}
	if ev != nil {
		m.broadcaster.Publish(ctx, *ev)
	}
	m.hintRedis(ctx, result)
	if m.audit != nil {
		detail, _ := json.Marshal(result)
		m.audit.Log(audit.Entry{RunID: &runID, Actor: "api", Action: "acquire", Resource: "slot", ResourceID: result.SlotID, Detail: detail})
	}
	return result, nil
}

// Heartbeat extends slotID's lease held by runID. A heartbeat against a
// slot the run does not hold, or against a lease already past its expiry,
// is rejected.
func (m *Manager) Heartbeat(ctx context.Context, slotID, runID string) error {
	var ok bool
	err := db.WithTx(ctx, m.pool, func(ctx context.Context, tx pgx.Tx) error {
		store := NewStore(tx)
		_, heartbeatOK, err := store.Heartbeat(ctx, slotID, runID, m.ttlSeconds)
		if err != nil {
			return apierr.Internal("heartbeating slot", err)
		}
		ok = heartbeatOK
		eventType := "slot_heartbeat_rejected"
		if ok {
			eventType = "slot_heartbeat"
		}
		_, err = m.events.Append(ctx, tx, runID, eventType, nil, nil, slotPayload(slotID))
		if err != nil {
			return apierr.Internal("appending heartbeat event", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return apierr.LeaseMismatch(fmt.Sprintf("slot %s is not leased to run %s", slotID, runID))
	}
	return nil
}

// Release clears slotID's lease. If runID is non-empty it must match the
// current holder. Idempotent: releasing an already-released slot succeeds.
func (m *Manager) Release(ctx context.Context, slotID, runID string) error {
	err := db.WithTx(ctx, m.pool, func(ctx context.Context, tx pgx.Tx) error {
		store := NewStore(tx)
		lease, err := store.GetForUpdate(ctx, slotID)
		if err != nil {
			return apierr.Internal("reading slot lease", err)
		}
		if runID != "" && lease.LeaseState == LeaseStateLeased && lease.RunID != nil && *lease.RunID != runID {
			return apierr.LeaseMismatch(fmt.Sprintf("slot %s is leased to a different run", slotID))
		}

		releasedRunID := runID
		if releasedRunID == "" && lease.RunID != nil {
			releasedRunID = *lease.RunID
		}

		if _, err := store.Release(ctx, slotID, runID); err != nil {
			return apierr.Internal("releasing slot", err)
		}

		if releasedRunID != "" {
			runStore := run.NewStore(tx)
			if err := runStore.ClearAllocation(ctx, releasedRunID); err != nil {
				return apierr.Internal("clearing run allocation", err)
			}
		}

		if releasedRunID != "" {
			ev, err := m.events.Append(ctx, tx, releasedRunID, "slot_released", nil, nil, slotPayload(slotID))
			if err != nil {
				return apierr.Internal("appending slot_released event", err)
			}
			m.broadcaster.Publish(ctx, ev)
		}
		return nil
	})
	return err
}

// ReleaseForRun releases whatever slot runID currently holds, if any. It
// satisfies run.Releaser, letting the state machine's Cancel operation
// force a lease release without importing this package's concrete types.
func (m *Manager) ReleaseForRun(ctx context.Context, runID string) error {
	lease, held, err := NewStore(m.pool).GetForRun(ctx, runID)
	if err != nil {
		return apierr.Internal("looking up lease for run", err)
	}
	if !held {
		return nil
	}
	return m.Release(ctx, lease.SlotID, runID)
}

// ReapExpired scans every slot for an expired lease, marks it expired, and
// drives any run still in a non-terminal state to its configured terminal
// destination (failed(PREVIEW_EXPIRED) by default).
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	reaped := 0
	var expiredRuns []string

	err := db.WithTx(ctx, m.pool, func(ctx context.Context, tx pgx.Tx) error {
		store := NewStore(tx)
		expired, err := store.ListExpired(ctx)
		if err != nil {
			return apierr.Internal("listing expired leases", err)
		}

		runStore := run.NewStore(tx)
		for _, l := range expired {
			runID := ""
			if l.RunID != nil {
				runID = *l.RunID
			}
			if err := store.MarkExpired(ctx, l.SlotID); err != nil {
				return apierr.Internal("marking slot expired", err)
			}
			if runID != "" {
				if err := runStore.ClearAllocation(ctx, runID); err != nil {
					return apierr.Internal("clearing run allocation on expiry", err)
				}
				expiredRuns = append(expiredRuns, runID)
				if _, err := m.events.Append(ctx, tx, runID, "slot_expired", nil, nil, slotPayload(l.SlotID)); err != nil {
					return apierr.Internal("appending slot_expired event", err)
				}
			}
			reaped++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	telemetry.SlotLeasesReapedTotal.Add(float64(reaped))

	for _, runID := range expiredRuns {
		m.expireRun(ctx, runID)
	}

	return reaped, nil
}

// expireRun drives the reaped run to its terminal state. It is invoked
// outside the reaping transaction since run.Machine.Transition opens its
// own.
func (m *Manager) expireRun(ctx context.Context, runID string) {
	r, err := run.NewStore(m.pool).Get(ctx, runID)
	if err != nil {
		m.logger.Error("loading run after lease expiry", "error", err, "run_id", runID)
		return
	}
	if run.IsTerminal(r.Status) {
		return
	}

	to := run.StatusExpired
	var reason *string
	if m.expireToFailed {
		failureCode := string(run.ReasonPreviewExpired)
		to = run.StatusFailed
		reason = &failureCode
	}

	if _, err := m.machine.Transition(ctx, nil, run.TransitionParams{
		RunID:         runID,
		ToStatus:      to,
		FailureReason: reason,
		Actor:         "scheduler",
	}); err != nil {
		m.logger.Error("transitioning expired run", "error", err, "run_id", runID)
	}
}

func slotPayload(slotID string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"slot_id": slotID})
	return payload
}

// hintRedis writes a short-lived, best-effort advisory marker to Redis
// reflecting the acquire outcome. It is never consulted for correctness —
// Postgres row locks in Acquire are the sole source of truth — only used by
// an external UI wanting a cheap "is the pool full" read without hitting
// Postgres.
func (m *Manager) hintRedis(ctx context.Context, result AcquireResult) {
	if m.rdb == nil {
		return
	}
	key := "forgebay:slots:hint"
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := m.rdb.Set(ctx, key, payload, 2*m.ttl()).Err(); err != nil {
		m.logger.Warn("writing slot hint to redis", "error", err)
	}
}

func (m *Manager) ttl() time.Duration {
	return time.Duration(m.ttlSeconds) * time.Second
}
