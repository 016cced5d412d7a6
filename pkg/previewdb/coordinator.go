package previewdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/audit"
	"github.com/wisbric/forgebay/internal/events"
	"github.com/wisbric/forgebay/internal/telemetry"
)

// Coordinator implements the reset-and-seed operation. Unlike the other
// domain managers it never wraps its work in a single database transaction:
// the operations it performs against the target preview database are on a
// separate connection entirely, so there is nothing for the control-plane
// transaction to roll back. What it guarantees instead is that a provenance
// row and run event are always recorded, whatever state Postgres was left in.
type Coordinator struct {
	pool          *pgxpool.Pool
	store         *Store
	driver        ResetDriver
	events        *events.Store
	broadcaster   *events.Broadcaster
	audit         *audit.Writer
	logger        *slog.Logger
	seedFilePath  func(version string) string
	snapshotPath  func(version string) string
	previewDBName func(slotID string) string
}

// NewCoordinator creates a previewdb Coordinator.
func NewCoordinator(pool *pgxpool.Pool, driver ResetDriver, eventStore *events.Store,
	broadcaster *events.Broadcaster, auditWriter *audit.Writer, logger *slog.Logger,
	previewDBName func(slotID string) string, seedFilePath, snapshotPath func(version string) string,
) *Coordinator {
	return &Coordinator{
		pool:          pool,
		store:         NewStore(pool),
		driver:        driver,
		events:        eventStore,
		broadcaster:   broadcaster,
		audit:         auditWriter,
		logger:        logger,
		seedFilePath:  seedFilePath,
		snapshotPath:  snapshotPath,
		previewDBName: previewDBName,
	}
}

// ResetAndSeedParams are the arguments to ResetAndSeed.
type ResetAndSeedParams struct {
	RunID           string
	SlotID          string
	Strategy        Strategy
	SeedVersion     *string
	SnapshotVersion *string
	DryRun          bool
}

// stepResult records the outcome of one stage of the reset for the
// provenance row's details payload.
type stepResult struct {
	Step  string `json:"step"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ResetAndSeed resolves the slot's preview database, validates it against
// the hard naming invariant, and applies the requested strategy. It always
// returns a *Reset provenance row, even on failure.
func (c *Coordinator) ResetAndSeed(ctx context.Context, p ResetAndSeedParams) (Reset, error) {
	dbName := c.previewDBName(p.SlotID)
	var steps []stepResult

	if err := ValidateDBName(dbName); err != nil {
		steps = append(steps, stepResult{Step: "validate_db_name", OK: false, Error: err.Error()})
		reset := c.record(ctx, p, dbName, ResetStatusRejected, steps)
		return reset, apierr.UnsafeDatabaseTarget(dbName)
	}
	steps = append(steps, stepResult{Step: "validate_db_name", OK: true})

	var seedPath, snapshotPath string
	switch p.Strategy {
	case StrategySeed:
		if p.SeedVersion == nil || *p.SeedVersion == "" {
			err := fmt.Errorf("seed strategy requires seed_version")
			steps = append(steps, stepResult{Step: "resolve_seed_path", OK: false, Error: err.Error()})
			reset := c.record(ctx, p, dbName, ResetStatusFailed, steps)
			return reset, apierr.Validation(err.Error())
		}
		seedPath = c.seedFilePath(*p.SeedVersion)
		steps = append(steps, stepResult{Step: "resolve_seed_path", OK: true})
	case StrategySnapshot:
		if p.SnapshotVersion == nil || *p.SnapshotVersion == "" {
			err := fmt.Errorf("snapshot strategy requires snapshot_version")
			steps = append(steps, stepResult{Step: "resolve_snapshot_path", OK: false, Error: err.Error()})
			reset := c.record(ctx, p, dbName, ResetStatusFailed, steps)
			return reset, apierr.Validation(err.Error())
		}
		snapshotPath = c.snapshotPath(*p.SnapshotVersion)
		steps = append(steps, stepResult{Step: "resolve_snapshot_path", OK: true})
	default:
		err := fmt.Errorf("unknown strategy %q", p.Strategy)
		steps = append(steps, stepResult{Step: "validate_strategy", OK: false, Error: err.Error()})
		reset := c.record(ctx, p, dbName, ResetStatusFailed, steps)
		return reset, apierr.Validation(err.Error())
	}

	if p.DryRun {
		reset := c.record(ctx, p, dbName, ResetStatusDryRun, steps)
		return reset, nil
	}

	if err := c.driver.ResetSchema(ctx, dbName); err != nil {
		steps = append(steps, stepResult{Step: "reset_schema", OK: false, Error: err.Error()})
		reset := c.record(ctx, p, dbName, ResetStatusFailed, steps)
		return reset, apierr.DriverFailed("resetting preview schema", err)
	}
	steps = append(steps, stepResult{Step: "reset_schema", OK: true})

	applyPath := seedPath
	applyStep := "apply_seed"
	if p.Strategy == StrategySnapshot {
		applyPath = snapshotPath
		applyStep = "apply_snapshot"
	}

	if err := c.driver.ApplyFile(ctx, dbName, applyPath); err != nil {
		steps = append(steps, stepResult{Step: applyStep, OK: false, Error: err.Error()})
		reset := c.record(ctx, p, dbName, ResetStatusFailed, steps)
		return reset, apierr.DriverFailed(applyStep, err)
	}
	steps = append(steps, stepResult{Step: applyStep, OK: true})

	reset := c.record(ctx, p, dbName, ResetStatusApplied, steps)
	return reset, nil
}

// record always writes the provenance row and emits the matching run event,
// regardless of the outcome being recorded.
func (c *Coordinator) record(ctx context.Context, p ResetAndSeedParams, dbName string, status ResetStatus, steps []stepResult) Reset {
	details, _ := json.Marshal(steps)

	reset, err := c.store.Create(ctx, CreateParams{
		RunID:           p.RunID,
		SlotID:          p.SlotID,
		DBName:          dbName,
		Strategy:        p.Strategy,
		SeedVersion:     p.SeedVersion,
		SnapshotVersion: p.SnapshotVersion,
		DryRun:          p.DryRun,
		ResetStatus:     status,
		Details:         details,
	})
	if err != nil {
		c.logger.Error("recording preview db reset provenance", "error", err, "run_id", p.RunID)
	}

	eventType := "preview_db_reset_" + string(status)
	payload, _ := json.Marshal(map[string]any{"slot_id": p.SlotID, "db_name": dbName, "status": status})
	ev, evErr := c.events.Append(ctx, c.pool, p.RunID, eventType, nil, nil, payload)
	if evErr != nil {
		c.logger.Error("appending preview db reset event", "error", evErr, "run_id", p.RunID)
	} else {
		c.broadcaster.Publish(ctx, ev)
	}

	if c.audit != nil {
		c.audit.Log(audit.Entry{RunID: &p.RunID, SlotID: &p.SlotID, Actor: "api", Action: "previewdb.reset_and_seed", Resource: "preview_db", ResourceID: dbName, Detail: details})
	}

	telemetry.PreviewDBResetsTotal.WithLabelValues(string(status)).Inc()
	return reset
}
