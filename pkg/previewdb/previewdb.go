// Package previewdb implements the Preview DB Reset/Seed Coordinator: it
// puts a slot's dedicated preview database into a deterministic state
// before each new run and records provenance for every attempt.
package previewdb

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Strategy selects how a preview database is brought to its reset state.
type Strategy string

const (
	StrategySeed     Strategy = "seed"
	StrategySnapshot Strategy = "snapshot"
)

// ResetStatus is the outcome persisted for a reset attempt.
type ResetStatus string

const (
	ResetStatusApplied  ResetStatus = "applied"
	ResetStatusRejected ResetStatus = "rejected"
	ResetStatusFailed   ResetStatus = "failed"
	ResetStatusDryRun   ResetStatus = "dry_run"
)

// Reset is one provenance row recording a reset_and_seed attempt.
type Reset struct {
	ID              int64           `json:"id"`
	RunID           string          `json:"run_id"`
	SlotID          string          `json:"slot_id"`
	DBName          string          `json:"db_name"`
	Strategy        Strategy        `json:"strategy"`
	SeedVersion     *string         `json:"seed_version,omitempty"`
	SnapshotVersion *string         `json:"snapshot_version,omitempty"`
	DryRun          bool            `json:"dry_run"`
	ResetStatus     ResetStatus     `json:"reset_status"`
	Details         json.RawMessage `json:"details,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

var previewDBNamePattern = regexp.MustCompile(`^app_preview_[0-9]+$`)

// forbiddenDBNames are control-plane databases reset_and_seed must never
// target, regardless of what a caller-supplied slot_id maps to.
var forbiddenDBNames = map[string]bool{
	"forgebay":  true,
	"postgres":  true,
	"template0": true,
	"template1": true,
}

// ValidateDBName enforces the hard target invariant: dbName must match
// the app_preview_<n> convention and must never be a forbidden,
// control-plane database name. It is a pure function so the safety check
// can be exercised without a database connection.
func ValidateDBName(dbName string) error {
	if forbiddenDBNames[dbName] {
		return fmt.Errorf("refusing to target control-plane database %q", dbName)
	}
	if !previewDBNamePattern.MatchString(dbName) {
		return fmt.Errorf("database %q does not match the app_preview_<n> naming convention", dbName)
	}
	return nil
}
