package run

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wisbric/forgebay/internal/db"
)

// Artifact is one append-only run artifact row: a link or
// payload produced by the worker or the merge/deploy gate, such as a diff,
// a test report, or a deploy log.
type Artifact struct {
	ID           int64           `json:"id"`
	RunID        string          `json:"run_id"`
	ArtifactType string          `json:"artifact_type"`
	URI          string          `json:"uri"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ArtifactStore provides database operations for run artifacts.
type ArtifactStore struct {
	dbtx db.DBTX
}

// NewArtifactStore creates an ArtifactStore.
func NewArtifactStore(dbtx db.DBTX) *ArtifactStore {
	return &ArtifactStore{dbtx: dbtx}
}

const artifactColumns = `id, run_id, artifact_type, uri, payload, created_at`

func scanArtifact(row pgx.Row) (Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.RunID, &a.ArtifactType, &a.URI, &a.Payload, &a.CreatedAt)
	return a, err
}

// CreateArtifactParams are the fields supplied when recording an artifact.
type CreateArtifactParams struct {
	RunID        string
	ArtifactType string
	URI          string
	Payload      json.RawMessage
}

// Create appends one artifact row.
func (s *ArtifactStore) Create(ctx context.Context, p CreateArtifactParams) (Artifact, error) {
	query := `INSERT INTO run_artifacts (run_id, artifact_type, uri, payload)
	VALUES ($1, $2, $3, $4)
	RETURNING ` + artifactColumns
	row := s.dbtx.QueryRow(ctx, query, p.RunID, p.ArtifactType, p.URI, p.Payload)
	a, err := scanArtifact(row)
	if err != nil {
		return Artifact{}, fmt.Errorf("creating run artifact: %w", err)
	}
	return a, nil
}

// ListForRun returns every artifact for runID, oldest first.
func (s *ArtifactStore) ListForRun(ctx context.Context, runID string) ([]Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM run_artifacts WHERE run_id = $1 ORDER BY created_at, id`
	rows, err := s.dbtx.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing run artifacts: %w", err)
	}
	defer rows.Close()
	var items []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run artifact row: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run artifact rows: %w", err)
	}
	return items, nil
}
