// Package events implements the append-only RunEvent log shared by every
// domain component, plus a best-effort Redis broadcaster so an external UI
// can subscribe to live updates without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/forgebay/internal/db"
)

// RunEvent is one append-only row in the run_events table.
type RunEvent struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	EventType  string          `json:"event_type"`
	StatusFrom *string         `json:"status_from,omitempty"`
	StatusTo   *string         `json:"status_to,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store appends and lists RunEvents. It is always used inside the
// transaction of the operation that produced the event, so event visibility
// matches the operation's own commit/rollback.
type Store struct{}

// NewStore creates an events Store. It holds no state; it is a thin SQL
// wrapper parameterized per call by the DBTX passed in.
func NewStore() *Store {
	return &Store{}
}

const insertRunEvent = `
INSERT INTO run_events (run_id, event_type, status_from, status_to, payload)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, run_id, event_type, status_from, status_to, payload, created_at
`

// Append inserts a new RunEvent row within the caller's transaction.
func (s *Store) Append(ctx context.Context, dbtx db.DBTX, runID, eventType string, statusFrom, statusTo *string, payload json.RawMessage) (RunEvent, error) {
	var ev RunEvent
	err := dbtx.QueryRow(ctx, insertRunEvent, runID, eventType, statusFrom, statusTo, payload).Scan(
		&ev.ID, &ev.RunID, &ev.EventType, &ev.StatusFrom, &ev.StatusTo, &ev.Payload, &ev.CreatedAt,
	)
	if err != nil {
		return RunEvent{}, fmt.Errorf("appending run event: %w", err)
	}
	return ev, nil
}

const listRunEventsAfter = `
SELECT id, run_id, event_type, status_from, status_to, payload, created_at
FROM run_events
WHERE run_id = $1 AND (created_at, id) > ($2, $3)
ORDER BY created_at ASC, id ASC
LIMIT $4
`

// ListForRunAfter returns up to limit events for runID strictly after the
// (afterTime, afterID) keyset position, oldest first. Pass the zero time
// and id 0 to start from the beginning.
func (s *Store) ListForRunAfter(ctx context.Context, dbtx db.DBTX, runID string, afterTime time.Time, afterID int64, limit int) ([]RunEvent, error) {
	rows, err := dbtx.Query(ctx, listRunEventsAfter, runID, afterTime, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing run events: %w", err)
	}
	defer rows.Close()

	events := make([]RunEvent, 0)
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &ev.StatusFrom, &ev.StatusTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning run event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

