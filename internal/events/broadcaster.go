package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Broadcaster publishes RunEvents to Redis pub/sub so an external UI can
// subscribe to live updates instead of polling the API. Redis is never the
// source of truth: a publish failure is logged and otherwise ignored.
type Broadcaster struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewBroadcaster creates a Broadcaster. rdb may be nil, in which case
// Publish is a no-op (used in tests and in deployments that disable the
// event-streaming feature).
func NewBroadcaster(rdb *redis.Client, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{rdb: rdb, logger: logger}
}

// channelFor returns the pub/sub channel a run's events are broadcast on.
func channelFor(runID string) string {
	return fmt.Sprintf("forgebay:events:%s", runID)
}

// Publish broadcasts ev on the run's event channel. Errors are logged, not
// returned: a broadcast failure must never fail the underlying operation.
func (b *Broadcaster) Publish(ctx context.Context, ev RunEvent) {
	if b.rdb == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("marshaling run event for broadcast", "error", err, "run_id", ev.RunID)
		return
	}

	if err := b.rdb.Publish(ctx, channelFor(ev.RunID), payload).Err(); err != nil {
		b.logger.Error("publishing run event", "error", err, "run_id", ev.RunID, "event_type", ev.EventType)
	}
}
