package events

import (
	"context"
	"log/slog"
	"testing"
)

func TestChannelFor(t *testing.T) {
	if got, want := channelFor("R1"), "forgebay:events:R1"; got != want {
		t.Errorf("channelFor(%q) = %q, want %q", "R1", got, want)
	}
}

func TestBroadcaster_PublishNoopWithoutRedis(t *testing.T) {
	b := NewBroadcaster(nil, slog.Default())
	// Must not panic when no Redis client is configured.
	b.Publish(context.Background(), RunEvent{RunID: "R1", EventType: "status_transition"})
}
