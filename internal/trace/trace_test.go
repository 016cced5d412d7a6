package trace

import (
	"context"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), "trace-abc")
	if got := FromContext(ctx); got != "trace-abc" {
		t.Errorf("FromContext() = %q, want %q", got, "trace-abc")
	}
}

func TestFromContext_Absent(t *testing.T) {
	if got := FromContext(context.Background()); got != "" {
		t.Errorf("FromContext() = %q, want empty", got)
	}
}
