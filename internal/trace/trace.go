// Package trace carries the request correlation token from the HTTP edge
// down to outbound driver invocations. The token is opaque: it is whatever
// an external orchestrator supplied in the configured trace header, echoed
// through context so subprocess drivers can export it to their children.
package trace

import "context"

type contextKey struct{}

// EnvVar is the environment variable name subprocess drivers export the
// trace ID under.
const EnvVar = "FORGEBAY_TRACE_ID"

// NewContext returns a copy of ctx carrying traceID.
func NewContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKey{}, traceID)
}

// FromContext returns the trace ID carried by ctx, or "" if absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
