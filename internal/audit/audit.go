// Package audit provides an append-only, async-flushed audit trail of every
// state-changing operation performed against a run: who (or what driver)
// triggered it, what happened, and from where.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/httpserver"
)

// Entry represents a single audit log entry to be written. RunID, SlotID,
// CommitSHA, and TraceID are correlation keys; all are optional since not
// every action concerns a run, a slot, or a commit.
type Entry struct {
	RunID      *string
	SlotID     *string
	CommitSHA  *string
	TraceID    *string
	Actor      string // e.g. "api", "scheduler", "driver:git", "driver:deploy"
	Action     string
	Resource   string
	ResourceID string
	Detail     json.RawMessage
	IPAddress  *netip.Addr
	UserAgent  *string
}

// Writer is an async, buffered audit log writer.
// Entries are sent to an internal channel and flushed by a background goroutine.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the database.
// It returns when the context is cancelled and all pending entries are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the caller;
// if the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "resource", entry.Resource)
	}
}

// LogFromRequest is a convenience method that extracts the actor, IP, and
// user agent from the request, then enqueues the entry. When resource is
// "run", resourceID also becomes the entry's RunID correlation key.
func (w *Writer) LogFromRequest(r *http.Request, actor, action, resource, resourceID string, detail json.RawMessage) {
	entry := Entry{
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
	}

	if resource == "run" && resourceID != "" {
		id := resourceID
		entry.RunID = &id
	}
	if resource == "slot" && resourceID != "" {
		id := resourceID
		entry.SlotID = &id
	}

	if traceID := traceIDFromRequest(r); traceID != "" {
		entry.TraceID = &traceID
	}

	ip := clientIP(r)
	if ip.IsValid() {
		entry.IPAddress = &ip
	}

	ua := r.Header.Get("User-Agent")
	if ua != "" {
		entry.UserAgent = &ua
	}

	w.Log(entry)
}

// traceIDFromRequest reads the trace ID the TraceID middleware stored on
// the request context, if any.
func traceIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return httpserver.TraceIDFromContext(r.Context())
}

// run is the background loop that drains the entries channel.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				// Channel closed — flush remaining and exit.
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain any remaining entries.
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// LogEntry is a persisted audit_log row, returned to callers reading the
// trail back (e.g. GET /api/runs/{id}/audit) rather than writing to it.
type LogEntry struct {
	ID         int64           `json:"id"`
	RunID      *string         `json:"run_id,omitempty"`
	SlotID     *string         `json:"slot_id,omitempty"`
	CommitSHA  *string         `json:"commit_sha,omitempty"`
	TraceID    *string         `json:"trace_id,omitempty"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID string          `json:"resource_id"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ListForRun returns every audit row correlated to runID, oldest first. It
// queries directly, bypassing the async write buffer, since read callers
// need the durable state, not the in-flight queue.
func ListForRun(ctx context.Context, pool *pgxpool.Pool, runID string) ([]LogEntry, error) {
	query := `SELECT id, run_id, slot_id, commit_sha, trace_id, actor, action, resource, resource_id, detail, created_at
	FROM audit_log WHERE run_id = $1 ORDER BY created_at, id`
	rows, err := pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.SlotID, &e.CommitSHA, &e.TraceID, &e.Actor, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

const insertAuditEntry = `
INSERT INTO audit_log (run_id, slot_id, commit_sha, trace_id, actor, action, resource, resource_id, detail, ip_address, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

// flush writes a batch of entries to the database.
func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("acquiring connection for audit flush", "error", err)
		return
	}
	defer conn.Release()

	for _, e := range entries {
		var ipStr *string
		if e.IPAddress != nil {
			s := e.IPAddress.String()
			ipStr = &s
		}

		if _, err := conn.Exec(ctx, insertAuditEntry,
			e.RunID, e.SlotID, e.CommitSHA, e.TraceID, e.Actor, e.Action, e.Resource, e.ResourceID, e.Detail, ipStr, e.UserAgent,
		); err != nil {
			w.logger.Error("writing audit log entry", "error", err,
				"action", e.Action, "resource", e.Resource)
		}
	}
}

// clientIP extracts the client IP address from the request,
// preferring X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	// X-Forwarded-For: first entry is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	// X-Real-IP.
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	// Fall back to RemoteAddr.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
