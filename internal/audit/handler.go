package audit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/httpserver"
)

// Handler exposes the audit trail across every run, the operator-facing
// counterpart to ListForRun (which pkg/run's handler uses to scope the
// trail to one run).
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router mounted at /api/audit-log.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

const countAuditLog = `SELECT count(*) FROM audit_log
	WHERE ($1::text IS NULL OR actor = $1)
	AND ($2::text IS NULL OR action = $2)`

const listAuditLog = `SELECT id, run_id, slot_id, commit_sha, trace_id, actor, action, resource, resource_id, detail, created_at
	FROM audit_log
	WHERE ($1::text IS NULL OR actor = $1)
	AND ($2::text IS NULL OR action = $2)
	ORDER BY created_at DESC, id DESC
	LIMIT $3 OFFSET $4`

// handleList serves GET /api/audit-log?actor=&action=&page=&page_size=, an
// operator-wide view across every run/slot/driver action rather than one
// run's trail.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, apierr.Validation(err.Error()))
		return
	}

	var actor, action *string
	if v := r.URL.Query().Get("actor"); v != "" {
		actor = &v
	}
	if v := r.URL.Query().Get("action"); v != "" {
		action = &v
	}

	var total int
	if err := h.pool.QueryRow(r.Context(), countAuditLog, actor, action).Scan(&total); err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to count audit log", err))
		return
	}

	rows, err := h.pool.Query(r.Context(), listAuditLog, actor, action, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list audit log", err))
		return
	}
	defer rows.Close()

	items, err := scanEntries(rows)
	if err != nil {
		h.logger.Error("scanning audit log", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list audit log", err))
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

func scanEntries(rows pgx.Rows) ([]LogEntry, error) {
	items := make([]LogEntry, 0)
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.SlotID, &e.CommitSHA, &e.TraceID, &e.Actor, &e.Action,
			&e.Resource, &e.ResourceID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
