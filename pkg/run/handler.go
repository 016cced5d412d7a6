package run

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/audit"
	"github.com/wisbric/forgebay/internal/events"
	"github.com/wisbric/forgebay/internal/httpserver"
)

// Handler provides HTTP handlers for the runs API.
type Handler struct {
	pool      *pgxpool.Pool
	store     *Store
	machine   *Machine
	events    *events.Store
	checks    *CheckStore
	artifacts *ArtifactStore
	logger    *slog.Logger
	audit     *audit.Writer
}

// NewHandler creates a run Handler.
func NewHandler(pool *pgxpool.Pool, machine *Machine, logger *slog.Logger, auditWriter *audit.Writer) *Handler {
	return &Handler{
		pool:      pool,
		store:     NewStore(pool),
		machine:   machine,
		events:    events.NewStore(),
		checks:    NewCheckStore(pool),
		artifacts: NewArtifactStore(pool),
		logger:    logger,
		audit:     auditWriter,
	}
}

// Routes returns a chi.Router with all run routes mounted. Callers that
// own per-run operations of their own (approvals, allocation) pass them as
// extra registration funcs applied inside the /{id} subtree, so every
// per-run route lives under one routing node.
func (h *Handler) Routes(extra ...func(chi.Router)) chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/contract", h.handleContract)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/transition", h.handleTransition)
		r.Post("/cancel", h.handleCancel)
		r.Post("/retry", h.handleRetry)
		r.Post("/expire", h.handleExpire)
		r.Post("/resume", h.handleResume)
		r.Get("/events", h.handleListEvents)
		r.Get("/checks", h.handleListChecks)
		r.Post("/checks", h.handleRecordCheck)
		r.Get("/artifacts", h.handleListArtifacts)
		r.Post("/artifacts", h.handleRecordArtifact)
		r.Get("/audit", h.handleListAudit)
		for _, register := range extra {
			register(r)
		}
	})
	return r
}

// CreateRequest is the payload for POST /api/runs.
type CreateRequest struct {
	Title       string          `json:"title" validate:"required,max=200"`
	Prompt      string          `json:"prompt" validate:"required"`
	Route       string          `json:"route" validate:"required"`
	PageTitle   *string         `json:"page_title,omitempty"`
	ElementHint *string         `json:"element_hint,omitempty"`
	Note        *string         `json:"note,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedBy   *string         `json:"created_by,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	id := uuid.NewString()
	created, err := h.store.Create(r.Context(), CreateParams{
		ID:        id,
		Title:     req.Title,
		Prompt:    req.Prompt,
		Route:     req.Route,
		CreatedBy: req.CreatedBy,
	}, Context{
		RunID:       id,
		Route:       req.Route,
		PageTitle:   req.PageTitle,
		ElementHint: req.ElementHint,
		Note:        req.Note,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.logger.Error("creating run", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to create run", err))
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"title": created.Title, "route": created.Route})
		h.audit.LogFromRequest(r, "api", "create", "run", created.ID, detail)
	}

	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	filters := ListFilters{
		Status: r.URL.Query().Get("status"),
		Route:  r.URL.Query().Get("route"),
	}

	items, err := h.store.List(r.Context(), filters, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing runs", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list runs", err))
		return
	}
	total, err := h.store.Count(r.Context(), filters)
	if err != nil {
		h.logger.Error("counting runs", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to count runs", err))
		return
	}

	page := httpserver.NewOffsetPage(items, params, total)
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.store.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, apierr.NotFound("run", id))
		return
	}
	httpserver.Respond(w, http.StatusOK, run)
}

func (h *Handler) handleContract(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"transitions": Contract(),
		"terminal":    []Status{StatusMerged, StatusFailed, StatusCanceled, StatusExpired},
	})
}

// TransitionRequest is the payload for POST /api/runs/{id}/transition.
type TransitionRequest struct {
	ToStatus          string          `json:"to_status" validate:"required"`
	FailureReasonCode *string         `json:"failure_reason_code,omitempty"`
	CommitSHA         *string         `json:"commit_sha,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Actor             string          `json:"actor,omitempty"`
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req TransitionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	updated, err := h.machine.Transition(r.Context(), r, TransitionParams{
		RunID:         id,
		ToStatus:      Status(req.ToStatus),
		FailureReason: req.FailureReasonCode,
		CommitSHA:     req.CommitSHA,
		Payload:       req.Payload,
		Actor:         actor,
	})
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

// CancelRequest is the payload for POST /api/runs/{id}/cancel.
type CancelRequest struct {
	Reason *string `json:"reason,omitempty"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req CancelRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	updated, err := h.machine.Cancel(r.Context(), r, id, req.Reason)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	created, err := h.machine.Retry(r.Context(), id)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"parent_run_id": id})
		h.audit.LogFromRequest(r, "api", "retry", "run", created.ID, detail)
	}

	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	updated, err := h.machine.Expire(r.Context(), r, id)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	created, err := h.machine.Resume(r.Context(), id)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"parent_run_id": id})
		h.audit.LogFromRequest(r, "api", "resume", "run", created.ID, detail)
	}

	httpserver.Respond(w, http.StatusCreated, created)
}

// RecordCheckRequest is the payload for POST /api/runs/{id}/checks.
type RecordCheckRequest struct {
	CheckName   string  `json:"check_name" validate:"required"`
	Status      string  `json:"status" validate:"required"`
	ArtifactURI *string `json:"artifact_uri,omitempty"`
}

func (h *Handler) handleRecordCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req RecordCheckRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	now := time.Now()
	created, err := h.checks.Record(r.Context(), RecordParams{
		RunID:       id,
		CheckName:   req.CheckName,
		Status:      req.Status,
		StartedAt:   &now,
		EndedAt:     &now,
		ArtifactURI: req.ArtifactURI,
	})
	if err != nil {
		h.logger.Error("recording validation check", "error", err, "run_id", id)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to record validation check", err))
		return
	}
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleListChecks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := h.checks.ListForRun(r.Context(), id)
	if err != nil {
		h.logger.Error("listing validation checks", "error", err, "run_id", id)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list validation checks", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

// RecordArtifactRequest is the payload for POST /api/runs/{id}/artifacts.
type RecordArtifactRequest struct {
	ArtifactType string          `json:"artifact_type" validate:"required"`
	URI          string          `json:"uri" validate:"required"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (h *Handler) handleRecordArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req RecordArtifactRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	created, err := h.artifacts.Create(r.Context(), CreateArtifactParams{
		RunID:        id,
		ArtifactType: req.ArtifactType,
		URI:          req.URI,
		Payload:      req.Payload,
	})
	if err != nil {
		h.logger.Error("recording run artifact", "error", err, "run_id", id)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to record run artifact", err))
		return
	}
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := h.artifacts.ListForRun(r.Context(), id)
	if err != nil {
		h.logger.Error("listing run artifacts", "error", err, "run_id", id)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list run artifacts", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := audit.ListForRun(r.Context(), h.pool, id)
	if err != nil {
		h.logger.Error("listing run audit entries", "error", err, "run_id", id)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list run audit entries", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

// handleListEvents serves the run's event feed with keyset pagination: the
// feed is append-only and time-ordered, so an "after" cursor is stable in a
// way an offset is not while the worker keeps appending.
func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.Get(r.Context(), id); err != nil {
		httpserver.RespondAPIError(w, h.logger, apierr.NotFound("run", id))
		return
	}

	params, err := httpserver.ParseCursorParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var afterTime time.Time
	var afterID int64
	if params.After != nil {
		afterTime = params.After.CreatedAt
		afterID = params.After.ID
	}

	items, err := h.events.ListForRunAfter(r.Context(), h.pool, id, afterTime, afterID, params.Limit+1)
	if err != nil {
		h.logger.Error("listing run events", "error", err, "run_id", id)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list run events", err))
		return
	}

	page := httpserver.NewCursorPage(items, params.Limit, func(ev events.RunEvent) httpserver.Cursor {
		return httpserver.Cursor{CreatedAt: ev.CreatedAt, ID: ev.ID}
	})
	httpserver.Respond(w, http.StatusOK, page)
}
