package mergegate

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/httpserver"
	"github.com/wisbric/forgebay/pkg/run"
)

// Handler provides HTTP handlers for the merge/deploy gate API.
type Handler struct {
	pool      *pgxpool.Pool
	approvals *ApprovalStore
	releases  *ReleaseStore
	gate      *Gate
	logger    *slog.Logger
}

// NewHandler creates a mergegate Handler.
func NewHandler(pool *pgxpool.Pool, gate *Gate, logger *slog.Logger) *Handler {
	return &Handler{
		pool:      pool,
		approvals: NewApprovalStore(pool),
		releases:  NewReleaseStore(pool),
		gate:      gate,
		logger:    logger,
	}
}

// RunRoutes registers the gate's per-run routes on a router that already
// carries the {id} URL parameter (the /api/runs/{id} subtree).
func (h *Handler) RunRoutes(r chi.Router) {
	r.Post("/approve", h.handleApprove)
	r.Post("/reject", h.handleReject)
	r.Post("/merge", h.handleExecute)
	r.Get("/approvals", h.handleListApprovals)
}

// ApprovalRequest is the payload for POST /api/runs/{id}/approve and /reject.
type ApprovalRequest struct {
	ReviewerID        *string `json:"reviewer_id,omitempty"`
	Reason            *string `json:"reason,omitempty"`
	FailureReasonCode *string `json:"failure_reason_code,omitempty"`
}

// approvalResponse pairs the recorded decision with the run snapshot it
// drove, so reviewers see the resulting status in one round trip.
type approvalResponse struct {
	Approval Approval `json:"approval"`
	Run      run.Run  `json:"run"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ApprovalRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	approval, updated, err := h.gate.Approve(r.Context(), r, RecordParams{
		RunID:      id,
		ReviewerID: req.ReviewerID,
		Reason:     req.Reason,
	})
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, approvalResponse{Approval: approval, Run: updated})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ApprovalRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	approval, updated, err := h.gate.Reject(r.Context(), r, RecordParams{
		RunID:             id,
		ReviewerID:        req.ReviewerID,
		Reason:            req.Reason,
		FailureReasonCode: req.FailureReasonCode,
	})
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, approvalResponse{Approval: approval, Run: updated})
}

func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := h.approvals.ListForRun(r.Context(), id)
	if err != nil {
		h.logger.Error("listing approvals", "error", err, "run_id", id)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list approvals", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	updated, err := h.gate.Execute(r.Context(), id)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

// ReleasesHandler exposes the release ledger independent of any one run,
// mounted at /api/releases.
type ReleasesHandler struct {
	releases *ReleaseStore
	logger   *slog.Logger
}

// NewReleasesHandler creates a ReleasesHandler.
func NewReleasesHandler(pool *pgxpool.Pool, logger *slog.Logger) *ReleasesHandler {
	return &ReleasesHandler{releases: NewReleaseStore(pool), logger: logger}
}

// Routes returns a chi.Router with the releases routes mounted.
func (h *ReleasesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/current", h.handleCurrent)
	r.Get("/{id}", h.handleGet)
	return r
}

func (h *ReleasesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, apierr.Validation(err.Error()))
		return
	}

	items, err := h.releases.List(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing releases", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list releases", err))
		return
	}
	total, err := h.releases.Count(r.Context())
	if err != nil {
		h.logger.Error("counting releases", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to count releases", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

func (h *ReleasesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	release, err := h.releases.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, apierr.NotFound("release", id))
		return
	}
	httpserver.Respond(w, http.StatusOK, release)
}

func (h *ReleasesHandler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	release, ok, err := h.releases.CurrentDeployed(r.Context())
	if err != nil {
		h.logger.Error("reading current release", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to read current release", err))
		return
	}
	if !ok {
		httpserver.RespondAPIError(w, h.logger, apierr.NotFound("release", "current"))
		return
	}
	httpserver.Respond(w, http.StatusOK, release)
}
