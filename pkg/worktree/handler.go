package worktree

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/httpserver"
)

// Handler provides HTTP handlers for the worktree bindings API.
type Handler struct {
	pool    *pgxpool.Pool
	store   *Store
	manager *Manager
	slotIDs []string
	logger  *slog.Logger
}

// NewHandler creates a worktree Handler.
func NewHandler(pool *pgxpool.Pool, manager *Manager, slotIDs []string, logger *slog.Logger) *Handler {
	return &Handler{
		pool:    pool,
		store:   NewStore(pool),
		manager: manager,
		slotIDs: slotIDs,
		logger:  logger,
	}
}

// Routes returns a chi.Router with all worktree binding routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/assign", h.handleAssign)
	r.Post("/{slot_id}/cleanup", h.handleCleanup)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.List(r.Context(), h.slotIDs)
	if err != nil {
		h.logger.Error("listing worktree bindings", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list worktree bindings", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

// AssignRequest is the payload for POST /api/worktrees/assign.
type AssignRequest struct {
	RunID  string `json:"run_id" validate:"required"`
	SlotID string `json:"slot_id" validate:"required"`
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.manager.Assign(r.Context(), req.RunID, req.SlotID)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

// CleanupRequest is the payload for POST /api/worktrees/{slot_id}/cleanup.
type CleanupRequest struct {
	RunID string `json:"run_id,omitempty"`
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slot_id")
	var req CleanupRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	if err := h.manager.Cleanup(r.Context(), slotID, req.RunID); err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"cleaned_up": true})
}
