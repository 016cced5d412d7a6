package slot

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/httpserver"
)

// Handler provides HTTP handlers for the slot lease API.
type Handler struct {
	pool    *pgxpool.Pool
	store   *Store
	manager *Manager
	slotIDs []string
	logger  *slog.Logger
}

// NewHandler creates a slot Handler.
func NewHandler(pool *pgxpool.Pool, manager *Manager, slotIDs []string, logger *slog.Logger) *Handler {
	return &Handler{
		pool:    pool,
		store:   NewStore(pool),
		manager: manager,
		slotIDs: slotIDs,
		logger:  logger,
	}
}

// Routes returns a chi.Router with all slot lease routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/contract", h.handleContract)
	r.Post("/acquire", h.handleAcquire)
	r.Post("/reap-expired", h.handleReapExpired)
	r.Route("/{slot_id}", func(r chi.Router) {
		r.Post("/heartbeat", h.handleHeartbeat)
		r.Post("/release", h.handleRelease)
	})
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.List(r.Context(), h.slotIDs)
	if err != nil {
		h.logger.Error("listing slot leases", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list slot leases", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleContract(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"slot_ids":     h.slotIDs,
		"lease_states": []LeaseState{LeaseStateLeased, LeaseStateReleased, LeaseStateExpired},
	})
}

// AcquireRequest is the payload for POST /api/slots/acquire.
type AcquireRequest struct {
	RunID string `json:"run_id" validate:"required"`
	Force bool   `json:"force,omitempty"`
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.manager.Acquire(r.Context(), req.RunID, req.Force)
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if !result.Acquired {
		status = http.StatusAccepted
	}
	httpserver.Respond(w, status, result)
}

// HeartbeatRequest is the payload for POST /api/slots/{slot_id}/heartbeat.
type HeartbeatRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slot_id")
	var req HeartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.manager.Heartbeat(r.Context(), slotID, req.RunID); err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// ReleaseRequest is the payload for POST /api/slots/{slot_id}/release.
type ReleaseRequest struct {
	RunID string `json:"run_id,omitempty"`
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	slotID := chi.URLParam(r, "slot_id")
	var req ReleaseRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	if err := h.manager.Release(r.Context(), slotID, req.RunID); err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]bool{"released": true})
}

func (h *Handler) handleReapExpired(w http.ResponseWriter, r *http.Request) {
	reaped, err := h.manager.ReapExpired(r.Context())
	if err != nil {
		h.logger.Error("reaping expired slot leases", "error", err)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to reap expired slot leases", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]int{"reaped": reaped})
}
