package previewdb

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/forgebay/internal/apierr"
	"github.com/wisbric/forgebay/internal/httpserver"
)

// Handler provides HTTP handlers for the preview DB reset/seed API.
type Handler struct {
	store       *Store
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewHandler creates a previewdb Handler.
func NewHandler(pool *pgxpool.Pool, coordinator *Coordinator, logger *slog.Logger) *Handler {
	return &Handler{
		store:       NewStore(pool),
		coordinator: coordinator,
		logger:      logger,
	}
}

// Routes returns a chi.Router with the preview DB routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/reset", h.handleReset)
	r.Get("/runs/{run_id}", h.handleListForRun)
	return r
}

// ResetRequest is the payload for POST /api/preview-dbs/reset.
type ResetRequest struct {
	RunID           string  `json:"run_id" validate:"required"`
	SlotID          string  `json:"slot_id" validate:"required"`
	Strategy        string  `json:"strategy" validate:"required,oneof=seed snapshot"`
	SeedVersion     *string `json:"seed_version,omitempty"`
	SnapshotVersion *string `json:"snapshot_version,omitempty"`
	DryRun          bool    `json:"dry_run,omitempty"`
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.coordinator.ResetAndSeed(r.Context(), ResetAndSeedParams{
		RunID:           req.RunID,
		SlotID:          req.SlotID,
		Strategy:        Strategy(req.Strategy),
		SeedVersion:     req.SeedVersion,
		SnapshotVersion: req.SnapshotVersion,
		DryRun:          req.DryRun,
	})
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

func (h *Handler) handleListForRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	items, err := h.store.ListForRun(r.Context(), runID)
	if err != nil {
		h.logger.Error("listing preview db resets", "error", err, "run_id", runID)
		httpserver.RespondAPIError(w, h.logger, apierr.Internal("failed to list preview db resets", err))
		return
	}
	httpserver.Respond(w, http.StatusOK, items)
}
