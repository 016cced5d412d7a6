package allocation

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/forgebay/internal/httpserver"
	"github.com/wisbric/forgebay/pkg/previewdb"
)

// Handler provides HTTP handlers for the allocation API.
type Handler struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewHandler creates an allocation Handler.
func NewHandler(orchestrator *Orchestrator, logger *slog.Logger) *Handler {
	return &Handler{orchestrator: orchestrator, logger: logger}
}

// RunRoutes registers the allocation route on a router that already
// carries the {id} URL parameter (the /api/runs/{id} subtree).
func (h *Handler) RunRoutes(r chi.Router) {
	r.Post("/allocate", h.handleAllocate)
}

// AllocateRequest is the payload for POST /api/runs/{id}/allocate.
type AllocateRequest struct {
	Strategy        string  `json:"strategy" validate:"required,oneof=seed snapshot"`
	SeedVersion     *string `json:"seed_version,omitempty"`
	SnapshotVersion *string `json:"snapshot_version,omitempty"`
	Force           bool    `json:"force,omitempty"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	var req AllocateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.orchestrator.Allocate(r.Context(), Params{
		RunID:           runID,
		Strategy:        previewdb.Strategy(req.Strategy),
		SeedVersion:     req.SeedVersion,
		SnapshotVersion: req.SnapshotVersion,
		Force:           req.Force,
	})
	if err != nil {
		httpserver.RespondAPIError(w, h.logger, err)
		return
	}

	status := http.StatusOK
	if result.Status == StatusFailed {
		status = http.StatusConflict
	}
	httpserver.Respond(w, status, result)
}
