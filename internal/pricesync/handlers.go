package pricesync

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/killdeer/ffcsa-ops/internal/common"
	"github.com/killdeer/ffcsa-ops/internal/pricing"
	"github.com/killdeer/ffcsa-ops/internal/repo"
)

// Enqueuer schedules background syncs of single products.
type Enqueuer interface {
	EnqueueProductSync(ctx context.Context, productID int64, opts Options) error
}

// Handler exposes pricing preview and sync endpoints.
type Handler struct {
	syncer   *Syncer
	enqueuer Enqueuer
	logger   zerolog.Logger
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Syncer   *Syncer
	Enqueuer Enqueuer
	Logger   zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{syncer: cfg.Syncer, enqueuer: cfg.Enqueuer, logger: cfg.Logger}
}

// Routes mounts the handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/products/{id}/pricing", h.Pricing)
	r.Post("/pricelists/sync", h.Sync)
}

// Pricing handles GET /api/v1/products/{id}/pricing.
func (h *Handler) Pricing(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "price sync not configured", nil)
		return
	}
	id, err := common.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	preview, err := h.syncer.Preview(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": preview})
}

type syncRequest struct {
	IDs         []int64 `json:"ids"`
	DryRun      bool    `json:"dryRun"`
	LinkMissing bool    `json:"linkMissing"`
}

// Sync handles POST /api/v1/pricelists/sync by enqueuing one task per product.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil || h.enqueuer == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "background sync not configured", nil)
		return
	}
	var req syncRequest
	if r.ContentLength != 0 {
		if err := common.DecodeJSON(r, &req); err != nil {
			common.WriteError(w, err)
			return
		}
	}
	ids := req.IDs
	if len(ids) == 0 {
		all, err := h.syncer.store.ListIDs(r.Context(), true)
		if err != nil {
			h.writeError(w, err)
			return
		}
		ids = all
	}
	opts := h.syncer.Options()
	opts.DryRun = opts.DryRun || req.DryRun
	opts.LinkMissing = opts.LinkMissing || req.LinkMissing

	enqueued := 0
	for _, id := range ids {
		if err := h.enqueuer.EnqueueProductSync(r.Context(), id, opts); err != nil {
			h.logger.Error().Err(err).Int64("product_id", id).Msg("enqueue price sync")
			common.JSONError(w, http.StatusBadGateway, "ENQUEUE_FAILED", "failed to enqueue price sync",
				map[string]any{"enqueued": enqueued, "failedProductId": id})
			return
		}
		enqueued++
	}
	common.JSON(w, http.StatusAccepted, map[string]any{"data": map[string]any{
		"enqueued": enqueued,
		"dryRun":   opts.DryRun,
	}})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *pricing.ValidationError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "product not found", nil)
	case errors.As(err, &verr):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_PRICING", verr.Error(),
			map[string]any{"field": verr.Field, "value": verr.Value})
	default:
		h.logger.Error().Err(err).Msg("pricing request failed")
		common.WriteError(w, err)
	}
}
