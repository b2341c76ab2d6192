package inventory

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/killdeer/ffcsa-ops/internal/common"
	"github.com/killdeer/ffcsa-ops/internal/repo"
)

var validate = validator.New()

type updateRequest struct {
	Visible        *bool `json:"visible" validate:"required"`
	TrackInventory *bool `json:"track_inventory" validate:"required"`
	StockInventory *int  `json:"stock_inventory" validate:"required,gte=0"`
	Sale           *bool `json:"sale"`
	// clamped to [0,1] by the service; JSON cannot carry NaN or Inf
	SaleDiscount *float64 `json:"sale_discount"`
}

// Handler exposes the inventory endpoint.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Put("/products/{id}/inventory", h.Update)
}

// Update handles PUT /api/v1/products/{id}/inventory.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "inventory service not configured", nil)
		return
	}
	id, err := common.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	var req updateRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "invalid inventory update", fieldErrors(err))
		return
	}

	res, err := h.service.Update(r.Context(), id, Update{
		Visible:        *req.Visible,
		TrackInventory: *req.TrackInventory,
		StockInventory: *req.StockInventory,
		Sale:           req.Sale,
		SaleDiscount:   req.SaleDiscount,
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "product not found", nil)
			return
		}
		h.logger.Error().Err(err).Int64("product_id", id).Msg("inventory update failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "inventory update failed", res)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": res})
}

func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}
