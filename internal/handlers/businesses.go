package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/httpserver"
)

// BusinessesHandler serves POST /api/v1/businesses (§6, admin only).
type BusinessesHandler struct {
	Deps
}

func NewBusinessesHandler(d Deps) *BusinessesHandler { return &BusinessesHandler{d} }

func (h *BusinessesHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(httpserver.RequireAdmin).Post("/", h.handleCreate)
	return r
}

type createBusinessRequest struct {
	BusinessID   string `json:"business_id" validate:"required"`
	BusinessName string `json:"business_name" validate:"required"`
	Email        string `json:"email" validate:"required,email"`
	PlanType     string `json:"plan_type"`
}

type businessResponse struct {
	BusinessID   string `json:"business_id"`
	BusinessName string `json:"business_name"`
	Email        string `json:"email"`
	PlanType     string `json:"plan_type"`
}

func (h *BusinessesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createBusinessRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if _, err := h.App.DB().GetBusiness(r.Context(), req.BusinessID); err == nil {
		respondErr(w, h.Logger, apierr.Conflict("business %s already exists", req.BusinessID))
		return
	}

	if err := h.App.DB().CreateBusiness(r.Context(), db.Business{
		BusinessID:         req.BusinessID,
		BusinessName:       req.BusinessName,
		Email:              req.Email,
		SubscriptionStatus: "active",
		PlanType:           req.PlanType,
	}); err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "creating business"))
		return
	}

	h.App.RegisterBusiness(req.BusinessID)

	httpserver.Respond(w, http.StatusCreated, businessResponse{
		BusinessID:   req.BusinessID,
		BusinessName: req.BusinessName,
		Email:        req.Email,
		PlanType:     req.PlanType,
	})
}
