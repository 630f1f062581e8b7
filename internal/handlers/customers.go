package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/httpserver"
)

// CustomersHandler serves POST /api/v1/customers (§6, business-scoped).
type CustomersHandler struct {
	Deps
}

func NewCustomersHandler(d Deps) *CustomersHandler { return &CustomersHandler{d} }

func (h *CustomersHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(httpserver.RequireAuth).Post("/", h.handleCreate)
	return r
}

// createCustomerRequest accepts customer_name/email per §6's wire contract;
// neither persists (the Customer entity of §3 carries no such attributes),
// so they're accepted for forward compatibility with an eventual CRM
// integration and otherwise ignored.
type createCustomerRequest struct {
	CustomerID   string  `json:"customer_id" validate:"required"`
	CustomerName string  `json:"customer_name"`
	Email        string  `json:"email"`
	PlanID       *string `json:"plan_id"`
}

type customerResponse struct {
	CustomerID string  `json:"customer_id"`
	PlanID     *string `json:"plan_id,omitempty"`
}

func (h *CustomersHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := httpserver.IdentityFromContext(r.Context())
	if identity.IsAdmin {
		respondErr(w, h.Logger, apierr.Validation("creating customers requires a business-scoped key"))
		return
	}
	businessID := identity.BusinessID

	business, err := h.App.Business(r.Context(), businessID)
	if err != nil {
		respondErr(w, h.Logger, apierr.NotFound("business %s not found", businessID))
		return
	}

	if req.PlanID != nil {
		if _, err := h.App.DB().GetPlan(r.Context(), *req.PlanID); err != nil {
			respondErr(w, h.Logger, apierr.Validation("plan %s not found", *req.PlanID))
			return
		}
	}

	if _, ok := business.LookupCustomer(req.CustomerID); ok {
		respondErr(w, h.Logger, apierr.Conflict("customer %s already exists", req.CustomerID))
		return
	}

	rowID := uuid.New().String()
	customer, err := business.Customer(r.Context(), req.CustomerID, func(ctx context.Context) (db.Customer, error) {
		row := db.Customer{ID: rowID, BusinessID: businessID, CustomerID: req.CustomerID, PlanID: req.PlanID}
		if err := h.App.DB().CreateCustomer(ctx, rowID, row); err != nil {
			return db.Customer{}, err
		}
		return h.App.DB().GetCustomer(ctx, businessID, req.CustomerID)
	})
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "creating customer"))
		return
	}

	httpserver.Respond(w, http.StatusCreated, customerResponse{
		CustomerID: req.CustomerID,
		PlanID:     customer.PlanID(),
	})
}
