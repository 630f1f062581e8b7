package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/httpserver"
)

// PlanLimitsHandler serves POST /api/v1/plan_limits (§6). The limit's scope
// (plan / business-default / customer-override) is selected by query
// parameters, mirroring the metrics endpoint's ?scope=...&customer_id=...
// convention (§3 Invariants precedence: customer > plan > business-default).
type PlanLimitsHandler struct {
	Deps
}

func NewPlanLimitsHandler(d Deps) *PlanLimitsHandler { return &PlanLimitsHandler{d} }

func (h *PlanLimitsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(httpserver.RequireAuth).Post("/", h.handleCreate)
	return r
}

// createPlanLimitRequest's limit_period maps to PlanLimit.MetricType (§3:
// "metric_type (default reset)") — §6's wire contract names the field
// limit_period, the only place "period" appears for a PlanLimit, which this
// implementation treats as the same knob rather than inventing a second
// period concept alongside MetricDefinition.FlushInterval.
type createPlanLimitRequest struct {
	MetricName     string   `json:"metric_name" validate:"required"`
	LimitValue     float64  `json:"limit_value" validate:"required"`
	LimitPeriod    string   `json:"limit_period"`
	BreachOperator string   `json:"breach_operator" validate:"required,oneof=gte gt lte lt eq"`
	BreachAction   string   `json:"breach_action" validate:"required,oneof=deny allow_overage webhook log"`
	WebhookURLs    []string `json:"webhook_urls" validate:"omitempty,dive,url"`
}

func (h *PlanLimitsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createPlanLimitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := httpserver.IdentityFromContext(r.Context())
	if identity.IsAdmin {
		respondErr(w, h.Logger, apierr.Validation("plan limits require a business-scoped key"))
		return
	}

	pl := db.PlanLimit{
		MetricName:     req.MetricName,
		LimitValue:     req.LimitValue,
		BreachOperator: req.BreachOperator,
		BreachAction:   req.BreachAction,
		WebhookURLs:    req.WebhookURLs,
		MetricType:     req.LimitPeriod,
	}
	if pl.MetricType == "" {
		pl.MetricType = "reset"
	}

	switch scope := r.URL.Query().Get("scope"); scope {
	case "plan", "":
		planID := r.URL.Query().Get("plan_id")
		if planID == "" {
			respondErr(w, h.Logger, apierr.Validation("plan_id is required for scope=plan"))
			return
		}
		plan, err := h.App.DB().GetPlan(r.Context(), planID)
		if err != nil || plan.BusinessID != identity.BusinessID {
			respondErr(w, h.Logger, apierr.Validation("plan %s not found", planID))
			return
		}
		pl.PlanID = &planID

	case "business":
		businessID := identity.BusinessID
		pl.BusinessID = &businessID

	case "customer":
		customerID := r.URL.Query().Get("customer_id")
		if customerID == "" {
			respondErr(w, h.Logger, apierr.Validation("customer_id is required for scope=customer"))
			return
		}
		row, err := h.App.DB().GetCustomer(r.Context(), identity.BusinessID, customerID)
		if err != nil {
			respondErr(w, h.Logger, apierr.Validation("customer %s not found", customerID))
			return
		}
		pl.CustomerID = &row.ID

	default:
		respondErr(w, h.Logger, apierr.Validation("scope must be one of 'plan', 'business', 'customer'"))
		return
	}

	id := uuid.New().String()
	if err := h.App.DB().CreatePlanLimit(r.Context(), id, pl); err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "creating plan limit"))
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]string{"id": id, "metric_name": req.MetricName})
}
