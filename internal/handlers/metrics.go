package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/httpserver"
	"github.com/tracktags/tracktags/pkg/metricactor"
	"github.com/tracktags/tracktags/pkg/metricstore"
)

// MetricsHandler serves POST /api/v1/metrics and PUT /api/v1/metrics/{name}
// (§6).
type MetricsHandler struct {
	Deps
}

func NewMetricsHandler(d Deps) *MetricsHandler { return &MetricsHandler{d} }

func (h *MetricsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(httpserver.RequireAuth).Post("/", h.handleCreate)
	r.With(httpserver.RequireAuth).Put("/{name}", h.handleIncrement)
	return r
}

type createMetricRequest struct {
	MetricName    string          `json:"metric_name" validate:"required"`
	Mode          string          `json:"mode" validate:"omitempty,oneof=simple precision"`
	Operation     string          `json:"operation" validate:"required,oneof=SUM MIN MAX COUNT AVERAGE LAST"`
	MetricType    string          `json:"metric_type" validate:"omitempty,oneof=reset checkpoint stripe_billing"`
	FlushInterval string          `json:"flush_interval" validate:"required"`
	InitialValue  float64         `json:"initial_value"`
	Adapters      json.RawMessage `json:"adapters"`
}

func (h *MetricsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createMetricRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := httpserver.IdentityFromContext(r.Context())
	if identity.IsAdmin {
		respondErr(w, h.Logger, apierr.Validation("creating metrics requires a business-scoped key"))
		return
	}

	scope, customerID, err := scopeAndCustomer(r, identity)
	if err != nil {
		respondErr(w, h.Logger, err)
		return
	}

	if req.Mode == "precision" {
		respondErr(w, h.Logger, apierr.NotImplemented("precision mode is not supported"))
		return
	}
	mode := req.Mode
	if mode == "" {
		mode = string(metricactor.ModeSimple)
	}
	metricType := req.MetricType
	if metricType == "" {
		metricType = "reset"
	}

	def := db.MetricDefinition{
		BusinessID:    identity.BusinessID,
		CustomerID:    customerID,
		MetricName:    req.MetricName,
		Mode:          mode,
		Operation:     req.Operation,
		MetricType:    metricType,
		FlushInterval: req.FlushInterval,
		InitialValue:  req.InitialValue,
		Adapters:      req.Adapters,
	}
	if err := h.App.DB().CreateMetricDefinition(r.Context(), uuid.New().String(), def); err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "creating metric definition"))
		return
	}

	if _, err := h.materializeMetric(r.Context(), identity.BusinessID, scope, customerID, req.MetricName, def); err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "materializing metric actor"))
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]string{"metric_name": req.MetricName, "status": "created"})
}

type incrementRequest struct {
	Value float64 `json:"value" validate:"required"`
}

type incrementResponse struct {
	MetricName   string  `json:"metric_name"`
	CurrentValue float64 `json:"current_value"`
	Breached     bool    `json:"breached"`
}

func (h *MetricsHandler) handleIncrement(w http.ResponseWriter, r *http.Request) {
	metricName := chi.URLParam(r, "name")

	var req incrementRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := httpserver.IdentityFromContext(r.Context())
	if identity.IsAdmin {
		respondErr(w, h.Logger, apierr.Validation("incrementing metrics requires a business-scoped key"))
		return
	}

	scope, customerID, err := scopeAndCustomer(r, identity)
	if err != nil {
		respondErr(w, h.Logger, err)
		return
	}

	def, err := h.App.DB().GetMetricDefinition(r.Context(), identity.BusinessID, customerID, metricName)
	if err != nil {
		respondErr(w, h.Logger, apierr.NotFound("metric definition %s not found", metricName))
		return
	}

	metric, err := h.materializeMetric(r.Context(), identity.BusinessID, scope, customerID, metricName, def)
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "resolving metric actor"))
		return
	}

	current, err := metric.Increment(r.Context(), req.Value)
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "applying increment"))
		return
	}

	httpserver.Respond(w, http.StatusOK, incrementResponse{
		MetricName:   metricName,
		CurrentValue: current,
		Breached:     metric.BreachState() == metricactor.Breached,
	})
}

// materializeMetric resolves the live MetricActor for the requested scope,
// constructing the CustomerActor first when scope=customer (§4.9 step 1).
func (h *MetricsHandler) materializeMetric(ctx context.Context, businessID, scope string, customerID *string, metricName string, d db.MetricDefinition) (*metricactor.Actor, error) {
	business, err := h.App.Business(ctx, businessID)
	if err != nil {
		return nil, err
	}

	def := metricactor.Definition{
		Mode:          metricactor.Mode(d.Mode),
		Operation:     metricstore.Op(d.Operation),
		MetricType:    d.MetricType,
		FlushInterval: d.FlushInterval,
		InitialValue:  d.InitialValue,
	}

	if scope == "customer" {
		customer, ok := business.LookupCustomer(*customerID)
		if !ok {
			customer, err = business.Customer(ctx, *customerID, nil)
			if err != nil {
				return nil, err
			}
		}
		return customer.Touch(ctx, metricName, def)
	}

	return business.Metric(ctx, metricName, def)
}

// scopeAndCustomer reads scope/customer_id query parameters, validating the
// combination and defaulting customer_id to the caller's own scope for
// customer_api keys (§6: "POST /api/v1/metrics?scope={business|customer}").
func scopeAndCustomer(r *http.Request, identity *httpserver.Identity) (scope string, customerID *string, err error) {
	scope = r.URL.Query().Get("scope")
	if scope == "" {
		scope = "business"
	}
	if scope != "business" && scope != "customer" {
		return "", nil, apierr.Validation("scope must be 'business' or 'customer'")
	}

	if scope != "customer" {
		return scope, nil, nil
	}

	if cid := r.URL.Query().Get("customer_id"); cid != "" {
		return scope, &cid, nil
	}
	if identity.CustomerID != nil {
		return scope, identity.CustomerID, nil
	}
	return "", nil, apierr.Validation("customer_id is required for scope=customer")
}

