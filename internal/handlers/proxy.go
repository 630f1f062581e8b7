package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/httpserver"
	"github.com/tracktags/tracktags/pkg/limitengine"
)

// ProxyHandler serves POST /api/v1/proxy (§6), the gated-forward entry point
// wired to the already-resolved LimitEngine.
type ProxyHandler struct {
	Deps
}

func NewProxyHandler(d Deps) *ProxyHandler { return &ProxyHandler{d} }

func (h *ProxyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(httpserver.RequireAuth).Post("/", h.handleForward)
	return r
}

func (h *ProxyHandler) handleForward(w http.ResponseWriter, r *http.Request) {
	var req limitengine.Request
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := httpserver.IdentityFromContext(r.Context())
	if identity.IsAdmin {
		respondErr(w, h.Logger, apierr.Validation("proxying requires a business-scoped key"))
		return
	}

	customerID := ""
	if req.Scope == "customer" {
		switch {
		case identity.CustomerID != nil:
			customerID = *identity.CustomerID
		default:
			respondErr(w, h.Logger, apierr.Validation("scope=customer requires a customer-scoped key"))
			return
		}
	}

	resp, err := h.Limit.Forward(r.Context(), identity.BusinessID, customerID, req)
	if err != nil {
		respondErr(w, h.Logger, err)
		return
	}

	status := http.StatusOK
	if resp.Status == "denied" {
		status = http.StatusPaymentRequired
	}
	httpserver.Respond(w, status, resp)
}
