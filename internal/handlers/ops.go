package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/audit"
	"github.com/tracktags/tracktags/internal/httpserver"
)

// OpsHandler serves the admin-only operational read endpoints: failed
// billing events, dead-letter provisioning tasks, a single provisioning
// task's state, the reconciliation run history, and the audit log.
type OpsHandler struct {
	Deps
}

func NewOpsHandler(d Deps) *OpsHandler { return &OpsHandler{d} }

func (h *OpsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpserver.RequireAdmin)
	r.Get("/billing_events", h.handleListBillingEvents)
	r.Get("/provisioning_tasks/{id}", h.handleGetProvisioningTask)
	r.Get("/provisioning_tasks", h.handleListProvisioningTasks)
	r.Get("/reconciliation_records", h.handleListReconciliationRecords)
	r.Mount("/audit_logs", audit.NewHandler(h.App.DB(), h.Logger).Routes())
	return r
}

const defaultListLimit = 100

func (h *OpsHandler) handleListBillingEvents(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "failed"
	}

	events, err := h.App.DB().ListBillingEventsByStatus(r.Context(), status, listLimit(r))
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "listing billing events"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"billing_events": events, "count": len(events)})
}

func (h *OpsHandler) handleGetProvisioningTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.App.DB().GetProvisioningTask(r.Context(), id)
	if err != nil {
		respondErr(w, h.Logger, apierr.NotFound("provisioning task %s not found", id))
		return
	}
	httpserver.Respond(w, http.StatusOK, task)
}

func (h *OpsHandler) handleListProvisioningTasks(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = "dead_letter"
	}

	tasks, err := h.App.DB().ListProvisioningTasksByStatus(r.Context(), status, listLimit(r))
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "listing provisioning tasks"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"provisioning_tasks": tasks, "count": len(tasks)})
}

func (h *OpsHandler) handleListReconciliationRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.App.DB().ListReconciliationRecords(r.Context(), listLimit(r))
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "listing reconciliation records"))
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"reconciliation_records": records, "count": len(records)})
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}
