package audit

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/httpserver"
)

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	store  *db.Store
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(store *db.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted. Callers mount
// this behind httpserver.RequireAdmin, same as the rest of internal/handlers' ops routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	businessID := r.URL.Query().Get("business_id")
	if businessID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "business_id is required")
		return
	}

	entries, err := h.store.ListAuditLog(r.Context(), businessID, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}

	httpserver.Respond(w, http.StatusOK, entries)
}
