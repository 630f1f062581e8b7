// Package handlers implements the HTTP API of spec §6, translating each
// endpoint's request body into a call against the live actor hierarchy
// (ApplicationActor / BusinessActor / CustomerActor) or one of the
// standalone workers (LimitEngine, billingwebhook.Handler).
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/httpserver"
	"github.com/tracktags/tracktags/internal/ratelimit"
	"github.com/tracktags/tracktags/pkg/application"
	"github.com/tracktags/tracktags/pkg/billingwebhook"
	"github.com/tracktags/tracktags/pkg/limitengine"
)

// Deps are the dependencies shared by every domain handler.
type Deps struct {
	App        *application.Actor
	Limit      *limitengine.Engine
	Webhook    *billingwebhook.Handler
	KeyLimiter *ratelimit.Limiter
	Logger     *slog.Logger
}

// respondErr maps a returned error to its §7 HTTP status and writes the
// envelope, logging anything that mapped to 500 since those indicate a
// broken invariant rather than expected client/upstream failure.
func respondErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := apierr.Status(err)
	if status == http.StatusInternalServerError {
		logger.Error("handler: unhandled error", "error", err)
	}
	httpserver.RespondError(w, status, string(apierr.KindOf(err)), err.Error())
}
