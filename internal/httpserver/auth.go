package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/pkg/application"
)

// Identity is the authenticated caller of one request (§6: "Authorization:
// Bearer <api_key> for tenant/customer keys; X-Admin-Key: <key> for platform
// admin endpoints"). Exactly one of IsAdmin or BusinessID is meaningful.
type Identity struct {
	IsAdmin    bool
	BusinessID string
	CustomerID *string // set only for customer_api keys
}

type identityContextKey struct{}

// IdentityFromContext extracts the authenticated Identity, nil if the
// request was never authenticated (handlers behind RequireAuth can assume
// non-nil).
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey{}).(*Identity)
	return id
}

// Authenticate resolves either an X-Admin-Key or a Bearer API key into an
// Identity stored in the request context. It does not reject unauthenticated
// requests by itself; pair with RequireAuth or RequireAdmin.
func Authenticate(app *application.Actor, adminSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey := r.Header.Get("X-Admin-Key"); adminKey != "" {
				if subtle.ConstantTimeCompare([]byte(adminKey), []byte(adminSecret)) == 1 {
					ctx := context.WithValue(r.Context(), identityContextKey{}, &Identity{IsAdmin: true})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
				return
			}

			if token := bearerToken(r); token != "" {
				businessID, customerID, err := app.Authenticate(r.Context(), token)
				if err != nil {
					RespondError(w, apierr.Status(err), "unauthorized", "invalid or inactive API key")
					return
				}
				ctx := context.WithValue(r.Context(), identityContextKey{}, &Identity{
					BusinessID: businessID,
					CustomerID: customerID,
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// RequireAuth rejects requests with no resolved Identity (admin or API key).
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IdentityFromContext(r.Context()) == nil {
			RespondError(w, http.StatusUnauthorized, "unauthorized", "missing authentication")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects requests not authenticated via X-Admin-Key.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil || !id.IsAdmin {
			RespondError(w, http.StatusUnauthorized, "unauthorized", "admin key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
