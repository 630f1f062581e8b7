package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/httpserver"
)

// KeysHandler serves POST /api/v1/keys and POST /api/v1/customers/{id}/keys
// (§6).
type KeysHandler struct {
	Deps
}

func NewKeysHandler(d Deps) *KeysHandler { return &KeysHandler{d} }

func (h *KeysHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.With(httpserver.RequireAuth).Post("/", h.handleIssue)
	r.With(httpserver.RequireAuth).Get("/", h.handleList)
	r.With(httpserver.RequireAuth).Delete("/{id}", h.handleRevoke)
	return r
}

// CustomerKeyRoutes mounts the per-customer key issuance endpoint, nested
// under the customers resource (§6: "POST /api/v1/customers/{id}/keys").
func (h *KeysHandler) CustomerKeyRoutes() chi.Router {
	r := chi.NewRouter()
	r.With(httpserver.RequireAuth).Post("/", h.handleIssueForCustomer)
	return r
}

type issueKeyRequest struct {
	BusinessID  string          `json:"business_id"`
	KeyType     string          `json:"key_type" validate:"required,oneof=business customer_api stripe fly"`
	KeyName     string          `json:"key_name" validate:"required"`
	Credentials json.RawMessage `json:"credentials"`
}

type issueKeyResponse struct {
	APIKey  string `json:"api_key"`
	Warning string `json:"warning"`
}

const plaintextKeyWarning = "store this key now; it will not be shown again"

func (h *KeysHandler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := httpserver.IdentityFromContext(r.Context())
	businessID := req.BusinessID
	if !identity.IsAdmin {
		businessID = identity.BusinessID
	}
	if businessID == "" {
		respondErr(w, h.Logger, apierr.Validation("business_id is required for admin-issued keys"))
		return
	}

	if !h.checkKeyIssuanceLimit(w, r, businessID) {
		return
	}

	business, err := h.App.Business(r.Context(), businessID)
	if err != nil {
		respondErr(w, h.Logger, apierr.NotFound("business %s not found", businessID))
		return
	}

	plaintext, err := generatePlaintextKey()
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "generating key material"))
		return
	}

	if err := business.IssueKey(r.Context(), uuid.New().String(), req.KeyType, req.KeyName, nil, plaintext, req.Credentials); err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "issuing integration key"))
		return
	}

	httpserver.Respond(w, http.StatusCreated, issueKeyResponse{APIKey: plaintext, Warning: plaintextKeyWarning})
}

type issueCustomerKeyRequest struct {
	KeyName string `json:"key_name" validate:"required"`
}

func (h *KeysHandler) handleIssueForCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "id")

	var req issueCustomerKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := httpserver.IdentityFromContext(r.Context())
	if identity.IsAdmin {
		respondErr(w, h.Logger, apierr.Validation("customer key issuance requires a business-scoped key"))
		return
	}

	if !h.checkKeyIssuanceLimit(w, r, identity.BusinessID) {
		return
	}

	business, err := h.App.Business(r.Context(), identity.BusinessID)
	if err != nil {
		respondErr(w, h.Logger, apierr.NotFound("business %s not found", identity.BusinessID))
		return
	}

	if _, ok := business.LookupCustomer(customerID); !ok {
		if _, err := business.Customer(r.Context(), customerID, nil); err != nil {
			respondErr(w, h.Logger, apierr.NotFound("customer %s not found", customerID))
			return
		}
	}

	plaintext, err := generatePlaintextKey()
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "generating key material"))
		return
	}

	if err := business.IssueKey(r.Context(), uuid.New().String(), "customer_api", req.KeyName, &customerID, plaintext, nil); err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "issuing customer integration key"))
		return
	}

	httpserver.Respond(w, http.StatusCreated, issueKeyResponse{APIKey: plaintext, Warning: plaintextKeyWarning})
}

// keyResponse is an IntegrationKey without its encrypted material or hash.
type keyResponse struct {
	ID       string  `json:"id"`
	KeyType  string  `json:"key_type"`
	KeyName  string  `json:"key_name"`
	IsActive bool    `json:"is_active"`
	CustomerID *string `json:"customer_id,omitempty"`
}

func (h *KeysHandler) handleList(w http.ResponseWriter, r *http.Request) {
	identity := httpserver.IdentityFromContext(r.Context())
	if identity.IsAdmin {
		respondErr(w, h.Logger, apierr.Validation("listing keys requires a business-scoped key"))
		return
	}

	business, err := h.App.Business(r.Context(), identity.BusinessID)
	if err != nil {
		respondErr(w, h.Logger, apierr.NotFound("business %s not found", identity.BusinessID))
		return
	}

	keys, err := business.ListKeys(r.Context())
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "listing integration keys"))
		return
	}

	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyResponse{ID: k.ID, KeyType: k.KeyType, KeyName: k.KeyName, IsActive: k.IsActive, CustomerID: k.CustomerID})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"keys": out, "count": len(out)})
}

func (h *KeysHandler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "id")

	identity := httpserver.IdentityFromContext(r.Context())
	if identity.IsAdmin {
		respondErr(w, h.Logger, apierr.Validation("revoking keys requires a business-scoped key"))
		return
	}

	business, err := h.App.Business(r.Context(), identity.BusinessID)
	if err != nil {
		respondErr(w, h.Logger, apierr.NotFound("business %s not found", identity.BusinessID))
		return
	}

	keys, err := business.ListKeys(r.Context())
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "listing integration keys"))
		return
	}

	var keyHash string
	found := false
	for _, k := range keys {
		if k.ID == keyID {
			keyHash = k.KeyHash
			found = true
			break
		}
	}
	if !found {
		respondErr(w, h.Logger, apierr.NotFound("key %s not found", keyID))
		return
	}

	if err := business.RevokeKey(r.Context(), keyID, keyHash); err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "revoking integration key"))
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// checkKeyIssuanceLimit enforces the Redis-backed issuance rate limit (§6:
// key issuance is the one write endpoint cheap enough for a leaked key to
// abuse at scale). A nil KeyLimiter (e.g. in tests) disables the check.
func (h *KeysHandler) checkKeyIssuanceLimit(w http.ResponseWriter, r *http.Request, businessID string) bool {
	if h.KeyLimiter == nil {
		return true
	}

	result, err := h.KeyLimiter.Check(r.Context(), businessID)
	if err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "checking key issuance rate limit"))
		return false
	}
	if !result.Allowed {
		respondErr(w, h.Logger, apierr.RateLimited("too many key issuance attempts; retry after %s", result.RetryAt.Format(http.TimeFormat)))
		return false
	}

	if err := h.KeyLimiter.Record(r.Context(), businessID); err != nil {
		respondErr(w, h.Logger, apierr.Internal(err, "recording key issuance attempt"))
		return false
	}
	return true
}

// generatePlaintextKey produces a 256-bit random key, hex-encoded so it
// transports safely without percent-encoding (§3 Persisted state: "clients
// must percent-encode transport" describes key_hash lookup, not the key
// charset itself).
func generatePlaintextKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("reading random key material: %w", err)
	}
	return "tt_" + hex.EncodeToString(raw), nil
}
