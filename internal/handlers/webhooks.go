package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/httpserver"
)

// WebhooksHandler serves POST /api/v1/webhooks/stripe/{business_id} (§6),
// the billing provider's inbound delivery endpoint, unauthenticated by
// design (it's verified by signature, not by API key — §4.12).
type WebhooksHandler struct {
	Deps
}

func NewWebhooksHandler(d Deps) *WebhooksHandler { return &WebhooksHandler{d} }

func (h *WebhooksHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe/{business_id}", h.handleStripe)
	return r
}

const stripeSignatureHeader = "Stripe-Signature"

func (h *WebhooksHandler) handleStripe(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "business_id")

	secret, err := h.webhookSecret(r, businessID)
	if err != nil {
		respondErr(w, h.Logger, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondErr(w, h.Logger, apierr.Validation("reading webhook body: %v", err))
		return
	}

	if err := h.Webhook.Ingest(r.Context(), businessID, secret, body, r.Header.Get(stripeSignatureHeader)); err != nil {
		respondErr(w, h.Logger, err)
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "received"})
}

// webhookSecret recovers the business's stored Stripe webhook signing secret
// from its key_type=stripe IntegrationKey, sealed the same way as any other
// integration key (§4.7 IssueKey) and opened here rather than carried in
// plaintext anywhere at rest.
func (h *WebhooksHandler) webhookSecret(r *http.Request, businessID string) (string, error) {
	keys, err := h.App.DB().ListIntegrationKeys(r.Context(), businessID)
	if err != nil {
		return "", apierr.Internal(err, "listing integration keys")
	}

	for _, k := range keys {
		if k.KeyType != "stripe" || !k.IsActive {
			continue
		}
		secret, err := h.App.Box().Open(k.EncryptedKey)
		if err != nil {
			return "", apierr.Internal(err, "decrypting webhook signing secret")
		}
		return secret, nil
	}

	return "", apierr.NotFound("business %s has no active stripe webhook key configured", businessID)
}
