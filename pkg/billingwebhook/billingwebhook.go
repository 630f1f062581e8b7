// Package billingwebhook implements the billing webhook state machine of
// spec §4.12: received -> pending -> processing -> {completed | failed}, with
// event_id dedup and retry-count-bounded exponential backoff on the
// processing step.
package billingwebhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/telemetry"
	"github.com/tracktags/tracktags/pkg/application"
	"github.com/tracktags/tracktags/pkg/metricactor"
	"github.com/tracktags/tracktags/pkg/metricstore"
	"github.com/tracktags/tracktags/pkg/stripeclient"
)

// maxAttempts bounds the processing retries before an event is terminal
// (§4.12: "after max_attempts -> failed terminal").
const maxAttempts = 5

// dedupTTL bounds how long a seen-but-not-yet-completed event_id is held in
// Redis; it only needs to survive long enough for the Postgres row to land,
// not for the event's entire retry lifetime (Postgres is still the
// authoritative idempotency store per §3 invariant 3).
const dedupTTL = 10 * time.Minute

// Handler processes inbound billing-provider webhook deliveries.
type Handler struct {
	app    *application.Actor
	redis  *redis.Client
	logger *slog.Logger
}

// New creates a Handler. rdb may be nil (e.g. in tests), in which case the
// Redis pre-check is skipped and dedup relies on Postgres alone.
func New(app *application.Actor, rdb *redis.Client, logger *slog.Logger) *Handler {
	return &Handler{app: app, redis: rdb, logger: logger}
}

// webhookObject and envelope are the slice of the billing provider's webhook
// wire shape this handler needs (§6 wire contract). BusinessID/CustomerID travel in
// Stripe-style metadata set at subscription-creation time.
type webhookObject struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata struct {
		BusinessID string `json:"business_id"`
		CustomerID string `json:"customer_id"`
	} `json:"metadata"`
}

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object webhookObject `json:"object"`
	} `json:"data"`
}

// Ingest verifies the inbound delivery's signature, persists the envelope
// with dedup on event_id, and drives it through the processing state machine
// (§4.12). businessID comes from the route (/webhooks/stripe/{business_id});
// secret is that business's stored webhook signing secret.
func (h *Handler) Ingest(ctx context.Context, businessID, secret string, rawBody []byte, signatureHex string) error {
	if !stripeclient.VerifySignature(secret, string(rawBody), signatureHex) {
		return apierr.Unauthorized("billing webhook signature mismatch")
	}

	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return apierr.Validation("decoding billing webhook envelope: %v", err)
	}
	if env.ID == "" {
		return apierr.Validation("billing webhook envelope missing id")
	}

	if seen, err := h.seenRecently(ctx, env.ID); err != nil {
		h.logger.Warn("billingwebhook: redis dedup check failed, falling back to postgres", "event", env.ID, "error", err)
	} else if seen {
		return nil
	}

	inserted, err := h.app.DB().InsertPendingBillingEvent(ctx, db.BillingEvent{
		EventID:    env.ID,
		EventType:  env.Type,
		RawPayload: rawBody,
	})
	if err != nil {
		return fmt.Errorf("persisting billing event: %w", err)
	}
	if !inserted {
		existing, err := h.app.DB().GetBillingEvent(ctx, env.ID)
		if err != nil {
			return fmt.Errorf("looking up existing billing event: %w", err)
		}
		if existing.Status == "completed" {
			// §8 invariant 5: replaying event_id is a no-op.
			return nil
		}
	}

	return h.process(ctx, businessID, env)
}

func (h *Handler) process(ctx context.Context, businessID string, env envelope) error {
	if err := h.app.DB().MarkBillingEventProcessing(ctx, env.ID); err != nil {
		return fmt.Errorf("marking billing event processing: %w", err)
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h.dispatch(ctx, businessID, env)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxAttempts))

	telemetry.BillingEventsTotal.WithLabelValues(env.Type, statusLabel(err)).Inc()

	if err != nil {
		markErr := h.app.DB().MarkBillingEventFailed(ctx, env.ID, maxAttempts, err.Error(), true)
		if markErr != nil {
			h.logger.Error("billingwebhook: recording terminal failure", "event", env.ID, "error", markErr)
		}
		return fmt.Errorf("processing billing event %s after %d attempts: %w", env.ID, maxAttempts, err)
	}

	if err := h.app.DB().MarkBillingEventCompleted(ctx, env.ID); err != nil {
		return fmt.Errorf("marking billing event completed: %w", err)
	}
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

// dispatch applies the state transition named in §4.12 for one event type.
func (h *Handler) dispatch(ctx context.Context, businessID string, env envelope) error {
	obj := env.Data.Object
	customerID := obj.Metadata.CustomerID
	if customerID == "" {
		// Without metadata, the object's own id is looked up as a linked
		// stripe_subscription_id. This resolves subscription events only; for
		// an invoice object the lookup finds no row and customerID stays empty.
		row, err := h.app.DB().GetCustomerByStripeSubscription(ctx, obj.ID)
		if err == nil {
			customerID = row.CustomerID
		}
	}

	switch env.Type {
	case "invoice.finalized":
		return h.onInvoiceFinalized(ctx, businessID, customerID)

	case "customer.subscription.created", "customer.subscription.updated":
		return h.onSubscriptionUpserted(ctx, businessID, customerID, obj)

	case "customer.subscription.deleted", "customer.subscription.past_due":
		return h.onSubscriptionEnded(ctx, businessID, customerID)

	case "invoice.paid":
		return h.onInvoicePaid(ctx, businessID, customerID)

	default:
		// Unrecognized event types are acknowledged, not retried (§4.12 only
		// names a fixed set of transitions).
		return nil
	}
}

func (h *Handler) onInvoiceFinalized(ctx context.Context, businessID, customerID string) error {
	business, err := h.app.Business(ctx, businessID)
	if err != nil {
		return fmt.Errorf("resolving business: %w", err)
	}
	customer, ok := business.LookupCustomer(customerID)
	if !ok {
		customer, err = business.Customer(ctx, customerID, nil)
		if err != nil {
			return fmt.Errorf("resolving customer: %w", err)
		}
	}

	defs, err := h.app.DB().ListMetricDefinitions(ctx, businessID)
	if err != nil {
		return fmt.Errorf("listing metric definitions: %w", err)
	}

	for _, d := range defs {
		if d.MetricType != "stripe_billing" || d.CustomerID == nil || *d.CustomerID != customerID {
			continue
		}

		m, err := customer.Touch(ctx, d.MetricName, toDefinition(d))
		if err != nil {
			return fmt.Errorf("touching stripe_billing metric %s: %w", d.MetricName, err)
		}
		current, err := m.CurrentValue(ctx)
		if err != nil {
			return fmt.Errorf("reading stripe_billing metric %s: %w", d.MetricName, err)
		}
		if current <= 0 {
			continue
		}

		if err := business.ReportOverageUnit(ctx, metricactor.BreachEvent{
			BusinessID: businessID,
			CustomerID: customerID,
			MetricName: d.MetricName,
			Current:    current,
			Adapters:   m.Adapters(),
			Quantity:   current,
			TickUnixTS: time.Now().Unix(),
		}); err != nil {
			return fmt.Errorf("reporting accumulated usage for %s: %w", d.MetricName, err)
		}
	}

	return customer.ResetBillingCycle(ctx, "invoice.finalized")
}

func (h *Handler) onSubscriptionUpserted(ctx context.Context, businessID, customerID string, obj webhookObject) error {
	if customerID == "" {
		return apierr.Validation("subscription event missing resolvable customer")
	}

	var priceID string
	if len(obj.Items.Data) > 0 {
		priceID = obj.Items.Data[0].Price.ID
	}

	if err := h.app.DB().LinkStripeSubscription(ctx, businessID, customerID, priceID, obj.ID, obj.Customer, nil); err != nil {
		return fmt.Errorf("linking stripe subscription: %w", err)
	}

	business, err := h.app.Business(ctx, businessID)
	if err != nil {
		return fmt.Errorf("resolving business: %w", err)
	}
	customer, ok := business.LookupCustomer(customerID)
	if !ok {
		customer, err = business.Customer(ctx, customerID, nil)
		if err != nil {
			return fmt.Errorf("resolving customer: %w", err)
		}
	}

	if priceID == "" {
		return nil
	}
	plan, err := h.app.DB().GetPlanByStripePrice(ctx, businessID, priceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			h.logger.Warn("billingwebhook: subscription price has no matching plan", "business", businessID, "price", priceID)
			return nil
		}
		return fmt.Errorf("resolving plan by stripe price: %w", err)
	}

	return customer.UpdatePlan(ctx, &plan.ID)
}

func (h *Handler) onSubscriptionEnded(ctx context.Context, businessID, customerID string) error {
	if customerID == "" {
		return apierr.Validation("subscription event missing resolvable customer")
	}

	if err := h.app.DB().ClearStripeSubscription(ctx, businessID, customerID); err != nil {
		return fmt.Errorf("clearing stripe subscription: %w", err)
	}

	business, err := h.app.Business(ctx, businessID)
	if err != nil {
		return fmt.Errorf("resolving business: %w", err)
	}
	customer, ok := business.LookupCustomer(customerID)
	if !ok {
		customer, err = business.Customer(ctx, customerID, nil)
		if err != nil {
			return fmt.Errorf("resolving customer: %w", err)
		}
	}

	return customer.DowngradeToFree(ctx)
}

func (h *Handler) onInvoicePaid(ctx context.Context, businessID, customerID string) error {
	if customerID == "" {
		return nil
	}

	business, err := h.app.Business(ctx, businessID)
	if err != nil {
		return fmt.Errorf("resolving business: %w", err)
	}
	customer, ok := business.LookupCustomer(customerID)
	if !ok {
		customer, err = business.Customer(ctx, customerID, nil)
		if err != nil {
			return fmt.Errorf("resolving customer: %w", err)
		}
	}

	if customer.PlanID() == nil {
		return nil
	}
	plan, err := h.app.DB().GetPlan(ctx, *customer.PlanID())
	if err != nil {
		return fmt.Errorf("resolving customer's plan: %w", err)
	}
	if !plan.IsFreePlan {
		// Paid-plan anniversary resets are driven by invoice.finalized's
		// stripe_billing handling, not invoice.paid (§4.12).
		return nil
	}

	return customer.ResetBillingCycle(ctx, "invoice.paid (free tier anniversary)")
}

// seenRecently records eventID in Redis with SETNX and reports whether it
// was already present, giving every process a fast distributed dedup check
// ahead of the Postgres round-trip (§1 Non-goals: at-least-once delivery is
// expected; this narrows the window where two replicas both race to insert
// the same event_id). A nil redis client (tests, or Redis unavailable)
// disables the check without failing ingestion.
func (h *Handler) seenRecently(ctx context.Context, eventID string) (bool, error) {
	if h.redis == nil {
		return false, nil
	}
	ok, err := h.redis.SetNX(ctx, "billing_event_seen:"+eventID, 1, dedupTTL).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func toDefinition(d db.MetricDefinition) metricactor.Definition {
	return metricactor.Definition{
		Mode:          metricactor.Mode(d.Mode),
		Operation:     metricstore.Op(d.Operation),
		MetricType:    d.MetricType,
		FlushInterval: d.FlushInterval,
		InitialValue:  d.InitialValue,
	}
}
