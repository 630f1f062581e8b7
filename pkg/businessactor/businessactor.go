// Package businessactor implements the BusinessActor of spec §4.7: owns a
// Business's IntegrationKeys, its child CustomerActors, its business-scoped
// metrics, and the concrete BreachSink every owned MetricActor fires into.
package businessactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tracktags/tracktags/internal/cryptobox"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/telemetry"
	"github.com/tracktags/tracktags/pkg/actorkit"
	"github.com/tracktags/tracktags/pkg/customeractor"
	"github.com/tracktags/tracktags/pkg/metricactor"
	"github.com/tracktags/tracktags/pkg/metricstore"
	"github.com/tracktags/tracktags/pkg/registry"
	"github.com/tracktags/tracktags/pkg/stripeclient"
)

// webhookFanoutLimit bounds concurrent outbound breach-webhook deliveries per
// business (§5: "webhook fanout ... bounded concurrency per BusinessActor").
const webhookFanoutLimit = 8

// webhookTimeout bounds one outbound webhook delivery attempt.
const webhookTimeout = 10 * time.Second

// Actor is one BusinessActor (§4.7). It implements metricactor.BreachSink.
type Actor struct {
	actor *actorkit.Actor

	businessID string

	db           *db.Store
	store        *metricstore.Store
	batchStore   *metricstore.BatchStore
	registry     *registry.Registry
	box          *cryptobox.Box
	stripeClient *stripeclient.Client
	logger       *slog.Logger

	httpClient *http.Client
	webhookSem chan struct{}

	customers    map[string]*customeractor.Actor
	metrics      map[string]*metricactor.Actor // business-scope metrics, no customer_id
	onKeyRevoked func(keyHash string)          // notifies ApplicationActor's AuthCache (§4.8)
}

var _ metricactor.BreachSink = (*Actor)(nil)

// New creates a BusinessActor for an already-persisted Business row.
func New(businessID string, dbStore *db.Store, store *metricstore.Store, batchStore *metricstore.BatchStore, reg *registry.Registry, box *cryptobox.Box, stripeClient *stripeclient.Client, onKeyRevoked func(keyHash string), logger *slog.Logger) *Actor {
	a := &Actor{
		businessID:   businessID,
		db:           dbStore,
		store:        store,
		batchStore:   batchStore,
		registry:     reg,
		box:          box,
		stripeClient: stripeClient,
		logger:       logger,
		httpClient:   &http.Client{Timeout: webhookTimeout},
		webhookSem:   make(chan struct{}, webhookFanoutLimit),
		customers:    make(map[string]*customeractor.Actor),
		metrics:      make(map[string]*metricactor.Actor),
		onKeyRevoked: onKeyRevoked,
	}
	a.actor = actorkit.Spawn(fmt.Sprintf("business:%s", businessID), logger)
	return a
}

func (a *Actor) BusinessID() string { return a.businessID }

// Customer returns (creating if necessary) the CustomerActor for customerID.
// ensureRow is called when no Customer row is found for customerID, to
// persist one before the actor is constructed; with a nil ensureRow a
// missing row is returned as an error.
func (a *Actor) Customer(ctx context.Context, customerID string, ensureRow func(ctx context.Context) (db.Customer, error)) (*customeractor.Actor, error) {
	type result struct {
		c   *customeractor.Actor
		err error
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		key := registry.CustomerKey(a.businessID, customerID)
		if h, ok := a.registry.Lookup(key); ok {
			return result{h.(*customeractor.Actor), nil}
		}

		row, err := a.db.GetCustomer(ctx, a.businessID, customerID)
		if err != nil {
			if ensureRow == nil {
				return result{nil, fmt.Errorf("looking up customer %s: %w", customerID, err)}
			}
			row, err = ensureRow(ctx)
			if err != nil {
				return result{nil, fmt.Errorf("creating customer %s: %w", customerID, err)}
			}
		}

		c := customeractor.New(a.businessID, customerID, row.ID, row.PlanID, a.db, a.store, a.batchStore, a, a.registry, a.logger)
		if err := c.RefreshPlan(ctx); err != nil {
			a.logger.Warn("businessactor: refreshing new customer's plan limits", "customer", customerID, "error", err)
		}
		if err := a.registry.Register(key, c); err != nil {
			return result{nil, fmt.Errorf("registering customer actor: %w", err)}
		}
		a.customers[customerID] = c
		return result{c, nil}
	})
	return r.c, r.err
}

// LookupCustomer returns the live CustomerActor without creating one.
func (a *Actor) LookupCustomer(customerID string) (*customeractor.Actor, bool) {
	h, ok := a.registry.Lookup(registry.CustomerKey(a.businessID, customerID))
	if !ok {
		return nil, false
	}
	return h.(*customeractor.Actor), true
}

// Metric ensures a child business-scoped MetricActor exists for metricName
// (no customer_id, §3 scope=business).
func (a *Actor) Metric(ctx context.Context, metricName string, def metricactor.Definition) (*metricactor.Actor, error) {
	type result struct {
		m   *metricactor.Actor
		err error
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		accountID := registry.AccountID(a.businessID, nil)
		key := registry.MetricKey(accountID, metricName)
		if h, ok := a.registry.Lookup(key); ok {
			return result{h.(*metricactor.Actor), nil}
		}

		if pl, err := a.db.BusinessDefault(ctx, a.businessID, metricName); err == nil {
			def.Limit = &metricactor.Limit{
				Value:       pl.LimitValue,
				Operator:    pl.BreachOperator,
				Action:      pl.BreachAction,
				WebhookURLs: pl.WebhookURLs,
			}
		}

		m := metricactor.New(accountID, a.businessID, "", metricName, def, a.store, a.batchStore, a.db, a, a.registry, a.logger)
		if err := m.Restore(ctx); err != nil {
			return result{nil, fmt.Errorf("restoring business metric %s: %w", metricName, err)}
		}
		if err := a.registry.Register(key, m); err != nil {
			return result{nil, fmt.Errorf("registering business metric actor: %w", err)}
		}
		a.metrics[metricName] = m
		return result{m, nil}
	})
	return r.m, r.err
}

// OnTick forwards the firing to every business-scope MetricActor and every
// child CustomerActor (§4.10).
func (a *Actor) OnTick(ctx context.Context, tickName string, windowEndUnix int64) {
	actorkit.Call(a.actor, func(ctx context.Context) struct{} {
		for _, m := range a.metrics {
			m.OnTick(ctx, tickName, windowEndUnix)
		}
		for _, c := range a.customers {
			c.OnTick(ctx, tickName, windowEndUnix)
		}
		return struct{}{}
	})
}

// PurgeCustomer tears down one child CustomerActor, if live, and drops it
// from this business's bookkeeping. The customer row itself is deleted by
// the caller; this only tears down the in-memory actor (§4.5 Shutdown).
func (a *Actor) PurgeCustomer(ctx context.Context, customerID string) error {
	type result struct {
		c  *customeractor.Actor
		ok bool
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		c, ok := a.customers[customerID]
		if ok {
			delete(a.customers, customerID)
		}
		return result{c, ok}
	})
	if !r.ok {
		return nil
	}
	return r.c.Shutdown(ctx)
}

// Shutdown drains and unregisters every owned business-scope MetricActor and
// every child CustomerActor's own MetricActors, then unregisters this
// business's own ProcessRegistry key (§4.5, §4.1). Used by the sweeper when
// permanently purging a tombstoned business.
func (a *Actor) Shutdown(ctx context.Context) error {
	var firstErr error
	actorkit.Call(a.actor, func(ctx context.Context) struct{} {
		for name, m := range a.metrics {
			if err := m.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("shutting down business metric %s: %w", name, err)
			}
			delete(a.metrics, name)
		}
		for id, c := range a.customers {
			if err := c.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("shutting down customer %s: %w", id, err)
			}
			delete(a.customers, id)
		}
		return struct{}{}
	})
	a.registry.Unregister(registry.BusinessKey(a.businessID))
	return firstErr
}

// --- metricactor.BreachSink ---

// FireWebhook posts the breach payload to every configured URL concurrently,
// bounded by webhookSem, fire-and-forget from the caller's perspective (§5).
func (a *Actor) FireWebhook(ctx context.Context, event metricactor.BreachEvent) {
	telemetry.BreachesTotal.WithLabelValues(event.MetricName, "webhook").Inc()

	body, err := json.Marshal(breachWebhookPayload{
		Event:      "limit.breached",
		BusinessID: event.BusinessID,
		CustomerID: event.CustomerID,
		MetricName: event.MetricName,
		Current:    event.Current,
		Limit:      event.Limit.Value,
		Operator:   event.Limit.Operator,
		FiredAt:    time.Now().UTC(),
	})
	if err != nil {
		a.logger.Error("businessactor: marshaling breach webhook payload", "metric", event.MetricName, "error", err)
		return
	}

	for _, url := range event.Limit.WebhookURLs {
		url := url
		select {
		case a.webhookSem <- struct{}{}:
		default:
			a.logger.Warn("businessactor: webhook fanout saturated, dropping delivery", "business", a.businessID, "url", url)
			continue
		}
		go func() {
			defer func() { <-a.webhookSem }()
			a.deliverWebhook(url, body)
		}()
	}
}

func (a *Actor) deliverWebhook(url string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("businessactor: building breach webhook request", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Warn("businessactor: delivering breach webhook", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.logger.Warn("businessactor: breach webhook rejected", "url", url, "status", resp.StatusCode)
	}
}

// ReportOverageUnit reports event.Quantity overage units to the billing
// provider for a stripe_billing-adapted metric, using the flush window's own
// tick timestamp (not wall-clock time) as the Idempotency-Key so a retried
// report within the same window doesn't double-bill (§4.5 allow_overage
// action, §4.9 step 3, §4.10).
func (a *Actor) ReportOverageUnit(ctx context.Context, event metricactor.BreachEvent) error {
	telemetry.BreachesTotal.WithLabelValues(event.MetricName, "allow_overage").Inc()

	if event.Adapters.StripePriceID == "" {
		a.logger.Warn("businessactor: overage breach with no stripe price configured", "metric", event.MetricName)
		return nil
	}
	quantity := event.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	tickTS := event.TickUnixTS
	if tickTS == 0 {
		tickTS = time.Now().Unix()
	}
	return a.stripeClient.ReportUsage(ctx, event.Adapters.StripePriceID, quantity, tickTS)
}

// Log records the breach at warn level for the log breach_action (§4.5).
func (a *Actor) Log(ctx context.Context, event metricactor.BreachEvent) {
	telemetry.BreachesTotal.WithLabelValues(event.MetricName, "log").Inc()
	a.logger.Warn("businessactor: limit breached",
		"business", event.BusinessID, "customer", event.CustomerID,
		"metric", event.MetricName, "current", event.Current, "limit", event.Limit.Value)
}

type breachWebhookPayload struct {
	Event      string    `json:"event"`
	BusinessID string    `json:"business_id"`
	CustomerID string    `json:"customer_id,omitempty"`
	MetricName string    `json:"metric_name"`
	Current    float64   `json:"current_value"`
	Limit      float64   `json:"limit_value"`
	Operator   string    `json:"operator"`
	FiredAt    time.Time `json:"fired_at"`
}

// --- IntegrationKey lifecycle (§4.7, §6) ---

// IssueKey generates, encrypts, and persists a new IntegrationKey, returning
// the one-time plaintext to hand back to the caller (§6: "plaintext never
// persists post-issue"). metadata carries the request's free-form
// credentials bag (e.g. provider-specific fields for key_type=stripe|fly),
// stored alongside the key rather than folded into the encrypted secret.
func (a *Actor) IssueKey(ctx context.Context, id, keyType, keyName string, customerID *string, plaintext string, metadata []byte) error {
	sealed, err := a.box.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing integration key: %w", err)
	}

	return a.db.CreateIntegrationKey(ctx, id, db.IntegrationKey{
		BusinessID:   a.businessID,
		KeyType:      keyType,
		KeyName:      keyName,
		EncryptedKey: sealed,
		KeyHash:      cryptobox.HashKey(plaintext),
		IsActive:     true,
		CustomerID:   customerID,
		Metadata:     metadata,
	})
}

// RevokeKey deactivates an IntegrationKey and synchronously notifies the
// owning ApplicationActor's AuthCache before returning (§3 Invariants:
// "a revoked key must stop authenticating... before the revoke call returns").
func (a *Actor) RevokeKey(ctx context.Context, keyID, keyHash string) error {
	if err := a.db.DeactivateIntegrationKey(ctx, a.businessID, keyID); err != nil {
		return fmt.Errorf("deactivating integration key: %w", err)
	}
	if a.onKeyRevoked != nil {
		a.onKeyRevoked(keyHash)
	}
	return nil
}

// ListKeys lists the business's IntegrationKeys.
func (a *Actor) ListKeys(ctx context.Context) ([]db.IntegrationKey, error) {
	return a.db.ListIntegrationKeys(ctx, a.businessID)
}
