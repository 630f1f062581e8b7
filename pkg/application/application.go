// Package application implements the ApplicationActor of spec §4.8: the root
// actor holding the AuthCache, the registry of live BusinessActors, and the
// TickBus fan-out that drives every MetricActor's flush cycle.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/cryptobox"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/telemetry"
	"github.com/tracktags/tracktags/pkg/actorkit"
	"github.com/tracktags/tracktags/pkg/businessactor"
	"github.com/tracktags/tracktags/pkg/metricstore"
	"github.com/tracktags/tracktags/pkg/registry"
	"github.com/tracktags/tracktags/pkg/stripeclient"
	"github.com/tracktags/tracktags/pkg/tickbus"
)

// cacheEntry is one AuthCache hit: the business a key_hash authenticates to,
// and the customer it is scoped to for customer_api keys (§3, §6).
type cacheEntry struct {
	businessID string
	customerID *string
}

// Actor is the ApplicationActor (§4.8).
type Actor struct {
	actor *actorkit.Actor

	db           *db.Store
	store        *metricstore.Store
	batchStore   *metricstore.BatchStore
	registry     *registry.Registry
	box          *cryptobox.Box
	stripeClient *stripeclient.Client
	bus          *tickbus.Bus
	logger       *slog.Logger

	businesses map[string]*businessactor.Actor
	authCache  map[string]cacheEntry
}

// New constructs the ApplicationActor. Call Start to begin consuming ticks.
func New(dbStore *db.Store, box *cryptobox.Box, stripeClient *stripeclient.Client, bus *tickbus.Bus, logger *slog.Logger) *Actor {
	store := metricstore.New()
	a := &Actor{
		db:           dbStore,
		store:        store,
		batchStore:   metricstore.NewBatchStore(store),
		registry:     registry.New(),
		box:          box,
		stripeClient: stripeClient,
		bus:          bus,
		logger:       logger,
		businesses:   make(map[string]*businessactor.Actor),
		authCache:    make(map[string]cacheEntry),
	}
	a.actor = actorkit.Spawn("application", logger)
	if err := a.registry.Register(registry.ApplicationKey(), a); err != nil {
		logger.Warn("application: registering application actor", "error", err)
	}
	return a
}

// Start subscribes to every supported tick name, whether or not any metric
// flushes on it, and begins draining BatchStore into the row store on each firing
// (§4.2, §4.10). It returns immediately; consumption runs until ctx is done.
// Registering each tick name's key guards against Start being called twice
// and fanning the same tick out through two goroutines.
func (a *Actor) Start(ctx context.Context) {
	for _, name := range []string{
		tickbus.Tick1s, tickbus.Tick5s, tickbus.Tick15s,
		tickbus.Tick1m, tickbus.Tick5m, tickbus.Tick15m,
		tickbus.Tick1h, tickbus.Tick1d, tickbus.Tick1w, tickbus.Tick1mo,
	} {
		if err := a.registry.Register(registry.TickKey(name), struct{}{}); err != nil {
			a.logger.Warn("application: tick consumer already started", "tick", name)
			continue
		}
		ch := a.bus.Subscribe(name)
		go a.consumeTicks(ctx, ch)
	}
}

func (a *Actor) consumeTicks(ctx context.Context, ch <-chan tickbus.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ch:
			a.onTick(ctx, t)
		}
	}
}

// onTick fans the tick out to every live BusinessActor's owned MetricActors
// (business-scope and every customer's), then drains the tick's staged
// batch rows to the row store in one statement (§4.10 flush pipeline).
func (a *Actor) onTick(ctx context.Context, t tickbus.Tick) {
	start := time.Now()
	defer func() {
		telemetry.FlushDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	}()
	telemetry.TicksPublishedTotal.WithLabelValues(t.Name).Inc()

	actorkit.Call(a.actor, func(ctx context.Context) struct{} {
		for _, b := range a.businesses {
			b.OnTick(ctx, t.Name, t.UnixTS)
		}
		return struct{}{}
	})

	windowEnd := time.Unix(t.UnixTS, 0).UTC()
	windowStart := windowEnd.Add(-intervalFor(t.Name))
	batches, err := a.batchStore.FlushInterval(t.Name, windowStart, windowEnd)
	if err != nil {
		telemetry.FlushFailuresTotal.WithLabelValues(t.Name).Inc()
		a.logger.Error("application: flushing tick batch", "tick", t.Name, "error", err)
		return
	}
	if len(batches) == 0 {
		return
	}

	samples := make([]db.MetricSample, 0, len(batches))
	flushedAt := time.Now().UTC()
	for _, b := range batches {
		var customerID *string
		if b.Scope == "customer" {
			c := b.CustomerID
			customerID = c
		}
		samples = append(samples, db.MetricSample{
			BusinessID: b.BusinessID,
			CustomerID: customerID,
			MetricName: b.MetricName,
			Value:      b.AggregatedValue,
			MetricType: b.MetricType,
			Scope:      b.Scope,
			FlushedAt:  flushedAt,
		})
	}

	if err := a.db.InsertMetricSamples(ctx, samples); err != nil {
		telemetry.FlushFailuresTotal.WithLabelValues(t.Name).Inc()
		a.logger.Error("application: persisting flushed samples", "tick", t.Name, "count", len(samples), "error", err)
		return
	}

	if err := a.batchStore.ClearInterval(t.Name); err != nil {
		a.logger.Error("application: clearing flushed batch rows", "tick", t.Name, "error", err)
	}
}

// Business returns (creating if necessary) the BusinessActor for businessID.
// The business row must already exist in the store (§4.7 is always
// constructed over a persisted Business).
func (a *Actor) Business(ctx context.Context, businessID string) (*businessactor.Actor, error) {
	type result struct {
		b   *businessactor.Actor
		err error
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		key := registry.BusinessKey(businessID)
		if h, ok := a.registry.Lookup(key); ok {
			return result{h.(*businessactor.Actor), nil}
		}

		if _, err := a.db.GetBusiness(ctx, businessID); err != nil {
			return result{nil, fmt.Errorf("looking up business %s: %w", businessID, err)}
		}

		b := businessactor.New(businessID, a.db, a.store, a.batchStore, a.registry, a.box, a.stripeClient, a.forgetKeyHash, a.logger)
		if err := a.registry.Register(key, b); err != nil {
			return result{nil, fmt.Errorf("registering business actor: %w", err)}
		}
		a.businesses[businessID] = b
		return result{b, nil}
	})
	return r.b, r.err
}

// RegisterBusiness wraps an already-constructed Business row into a live
// BusinessActor immediately after creation, avoiding the extra row fetch
// Business would otherwise perform.
func (a *Actor) RegisterBusiness(businessID string) *businessactor.Actor {
	return actorkit.Call(a.actor, func(ctx context.Context) *businessactor.Actor {
		key := registry.BusinessKey(businessID)
		if h, ok := a.registry.Lookup(key); ok {
			return h.(*businessactor.Actor)
		}
		b := businessactor.New(businessID, a.db, a.store, a.batchStore, a.registry, a.box, a.stripeClient, a.forgetKeyHash, a.logger)
		if err := a.registry.Register(key, b); err != nil {
			// Business and RegisterBusiness both run on this actor's
			// serialized mailbox, so a registration race here would mean a
			// bug elsewhere rather than real contention; fall back to
			// whatever is already registered rather than panic.
			if h, ok := a.registry.Lookup(key); ok {
				return h.(*businessactor.Actor)
			}
		}
		a.businesses[businessID] = b
		return b
	})
}

// PurgeBusiness tears down businessID's live actor tree, if one exists,
// draining every owned MetricActor's staged batch rows before the caller
// permanently deletes the row (§4.5 Shutdown, §3 Lifecycle sweep).
func (a *Actor) PurgeBusiness(ctx context.Context, businessID string) error {
	type result struct {
		b  *businessactor.Actor
		ok bool
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		b, ok := a.businesses[businessID]
		if ok {
			delete(a.businesses, businessID)
		}
		return result{b, ok}
	})
	if !r.ok {
		return nil
	}
	return r.b.Shutdown(ctx)
}

// PurgeCustomer tears down one customer's live actor tree, if one exists,
// within its owning business. The business itself is left live.
func (a *Actor) PurgeCustomer(ctx context.Context, businessID, customerID string) error {
	type result struct {
		b  *businessactor.Actor
		ok bool
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		b, ok := a.businesses[businessID]
		return result{b, ok}
	})
	if !r.ok {
		return nil
	}
	return r.b.PurgeCustomer(ctx, customerID)
}

// Authenticate resolves an API key's plaintext to its owning business (and,
// for customer_api keys, customer) via the AuthCache, falling back to the
// row store on a miss and populating the cache on hit (§4.8).
func (a *Actor) Authenticate(ctx context.Context, plaintextKey string) (businessID string, customerID *string, err error) {
	hash := cryptobox.HashKey(plaintextKey)

	type result struct {
		entry cacheEntry
		ok    bool
	}
	cached := actorkit.Call(a.actor, func(ctx context.Context) result {
		e, ok := a.authCache[hash]
		return result{e, ok}
	})
	if cached.ok {
		return cached.entry.businessID, cached.entry.customerID, nil
	}

	key, err := a.db.GetActiveKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, apierr.Unauthorized("invalid or inactive API key")
		}
		return "", nil, fmt.Errorf("resolving API key: %w", err)
	}

	entry := cacheEntry{businessID: key.BusinessID, customerID: key.CustomerID}
	actorkit.Call(a.actor, func(ctx context.Context) struct{} {
		a.authCache[hash] = entry
		return struct{}{}
	})
	return entry.businessID, entry.customerID, nil
}

// forgetKeyHash drops a revoked key's AuthCache entry (§3 Invariants: revoke
// must take effect before the call returns). It waits at most one second for
// the actor's acknowledgment (§5); on timeout the drop stays queued and a
// degraded warning is logged. Passed to every BusinessActor as onKeyRevoked.
func (a *Actor) forgetKeyHash(keyHash string) {
	_, ok := actorkit.CallTimeout(a.actor, time.Second, func(ctx context.Context) struct{} {
		delete(a.authCache, keyHash)
		return struct{}{}
	})
	if !ok {
		a.logger.Warn("application: auth cache drop not acknowledged within 1s, continuing degraded")
	}
}

// intervalFor reports the nominal window length for a tick name, used only
// to fill the flushed MetricBatch window bounds; the persisted sample itself
// records only flushed_at (§4.10). tick_1mo's window is
// approximated as 30 days since the exact calendar span isn't needed for
// display purposes.
func intervalFor(tickName string) time.Duration {
	switch tickName {
	case tickbus.Tick1s:
		return time.Second
	case tickbus.Tick5s:
		return 5 * time.Second
	case tickbus.Tick15s:
		return 15 * time.Second
	case tickbus.Tick1m:
		return time.Minute
	case tickbus.Tick5m:
		return 5 * time.Minute
	case tickbus.Tick15m:
		return 15 * time.Minute
	case tickbus.Tick1h:
		return time.Hour
	case tickbus.Tick1d:
		return 24 * time.Hour
	case tickbus.Tick1w:
		return 7 * 24 * time.Hour
	default: // tick_1mo
		return 30 * 24 * time.Hour
	}
}

// Registry exposes the process-wide actor registry.
func (a *Actor) Registry() *registry.Registry { return a.registry }

// DB exposes the row store for handlers that need direct reads (listing,
// ops endpoints) outside the actor hierarchy's write path.
func (a *Actor) DB() *db.Store { return a.db }

// Box exposes the crypto collaborator so the HTTP layer can decrypt a
// business's stored webhook signing secret before verifying an inbound
// billing webhook delivery (§4.12).
func (a *Actor) Box() *cryptobox.Box { return a.box }
