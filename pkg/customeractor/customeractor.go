// Package customeractor implements the CustomerActor of spec §4.6: owns a
// Customer's plan context, its effective-limit cache, and its child
// MetricActors.
package customeractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/pkg/actorkit"
	"github.com/tracktags/tracktags/pkg/metricactor"
	"github.com/tracktags/tracktags/pkg/metricstore"
	"github.com/tracktags/tracktags/pkg/registry"
)

// Actor is one CustomerActor (§4.6).
type Actor struct {
	actor *actorkit.Actor

	businessID    string
	customerID    string
	customerRowID string // db.Customer.ID, the FK plan_limits.customer_id targets

	planID *string

	db         *db.Store
	store      *metricstore.Store
	batchStore *metricstore.BatchStore
	sink       metricactor.BreachSink
	registry   *registry.Registry
	logger     *slog.Logger

	metrics     map[string]*metricactor.Actor
	limitsCache map[string]*metricactor.Limit
}

// New creates a CustomerActor for an already-persisted Customer row.
func New(businessID, customerID, customerRowID string, planID *string, dbStore *db.Store, store *metricstore.Store, batchStore *metricstore.BatchStore, sink metricactor.BreachSink, reg *registry.Registry, logger *slog.Logger) *Actor {
	a := &Actor{
		actor:         actorkit.Spawn(fmt.Sprintf("customer:%s/%s", businessID, customerID), logger),
		businessID:    businessID,
		customerID:    customerID,
		customerRowID: customerRowID,
		planID:        planID,
		db:            dbStore,
		store:         store,
		batchStore:    batchStore,
		sink:          sink,
		registry:      reg,
		logger:        logger,
		metrics:       make(map[string]*metricactor.Actor),
		limitsCache:   make(map[string]*metricactor.Limit),
	}
	return a
}

// CustomerID, BusinessID, PlanID expose identity.
func (a *Actor) CustomerID() string { return a.customerID }
func (a *Actor) BusinessID() string { return a.businessID }
func (a *Actor) PlanID() *string    { return a.planID }

// Touch ensures a child MetricActor exists for metricName with limits
// injected from the effective-limit cache (§4.6). def supplies the
// aggregation shape (operation, metric_type, flush_interval, initial_value)
// for first-time creation; an existing actor is returned unchanged.
func (a *Actor) Touch(ctx context.Context, metricName string, def metricactor.Definition) (*metricactor.Actor, error) {
	type result struct {
		actor *metricactor.Actor
		err   error
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		accountID := registry.AccountID(a.businessID, &a.customerID)
		key := registry.MetricKey(accountID, metricName)
		if h, ok := a.registry.Lookup(key); ok {
			return result{h.(*metricactor.Actor), nil}
		}

		if limit, ok := a.limitsCache[metricName]; ok {
			def.Limit = limit
		}

		m := metricactor.New(accountID, a.businessID, a.customerID, metricName, def, a.store, a.batchStore, a.db, a.sink, a.registry, a.logger)
		if err := m.Restore(ctx); err != nil {
			return result{nil, fmt.Errorf("restoring metric actor %s/%s: %w", accountID, metricName, err)}
		}
		if err := a.registry.Register(key, m); err != nil {
			return result{nil, fmt.Errorf("registering metric actor %s/%s: %w", accountID, metricName, err)}
		}

		a.metrics[metricName] = m
		return result{m, nil}
	})
	return r.actor, r.err
}

// OnTick forwards the firing to every live child MetricActor (§4.10).
func (a *Actor) OnTick(ctx context.Context, tickName string, windowEndUnix int64) {
	actorkit.Call(a.actor, func(ctx context.Context) struct{} {
		for _, m := range a.metrics {
			m.OnTick(ctx, tickName, windowEndUnix)
		}
		return struct{}{}
	})
}

// RefreshPlan re-resolves the effective-limit cache and pushes the new
// limits into every live child MetricActor. It does not replay history
// (§4.6).
func (a *Actor) RefreshPlan(ctx context.Context) error {
	return actorkit.Call(a.actor, func(ctx context.Context) error {
		cache, err := a.resolveAllLimits(ctx)
		if err != nil {
			return fmt.Errorf("resolving plan limits: %w", err)
		}
		a.limitsCache = cache

		for metricName, m := range a.metrics {
			m.UpdateLimit(cache[metricName])
		}
		return nil
	})
}

// ResetBillingCycle resets every metric whose type is reset or
// stripe_billing and whose limit is part of the current plan, persisting a
// zero row for each (§4.6).
func (a *Actor) ResetBillingCycle(ctx context.Context, reason string) error {
	return actorkit.Call(a.actor, func(ctx context.Context) error {
		var cid *string
		cid = &a.customerID

		for metricName, m := range a.metrics {
			if _, ok := a.limitsCache[metricName]; !ok {
				continue
			}
			if err := m.ResetValue(0); err != nil {
				a.logger.Error("customeractor: resetting billing cycle metric", "metric", metricName, "error", err)
				continue
			}
			if err := a.db.InsertMetricSamples(ctx, []db.MetricSample{{
				BusinessID: a.businessID,
				CustomerID: cid,
				MetricName: metricName,
				Value:      0,
				MetricType: "reset",
				Scope:      "customer",
				FlushedAt:  time.Now().UTC(),
			}}); err != nil {
				a.logger.Error("customeractor: persisting billing cycle reset row", "metric", metricName, "error", err)
			}
		}
		a.logger.Info("customeractor: billing cycle reset", "business", a.businessID, "customer", a.customerID, "reason", reason)
		return nil
	})
}

// UpdatePlan assigns a new plan and refreshes the effective-limit cache, used
// by the billing webhook handler on customer.subscription.created|updated
// once the subscription's price has been resolved to a Plan (§4.12).
func (a *Actor) UpdatePlan(ctx context.Context, planID *string) error {
	if err := a.db.UpdateCustomerPlan(ctx, a.businessID, a.customerID, planID); err != nil {
		return fmt.Errorf("updating customer plan: %w", err)
	}
	actorkit.Call(a.actor, func(ctx context.Context) error {
		a.planID = planID
		return nil
	})
	return a.RefreshPlan(ctx)
}

// DowngradeToFree switches the customer's plan assignment to the business's
// distinguished free plan and refreshes limits (§4.6).
func (a *Actor) DowngradeToFree(ctx context.Context) error {
	free, err := a.db.GetFreePlan(ctx, a.businessID)
	if err != nil {
		return fmt.Errorf("getting free plan for business %s: %w", a.businessID, err)
	}

	if err := a.db.UpdateCustomerPlan(ctx, a.businessID, a.customerID, &free.ID); err != nil {
		return fmt.Errorf("updating customer plan to free: %w", err)
	}

	actorkit.Call(a.actor, func(ctx context.Context) error {
		a.planID = &free.ID
		return nil
	})
	return a.RefreshPlan(ctx)
}

// resolveAllLimits rebuilds the precedence-resolved limit cache: customer
// override overrides plan-limit overrides business-default (§3 Invariants,
// §4.6).
func (a *Actor) resolveAllLimits(ctx context.Context) (map[string]*metricactor.Limit, error) {
	cache := make(map[string]*metricactor.Limit)

	defaults, err := a.db.ListBusinessDefaults(ctx, a.businessID)
	if err != nil {
		return nil, fmt.Errorf("listing business defaults: %w", err)
	}
	for _, pl := range defaults {
		cache[pl.MetricName] = toLimit(pl)
	}

	if a.planID != nil {
		planLimits, err := a.db.ListPlanLimitsForPlan(ctx, *a.planID)
		if err != nil {
			return nil, fmt.Errorf("listing plan limits: %w", err)
		}
		for _, pl := range planLimits {
			cache[pl.MetricName] = toLimit(pl)
		}
	}

	overrides, err := a.db.ListCustomerOverrides(ctx, a.customerRowID)
	if err != nil {
		return nil, fmt.Errorf("listing customer overrides: %w", err)
	}
	for _, pl := range overrides {
		cache[pl.MetricName] = toLimit(pl)
	}

	return cache, nil
}

// ResolveLimit resolves the single effective limit for metricName at the
// moment of call. It does not consult or update the cache.
func (a *Actor) ResolveLimit(ctx context.Context, metricName string) (*metricactor.Limit, error) {
	if pl, err := a.db.CustomerOverride(ctx, a.customerRowID, metricName); err == nil {
		return toLimit(pl), nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolving customer override: %w", err)
	}

	if a.planID != nil {
		if pl, err := a.db.PlanLimitFor(ctx, *a.planID, metricName); err == nil {
			return toLimit(pl), nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("resolving plan limit: %w", err)
		}
	}

	if pl, err := a.db.BusinessDefault(ctx, a.businessID, metricName); err == nil {
		return toLimit(pl), nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolving business default: %w", err)
	}

	return nil, nil // no limit configured (§4.9 step 1: "allow and forward")
}

func toLimit(pl db.PlanLimit) *metricactor.Limit {
	return &metricactor.Limit{
		Value:       pl.LimitValue,
		Operator:    pl.BreachOperator,
		Action:      pl.BreachAction,
		WebhookURLs: pl.WebhookURLs,
	}
}

// Metric returns the live MetricActor for metricName, if it has already been
// touched into existence.
func (a *Actor) Metric(metricName string) (*metricactor.Actor, bool) {
	accountID := registry.AccountID(a.businessID, &a.customerID)
	h, ok := a.registry.Lookup(registry.MetricKey(accountID, metricName))
	if !ok {
		return nil, false
	}
	return h.(*metricactor.Actor), true
}

// Shutdown drains and unregisters every owned MetricActor, then unregisters
// this customer's own ProcessRegistry key (§4.5, §4.1). Used by a business
// purge tearing down a tombstoned customer's live actor tree.
func (a *Actor) Shutdown(ctx context.Context) error {
	var firstErr error
	actorkit.Call(a.actor, func(ctx context.Context) struct{} {
		for name, m := range a.metrics {
			if err := m.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("shutting down metric %s: %w", name, err)
			}
			delete(a.metrics, name)
		}
		return struct{}{}
	})
	a.registry.Unregister(registry.CustomerKey(a.businessID, a.customerID))
	return firstErr
}
