// Package metricactor implements the MetricActor of spec §4.5: one actor per
// (account_id, metric_name), owning aggregation mode, limits, flush policy,
// and edge-triggered breach state. It is built on pkg/actorkit's supervised
// mailbox (§5: "no two messages for the same actor run concurrently") and
// reads/writes its aggregated value through pkg/metricstore, the only shared
// mutable structure in the system (§5).
package metricactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracktags/tracktags/internal/apierr"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/telemetry"
	"github.com/tracktags/tracktags/pkg/actorkit"
	"github.com/tracktags/tracktags/pkg/metricstore"
	"github.com/tracktags/tracktags/pkg/registry"
)

// LiveTable is the MetricStore table backing every MetricActor's current
// value, keyed by "accountID|metricName".
const LiveTable = "metric_live"

// Mode distinguishes the spec's two aggregation modes. Precision is
// explicitly unsupported (§4.5, §9 Open Question: "do not implement").
type Mode string

const (
	ModeSimple    Mode = "simple"
	ModePrecision Mode = "precision"
)

// Limit is a PlanLimit resolved down to the fields a MetricActor evaluates
// (spec §3 PlanLimit, §4.5).
type Limit struct {
	Value       float64
	Operator    string // gte, gt, lte, lt, eq
	Action      string // deny, allow_overage, webhook, log
	WebhookURLs []string
}

// Adapters carries the provider-integration knobs named in §4.5.
type Adapters struct {
	StripePriceID       string
	StripeBatchInterval string
	OverageThreshold    float64
	OverageProductID    string
}

// Definition is the runtime MetricDefinition of spec §3.
type Definition struct {
	Mode          Mode
	Operation     metricstore.Op
	MetricType    string // reset, checkpoint, stripe_billing
	FlushInterval string // tick name
	InitialValue  float64
	Limit         *Limit
	Adapters      Adapters
}

// BreachState is edge-triggered per §4.5: it flips to Breached only on the
// transition into breach, and back to Healthy whenever a reset, an
// UpdateLimit recompute or an increment leaves the value outside the breach
// condition, never re-firing on every subsequent over-limit increment.
type BreachState string

const (
	Healthy  BreachState = "healthy"
	Breached BreachState = "breached"
)

// BreachEvent describes one edge-triggered breach, delivered to a BreachSink.
// Quantity and TickUnixTS are only meaningful for usage reports sent through
// ReportOverageUnit (allow_overage flushes, §4.9 step 3, §4.10, and
// stripe_billing invoice reports): Quantity is the exact unit count to report,
// TickUnixTS is the flush window's tick timestamp used as the billing
// provider's Idempotency-Key.
type BreachEvent struct {
	AccountID  string
	BusinessID string
	CustomerID string // empty for business scope
	MetricName string
	Current    float64
	Limit      Limit
	Adapters   Adapters
	Quantity   float64
	TickUnixTS int64
}

// BreachSink receives the side effects of an edge-triggered breach (§4.5,
// §4.9). Implementations fire webhooks fire-and-forget with bounded
// concurrency (§5) and enqueue overage usage reports; BusinessActor supplies
// the concrete implementation since the bounded concurrency is scoped per
// business (§5: "Webhook fanout... bounded concurrency per BusinessActor").
type BreachSink interface {
	FireWebhook(ctx context.Context, event BreachEvent)
	ReportOverageUnit(ctx context.Context, event BreachEvent) error
	Log(ctx context.Context, event BreachEvent)
}

// Actor is one MetricActor (§4.5).
type Actor struct {
	actor *actorkit.Actor

	accountID  string
	businessID string
	customerID string // empty for business scope
	metricName string

	store      *metricstore.Store
	batchStore *metricstore.BatchStore
	db         *db.Store
	sink       BreachSink
	registry   *registry.Registry
	logger     *slog.Logger

	def         Definition
	breachState BreachState
}

// New creates a MetricActor, ensuring LiveTable exists in store; the actor's
// own key is created there by Restore, not here.
// It does not itself call Restore; callers invoke Restore explicitly on
// startup per §4.5. reg, if non-nil, is the ProcessRegistry Shutdown
// unregisters this actor's key from.
func New(accountID, businessID, customerID, metricName string, def Definition, store *metricstore.Store, batchStore *metricstore.BatchStore, dbStore *db.Store, sink BreachSink, reg *registry.Registry, logger *slog.Logger) *Actor {
	store.CreateTable(LiveTable)

	a := &Actor{
		actor:       actorkit.Spawn(fmt.Sprintf("metric:%s", liveKey(accountID, metricName)), logger),
		accountID:   accountID,
		businessID:  businessID,
		customerID:  customerID,
		metricName:  metricName,
		store:       store,
		batchStore:  batchStore,
		db:          dbStore,
		sink:        sink,
		registry:    reg,
		logger:      logger,
		def:         def,
		breachState: Healthy,
	}
	return a
}

func liveKey(accountID, metricName string) string {
	return accountID + "|" + metricName
}

func (a *Actor) key() string { return liveKey(a.accountID, a.metricName) }

// Restore seeds MetricStore from the row store's latest value, or from
// InitialValue on a miss (§4.5 Restore).
func (a *Actor) Restore(ctx context.Context) error {
	return actorkit.Call(a.actor, func(ctx context.Context) error {
		if a.def.Mode == ModePrecision {
			return apierr.NotImplemented("precision mode is not supported")
		}

		var customerPtr *string
		if a.customerID != "" {
			customerPtr = &a.customerID
		}

		value, err := a.db.LatestMetricValue(ctx, a.businessID, customerPtr, a.metricName)
		if err != nil {
			value = a.def.InitialValue
		}

		return a.store.Create(LiveTable, a.key(), a.def.Operation, value)
	})
}

// Increment applies value to the metric and returns the post-increment
// value. On an edge transition into breach it enqueues the configured
// breach_action's side effect exactly once (§4.5, §8 invariant 4).
func (a *Actor) Increment(ctx context.Context, value float64) (float64, error) {
	return actorkit.Call(a.actor, func(ctx context.Context) float64 {
		var newValue float64
		var err error

		if a.def.MetricType == "checkpoint" {
			// §4.11: checkpoint metrics use the row store's atomic
			// upsert-and-increment primitive, not a local read-modify-write,
			// to avoid lost updates across restarts. The actor mirrors the
			// returned value into MetricStore.
			var customerPtr *string
			if a.customerID != "" {
				customerPtr = &a.customerID
			}
			newValue, err = a.db.UpsertAndIncrementCheckpoint(ctx, a.businessID, customerPtr, a.metricName, value)
			if err == nil {
				_ = a.store.Reset(LiveTable, a.key(), newValue)
			}
		} else {
			newValue, err = a.store.Add(LiveTable, a.key(), value)
		}

		if err != nil {
			a.logger.Error("metricactor: increment failed", "account", a.accountID, "metric", a.metricName, "error", err)
			return newValue
		}

		telemetry.MetricIncrementsTotal.WithLabelValues(a.metricName).Inc()
		a.evaluateBreach(ctx, newValue)
		return newValue
	}), nil
}

func (a *Actor) evaluateBreach(ctx context.Context, current float64) {
	if a.def.Limit == nil {
		return
	}

	isBreached := evaluateOperator(a.def.Limit.Operator, current, a.def.Limit.Value)

	if isBreached && a.breachState == Healthy {
		a.breachState = Breached
		a.fireBreach(ctx, current)
	} else if !isBreached {
		a.breachState = Healthy
	}
}

func (a *Actor) fireBreach(ctx context.Context, current float64) {
	if a.sink == nil || a.def.Limit == nil {
		return
	}

	event := BreachEvent{
		AccountID:  a.accountID,
		BusinessID: a.businessID,
		CustomerID: a.customerID,
		MetricName: a.metricName,
		Current:    current,
		Limit:      *a.def.Limit,
		Adapters:   a.def.Adapters,
	}

	switch a.def.Limit.Action {
	case "webhook":
		a.sink.FireWebhook(ctx, event)
	case "log":
		a.sink.Log(ctx, event)
	case "deny", "allow_overage":
		// Deny has no side effect beyond the gating decision itself (§4.9).
		// allow_overage's usage report is driven entirely by OnTick's flush
		// accounting (reportOverageIfAny), not this edge trigger, since the
		// reported quantity has to be the whole window's overage, not a
		// single unit per breach.
	}
}

// evaluateOperator applies a PlanLimit's breach_operator (§3). Ties in eq use
// exact float64 equality (§4.5 Numeric semantics).
func evaluateOperator(operator string, current, limit float64) bool {
	switch operator {
	case "gte":
		return current >= limit
	case "gt":
		return current > limit
	case "lte":
		return current <= limit
	case "lt":
		return current < limit
	case "eq":
		return current == limit
	default:
		return false
	}
}

// CurrentValue returns the live value without mutating it, used by
// LimitEngine to evaluate a gating decision before forwarding (§4.9).
func (a *Actor) CurrentValue(ctx context.Context) (float64, error) {
	type result struct {
		value float64
		err   error
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		v, err := a.store.Get(LiveTable, a.key())
		return result{v, err}
	})
	return r.value, r.err
}

// CheckBreach reads the current value and evaluates it against the
// configured limit without mutating state, used by LimitEngine's gating
// decision (§4.9 steps 1-2).
func (a *Actor) CheckBreach(ctx context.Context) (current float64, limit *Limit, breached bool, err error) {
	type result struct {
		current  float64
		limit    *Limit
		breached bool
		err      error
	}
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		v, err := a.store.Get(LiveTable, a.key())
		if err != nil {
			return result{err: err}
		}
		if a.def.Limit == nil {
			return result{current: v}
		}
		return result{current: v, limit: a.def.Limit, breached: evaluateOperator(a.def.Limit.Operator, v, a.def.Limit.Value)}
	})
	return r.current, r.limit, r.breached, r.err
}

// Limit returns the currently configured limit, if any.
func (a *Actor) Limit() *Limit {
	type result struct{ limit *Limit }
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		return result{a.def.Limit}
	})
	return r.limit
}

// BreachState returns the actor's current edge-triggered breach state.
func (a *Actor) BreachState() BreachState {
	return actorkit.Call(a.actor, func(ctx context.Context) BreachState {
		return a.breachState
	})
}

// OnTick stages the metric's current value into BatchStore and applies the
// metric_type's reset policy (§4.5 OnTick). Ticks for other intervals are
// ignored.
func (a *Actor) OnTick(ctx context.Context, tickName string, windowEndUnix int64) {
	actorkit.Call(a.actor, func(ctx context.Context) struct{} {
		if tickName != a.def.FlushInterval {
			return struct{}{}
		}

		current, err := a.store.Get(LiveTable, a.key())
		if err != nil {
			a.logger.Error("metricactor: reading value on tick", "metric", a.metricName, "error", err)
			return struct{}{}
		}

		batch := metricstore.Batch{
			Tick:       tickName,
			BusinessID: a.businessID,
			CustomerID: a.customerID,
			MetricName: a.metricName,
			MetricType: a.def.MetricType,
			Value:      current,
			Op:         metricstore.OpLast,
		}
		if err := a.batchStore.AddBatch(batch); err != nil {
			a.logger.Error("metricactor: staging batch entry", "metric", a.metricName, "error", err)
		}

		a.reportOverageIfAny(ctx, current, windowEndUnix)

		switch a.def.MetricType {
		case "reset":
			if err := a.store.Reset(LiveTable, a.key(), a.def.InitialValue); err != nil {
				a.logger.Error("metricactor: resetting after flush", "metric", a.metricName, "error", err)
			} else {
				a.breachState = Healthy
			}
		case "checkpoint":
			// Accumulates across flushes; no reset (§4.5, §4.11).
		case "stripe_billing":
			// Resets only on a billing-cycle event, never on tick (§4.5, §4.12).
		}
		return struct{}{}
	})
}

// reportOverageIfAny reports exactly max(0, current-limit.Value) overage
// units to the BreachSink for this window, tagged with the tick's own
// timestamp as the billing provider's idempotency key (§4.9 step 3, §4.10).
// It only fires for allow_overage metrics currently over their limit, and
// skips windows whose overage hasn't reached adapters.OverageThreshold yet
// (a minimum batch size so small overages don't generate noisy reports).
func (a *Actor) reportOverageIfAny(ctx context.Context, current float64, tickUnixTS int64) {
	if a.sink == nil || a.def.Limit == nil || a.def.Limit.Action != "allow_overage" {
		return
	}

	overage := current - a.def.Limit.Value
	if overage <= 0 {
		return
	}
	if threshold := a.def.Adapters.OverageThreshold; threshold > 0 && overage < threshold {
		return
	}

	event := BreachEvent{
		AccountID:  a.accountID,
		BusinessID: a.businessID,
		CustomerID: a.customerID,
		MetricName: a.metricName,
		Current:    current,
		Limit:      *a.def.Limit,
		Adapters:   a.def.Adapters,
		Quantity:   overage,
		TickUnixTS: tickUnixTS,
	}
	if err := a.sink.ReportOverageUnit(ctx, event); err != nil {
		a.logger.Error("metricactor: reporting overage usage at flush", "metric", a.metricName, "error", err)
	}
}

// UpdateLimit atomically replaces the limit and recomputes breach_state
// without firing edge actions (§4.5).
func (a *Actor) UpdateLimit(newLimit *Limit) {
	actorkit.Call(a.actor, func(ctx context.Context) struct{} {
		a.def.Limit = newLimit
		if newLimit == nil {
			a.breachState = Healthy
			return struct{}{}
		}
		current, err := a.store.Get(LiveTable, a.key())
		if err != nil {
			return struct{}{}
		}
		if evaluateOperator(newLimit.Operator, current, newLimit.Value) {
			a.breachState = Breached
		} else {
			a.breachState = Healthy
		}
		return struct{}{}
	})
}

// ResetValue forces the live value back to v, used by CustomerActor's
// ResetBillingCycle (§4.6) and the billing-cycle-triggered reset for
// stripe_billing metrics (§4.5, §4.12).
func (a *Actor) ResetValue(v float64) error {
	return actorkit.Call(a.actor, func(ctx context.Context) error {
		a.breachState = Healthy
		return a.store.Reset(LiveTable, a.key(), v)
	})
}

// Shutdown drains every BatchStore row staged for this metric across every
// tick window, persists them to the row store so a pending partial window
// isn't silently lost, unregisters the metric's ProcessRegistry key, and
// stops the actor (§4.5). Callers use this when permanently removing the
// owning business or customer, not on ordinary process shutdown (the tick
// bus's own flush pipeline handles the routine case).
func (a *Actor) Shutdown(ctx context.Context) error {
	err := actorkit.Call(a.actor, func(ctx context.Context) error {
		batches, err := a.batchStore.DrainMetric(a.businessID, a.customerID, a.metricName)
		if err != nil {
			return fmt.Errorf("draining staged batch rows: %w", err)
		}
		if len(batches) == 0 {
			return nil
		}

		samples := make([]db.MetricSample, 0, len(batches))
		flushedAt := time.Now().UTC()
		for _, b := range batches {
			samples = append(samples, db.MetricSample{
				BusinessID: b.BusinessID,
				CustomerID: b.CustomerID,
				MetricName: b.MetricName,
				Value:      b.AggregatedValue,
				MetricType: b.MetricType,
				Scope:      b.Scope,
				FlushedAt:  flushedAt,
			})
		}
		if err := a.db.InsertMetricSamples(ctx, samples); err != nil {
			return fmt.Errorf("persisting drained batch rows: %w", err)
		}
		return nil
	})

	if a.registry != nil {
		a.registry.Unregister(registry.MetricKey(a.accountID, a.metricName))
	}
	a.actor.Stop()
	return err
}

// MetricName, BusinessID, CustomerID expose identity for registry bookkeeping.
func (a *Actor) MetricName() string { return a.metricName }
func (a *Actor) BusinessID() string { return a.businessID }
func (a *Actor) CustomerID() string { return a.customerID }

// Adapters returns the configured provider-integration knobs, used by the
// billing webhook handler when it reports accumulated stripe_billing usage.
func (a *Actor) Adapters() Adapters {
	type result struct{ adapters Adapters }
	r := actorkit.Call(a.actor, func(ctx context.Context) result {
		return result{a.def.Adapters}
	})
	return r.adapters
}
