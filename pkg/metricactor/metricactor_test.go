package metricactor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tracktags/tracktags/pkg/metricstore"
)

type fakeSink struct {
	webhooks     int32
	overages     int32
	logs         int32
	lastQuantity float64
}

func (f *fakeSink) FireWebhook(ctx context.Context, event BreachEvent) {
	atomic.AddInt32(&f.webhooks, 1)
}
func (f *fakeSink) ReportOverageUnit(ctx context.Context, event BreachEvent) error {
	atomic.AddInt32(&f.overages, 1)
	f.lastQuantity = event.Quantity
	return nil
}
func (f *fakeSink) Log(ctx context.Context, event BreachEvent) {
	atomic.AddInt32(&f.logs, 1)
}

func newTestActor(def Definition, sink BreachSink) *Actor {
	store := metricstore.New()
	batch := metricstore.NewBatchStore(store)
	a := New("biz1", "biz1", "", "api_calls", def, store, batch, nil, sink, nil, slog.Default())
	_ = a.store.Create(LiveTable, a.key(), def.Operation, def.InitialValue)
	return a
}

func TestIncrementMonotonicity(t *testing.T) {
	def := Definition{Operation: metricstore.OpSum, MetricType: "reset", InitialValue: 0, FlushInterval: "tick_1d"}
	a := newTestActor(def, nil)

	var last float64
	for i := 0; i < 999; i++ {
		var err error
		last, err = a.Increment(context.Background(), 1.0)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	if last != 999 {
		t.Errorf("current value = %v, want 999", last)
	}
}

func TestBreachEdgeTriggerFiresOnce(t *testing.T) {
	sink := &fakeSink{}
	def := Definition{
		Operation:     metricstore.OpSum,
		MetricType:    "reset",
		InitialValue:  0,
		FlushInterval: "tick_1d",
		Limit:         &Limit{Value: 5, Operator: "gte", Action: "log"},
	}
	a := newTestActor(def, sink)

	for i := 0; i < 4; i++ {
		if _, err := a.Increment(context.Background(), 1); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if sink.logs != 0 {
		t.Fatalf("breach fired before reaching limit: logs=%d", sink.logs)
	}

	// 5th increment crosses the limit (current=5 >= 5).
	if _, err := a.Increment(context.Background(), 1); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if sink.logs != 1 {
		t.Fatalf("expected exactly one breach fire, got %d", sink.logs)
	}

	// Further increments past the limit must not re-fire.
	for i := 0; i < 5; i++ {
		if _, err := a.Increment(context.Background(), 1); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if sink.logs != 1 {
		t.Fatalf("breach re-fired on subsequent over-limit increments: logs=%d", sink.logs)
	}
}

func TestOnTickResetSemantics(t *testing.T) {
	def := Definition{
		Operation:     metricstore.OpSum,
		MetricType:    "reset",
		InitialValue:  0,
		FlushInterval: "tick_1d",
	}
	a := newTestActor(def, nil)

	_, _ = a.Increment(context.Background(), 1000)
	a.OnTick(context.Background(), "tick_1d", 86400)

	v, err := a.CurrentValue(context.Background())
	if err != nil {
		t.Fatalf("current value: %v", err)
	}
	if v != 0 {
		t.Errorf("value after reset-type flush = %v, want 0 (initial_value)", v)
	}

	batches, err := a.batchStore.FlushInterval("tick_1d", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("flush interval: %v", err)
	}
	if len(batches) != 1 || batches[0].AggregatedValue != 1000 {
		t.Fatalf("expected one persisted row with pre-reset value 1000, got %+v", batches)
	}
}

func TestOnTickCheckpointDoesNotReset(t *testing.T) {
	def := Definition{
		Operation:     metricstore.OpSum,
		MetricType:    "checkpoint",
		InitialValue:  0,
		FlushInterval: "tick_1h",
	}
	a := newTestActor(def, nil)
	_, _ = a.store.Add(LiveTable, a.key(), 42) // bypass db-backed Increment path

	a.OnTick(context.Background(), "tick_1h", 3600)

	v, _ := a.CurrentValue(context.Background())
	if v != 42 {
		t.Errorf("checkpoint value after tick = %v, want 42 (no reset)", v)
	}
}

func TestOverageReportedOnceAtFlushNotPerIncrement(t *testing.T) {
	sink := &fakeSink{}
	def := Definition{
		Operation:     metricstore.OpSum,
		MetricType:    "reset",
		InitialValue:  0,
		FlushInterval: "tick_1d",
		Limit:         &Limit{Value: 5, Operator: "gte", Action: "allow_overage"},
		Adapters:      Adapters{OverageThreshold: 5, StripePriceID: "price_1"},
	}
	a := newTestActor(def, sink)

	for i := 0; i < 12; i++ {
		if _, err := a.Increment(context.Background(), 1); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if sink.overages != 0 {
		t.Fatalf("overage must not be reported per-increment, got %d reports before any tick", sink.overages)
	}

	a.OnTick(context.Background(), "tick_1d", 86400)
	if sink.overages != 1 {
		t.Fatalf("expected exactly one overage report at flush, got %d", sink.overages)
	}
	if sink.lastQuantity != 7 {
		t.Errorf("expected reported quantity = max(0, 12-5) = 7, got %v", sink.lastQuantity)
	}
}

func TestUpdateLimitDoesNotFireEdgeAction(t *testing.T) {
	sink := &fakeSink{}
	def := Definition{Operation: metricstore.OpSum, MetricType: "reset", InitialValue: 0, FlushInterval: "tick_1d"}
	a := newTestActor(def, sink)

	_, _ = a.Increment(context.Background(), 100)
	a.UpdateLimit(&Limit{Value: 10, Operator: "gte", Action: "webhook"})

	if sink.webhooks != 0 {
		t.Errorf("UpdateLimit must not fire breach actions, got %d webhooks", sink.webhooks)
	}
	if a.BreachState() != Breached {
		t.Errorf("breach state should recompute to Breached, got %v", a.BreachState())
	}
}
