package metricstore

import (
	"testing"
	"time"
)

func TestFlushIntervalAndClear(t *testing.T) {
	bs := NewBatchStore(New())

	_ = bs.AddBatch(Batch{Tick: "tick_1h", BusinessID: "b1", MetricName: "api_calls", MetricType: "reset", Value: 10, Op: OpSum})
	cust := "c1"
	_ = bs.AddBatch(Batch{Tick: "tick_1h", BusinessID: "b1", CustomerID: cust, MetricName: "api_calls", MetricType: "reset", Value: 5, Op: OpSum})
	_ = bs.AddBatch(Batch{Tick: "tick_1d", BusinessID: "b1", MetricName: "other", MetricType: "reset", Value: 99, Op: OpSum})

	start := time.Unix(1000, 0)
	end := time.Unix(4600, 0)
	batches, err := bs.FlushInterval("tick_1h", start, end)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches for tick_1h, got %d", len(batches))
	}

	var sawBusiness, sawCustomer bool
	for _, b := range batches {
		if b.Scope == "business" && b.AggregatedValue == 10 {
			sawBusiness = true
		}
		if b.Scope == "customer" && b.CustomerID != nil && *b.CustomerID == "c1" && b.AggregatedValue == 5 {
			sawCustomer = true
		}
	}
	if !sawBusiness || !sawCustomer {
		t.Errorf("batches missing expected rows: %+v", batches)
	}

	if err := bs.ClearInterval("tick_1h"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	remaining, err := bs.FlushInterval("tick_1h", start, end)
	if err != nil {
		t.Fatalf("flush after clear: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no remaining tick_1h entries after clear, got %d", len(remaining))
	}

	// tick_1d entry must be untouched by clearing tick_1h.
	dayBatches, err := bs.FlushInterval("tick_1d", start, end)
	if err != nil {
		t.Fatalf("flush tick_1d: %v", err)
	}
	if len(dayBatches) != 1 {
		t.Errorf("expected tick_1d entry to survive, got %d", len(dayBatches))
	}
}

func TestDrainMetricCrossesTickWindows(t *testing.T) {
	bs := NewBatchStore(New())

	_ = bs.AddBatch(Batch{Tick: "tick_1h", BusinessID: "b1", MetricName: "api_calls", MetricType: "reset", Value: 3, Op: OpSum})
	_ = bs.AddBatch(Batch{Tick: "tick_1d", BusinessID: "b1", MetricName: "api_calls", MetricType: "reset", Value: 4, Op: OpSum})
	_ = bs.AddBatch(Batch{Tick: "tick_1h", BusinessID: "b1", MetricName: "other_metric", MetricType: "reset", Value: 99, Op: OpSum})

	drained, err := bs.DrainMetric("b1", "", "api_calls")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected both tick_1h and tick_1d rows for api_calls, got %d: %+v", len(drained), drained)
	}

	remaining, err := bs.FlushInterval("tick_1h", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("flush after drain: %v", err)
	}
	if len(remaining) != 1 || remaining[0].MetricName != "other_metric" {
		t.Errorf("expected only other_metric to survive the drain, got %+v", remaining)
	}
}
