package metricstore

import "testing"

func TestSumAccumulates(t *testing.T) {
	s := New()
	s.CreateTable("t")
	if err := s.Create("t", "k", OpSum, 0); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 999; i++ {
		if _, err := s.Add("t", "k", 1); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	v, err := s.Get("t", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 999 {
		t.Errorf("sum = %v, want 999", v)
	}
}

func TestAddWithoutCreateFails(t *testing.T) {
	s := New()
	s.CreateTable("t")
	if _, err := s.Add("t", "missing", 1); err == nil {
		t.Fatal("expected ErrEntryNotFound")
	}
}

func TestCreateTwiceFails(t *testing.T) {
	s := New()
	s.CreateTable("t")
	_ = s.Create("t", "k", OpSum, 0)
	if err := s.Create("t", "k", OpSum, 0); err == nil {
		t.Fatal("expected error on duplicate create")
	}
}

func TestMinMax(t *testing.T) {
	s := New()
	s.CreateTable("t")
	_ = s.Create("t", "min", OpMin, 10)
	_ = s.Create("t", "max", OpMax, 10)

	_, _ = s.Add("t", "min", 3)
	_, _ = s.Add("t", "min", 20)
	_, _ = s.Add("t", "max", 3)
	_, _ = s.Add("t", "max", 20)

	min, _ := s.Get("t", "min")
	max, _ := s.Get("t", "max")
	if min != 3 {
		t.Errorf("min = %v, want 3", min)
	}
	if max != 20 {
		t.Errorf("max = %v, want 20", max)
	}
}

func TestAverage(t *testing.T) {
	s := New()
	s.CreateTable("t")
	_ = s.Create("t", "k", OpAverage, 0)

	_, _ = s.Add("t", "k", 10)
	_, _ = s.Add("t", "k", 20)
	v, _ := s.Get("t", "k")
	if v != 15 {
		t.Errorf("average = %v, want 15", v)
	}
}

func TestResetSemantics(t *testing.T) {
	s := New()
	s.CreateTable("t")
	_ = s.Create("t", "k", OpSum, 0)
	_, _ = s.Add("t", "k", 100)

	if err := s.Reset("t", "k", 0); err != nil {
		t.Fatalf("reset: %v", err)
	}
	v, _ := s.Get("t", "k")
	if v != 0 {
		t.Errorf("value after reset = %v, want 0", v)
	}
}

func TestScanPrefix(t *testing.T) {
	bs := NewBatchStore(New())
	_ = bs.AddBatch(Batch{Tick: "tick_1d", BusinessID: "b1", MetricName: "calls", MetricType: "reset", Value: 1, Op: OpSum})
	_ = bs.AddBatch(Batch{Tick: "tick_1d", BusinessID: "b1", MetricName: "calls", MetricType: "reset", Value: 1, Op: OpSum})
	_ = bs.AddBatch(Batch{Tick: "tick_1h", BusinessID: "b1", MetricName: "other", MetricType: "reset", Value: 5, Op: OpSum})

	keys, err := bs.store.ScanPrefix(BatchTable, "tick_1d|")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key for tick_1d, got %d", len(keys))
	}

	v, _ := bs.store.Get(BatchTable, keys[0])
	if v != 2 {
		t.Errorf("aggregated value = %v, want 2 (folded two adds)", v)
	}
}
