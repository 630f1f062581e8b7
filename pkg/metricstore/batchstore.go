package metricstore

import (
	"fmt"
	"strings"
	"time"
)

// BatchTable is the single MetricStore table BatchStore stages into.
const BatchTable = "tick_batch"

// Batch is one staged value for a tick window (§4.4's add_batch input).
type Batch struct {
	Tick       string
	BusinessID string
	CustomerID string // empty means business scope
	MetricName string
	MetricType string
	Value      float64
	Op         Op
}

// MetricBatch is one materialized row produced by FlushInterval (§4.4).
type MetricBatch struct {
	BusinessID      string
	CustomerID      *string
	MetricName      string
	AggregatedValue float64
	MetricType      string
	Scope           string // "business" or "customer"
	WindowStart     time.Time
	WindowEnd       time.Time
}

// BatchStore specializes Store with keys encoding
// "tick|business|customer|metric|type" (§4.4), so every staged value for one
// tick across every account and metric lives in a single flat namespace that
// a single prefix scan can drain.
type BatchStore struct {
	store *Store
}

// NewBatchStore wraps an existing Store, creating the batch table.
func NewBatchStore(store *Store) *BatchStore {
	store.CreateTable(BatchTable)
	return &BatchStore{store: store}
}

func batchKey(tick, businessID, customerID, metricName, metricType string) string {
	return strings.Join([]string{tick, businessID, customerID, metricName, metricType}, "|")
}

// AddBatch stages one value: creates the composite key on first sight for
// this tick, or adds to it on subsequent increments within the same window
// (§4.4: "picks the composite key and either creates or adds").
func (b *BatchStore) AddBatch(batch Batch) error {
	key := batchKey(batch.Tick, batch.BusinessID, batch.CustomerID, batch.MetricName, batch.MetricType)

	if err := b.store.Create(BatchTable, key, batch.Op, batch.Value); err != nil {
		// Key already staged this window: fold the new value in via Add
		// instead of overwriting it.
		if _, addErr := b.store.Add(BatchTable, key, batch.Value); addErr != nil {
			return fmt.Errorf("staging batch entry %q: create failed (%v) and add failed: %w", key, err, addErr)
		}
	}
	return nil
}

// FlushInterval scans every key with prefix "tick|" and materializes each as
// a MetricBatch (§4.4). windowStart/windowEnd bound the tick's window for
// the persisted row's metadata.
func (b *BatchStore) FlushInterval(tick string, windowStart, windowEnd time.Time) ([]MetricBatch, error) {
	prefix := tick + "|"
	keys, err := b.store.ScanPrefix(BatchTable, prefix)
	if err != nil {
		return nil, fmt.Errorf("scanning tick batch prefix %q: %w", prefix, err)
	}

	batches := make([]MetricBatch, 0, len(keys))
	for _, key := range keys {
		parts := strings.SplitN(key, "|", 5)
		if len(parts) != 5 {
			continue // not our composite shape; ignore defensively
		}
		businessID, customerID, metricName, metricType := parts[1], parts[2], parts[3], parts[4]

		value, err := b.store.Get(BatchTable, key)
		if err != nil {
			return nil, fmt.Errorf("reading staged value for %q: %w", key, err)
		}

		mb := MetricBatch{
			BusinessID:      businessID,
			MetricName:      metricName,
			MetricType:      metricType,
			AggregatedValue: value,
			Scope:           "business",
			WindowStart:     windowStart,
			WindowEnd:       windowEnd,
		}
		if customerID != "" {
			cid := customerID
			mb.CustomerID = &cid
			mb.Scope = "customer"
		}
		batches = append(batches, mb)
	}

	return batches, nil
}

// ClearInterval deletes every key staged for tick. The pipeline (§4.10)
// guarantees this is only called after the batch produced by FlushInterval
// for the same tick has been durably committed.
func (b *BatchStore) ClearInterval(tick string) error {
	prefix := tick + "|"
	keys, err := b.store.ScanPrefix(BatchTable, prefix)
	if err != nil {
		return fmt.Errorf("scanning tick batch prefix %q: %w", prefix, err)
	}
	for _, key := range keys {
		b.store.Delete(BatchTable, key)
	}
	return nil
}

// DrainMetric removes and materializes every staged row belonging to one
// metric across every tick window, not just one. A MetricActor calls this on
// Shutdown (§4.5) so a business/customer purge doesn't silently drop staged
// values that haven't reached their next scheduled flush yet.
func (b *BatchStore) DrainMetric(businessID, customerID, metricName string) ([]MetricBatch, error) {
	keys, err := b.store.ScanKeys(BatchTable)
	if err != nil {
		return nil, fmt.Errorf("scanning batch table: %w", err)
	}

	var batches []MetricBatch
	for _, key := range keys {
		parts := strings.SplitN(key, "|", 5)
		if len(parts) != 5 {
			continue
		}
		if parts[1] != businessID || parts[2] != customerID || parts[3] != metricName {
			continue
		}

		value, err := b.store.Get(BatchTable, key)
		if err != nil {
			return nil, fmt.Errorf("reading staged value for %q: %w", key, err)
		}

		mb := MetricBatch{
			BusinessID:      businessID,
			MetricName:      metricName,
			MetricType:      parts[4],
			AggregatedValue: value,
			Scope:           "business",
			WindowStart:     time.Now().UTC(),
			WindowEnd:       time.Now().UTC(),
		}
		if customerID != "" {
			cid := customerID
			mb.CustomerID = &cid
			mb.Scope = "customer"
		}
		batches = append(batches, mb)
		b.store.Delete(BatchTable, key)
	}

	return batches, nil
}
