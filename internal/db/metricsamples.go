package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// MetricSample is one persisted row per flush (spec §3).
type MetricSample struct {
	BusinessID string
	CustomerID *string
	MetricName string
	Value      float64
	MetricType string
	Scope      string
	Adapters   []byte // JSON, nullable
	FlushedAt  time.Time
}

// InsertMetricSamples writes one batched statement per tick drain (§4.10).
// Callers build the full batch in memory (BatchStore.flush_interval) and
// commit it here as a single round trip.
func (s *Store) InsertMetricSamples(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, sample := range samples {
		batch.Queue(`
			INSERT INTO metric_samples (business_id, customer_id, metric_name, value, metric_type, scope, adapters, flushed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			sample.BusinessID, sample.CustomerID, sample.MetricName, sample.Value,
			sample.MetricType, sample.Scope, sample.Adapters, sample.FlushedAt)
	}

	br := s.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range samples {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting metric sample batch: %w", err)
		}
	}
	return nil
}

// LatestMetricValue restores a MetricActor's value on startup (§4.5 Restore).
func (s *Store) LatestMetricValue(ctx context.Context, businessID string, customerID *string, metricName string) (float64, error) {
	var value float64
	var err error
	if customerID != nil {
		err = s.Pool.QueryRow(ctx, `
			SELECT value FROM metric_samples
			WHERE business_id = $1 AND customer_id = $2 AND metric_name = $3
			ORDER BY flushed_at DESC LIMIT 1`, businessID, *customerID, metricName).Scan(&value)
	} else {
		err = s.Pool.QueryRow(ctx, `
			SELECT value FROM metric_samples
			WHERE business_id = $1 AND customer_id IS NULL AND metric_name = $2
			ORDER BY flushed_at DESC LIMIT 1`, businessID, metricName).Scan(&value)
	}
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, pgx.ErrNoRows
		}
		return 0, fmt.Errorf("querying latest metric value: %w", err)
	}
	return value, nil
}

// UpsertAndIncrementCheckpoint is the atomic row-store primitive required for
// checkpoint metrics (§4.11): it increments a running checkpoint row rather
// than round-tripping through a read-modify-write in the actor, so concurrent
// increments across process restarts are never lost.
func (s *Store) UpsertAndIncrementCheckpoint(ctx context.Context, businessID string, customerID *string, metricName string, delta float64) (float64, error) {
	var value float64
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO checkpoint_counters (business_id, customer_id, metric_name, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (business_id, COALESCE(customer_id, ''), metric_name)
		DO UPDATE SET value = checkpoint_counters.value + EXCLUDED.value
		RETURNING value`,
		businessID, customerID, metricName, delta).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("incrementing checkpoint counter: %w", err)
	}
	return value, nil
}
