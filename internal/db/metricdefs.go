package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// MetricDefinition is the persisted runtime shape of spec §3's
// MetricDefinition: the per-(business, customer?, metric_name) aggregation
// config created via POST /api/v1/metrics, consulted when a MetricActor is
// materialized for the first time (§4.9 step 1).
type MetricDefinition struct {
	BusinessID    string
	CustomerID    *string // nil for scope=business
	MetricName    string
	Mode          string // simple | precision
	Operation     string // SUM, MIN, MAX, COUNT, AVERAGE, LAST
	MetricType    string // reset, checkpoint, stripe_billing
	FlushInterval string
	InitialValue  float64
	Adapters      []byte // JSON, nullable
}

func (s *Store) CreateMetricDefinition(ctx context.Context, id string, d MetricDefinition) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO metrics (id, business_id, customer_id, metric_name, mode, operation, metric_type, flush_interval, initial_value, adapters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, d.BusinessID, d.CustomerID, d.MetricName, d.Mode, d.Operation, d.MetricType, d.FlushInterval, d.InitialValue, d.Adapters)
	if err != nil {
		return fmt.Errorf("inserting metric definition: %w", err)
	}
	return nil
}

// GetMetricDefinition resolves a metric's config for the given scope.
// customerID is nil for scope=business.
func (s *Store) GetMetricDefinition(ctx context.Context, businessID string, customerID *string, metricName string) (MetricDefinition, error) {
	var rows pgx.Rows
	var err error
	if customerID != nil {
		rows, err = s.Pool.Query(ctx, `
			SELECT business_id, customer_id, metric_name, mode, operation, metric_type, flush_interval, initial_value, adapters
			FROM metrics WHERE business_id = $1 AND customer_id = $2 AND metric_name = $3`, businessID, *customerID, metricName)
	} else {
		rows, err = s.Pool.Query(ctx, `
			SELECT business_id, customer_id, metric_name, mode, operation, metric_type, flush_interval, initial_value, adapters
			FROM metrics WHERE business_id = $1 AND customer_id IS NULL AND metric_name = $2`, businessID, metricName)
	}
	if err != nil {
		return MetricDefinition{}, fmt.Errorf("querying metric definition: %w", err)
	}
	defer rows.Close()

	d, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[MetricDefinition])
	if err != nil {
		return MetricDefinition{}, fmt.Errorf("collecting metric definition row: %w", err)
	}
	return d, nil
}

// UpdateMetricDefinition updates the aggregation shape of an
// existing metric definition; PlanLimit rows (separately) carry the limit.
func (s *Store) UpdateMetricDefinition(ctx context.Context, businessID string, customerID *string, metricName string, d MetricDefinition) error {
	var err error
	if customerID != nil {
		_, err = s.Pool.Exec(ctx, `
			UPDATE metrics SET mode = $4, operation = $5, metric_type = $6, flush_interval = $7, initial_value = $8, adapters = $9
			WHERE business_id = $1 AND customer_id = $2 AND metric_name = $3`,
			businessID, *customerID, metricName, d.Mode, d.Operation, d.MetricType, d.FlushInterval, d.InitialValue, d.Adapters)
	} else {
		_, err = s.Pool.Exec(ctx, `
			UPDATE metrics SET mode = $3, operation = $4, metric_type = $5, flush_interval = $6, initial_value = $7, adapters = $8
			WHERE business_id = $1 AND customer_id IS NULL AND metric_name = $2`,
			businessID, metricName, d.Mode, d.Operation, d.MetricType, d.FlushInterval, d.InitialValue, d.Adapters)
	}
	if err != nil {
		return fmt.Errorf("updating metric definition: %w", err)
	}
	return nil
}

// ListMetricDefinitions lists every metric definition configured for a
// business, across both business and customer scope.
func (s *Store) ListMetricDefinitions(ctx context.Context, businessID string) ([]MetricDefinition, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT business_id, customer_id, metric_name, mode, operation, metric_type, flush_interval, initial_value, adapters
		FROM metrics WHERE business_id = $1`, businessID)
	if err != nil {
		return nil, fmt.Errorf("listing metric definitions: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[MetricDefinition])
}
