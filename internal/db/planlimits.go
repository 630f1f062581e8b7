package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PlanLimit is a cap for one metric, scoped to exactly one of PlanID (plan
// scope), BusinessID (business-default scope), or CustomerID (per-customer
// override scope) — see spec §3 and the precedence invariant in §3 Invariants.
type PlanLimit struct {
	ID             string
	PlanID         *string
	BusinessID     *string
	CustomerID     *string
	MetricName     string
	LimitValue     float64
	BreachOperator string
	BreachAction   string
	WebhookURLs    []string
	MetricType     string
}

func (s *Store) CreatePlanLimit(ctx context.Context, id string, pl PlanLimit) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO plan_limits (id, plan_id, business_id, customer_id, metric_name, limit_value, breach_operator, breach_action, webhook_urls, metric_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, pl.PlanID, pl.BusinessID, pl.CustomerID, pl.MetricName, pl.LimitValue,
		pl.BreachOperator, pl.BreachAction, pl.WebhookURLs, pl.MetricType)
	if err != nil {
		return fmt.Errorf("inserting plan limit: %w", err)
	}
	return nil
}

// CustomerOverride returns the customer-scoped limit for a metric, if any.
func (s *Store) CustomerOverride(ctx context.Context, customerRowID, metricName string) (PlanLimit, error) {
	return s.queryOne(ctx, `
		SELECT id, plan_id, business_id, customer_id, metric_name, limit_value, breach_operator, breach_action, webhook_urls, metric_type
		FROM plan_limits WHERE customer_id = $1 AND metric_name = $2`, customerRowID, metricName)
}

// PlanLimitFor returns the plan-scoped limit for a metric, if any.
func (s *Store) PlanLimitFor(ctx context.Context, planID, metricName string) (PlanLimit, error) {
	return s.queryOne(ctx, `
		SELECT id, plan_id, business_id, customer_id, metric_name, limit_value, breach_operator, breach_action, webhook_urls, metric_type
		FROM plan_limits WHERE plan_id = $1 AND metric_name = $2`, planID, metricName)
}

// BusinessDefault returns the business-default limit for a metric, if any.
func (s *Store) BusinessDefault(ctx context.Context, businessID, metricName string) (PlanLimit, error) {
	return s.queryOne(ctx, `
		SELECT id, plan_id, business_id, customer_id, metric_name, limit_value, breach_operator, breach_action, webhook_urls, metric_type
		FROM plan_limits WHERE business_id = $1 AND plan_id IS NULL AND customer_id IS NULL AND metric_name = $2`, businessID, metricName)
}

func (s *Store) queryOne(ctx context.Context, sql string, args ...any) (PlanLimit, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return PlanLimit{}, fmt.Errorf("querying plan limit: %w", err)
	}
	defer rows.Close()

	pl, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[PlanLimit])
	if err != nil {
		return PlanLimit{}, fmt.Errorf("collecting plan limit row: %w", err)
	}
	return pl, nil
}

// ListPlanLimitsForPlan returns every metric limit attached to a plan, used
// by CustomerActor.RefreshPlan (§4.6) to rebuild the effective-limit cache.
func (s *Store) ListPlanLimitsForPlan(ctx context.Context, planID string) ([]PlanLimit, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, plan_id, business_id, customer_id, metric_name, limit_value, breach_operator, breach_action, webhook_urls, metric_type
		FROM plan_limits WHERE plan_id = $1`, planID)
	if err != nil {
		return nil, fmt.Errorf("listing plan limits: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[PlanLimit])
}

func (s *Store) ListBusinessDefaults(ctx context.Context, businessID string) ([]PlanLimit, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, plan_id, business_id, customer_id, metric_name, limit_value, breach_operator, breach_action, webhook_urls, metric_type
		FROM plan_limits WHERE business_id = $1 AND plan_id IS NULL AND customer_id IS NULL`, businessID)
	if err != nil {
		return nil, fmt.Errorf("listing business default limits: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[PlanLimit])
}

func (s *Store) ListCustomerOverrides(ctx context.Context, customerRowID string) ([]PlanLimit, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, plan_id, business_id, customer_id, metric_name, limit_value, breach_operator, breach_action, webhook_urls, metric_type
		FROM plan_limits WHERE customer_id = $1`, customerRowID)
	if err != nil {
		return nil, fmt.Errorf("listing customer override limits: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[PlanLimit])
}
