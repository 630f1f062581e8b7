package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Plan is a named bundle of limits within a Business (spec §3).
type Plan struct {
	ID            string
	BusinessID    string
	PlanName      string
	StripePriceID *string
	PlanStatus    string
	IsFreePlan    bool
}

func (s *Store) CreatePlan(ctx context.Context, id string, p Plan) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO plans (id, business_id, plan_name, stripe_price_id, plan_status, is_free_plan)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, p.BusinessID, p.PlanName, p.StripePriceID, p.PlanStatus, p.IsFreePlan)
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (Plan, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, plan_name, stripe_price_id, plan_status, is_free_plan
		FROM plans WHERE id = $1`, planID)
	if err != nil {
		return Plan{}, fmt.Errorf("querying plan: %w", err)
	}
	defer rows.Close()

	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[Plan])
	if err != nil {
		return Plan{}, fmt.Errorf("collecting plan row: %w", err)
	}
	return p, nil
}

// GetFreePlan returns the distinguished free_plan for a business (§3), used
// as the DowngradeToFree target (§4.6).
func (s *Store) GetFreePlan(ctx context.Context, businessID string) (Plan, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, plan_name, stripe_price_id, plan_status, is_free_plan
		FROM plans WHERE business_id = $1 AND is_free_plan = true`, businessID)
	if err != nil {
		return Plan{}, fmt.Errorf("querying free plan: %w", err)
	}
	defer rows.Close()

	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[Plan])
	if err != nil {
		return Plan{}, fmt.Errorf("collecting free plan row: %w", err)
	}
	return p, nil
}

// GetPlanByStripePrice resolves a plan by stripe_price_id for
// customer.subscription.created|updated handling (§4.12).
func (s *Store) GetPlanByStripePrice(ctx context.Context, businessID, stripePriceID string) (Plan, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, plan_name, stripe_price_id, plan_status, is_free_plan
		FROM plans WHERE business_id = $1 AND stripe_price_id = $2`, businessID, stripePriceID)
	if err != nil {
		return Plan{}, fmt.Errorf("querying plan by stripe price: %w", err)
	}
	defer rows.Close()

	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[Plan])
	if err != nil {
		return Plan{}, fmt.Errorf("collecting plan row: %w", err)
	}
	return p, nil
}
