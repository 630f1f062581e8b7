package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Business is a tenant root (spec §3).
type Business struct {
	BusinessID         string
	BusinessName       string
	Email              string
	StripeCustomerID   *string
	SubscriptionStatus string
	PlanType           string
	CreatedAt          time.Time
	DeletedAt          *time.Time
	PurgeAfter         *time.Time
}

func (s *Store) CreateBusiness(ctx context.Context, b Business) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO businesses (business_id, business_name, email, stripe_customer_id, subscription_status, plan_type)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.BusinessID, b.BusinessName, b.Email, b.StripeCustomerID, b.SubscriptionStatus, b.PlanType)
	if err != nil {
		return fmt.Errorf("inserting business: %w", err)
	}
	return nil
}

func (s *Store) GetBusiness(ctx context.Context, businessID string) (Business, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT business_id, business_name, email, stripe_customer_id, subscription_status, plan_type, created_at, deleted_at, purge_after
		FROM businesses WHERE business_id = $1`, businessID)
	if err != nil {
		return Business{}, fmt.Errorf("querying business: %w", err)
	}
	defer rows.Close()

	b, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[Business])
	if err != nil {
		return Business{}, fmt.Errorf("collecting business row: %w", err)
	}
	return b, nil
}

// ListBusinessesWithStripe returns every non-deleted business with a Stripe
// customer linked, for the daily reconciliation pass (§4.13).
func (s *Store) ListBusinessesWithStripe(ctx context.Context) ([]Business, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT business_id, business_name, email, stripe_customer_id, subscription_status, plan_type, created_at, deleted_at, purge_after
		FROM businesses
		WHERE deleted_at IS NULL AND stripe_customer_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing businesses: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[Business])
}

// SoftDeleteBusiness tombstones a business with a 30-day grace period (§3 Lifecycle).
func (s *Store) SoftDeleteBusiness(ctx context.Context, businessID string, now time.Time) error {
	purgeAfter := now.AddDate(0, 0, 30)
	_, err := s.Pool.Exec(ctx, `
		UPDATE businesses SET deleted_at = $2, purge_after = $3 WHERE business_id = $1`,
		businessID, now, purgeAfter)
	if err != nil {
		return fmt.Errorf("soft-deleting business: %w", err)
	}
	return nil
}

// ListExpiredBusinesses returns soft-deleted businesses past their purge date,
// consumed by internal/sweeper.
func (s *Store) ListExpiredBusinesses(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT business_id FROM businesses WHERE deleted_at IS NOT NULL AND purge_after <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired businesses: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning expired business id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PurgeBusiness(ctx context.Context, businessID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM businesses WHERE business_id = $1`, businessID)
	if err != nil {
		return fmt.Errorf("purging business: %w", err)
	}
	return nil
}
