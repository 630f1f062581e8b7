package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Customer is an end-user of a Business (spec §3).
type Customer struct {
	ID                   string
	BusinessID           string
	CustomerID           string
	PlanID               *string
	StripePriceID        *string
	StripeCustomerID     *string
	StripeSubscriptionID *string
	SubscriptionEndsAt   *time.Time
	UserID               *string
	CreatedAt            time.Time
	DeletedAt            *time.Time
	PurgeAfter           *time.Time
}

func (s *Store) CreateCustomer(ctx context.Context, id string, c Customer) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO customers (id, business_id, customer_id, plan_id, user_id)
		VALUES ($1, $2, $3, $4, $5)`,
		id, c.BusinessID, c.CustomerID, c.PlanID, c.UserID)
	if err != nil {
		return fmt.Errorf("inserting customer: %w", err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, businessID, customerID string) (Customer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, customer_id, plan_id, stripe_price_id, stripe_customer_id,
		       stripe_subscription_id, subscription_ends_at, user_id, created_at, deleted_at, purge_after
		FROM customers WHERE business_id = $1 AND customer_id = $2`, businessID, customerID)
	if err != nil {
		return Customer{}, fmt.Errorf("querying customer: %w", err)
	}
	defer rows.Close()

	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[Customer])
	if err != nil {
		return Customer{}, fmt.Errorf("collecting customer row: %w", err)
	}
	return c, nil
}

// GetCustomerByStripeSubscription is used by the billing webhook handler to
// resolve the customer addressed by an inbound event.
func (s *Store) GetCustomerByStripeSubscription(ctx context.Context, stripeSubscriptionID string) (Customer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, customer_id, plan_id, stripe_price_id, stripe_customer_id,
		       stripe_subscription_id, subscription_ends_at, user_id, created_at, deleted_at, purge_after
		FROM customers WHERE stripe_subscription_id = $1`, stripeSubscriptionID)
	if err != nil {
		return Customer{}, fmt.Errorf("querying customer by subscription: %w", err)
	}
	defer rows.Close()

	c, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[Customer])
	if err != nil {
		return Customer{}, fmt.Errorf("collecting customer row: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateCustomerPlan(ctx context.Context, businessID, customerID string, planID *string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE customers SET plan_id = $3 WHERE business_id = $1 AND customer_id = $2`,
		businessID, customerID, planID)
	if err != nil {
		return fmt.Errorf("updating customer plan: %w", err)
	}
	return nil
}

// LinkStripeSubscription links a subscription on customer.subscription.created|updated (§4.12).
func (s *Store) LinkStripeSubscription(ctx context.Context, businessID, customerID string, priceID, subscriptionID, stripeCustomerID string, endsAt *time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE customers
		SET stripe_price_id = $3, stripe_subscription_id = $4, stripe_customer_id = $5, subscription_ends_at = $6
		WHERE business_id = $1 AND customer_id = $2`,
		businessID, customerID, priceID, subscriptionID, stripeCustomerID, endsAt)
	if err != nil {
		return fmt.Errorf("linking stripe subscription: %w", err)
	}
	return nil
}

// ClearStripeSubscription clears subscription fields on cancellation/past_due (§4.12).
func (s *Store) ClearStripeSubscription(ctx context.Context, businessID, customerID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE customers
		SET stripe_price_id = NULL, stripe_subscription_id = NULL, subscription_ends_at = NULL
		WHERE business_id = $1 AND customer_id = $2`,
		businessID, customerID)
	if err != nil {
		return fmt.Errorf("clearing stripe subscription: %w", err)
	}
	return nil
}

func (s *Store) SoftDeleteCustomer(ctx context.Context, businessID, customerID string, now time.Time) error {
	purgeAfter := now.AddDate(0, 0, 30)
	_, err := s.Pool.Exec(ctx, `
		UPDATE customers SET deleted_at = $3, purge_after = $4 WHERE business_id = $1 AND customer_id = $2`,
		businessID, customerID, now, purgeAfter)
	if err != nil {
		return fmt.Errorf("soft-deleting customer: %w", err)
	}
	return nil
}

func (s *Store) ListExpiredCustomers(ctx context.Context, now time.Time) ([]Customer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, customer_id, plan_id, stripe_price_id, stripe_customer_id,
		       stripe_subscription_id, subscription_ends_at, user_id, created_at, deleted_at, purge_after
		FROM customers WHERE deleted_at IS NOT NULL AND purge_after <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired customers: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[Customer])
}

func (s *Store) PurgeCustomer(ctx context.Context, businessID, customerID string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM customers WHERE business_id = $1 AND customer_id = $2`, businessID, customerID)
	if err != nil {
		return fmt.Errorf("purging customer: %w", err)
	}
	return nil
}

// ListCustomersByBusiness is used by the ReconciliationWorker to compare
// local plan assignment against the provider's subscription list.
func (s *Store) ListCustomersByBusiness(ctx context.Context, businessID string) ([]Customer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, customer_id, plan_id, stripe_price_id, stripe_customer_id,
		       stripe_subscription_id, subscription_ends_at, user_id, created_at, deleted_at, purge_after
		FROM customers WHERE business_id = $1 AND deleted_at IS NULL`, businessID)
	if err != nil {
		return nil, fmt.Errorf("listing customers: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[Customer])
}
