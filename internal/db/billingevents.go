package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// BillingEvent is an inbound webhook envelope (spec §3, state machine §4.12).
type BillingEvent struct {
	EventID      string
	EventType    string
	RawPayload   []byte
	Status       string
	RetryCount   int
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InsertPendingBillingEvent persists the envelope with status=pending on
// ingress. A unique index on event_id makes this the dedupe point: a
// conflict means the event was already seen.
func (s *Store) InsertPendingBillingEvent(ctx context.Context, e BillingEvent) (inserted bool, err error) {
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO billing_events (event_id, event_type, raw_payload, status, retry_count)
		VALUES ($1, $2, $3, 'pending', 0)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.EventType, e.RawPayload)
	if err != nil {
		return false, fmt.Errorf("inserting billing event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetBillingEvent(ctx context.Context, eventID string) (BillingEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT event_id, event_type, raw_payload, status, retry_count, error_message, created_at, updated_at
		FROM billing_events WHERE event_id = $1`, eventID)
	if err != nil {
		return BillingEvent{}, fmt.Errorf("querying billing event: %w", err)
	}
	defer rows.Close()

	e, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[BillingEvent])
	if err != nil {
		return BillingEvent{}, fmt.Errorf("collecting billing event row: %w", err)
	}
	return e, nil
}

func (s *Store) MarkBillingEventProcessing(ctx context.Context, eventID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE billing_events SET status = 'processing', updated_at = now() WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("marking billing event processing: %w", err)
	}
	return nil
}

// MarkBillingEventCompleted performs the terminal transition. The invariant
// "at most one transition to completed ever occurs" (§3) is enforced by the
// state machine in pkg/billingwebhook checking current status before calling
// this, not by this statement alone.
func (s *Store) MarkBillingEventCompleted(ctx context.Context, eventID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE billing_events SET status = 'completed', updated_at = now() WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("marking billing event completed: %w", err)
	}
	return nil
}

// MarkBillingEventFailed records a failed attempt. terminal controls whether
// the event is terminal (status=failed) per the max_attempts policy (§4.12)
// or may be attempted again (status stays/returns to pending).
func (s *Store) MarkBillingEventFailed(ctx context.Context, eventID string, retryCount int, errMsg string, terminal bool) error {
	status := "pending"
	if terminal {
		status = "failed"
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE billing_events SET status = $2, retry_count = $3, error_message = $4, updated_at = now() WHERE event_id = $1`,
		eventID, status, retryCount, errMsg)
	if err != nil {
		return fmt.Errorf("marking billing event failed: %w", err)
	}
	return nil
}

// ListBillingEventsByStatus backs the ops endpoint added in SPEC_FULL.md
// (GET /api/v1/ops/billing_events?status=failed).
func (s *Store) ListBillingEventsByStatus(ctx context.Context, status string, limit int) ([]BillingEvent, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT event_id, event_type, raw_payload, status, retry_count, error_message, created_at, updated_at
		FROM billing_events WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing billing events: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[BillingEvent])
}
