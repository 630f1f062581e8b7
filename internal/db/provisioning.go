package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProvisioningTask is a durable job row (spec §3).
type ProvisioningTask struct {
	ID             string
	BusinessID     string
	CustomerID     *string
	Action         string
	Provider       string
	Payload        []byte // JSON
	Status         string
	AttemptCount   int
	MaxAttempts    int
	NextRetryAt    time.Time
	IdempotencyKey string
	LastError      *string
	CreatedAt      time.Time
}

// InsertProvisioningTask enforces idempotency via a unique index on
// idempotency_key (§4.14); a conflict is treated as a no-op enqueue.
func (s *Store) InsertProvisioningTask(ctx context.Context, id string, t ProvisioningTask) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO provisioning_queue (id, business_id, customer_id, action, provider, payload, status, attempt_count, max_attempts, next_retry_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, now(), $8)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		id, t.BusinessID, t.CustomerID, t.Action, t.Provider, t.Payload, t.MaxAttempts, t.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("inserting provisioning task: %w", err)
	}
	return nil
}

// ClaimNextProvisioningTask selects and locks one pending, due task for
// exclusive processing by one worker (§4.14: "exactly one worker processes a
// task at a time"), using SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers never contend on the same row.
func (s *Store) ClaimNextProvisioningTask(ctx context.Context, now time.Time) (ProvisioningTask, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return ProvisioningTask{}, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, business_id, customer_id, action, provider, payload, status, attempt_count, max_attempts, next_retry_at, idempotency_key, last_error, created_at
		FROM provisioning_queue
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return ProvisioningTask{}, fmt.Errorf("querying claimable task: %w", err)
	}
	task, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[ProvisioningTask])
	rows.Close()
	if err != nil {
		return ProvisioningTask{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE provisioning_queue SET status = 'in_progress' WHERE id = $1`, task.ID); err != nil {
		return ProvisioningTask{}, fmt.Errorf("marking task in_progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ProvisioningTask{}, fmt.Errorf("committing claim: %w", err)
	}

	task.Status = "in_progress"
	return task, nil
}

func (s *Store) MarkProvisioningTaskDone(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE provisioning_queue SET status = 'done' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking task done: %w", err)
	}
	return nil
}

// MarkProvisioningTaskRetry moves the task back to pending with a backoff
// delay, or to dead_letter once attemptCount reaches maxAttempts (§4.14).
func (s *Store) MarkProvisioningTaskRetry(ctx context.Context, id string, attemptCount, maxAttempts int, nextRetryAt time.Time, lastError string) error {
	status := "pending"
	if attemptCount >= maxAttempts {
		status = "dead_letter"
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE provisioning_queue
		SET status = $2, attempt_count = $3, next_retry_at = $4, last_error = $5
		WHERE id = $1`,
		id, status, attemptCount, nextRetryAt, lastError)
	if err != nil {
		return fmt.Errorf("marking task retry: %w", err)
	}
	return nil
}

func (s *Store) GetProvisioningTask(ctx context.Context, id string) (ProvisioningTask, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, customer_id, action, provider, payload, status, attempt_count, max_attempts, next_retry_at, idempotency_key, last_error, created_at
		FROM provisioning_queue WHERE id = $1`, id)
	if err != nil {
		return ProvisioningTask{}, fmt.Errorf("querying provisioning task: %w", err)
	}
	defer rows.Close()

	t, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[ProvisioningTask])
	if err != nil {
		return ProvisioningTask{}, fmt.Errorf("collecting provisioning task row: %w", err)
	}
	return t, nil
}

// ListProvisioningTasksByStatus backs the ops visibility endpoints added in
// SPEC_FULL.md.
func (s *Store) ListProvisioningTasksByStatus(ctx context.Context, status string, limit int) ([]ProvisioningTask, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, business_id, customer_id, action, provider, payload, status, attempt_count, max_attempts, next_retry_at, idempotency_key, last_error, created_at
		FROM provisioning_queue WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("listing provisioning tasks: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[ProvisioningTask])
}
