// Package provisioning implements the ProvisioningQueue of spec §4.14: a
// worker pool claiming durable ProvisioningTask rows one at a time via
// SELECT ... FOR UPDATE SKIP LOCKED, dispatching by action, and retrying
// with exponential backoff up to max_attempts before dead-lettering.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/telemetry"
)

// pollInterval is how often an idle worker checks for a claimable task.
const pollInterval = 500 * time.Millisecond

// baseRetryDelay and maxRetryDelay bound the exponential backoff applied to
// next_retry_at on failure (§4.14: "next_retry_at = now + backoff(attempt_count)").
const (
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 10 * time.Minute
)

// ActionHandler executes one ProvisioningTask's action. A returned error is
// retried per the queue's backoff policy.
type ActionHandler func(ctx context.Context, task db.ProvisioningTask) error

// Queue is the ProvisioningQueue worker pool.
type Queue struct {
	db       *db.Store
	logger   *slog.Logger
	handlers map[string]ActionHandler
}

// New creates a Queue. Register action handlers with Handle before Start.
func New(dbStore *db.Store, logger *slog.Logger) *Queue {
	return &Queue{
		db:       dbStore,
		logger:   logger,
		handlers: make(map[string]ActionHandler),
	}
}

// Handle registers the handler invoked for tasks with the given action.
func (q *Queue) Handle(action string, handler ActionHandler) {
	q.handlers[action] = handler
}

// Start launches numWorkers goroutines claiming and processing tasks until
// ctx is done (§4.14: "exactly one worker processes a task at a time",
// enforced by the row store's SKIP LOCKED claim, not by this pool).
func (q *Queue) Start(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		go q.runWorker(ctx)
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for q.claimAndProcessOne(ctx) {
				// Drain every currently-due task before waiting on the
				// ticker again.
			}
		}
	}
}

// claimAndProcessOne claims and processes a single task, returning true if
// one was found (so the caller can immediately try for another).
func (q *Queue) claimAndProcessOne(ctx context.Context) bool {
	task, err := q.db.ClaimNextProvisioningTask(ctx, time.Now().UTC())
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			q.logger.Error("provisioning: claiming task", "error", err)
		}
		return false
	}

	q.process(ctx, task)
	return true
}

func (q *Queue) process(ctx context.Context, task db.ProvisioningTask) {
	handler, ok := q.handlers[task.Action]
	if !ok {
		q.fail(ctx, task, fmt.Errorf("no handler registered for action %q", task.Action))
		return
	}

	if err := handler(ctx, task); err != nil {
		q.fail(ctx, task, err)
		return
	}

	if err := q.db.MarkProvisioningTaskDone(ctx, task.ID); err != nil {
		q.logger.Error("provisioning: marking task done", "task", task.ID, "error", err)
		return
	}
	telemetry.ProvisioningTasksTotal.WithLabelValues(task.Action, "done").Inc()
}

func (q *Queue) fail(ctx context.Context, task db.ProvisioningTask, cause error) {
	attempt := task.AttemptCount + 1
	nextRetryAt := time.Now().UTC().Add(backoffDelay(attempt))

	if err := q.db.MarkProvisioningTaskRetry(ctx, task.ID, attempt, task.MaxAttempts, nextRetryAt, cause.Error()); err != nil {
		q.logger.Error("provisioning: recording task failure", "task", task.ID, "error", err)
		return
	}

	outcome := "retry"
	if attempt >= task.MaxAttempts {
		outcome = "dead_letter"
		q.logger.Warn("provisioning: task moved to dead letter", "task", task.ID, "action", task.Action, "attempts", attempt, "error", cause)
	}
	telemetry.ProvisioningTasksTotal.WithLabelValues(task.Action, outcome).Inc()
}

// backoffDelay computes base*2^(attempt-1), capped at maxRetryDelay.
func backoffDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		return maxRetryDelay
	}
	return time.Duration(delay)
}
