// Package reconciliation implements the ReconciliationWorker of spec §4.13:
// a daily pass comparing each Stripe-linked Business's local plan
// assignments against the billing provider's active subscriptions, fixing
// mismatches through the live CustomerActor hierarchy.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"

	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/telemetry"
	"github.com/tracktags/tracktags/pkg/application"
	"github.com/tracktags/tracktags/pkg/businessactor"
	"github.com/tracktags/tracktags/pkg/stripeclient"
)

// defaultSchedule runs the pass at 2 AM UTC (§4.13 default) when the caller
// doesn't override it via TRACKTAGS_RECONCILIATION_CRON.
const defaultSchedule = "0 2 * * *"

// Worker is the ReconciliationWorker.
type Worker struct {
	app          *application.Actor
	stripeClient *stripeclient.Client
	logger       *slog.Logger
	cron         *cron.Cron
	schedule     string
}

// New creates a Worker. Call Start to begin the daily schedule. schedule is a
// 5-field cron expression; pass "" to use the §4.13 default.
func New(app *application.Actor, stripeClient *stripeclient.Client, logger *slog.Logger, schedule string) *Worker {
	if schedule == "" {
		schedule = defaultSchedule
	}
	return &Worker{
		app:          app,
		stripeClient: stripeClient,
		logger:       logger,
		cron:         cron.New(cron.WithLocation(time.UTC)),
		schedule:     schedule,
	}
}

// Start schedules the daily pass. It does not block.
func (w *Worker) Start(ctx context.Context) error {
	_, err := w.cron.AddFunc(w.schedule, func() {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("reconciliation: scheduled pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling reconciliation pass: %w", err)
	}
	w.cron.Start()
	return nil
}

// Stop ends the schedule, waiting for any in-flight pass to finish.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
}

// RunOnce executes one reconciliation pass immediately, used by both the
// schedule and the CLI-invoked reconciliation command (§6: "Exit codes for
// CLI-invoked reconciliation").
func (w *Worker) RunOnce(ctx context.Context) (db.ReconciliationRecord, error) {
	runAt := time.Now().UTC()
	record := db.ReconciliationRecord{
		ID:    uuid.New().String(),
		RunAt: runAt,
		Type:  "subscription_reconciliation",
	}

	businesses, err := w.app.DB().ListBusinessesWithStripe(ctx)
	if err != nil {
		return record, fmt.Errorf("listing businesses with stripe integration: %w", err)
	}
	record.TotalBusinesses = len(businesses)

	for _, b := range businesses {
		if err := w.reconcileBusiness(ctx, b, &record); err != nil {
			record.Errors = append(record.Errors, fmt.Sprintf("%s: %v", b.BusinessID, err))
			continue
		}
	}

	telemetry.ReconciliationRunsTotal.Inc()
	telemetry.ReconciliationMismatchesTotal.WithLabelValues("found").Add(float64(record.MismatchesFound))
	telemetry.ReconciliationMismatchesTotal.WithLabelValues("fixed").Add(float64(record.MismatchesFixed))

	if err := w.app.DB().InsertReconciliationRecord(ctx, record.ID, record); err != nil {
		return record, fmt.Errorf("persisting reconciliation record: %w", err)
	}
	return record, nil
}

func (w *Worker) reconcileBusiness(ctx context.Context, b db.Business, record *db.ReconciliationRecord) error {
	customers, err := w.app.DB().ListCustomersByBusiness(ctx, b.BusinessID)
	if err != nil {
		return fmt.Errorf("listing customers: %w", err)
	}

	business, err := w.app.Business(ctx, b.BusinessID)
	if err != nil {
		return fmt.Errorf("resolving business actor: %w", err)
	}

	for _, c := range customers {
		if c.StripeCustomerID == nil {
			continue
		}

		subs, err := w.stripeClient.ListActiveSubscriptions(ctx, *c.StripeCustomerID)
		if err != nil {
			w.logger.Error("reconciliation: listing subscriptions", "business", b.BusinessID, "customer", c.CustomerID, "error", err)
			continue
		}

		activePriceID := ""
		if len(subs) > 0 {
			activePriceID = subs[0].PriceID
		}

		localPriceID := ""
		if c.StripePriceID != nil {
			localPriceID = *c.StripePriceID
		}

		if activePriceID == localPriceID {
			continue
		}

		record.MismatchesFound++
		if err := w.fixMismatch(ctx, business, b.BusinessID, c, activePriceID); err != nil {
			w.logger.Error("reconciliation: fixing mismatch", "business", b.BusinessID, "customer", c.CustomerID, "error", err)
			continue
		}
		record.MismatchesFixed++
	}
	return nil
}

// fixMismatch enqueues the corrective update through CustomerActor rather
// than writing the row store directly (§4.13: "enqueue corrective Customer
// updates through CustomerActor").
func (w *Worker) fixMismatch(ctx context.Context, business *businessactor.Actor, businessID string, c db.Customer, activePriceID string) error {
	customer, ok := business.LookupCustomer(c.CustomerID)
	if !ok {
		var err error
		customer, err = business.Customer(ctx, c.CustomerID, nil)
		if err != nil {
			return fmt.Errorf("resolving customer actor: %w", err)
		}
	}

	if activePriceID == "" {
		return customer.DowngradeToFree(ctx)
	}

	plan, err := w.app.DB().GetPlanByStripePrice(ctx, businessID, activePriceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("no local plan matches stripe price %s", activePriceID)
		}
		return fmt.Errorf("resolving plan by stripe price: %w", err)
	}
	return customer.UpdatePlan(ctx, &plan.ID)
}
