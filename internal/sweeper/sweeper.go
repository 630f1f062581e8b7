// Package sweeper implements the nightly soft-delete sweep mentioned in
// spec §3 Lifecycle: tombstoned Business and Customer rows whose grace
// period has expired are permanently removed.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/pkg/application"
)

// schedule runs the sweep at 3 AM UTC, after the 2 AM reconciliation pass.
const schedule = "0 3 * * *"

// Sweeper is the nightly soft-delete sweep task.
type Sweeper struct {
	db     *db.Store
	app    *application.Actor
	logger *slog.Logger
	cron   *cron.Cron
}

// New creates a Sweeper. Call Start to begin the nightly schedule. app tears
// down a business/customer's live actor tree (draining staged batch rows)
// before its row is permanently deleted (§4.5 Shutdown).
func New(dbStore *db.Store, app *application.Actor, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		db:     dbStore,
		app:    app,
		logger: logger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start schedules the nightly sweep. It does not block.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweeper: pass failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop ends the schedule, waiting for any in-flight pass to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes one sweep pass immediately.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	businessIDs, err := s.db.ListExpiredBusinesses(ctx, now)
	if err != nil {
		return fmt.Errorf("listing expired businesses: %w", err)
	}
	for _, businessID := range businessIDs {
		if err := s.app.PurgeBusiness(ctx, businessID); err != nil {
			s.logger.Error("sweeper: tearing down business actor", "business", businessID, "error", err)
		}
		if err := s.db.PurgeBusiness(ctx, businessID); err != nil {
			s.logger.Error("sweeper: purging business", "business", businessID, "error", err)
			continue
		}
		s.logger.Info("sweeper: purged business", "business", businessID)
	}

	customers, err := s.db.ListExpiredCustomers(ctx, now)
	if err != nil {
		return fmt.Errorf("listing expired customers: %w", err)
	}
	for _, c := range customers {
		if err := s.app.PurgeCustomer(ctx, c.BusinessID, c.CustomerID); err != nil {
			s.logger.Error("sweeper: tearing down customer actor", "business", c.BusinessID, "customer", c.CustomerID, "error", err)
		}
		if err := s.db.PurgeCustomer(ctx, c.BusinessID, c.CustomerID); err != nil {
			s.logger.Error("sweeper: purging customer", "business", c.BusinessID, "customer", c.CustomerID, "error", err)
			continue
		}
		s.logger.Info("sweeper: purged customer", "business", c.BusinessID, "customer", c.CustomerID)
	}

	s.logger.Info("sweeper: pass complete", "businesses_purged", len(businessIDs), "customers_purged", len(customers))
	return nil
}
