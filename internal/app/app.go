// Package app wires every collaborator TrackTags needs — row store, Redis,
// tick bus, actor hierarchy, HTTP server, and the background workers — and
// runs the process until ctx is cancelled.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/tracktags/tracktags/internal/audit"
	"github.com/tracktags/tracktags/internal/config"
	"github.com/tracktags/tracktags/internal/cryptobox"
	"github.com/tracktags/tracktags/internal/db"
	"github.com/tracktags/tracktags/internal/handlers"
	"github.com/tracktags/tracktags/internal/httpserver"
	"github.com/tracktags/tracktags/internal/platform"
	"github.com/tracktags/tracktags/internal/ratelimit"
	"github.com/tracktags/tracktags/internal/sweeper"
	"github.com/tracktags/tracktags/internal/telemetry"
	"github.com/tracktags/tracktags/pkg/application"
	"github.com/tracktags/tracktags/pkg/billingwebhook"
	"github.com/tracktags/tracktags/pkg/limitengine"
	"github.com/tracktags/tracktags/pkg/provisioning"
	"github.com/tracktags/tracktags/pkg/reconciliation"
	"github.com/tracktags/tracktags/pkg/stripeclient"
	"github.com/tracktags/tracktags/pkg/tickbus"
)

// keyIssuanceMaxAttempts and keyIssuanceWindow bound how many keys a single
// business may issue per window (§6); chosen generously since legitimate
// provisioning scripts batch-issue customer_api keys.
const (
	keyIssuanceMaxAttempts = 20
	keyIssuanceWindow      = 15 * time.Minute
)

// Run is the process entry point: it loads infrastructure, constructs the
// actor hierarchy, and starts the mode selected by cfg.Mode ("api" serves
// HTTP plus every background worker; "reconcile" runs one reconciliation
// pass and exits, per §6's CLI exit-code contract).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting tracktags", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	tracer, shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "tracktags")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	_ = tracer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	dbStore := db.New(pool)

	box, err := cryptobox.New(cfg.AdminSecret)
	if err != nil {
		return fmt.Errorf("initializing crypto box: %w", err)
	}

	outboundTimeout := time.Duration(cfg.OutboundTimeoutSeconds) * time.Second
	stripeClient := stripeclient.New(cfg.BillingProviderBaseURL, cfg.BillingProviderSecret, cfg.MockMode, outboundTimeout)

	bus := tickbus.New(logger)
	bus.Start(ctx)

	appActor := application.New(dbStore, box, stripeClient, bus, logger)
	appActor.Start(ctx)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, metricsReg, dbStore, appActor, stripeClient)
	case "worker":
		return runWorker(ctx, cfg, logger, dbStore, appActor, stripeClient)
	case "reconcile":
		return runReconcileOnce(ctx, logger, dbStore, appActor, stripeClient)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, dbStore *db.Store, appActor *application.Actor, stripeClient *stripeclient.Client) error {
	auditWriter := audit.NewWriter(dbStore, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	limitEngine := limitengine.New(appActor, logger)
	webhookHandler := billingwebhook.New(appActor, rdb, logger)
	keyLimiter := ratelimit.New(rdb, keyIssuanceMaxAttempts, keyIssuanceWindow)

	deps := handlers.Deps{
		App:        appActor,
		Limit:      limitEngine,
		Webhook:    webhookHandler,
		KeyLimiter: keyLimiter,
		Logger:     logger,
	}

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminSecret:        cfg.AdminSecret,
	}, logger, pool, rdb, metricsReg, appActor)

	srv.APIRouter.Mount("/businesses", handlers.NewBusinessesHandler(deps).Routes())
	srv.APIRouter.Mount("/keys", handlers.NewKeysHandler(deps).Routes())
	srv.APIRouter.Mount("/customers", customersRoutes(deps))
	srv.APIRouter.Mount("/metrics", handlers.NewMetricsHandler(deps).Routes())
	srv.APIRouter.Mount("/plan_limits", handlers.NewPlanLimitsHandler(deps).Routes())
	srv.APIRouter.Mount("/proxy", handlers.NewProxyHandler(deps).Routes())
	srv.APIRouter.Mount("/webhooks", handlers.NewWebhooksHandler(deps).Routes())
	srv.APIRouter.Mount("/ops", handlers.NewOpsHandler(deps).Routes())

	// Background workers run alongside the API process so a single-node
	// deployment (§1 Non-goals: no distributed consensus) doesn't need a
	// separate worker process to get flush/reconcile/sweep/provisioning.
	reconciler := reconciliation.New(appActor, stripeClient, logger, cfg.ReconciliationCron)
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("starting reconciliation worker: %w", err)
	}
	defer reconciler.Stop()

	sweep := sweeper.New(dbStore, appActor, logger)
	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	defer sweep.Stop()

	provisioner := provisioning.New(dbStore, logger)
	registerProvisioningHandlers(provisioner, appActor, logger)
	provisioner.Start(ctx, cfg.ProvisioningWorkers)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// customersRoutes mounts both the customer-creation endpoint and the nested
// per-customer key-issuance endpoint under the same /customers prefix
// (§6: "POST /api/v1/customers/{id}/keys").
func customersRoutes(deps handlers.Deps) http.Handler {
	customers := handlers.NewCustomersHandler(deps).Routes()
	customers.Mount("/{id}/keys", handlers.NewKeysHandler(deps).CustomerKeyRoutes())
	return customers
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, dbStore *db.Store, appActor *application.Actor, stripeClient *stripeclient.Client) error {
	logger.Info("worker started")

	reconciler := reconciliation.New(appActor, stripeClient, logger, cfg.ReconciliationCron)
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("starting reconciliation worker: %w", err)
	}
	defer reconciler.Stop()

	sweep := sweeper.New(dbStore, appActor, logger)
	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	defer sweep.Stop()

	provisioner := provisioning.New(dbStore, logger)
	registerProvisioningHandlers(provisioner, appActor, logger)
	provisioner.Start(ctx, cfg.ProvisioningWorkers)

	<-ctx.Done()
	return nil
}

// runReconcileOnce drives the CLI-invoked reconciliation path (§6 exit
// codes: 0 success, non-zero on any unrecovered error).
func runReconcileOnce(ctx context.Context, logger *slog.Logger, dbStore *db.Store, appActor *application.Actor, stripeClient *stripeclient.Client) error {
	worker := reconciliation.New(appActor, stripeClient, logger, "")
	record, err := worker.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation run failed: %w", err)
	}
	logger.Info("reconciliation complete",
		"businesses", record.TotalBusinesses,
		"mismatches_found", record.MismatchesFound,
		"mismatches_fixed", record.MismatchesFixed,
		"errors", record.Errors,
	)
	return nil
}

// registerProvisioningHandlers wires the ProvisioningQueue's action
// dispatch table (§4.14). The only action registered is
// deactivate_integration_key; a task with any other action fails with "no
// handler registered".
func registerProvisioningHandlers(q *provisioning.Queue, appActor *application.Actor, logger *slog.Logger) {
	q.Handle("deactivate_integration_key", func(ctx context.Context, task db.ProvisioningTask) error {
		business, err := appActor.Business(ctx, task.BusinessID)
		if err != nil {
			return fmt.Errorf("resolving business for deactivation task: %w", err)
		}
		var payload struct {
			KeyID   string `json:"key_id"`
			KeyHash string `json:"key_hash"`
		}
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("decoding deactivation task payload: %w", err)
		}
		return business.RevokeKey(ctx, payload.KeyID, payload.KeyHash)
	})
}
