package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/verdictmarket/backend/internal/app"
	"github.com/verdictmarket/backend/internal/auth"
	"github.com/verdictmarket/backend/internal/config"
	"github.com/verdictmarket/backend/internal/handlers"
	"github.com/verdictmarket/backend/internal/jobs"
	"github.com/verdictmarket/backend/internal/router"
	"github.com/verdictmarket/backend/internal/validation"
)

func main() {
	config.LoadEnv(slog.Default())
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		slog.Error("Startup failed. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(a.Pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Jobs: the enqueuer is attached after the River client exists, since
	// the client needs the workers and the workers need the services.
	enqueuer := jobs.NewEnqueuer()
	workers := river.NewWorkers()
	jobs.Register(workers, a.Routing, a.Engine, logger)

	riverClient, err := river.NewClient(riverpgxv5.New(a.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: jobs.PeriodicJobs(jobs.Schedule{
			ReconcileInterval:    cfg.ReconcileInterval,
			ReconcileHoursBack:   cfg.ReconcileHoursBack,
			ReconcileAutoFix:     cfg.ReconcileAutoFix,
			RoutingSweepInterval: cfg.RoutingSweepInterval,
			RoutingSweepLimit:    cfg.RoutingSweepLimit,
		}),
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	enqueuer.Attach(riverClient)

	// Auth
	authSvc, err := auth.NewService(auth.NewRepository(a.Pool), cfg.JWTSecret)
	if err != nil {
		slog.Error("Failed to create auth service", "error", err)
		os.Exit(1)
	}
	authHandler := auth.NewHandler(authSvc, logger)

	validator, err := validation.New()
	if err != nil {
		slog.Error("Failed to compile request schemas", "error", err)
		os.Exit(1)
	}

	if cfg.StripeWebhookSecret == "" {
		slog.Warn("STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be refused")
	}

	apiHandler := router.New(router.Deps{
		Auth:      authHandler,
		Tokens:    authSvc,
		Validator: validator,
		Credits: &handlers.CreditsHandler{
			Ledger: a.Ledger,
			Audit:  a.Audit,
			Logger: logger,
		},
		Requests: &handlers.RequestsHandler{
			Router:   a.Routing,
			Charger:  a.Ledger,
			Enqueuer: enqueuer,
			Logger:   logger,
		},
		Reconciliation: &handlers.ReconciliationHandler{Engine: a.Engine, Logger: logger},
		Webhook: &handlers.StripeWebhookHandler{
			Settler: a.Ledger,
			Secret:  cfg.StripeWebhookSecret,
			Logger:  logger,
		},
		Metrics: a.Metrics,
		Ping:    a.Pool.Ping,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(apiHandler)

	// Start River client (processes jobs)
	riverCtx, stopRiver := context.WithCancel(context.Background())
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River stop failed", "error", err)
	}
}
