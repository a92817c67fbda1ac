// Package app assembles the ledger, routing and reconciliation services
// from configuration. Both the API server and verdictctl build on it.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/verdictmarket/backend/internal/audit"
	"github.com/verdictmarket/backend/internal/config"
	"github.com/verdictmarket/backend/internal/database"
	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/ledger"
	"github.com/verdictmarket/backend/internal/metrics"
	"github.com/verdictmarket/backend/internal/notify"
	"github.com/verdictmarket/backend/internal/reconcile"
	"github.com/verdictmarket/backend/internal/resilience"
	"github.com/verdictmarket/backend/internal/routing"
)

type App struct {
	Pool     *pgxpool.Pool
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Audit    *audit.Repository
	Keys     *idempotency.Repository
	Ledger   *ledger.Service
	Routing  *routing.Service
	Engine   *reconcile.Engine

	redis *goredis.Client
}

// Build connects to Postgres, applies the schema and wires the services.
// Redis and Stripe are optional; without them notifications are dropped and
// reconciliation runs against internal records only.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	a := &App{Pool: pool, Metrics: metrics.New(), Notifier: notify.Noop{}}

	if cfg.RedisURL != "" {
		client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, notifications disabled", "error", err)
		} else {
			a.redis = client
			exec := resilience.New(resilience.Config{
				Name:           "redis",
				MaxRetries:     1,
				AttemptTimeout: 2 * time.Second,
			}, a.Metrics, logger)
			a.Notifier = notify.NewRedisPublisher(client, exec, logger)
		}
	}

	a.Audit = audit.NewRepository(pool)
	a.Keys = idempotency.NewRepository(pool)
	ledgerStore := ledger.NewPGStore(pool, cfg.StoreTimeout).WithRetry(resilience.New(resilience.Config{
		Name:           "postgres",
		MaxRetries:     cfg.StoreMaxRetries,
		AttemptTimeout: cfg.StoreTimeout,
		Retryable:      database.Retryable,
	}, a.Metrics, logger))
	a.Ledger = ledger.NewService(ledgerStore, a.Audit, a.Notifier, a.Metrics, ledger.Config{
		MaxSingleAdjustment: cfg.MaxSingleAdjustment,
		MinReasonLength:     cfg.MinAdjustReasonLen,
	}, logger)

	a.Routing = routing.NewService(routing.NewPGStore(pool, cfg.StoreTimeout), a.Notifier, a.Metrics, routing.Config{
		MixedExpertShare: cfg.MixedExpertShare,
	}, logger)

	var provider reconcile.Provider
	if cfg.StripeSecretKey != "" {
		exec := resilience.New(resilience.Config{
			Name:           "stripe",
			MaxRetries:     cfg.ProviderMaxRetries,
			AttemptTimeout: cfg.ProviderTimeout,
			CircuitBreaker: true,
		}, a.Metrics, logger)
		sp, err := reconcile.NewStripeProvider(cfg.StripeSecretKey, exec, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		provider = sp
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, reconciliation will be partial")
	}
	a.Engine = reconcile.NewEngine(ledgerStore, provider, a.Ledger, a.Notifier, a.Metrics, logger)

	return a, nil
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
