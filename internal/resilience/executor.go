// Package resilience bounds calls to external dependencies with a per-attempt
// timeout, retries with jittered backoff and an optional circuit breaker.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/metrics"
)

// Config configures an Executor.
type Config struct {
	// Name labels logs and the dependency_calls_total metric.
	Name           string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// CircuitBreaker opens after half of the last 10 calls failed and
	// stays open for 15s.
	CircuitBreaker bool
	// Retryable decides whether an error should be retried. Defaults to
	// DefaultRetryable.
	Retryable func(error) bool
}

func normalize(cfg Config) Config {
	if cfg.Name == "" {
		cfg.Name = "dependency"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Retryable == nil {
		cfg.Retryable = DefaultRetryable
	}
	return cfg
}

// DefaultRetryable retries anything that is not a caller or business error.
func DefaultRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindInsufficientCredits, apperr.KindNotFound,
		apperr.KindConflict, apperr.KindForbidden, apperr.KindAuditWriteFailed:
		return false
	}
	return true
}

type Executor struct {
	cfg      Config
	executor failsafe.Executor[any]
	breaker  circuitbreaker.CircuitBreaker[any]
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Executor {
	cfg = normalize(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	retryable := cfg.Retryable
	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return retryable(err)
		}).
		Build()

	e := &Executor{cfg: cfg, metrics: m, log: logger}
	if cfg.CircuitBreaker {
		e.breaker = circuitbreaker.NewBuilder[any]().
			WithFailureThresholdRatio(5, 10).
			WithDelay(15 * time.Second).
			WithSuccessThreshold(1).
			HandleIf(func(_ any, err error) bool {
				return retryable(err)
			}).
			OnStateChanged(func(ev circuitbreaker.StateChangedEvent) {
				logger.Warn("circuit breaker state change",
					"dependency", cfg.Name,
					"from_state", stateName(ev.OldState),
					"to_state", stateName(ev.NewState))
			}).
			Build()
		e.executor = failsafe.With[any](retry, e.breaker)
	} else {
		e.executor = failsafe.With[any](retry)
	}
	return e
}

// Run calls fn until it succeeds, returns a non-retryable error or retries
// are exhausted. Each attempt gets its own deadline. The returned error is an
// *apperr.Error: Timeout when the last attempt hit its deadline,
// DependencyUnavailable for other dependency failures, or fn's own *apperr.Error.
func (e *Executor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var attempts atomic.Int32
	var lastErr atomic.Value
	_, err := e.executor.WithContext(ctx).Get(func() (any, error) {
		attempts.Add(1)
		actx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		defer cancel()
		err := fn(actx)
		if err != nil {
			lastErr.Store(errBox{err})
		}
		return nil, err
	})
	if err == nil {
		e.metrics.DependencyCall(e.cfg.Name, "ok")
		return nil
	}

	cause := err
	if b, ok := lastErr.Load().(errBox); ok {
		cause = b.err
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		cause = err
	}
	if ctx.Err() != nil && !errors.Is(cause, context.DeadlineExceeded) {
		cause = ctx.Err()
	}
	out := apperr.Wrap(e.cfg.Name, cause)
	e.metrics.DependencyCall(e.cfg.Name, string(apperr.KindOf(out)))
	// Business errors pass through a wrapped store on every call.
	level := slog.LevelWarn
	if !e.cfg.Retryable(cause) && !errors.Is(err, circuitbreaker.ErrOpen) {
		level = slog.LevelDebug
	}
	e.log.Log(ctx, level, "dependency call failed",
		"dependency", e.cfg.Name,
		"attempts", attempts.Load(),
		"error", cause)
	return out
}

// Do is Run for calls that produce a value.
func Do[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Run(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type errBox struct{ err error }

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	}
	return "unknown"
}
