package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/database"
)

func fastConfig(retries int) Config {
	return Config{
		Name:           "test",
		MaxRetries:     retries,
		BaseDelay:      time.Millisecond,
		MaxDelay:       time.Millisecond,
		AttemptTimeout: 50 * time.Millisecond,
	}
}

func TestRunRetriesUpToConfiguredLimit(t *testing.T) {
	e := New(fastConfig(2), nil, nil)

	var attempts int32
	err := e.Run(context.Background(), func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("dns lag")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts (1 + 2 retries), got %d", got)
	}
}

func TestRunExhaustedReturnsDependencyUnavailable(t *testing.T) {
	e := New(fastConfig(1), nil, nil)

	var attempts int32
	err := e.Run(context.Background(), func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("connection refused")
	})
	if !errors.Is(err, apperr.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestRunAttemptTimeoutIsTimeout(t *testing.T) {
	e := New(fastConfig(0), nil, nil)

	err := e.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestRunDoesNotRetryBusinessErrors(t *testing.T) {
	e := New(fastConfig(3), nil, nil)

	var attempts int32
	err := e.Run(context.Background(), func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return apperr.Validation("op", "bad input")
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error to pass through, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("validation errors must not be retried, got %d attempts", got)
	}
}

func TestDoReturnsValue(t *testing.T) {
	e := New(fastConfig(0), nil, nil)
	v, err := Do(context.Background(), e, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Fatalf("Do: got (%d, %v)", v, err)
	}
}

func TestStoreRetryRerunsSerializationFailures(t *testing.T) {
	cfg := fastConfig(2)
	cfg.Retryable = database.Retryable
	e := New(cfg, nil, nil)

	var attempts int32
	err := e.Run(context.Background(), func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return database.Translate("ledger.commit", "transaction", &pgconn.PgError{Code: "40001"})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected the rerun to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	attempts = 0
	err = e.Run(context.Background(), func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return apperr.InsufficientCredits("ledger.apply", 1, 2)
	})
	if !errors.Is(err, apperr.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits to pass through, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("business errors must not be retried, got %d attempts", got)
	}
}
