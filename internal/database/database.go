// Package database owns the Postgres pool, the embedded schema and the
// translation of driver errors into apperr kinds.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdictmarket/backend/internal/apperr"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Connect opens a pool and verifies the server is reachable.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if logger != nil {
		logger.Info("connected to PostgreSQL")
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	schema, err := schemaFS.ReadFile("sql/schema.sql")
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Schema returns the embedded DDL, for tooling.
func Schema() string {
	b, _ := schemaFS.ReadFile("sql/schema.sql")
	return string(b)
}

// Translate maps a pgx error to an apperr kind. what names the entity for
// NotFound messages.
func Translate(op, what string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, what, "")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "duplicate " + what, Err: err}
		case "23503":
			return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Message: what + " references a missing row", Err: err}
		case "23514":
			return &apperr.Error{Kind: apperr.KindValidation, Op: op, Message: "constraint violated", Err: err}
		case "40001", "40P01":
			return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "concurrent update, retry", Err: err}
		}
		return &apperr.Error{Kind: apperr.KindInternal, Op: op, Message: "query failed", Err: err}
	}
	return apperr.Unavailable(op, err)
}

// Retryable reports whether a unit of work that failed with err may be run
// again from the start: a lost or refused connection, a serialization failure
// or a deadlock. Deadlines are not retried.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return apperr.KindOf(err) == apperr.KindDependencyUnavailable
}
