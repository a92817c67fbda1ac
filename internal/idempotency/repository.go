package idempotency

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdictmarket/backend/internal/models"
)

// Querier is satisfied by pgx.Tx, pgx.Conn and pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Keys are scoped to a user: the same key string used by two users names two
// unrelated operations.

// Claim inserts the key inside the caller's transaction. It returns false when
// the user already holds the key. A concurrent claim of the same key blocks until the
// other transaction finishes, so a false result always sees a committed record.
func Claim(ctx context.Context, q Querier, key Key, userID uuid.UUID, operation string) (bool, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO idempotency_keys (key, user_id, operation)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, key) DO NOTHING
	`, string(key), userID, operation)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Load returns the stored record or pgx.ErrNoRows.
func Load(ctx context.Context, q Querier, key Key, userID uuid.UUID) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var snapshot []byte
	err := q.QueryRow(ctx, `
		SELECT key, user_id, operation, snapshot, created_at
		FROM idempotency_keys WHERE user_id = $1 AND key = $2
	`, userID, string(key)).Scan(&rec.Key, &rec.UserID, &rec.Operation, &snapshot, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.Snapshot = json.RawMessage(snapshot)
	return &rec, nil
}

// Complete stores the result snapshot for a key claimed in the same transaction.
func Complete(ctx context.Context, q Querier, key Key, userID uuid.UUID, snapshot json.RawMessage) error {
	tag, err := q.Exec(ctx, `
		UPDATE idempotency_keys SET snapshot = $3 WHERE user_id = $1 AND key = $2
	`, userID, string(key), []byte(snapshot))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Release deletes a key so the next use of it runs the operation again. It is
// used when the effect the key recorded has been reversed.
func Release(ctx context.Context, q Querier, key Key, userID uuid.UUID) error {
	tag, err := q.Exec(ctx, `DELETE FROM idempotency_keys WHERE user_id = $1 AND key = $2`, userID, string(key))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Repository reads idempotency records outside a mutation, for operators.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the user's record for key, or nil if it was never applied.
func (r *Repository) Get(ctx context.Context, userID uuid.UUID, key Key) (*models.IdempotencyRecord, error) {
	rec, err := Load(ctx, r.pool, key, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}
