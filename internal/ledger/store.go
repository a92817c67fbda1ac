package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/models"
)

// Store groups ledger writes into atomic units. Both PGStore and MemoryStore
// satisfy it.
type Store interface {
	// InTx runs fn in one atomic unit. Any error returned by fn discards
	// every write made through tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
	SumCompleted(ctx context.Context, userID uuid.UUID) (int64, error)

	// PurchasesBetween returns purchase transactions created or updated
	// in [from, to], capped at limit rows.
	PurchasesBetween(ctx context.Context, from, to time.Time, limit int) ([]*models.Transaction, error)
	PaymentStats(ctx context.Context, since, stuckBefore time.Time) (*models.PaymentStats, error)
}

// Tx is the write surface available inside InTx. Balance writes go through
// ApplyDelta, which never lets credits drop below zero.
type Tx interface {
	// ClaimKey returns false when the user already applied key. Keys are
	// scoped per user.
	ClaimKey(ctx context.Context, key idempotency.Key, userID uuid.UUID, operation string) (bool, error)
	LoadKey(ctx context.Context, key idempotency.Key, userID uuid.UUID) (*models.IdempotencyRecord, error)
	SaveKeyResult(ctx context.Context, key idempotency.Key, userID uuid.UUID, snapshot json.RawMessage) error
	// ReleaseKey forgets a key whose effect has been reversed.
	ReleaseKey(ctx context.Context, key idempotency.Key, userID uuid.UUID) error

	// LockBalance reads the balance row and holds it until the unit ends.
	LockBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	// ApplyDelta adds delta to the balance if the result stays >= 0 and
	// returns the new balance. It fails with InsufficientCredits or NotFound.
	ApplyDelta(ctx context.Context, userID uuid.UUID, delta int64) (int64, error)

	InsertTransaction(ctx context.Context, t *models.Transaction) error
	GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByReferenceForUpdate(ctx context.Context, externalRef string) (*models.Transaction, error)
	SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error
}
