package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/database"
	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/resilience"
)

// PGStore is the Postgres Store. Every call is bounded by timeout.
type PGStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	retry   *resilience.Executor
}

func NewPGStore(pool *pgxpool.Pool, timeout time.Duration) *PGStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PGStore{pool: pool, timeout: timeout}
}

var _ Store = (*PGStore)(nil)

// WithRetry reruns a unit that failed on a lost connection or a serialization
// conflict. A rerun starts from a fresh transaction and claims its key again,
// so a commit that landed before the error surfaces as a replay.
func (s *PGStore) WithRetry(exec *resilience.Executor) *PGStore {
	s.retry = exec
	return s
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.retry == nil {
		return s.inTx(ctx, fn)
	}
	return s.retry.Run(ctx, func(ctx context.Context) error {
		return s.inTx(ctx, fn)
	})
}

func (s *PGStore) inTx(ctx context.Context, fn func(tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return database.Translate("ledger.begin", "transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx, deadline: deadline}); err != nil {
		return database.Translate("ledger.tx", "row", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return database.Translate("ledger.commit", "transaction", err)
	}
	return nil
}

func (s *PGStore) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var b models.Balance
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, credits, updated_at FROM balances WHERE user_id = $1
	`, userID).Scan(&b.UserID, &b.Credits, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("ledger.balance", "user", userID)
	}
	if err != nil {
		return nil, database.Translate("ledger.balance", "balance", err)
	}
	return &b, nil
}

const transactionColumns = `id, user_id, type, credits_delta, amount_cents, status, external_reference, metadata, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var typ, status string
	var meta []byte
	if err := row.Scan(&t.ID, &t.UserID, &typ, &t.CreditsDelta, &t.AmountCents, &status, &t.ExternalReference, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(typ)
	t.Status = models.TransactionStatus(status)
	t.Metadata = json.RawMessage(meta)
	return &t, nil
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, database.Translate("ledger.history", "transaction", err)
	}
	txns, err := collectTransactions(rows)
	return txns, database.Translate("ledger.history", "transaction", err)
}

func (s *PGStore) SumCompleted(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var sum int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(credits_delta), 0)::bigint FROM transactions
		WHERE user_id = $1 AND status = 'completed'
	`, userID).Scan(&sum)
	return sum, database.Translate("ledger.sum", "transaction", err)
}

func (s *PGStore) PurchasesBetween(ctx context.Context, from, to time.Time, limit int) ([]*models.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE type = 'purchase'
		  AND ((created_at >= $1 AND created_at <= $2) OR (updated_at >= $1 AND updated_at <= $2))
		ORDER BY created_at, id LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, database.Translate("ledger.purchases", "transaction", err)
	}
	txns, err := collectTransactions(rows)
	return txns, database.Translate("ledger.purchases", "transaction", err)
}

func (s *PGStore) PaymentStats(ctx context.Context, since, stuckBefore time.Time) (*models.PaymentStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var st models.PaymentStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending' AND created_at < $2),
			COALESCE(SUM(amount_cents) FILTER (WHERE status = 'completed'), 0)::bigint,
			COALESCE(SUM(credits_delta) FILTER (WHERE status = 'completed'), 0)::bigint
		FROM transactions
		WHERE type = 'purchase' AND created_at >= $1
	`, since, stuckBefore).Scan(&st.Completed, &st.Pending, &st.Failed, &st.StuckPending, &st.SettledCents, &st.SettledCredits)
	if err != nil {
		return nil, database.Translate("ledger.payment_stats", "transaction", err)
	}
	return &st, nil
}

// pgTx holds the unit's deadline; statements run under it whatever context
// the service passes in.
type pgTx struct {
	tx       pgx.Tx
	deadline time.Time
}

func (t *pgTx) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, t.deadline)
}

func (t *pgTx) ClaimKey(ctx context.Context, key idempotency.Key, userID uuid.UUID, operation string) (bool, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return idempotency.Claim(ctx, t.tx, key, userID, operation)
}

func (t *pgTx) LoadKey(ctx context.Context, key idempotency.Key, userID uuid.UUID) (*models.IdempotencyRecord, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	rec, err := idempotency.Load(ctx, t.tx, key, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("ledger.load_key", "idempotency key", key)
	}
	return rec, err
}

func (t *pgTx) SaveKeyResult(ctx context.Context, key idempotency.Key, userID uuid.UUID, snapshot json.RawMessage) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return idempotency.Complete(ctx, t.tx, key, userID, snapshot)
}

func (t *pgTx) ReleaseKey(ctx context.Context, key idempotency.Key, userID uuid.UUID) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	err := idempotency.Release(ctx, t.tx, key, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("ledger.release_key", "idempotency key", key)
	}
	return err
}

func (t *pgTx) LockBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	var credits int64
	err := t.tx.QueryRow(ctx, `SELECT credits FROM balances WHERE user_id = $1 FOR UPDATE`, userID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("ledger.lock", "user", userID)
	}
	return credits, err
}

// ApplyDelta relies on the row lock taken by the conditional UPDATE, so two
// concurrent deductions cannot both pass the credits check.
func (t *pgTx) ApplyDelta(ctx context.Context, userID uuid.UUID, delta int64) (int64, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	var credits int64
	err := t.tx.QueryRow(ctx, `
		UPDATE balances SET credits = credits + $2, updated_at = now()
		WHERE user_id = $1 AND credits + $2 >= 0
		RETURNING credits
	`, userID, delta).Scan(&credits)
	if err == nil {
		return credits, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	var current int64
	err = t.tx.QueryRow(ctx, `SELECT credits FROM balances WHERE user_id = $1`, userID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperr.NotFound("ledger.apply", "user", userID)
	}
	if err != nil {
		return 0, err
	}
	return 0, apperr.InsufficientCredits("ledger.apply", current, -delta)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	meta := []byte(txn.Metadata)
	if len(meta) == 0 {
		meta = []byte(`{}`)
	}
	return t.tx.QueryRow(ctx, `
		INSERT INTO transactions (user_id, type, credits_delta, amount_cents, status, external_reference, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, txn.UserID, string(txn.Type), txn.CreditsDelta, txn.AmountCents, string(txn.Status), txn.ExternalReference, meta).
		Scan(&txn.ID, &txn.CreatedAt, &txn.UpdatedAt)
}

func (t *pgTx) GetTransactionForUpdate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	txn, err := scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("ledger.transaction", "transaction", id)
	}
	return txn, err
}

func (t *pgTx) GetTransactionByReferenceForUpdate(ctx context.Context, externalRef string) (*models.Transaction, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	txn, err := scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions WHERE external_reference = $1 FOR UPDATE
	`, externalRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

func (t *pgTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status models.TransactionStatus) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	_, err := t.tx.Exec(ctx, `
		UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1
	`, id, string(status))
	return err
}
