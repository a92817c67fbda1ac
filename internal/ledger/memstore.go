package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/models"
)

// MemoryStore is an in-process Store. InTx runs units one at a time against a
// copy of the state and swaps it in only when fn succeeds, which gives the
// same all-or-nothing behaviour as a Postgres transaction.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
	now   func() time.Time

	// BeforeCommit, when set, runs inside InTx after fn succeeds. Returning
	// an error aborts the unit.
	BeforeCommit func() error
}

type memState struct {
	balances map[uuid.UUID]models.Balance
	txns     []models.Transaction
	keys     map[memKey]models.IdempotencyRecord
}

type memKey struct {
	user uuid.UUID
	key  idempotency.Key
}

func (s memState) clone() memState {
	out := memState{
		balances: make(map[uuid.UUID]models.Balance, len(s.balances)),
		txns:     append([]models.Transaction(nil), s.txns...),
		keys:     make(map[memKey]models.IdempotencyRecord, len(s.keys)),
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.keys {
		out.keys[k] = v
	}
	return out
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			balances: map[uuid.UUID]models.Balance{},
			keys:     map[memKey]models.IdempotencyRecord{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*MemoryStore)(nil)

// SetClock overrides the timestamp source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed creates a user's balance row. A positive opening balance is backed by
// a completed bonus transaction so the ledger identity holds.
func (m *MemoryStore) Seed(userID uuid.UUID, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.state.balances[userID] = models.Balance{UserID: userID, Credits: credits, UpdatedAt: now}
	if credits > 0 {
		m.state.txns = append(m.state.txns, models.Transaction{
			ID:           uuid.New(),
			UserID:       userID,
			Type:         models.TxBonus,
			CreditsDelta: credits,
			Status:       models.TxCompleted,
			Metadata:     json.RawMessage(`{"source":"seed"}`),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
}

// InsertRaw appends a transaction without touching balances, for setting up
// reconciliation scenarios.
func (m *MemoryStore) InsertRaw(t models.Transaction) models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	m.state.txns = append(m.state.txns, t)
	return t
}

// Transactions returns a copy of every stored transaction.
func (m *MemoryStore) Transactions() []models.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Transaction(nil), m.state.txns...)
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return apperr.Wrap("ledger.begin", err)
	}
	work := m.state.clone()
	if err := fn(&memTx{s: &work, now: m.now}); err != nil {
		return err
	}
	if m.BeforeCommit != nil {
		if err := m.BeforeCommit(); err != nil {
			return apperr.Wrap("ledger.commit", err)
		}
	}
	m.state = work
	return nil
}

func (m *MemoryStore) GetBalance(_ context.Context, userID uuid.UUID) (*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.state.balances[userID]
	if !ok {
		return nil, apperr.NotFound("ledger.balance", "user", userID)
	}
	return &b, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Transaction
	for i := len(m.state.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.state.txns[i].UserID == userID {
			t := m.state.txns[i]
			out = append(out, &t)
		}
	}
	return out, nil
}

func (m *MemoryStore) SumCompleted(_ context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, t := range m.state.txns {
		if t.UserID == userID && t.Status == models.TxCompleted {
			sum += t.CreditsDelta
		}
	}
	return sum, nil
}

func (m *MemoryStore) PurchasesBetween(_ context.Context, from, to time.Time, limit int) ([]*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := func(ts time.Time) bool { return !ts.Before(from) && !ts.After(to) }
	var out []*models.Transaction
	for _, t := range m.state.txns {
		if t.Type != models.TxPurchase || !(in(t.CreatedAt) || in(t.UpdatedAt)) {
			continue
		}
		t := t
		out = append(out, &t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PaymentStats(_ context.Context, since, stuckBefore time.Time) (*models.PaymentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st models.PaymentStats
	for _, t := range m.state.txns {
		if t.Type != models.TxPurchase || t.CreatedAt.Before(since) {
			continue
		}
		switch t.Status {
		case models.TxCompleted:
			st.Completed++
			st.SettledCents += t.AmountCents
			st.SettledCredits += t.CreditsDelta
		case models.TxPending:
			st.Pending++
			if t.CreatedAt.Before(stuckBefore) {
				st.StuckPending++
			}
		case models.TxFailed:
			st.Failed++
		}
	}
	return &st, nil
}

type memTx struct {
	s   *memState
	now func() time.Time
}

func (t *memTx) ClaimKey(_ context.Context, key idempotency.Key, userID uuid.UUID, operation string) (bool, error) {
	k := memKey{userID, key}
	if _, ok := t.s.keys[k]; ok {
		return false, nil
	}
	t.s.keys[k] = models.IdempotencyRecord{Key: string(key), UserID: userID, Operation: operation, CreatedAt: t.now()}
	return true, nil
}

func (t *memTx) LoadKey(_ context.Context, key idempotency.Key, userID uuid.UUID) (*models.IdempotencyRecord, error) {
	rec, ok := t.s.keys[memKey{userID, key}]
	if !ok {
		return nil, apperr.NotFound("ledger.load_key", "idempotency key", key)
	}
	return &rec, nil
}

func (t *memTx) SaveKeyResult(_ context.Context, key idempotency.Key, userID uuid.UUID, snapshot json.RawMessage) error {
	k := memKey{userID, key}
	rec, ok := t.s.keys[k]
	if !ok {
		return apperr.NotFound("ledger.save_key", "idempotency key", key)
	}
	rec.Snapshot = snapshot
	t.s.keys[k] = rec
	return nil
}

func (t *memTx) ReleaseKey(_ context.Context, key idempotency.Key, userID uuid.UUID) error {
	k := memKey{userID, key}
	if _, ok := t.s.keys[k]; !ok {
		return apperr.NotFound("ledger.release_key", "idempotency key", key)
	}
	delete(t.s.keys, k)
	return nil
}

func (t *memTx) LockBalance(_ context.Context, userID uuid.UUID) (int64, error) {
	b, ok := t.s.balances[userID]
	if !ok {
		return 0, apperr.NotFound("ledger.lock", "user", userID)
	}
	return b.Credits, nil
}

func (t *memTx) ApplyDelta(_ context.Context, userID uuid.UUID, delta int64) (int64, error) {
	b, ok := t.s.balances[userID]
	if !ok {
		return 0, apperr.NotFound("ledger.apply", "user", userID)
	}
	if b.Credits+delta < 0 {
		return 0, apperr.InsufficientCredits("ledger.apply", b.Credits, -delta)
	}
	b.Credits += delta
	b.UpdatedAt = t.now()
	t.s.balances[userID] = b
	return b.Credits, nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *models.Transaction) error {
	if txn.ExternalReference != nil {
		for _, existing := range t.s.txns {
			if existing.ExternalReference != nil && *existing.ExternalReference == *txn.ExternalReference {
				return apperr.Conflict("ledger.insert", "duplicate external reference %s", *txn.ExternalReference)
			}
		}
	}
	txn.ID = uuid.New()
	txn.CreatedAt = t.now()
	txn.UpdatedAt = txn.CreatedAt
	t.s.txns = append(t.s.txns, *txn)
	return nil
}

func (t *memTx) GetTransactionForUpdate(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	for _, txn := range t.s.txns {
		if txn.ID == id {
			txn := txn
			return &txn, nil
		}
	}
	return nil, apperr.NotFound("ledger.transaction", "transaction", id)
}

func (t *memTx) GetTransactionByReferenceForUpdate(_ context.Context, externalRef string) (*models.Transaction, error) {
	for _, txn := range t.s.txns {
		if txn.ExternalReference != nil && *txn.ExternalReference == externalRef {
			txn := txn
			return &txn, nil
		}
	}
	return nil, nil
}

func (t *memTx) SetTransactionStatus(_ context.Context, id uuid.UUID, status models.TransactionStatus) error {
	for i := range t.s.txns {
		if t.s.txns[i].ID == id {
			t.s.txns[i].Status = status
			t.s.txns[i].UpdatedAt = t.now()
			return nil
		}
	}
	return apperr.NotFound("ledger.transaction", "transaction", id)
}
