// Package ledger applies credit mutations atomically and at most once. Every
// balance change is written together with its transaction row, so the sum of
// a user's completed deltas always equals their balance.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/audit"
	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/metrics"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/notify"
)

const (
	DefaultMaxSingleAdjustment int64 = 1000
	DefaultMinReasonLength           = 10

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Operation names, stored with each idempotency key.
const (
	OpDeduct          = "deduct"
	OpRefund          = "refund"
	OpGrant           = "grant"
	OpTip             = "tip"
	OpAdjust          = "adjust"
	OpPurchase        = "purchase"
	OpPendingPurchase = "pending_purchase"
	OpCompletePending = "complete_pending"
	OpSettlePayment   = "settle_payment"
	OpVoid            = "void"
)

type Config struct {
	// MaxSingleAdjustment bounds the credits moved by any one mutation.
	MaxSingleAdjustment int64
	// MinReasonLength is the minimum trimmed length of an admin
	// adjustment reason.
	MinReasonLength int
}

type Service struct {
	store    Store
	audit    audit.Writer
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
}

func NewService(store Store, auditWriter audit.Writer, notifier notify.Notifier, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxSingleAdjustment <= 0 {
		cfg.MaxSingleAdjustment = DefaultMaxSingleAdjustment
	}
	if cfg.MinReasonLength <= 0 {
		cfg.MinReasonLength = DefaultMinReasonLength
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, audit: auditWriter, notifier: notifier, metrics: m, log: logger, cfg: cfg}
}

// Mutation is a single-user credit movement.
type Mutation struct {
	UserID   uuid.UUID
	Amount   int64
	Key      idempotency.Key
	Reason   string
	Metadata map[string]any
}

// Result is returned by every single-user mutation. Replayed is set when the
// key had already been applied and nothing was written.
type Result struct {
	UserID        uuid.UUID `json:"user_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Delta         int64     `json:"delta"`
	NewBalance    int64     `json:"new_balance"`
	Replayed      bool      `json:"replayed"`
}

// Deduct removes credits, failing with InsufficientCredits rather than going
// negative. The key is required.
func (s *Service) Deduct(ctx context.Context, m Mutation) (*Result, error) {
	if m.Key == "" {
		return nil, apperr.Validation(OpDeduct, "idempotency key is required")
	}
	return s.applySimple(ctx, OpDeduct, m, models.TxDeduction, -1)
}

// Refund returns credits to a user. Without a key, one is derived from the
// user, amount and reason.
func (s *Service) Refund(ctx context.Context, m Mutation) (*Result, error) {
	if strings.TrimSpace(m.Reason) == "" {
		return nil, apperr.Validation(OpRefund, "refund reason is required")
	}
	if m.Key == "" {
		m.Key = idempotency.Derive(OpRefund, m.UserID.String(), strconv.FormatInt(m.Amount, 10), m.Reason)
	}
	return s.applySimple(ctx, OpRefund, m, models.TxRefund, 1)
}

// Grant credits a bonus, e.g. for a judge's verdict.
func (s *Service) Grant(ctx context.Context, m Mutation) (*Result, error) {
	if m.Key == "" {
		m.Key = idempotency.Derive(OpGrant, m.UserID.String(), strconv.FormatInt(m.Amount, 10), m.Reason)
	}
	return s.applySimple(ctx, OpGrant, m, models.TxBonus, 1)
}

func (s *Service) validateUser(op string, id uuid.UUID) error {
	if id == uuid.Nil {
		return apperr.Validation(op, "user id is required")
	}
	return nil
}

func (s *Service) validateAmount(op string, amount int64) error {
	if amount <= 0 {
		return apperr.Validation(op, "amount must be positive, got %d", amount)
	}
	if amount > s.cfg.MaxSingleAdjustment {
		return apperr.Validation(op, "amount %d exceeds the single-operation limit of %d", amount, s.cfg.MaxSingleAdjustment)
	}
	return nil
}

func (s *Service) applySimple(ctx context.Context, op string, m Mutation, typ models.TransactionType, sign int64) (*Result, error) {
	if err := s.validateUser(op, m.UserID); err != nil {
		return nil, err
	}
	if err := s.validateAmount(op, m.Amount); err != nil {
		return nil, err
	}
	if _, err := idempotency.Parse(string(m.Key)); err != nil {
		return nil, err
	}
	delta := sign * m.Amount

	start := time.Now()
	var res Result
	err := s.store.InTx(ctx, func(tx Tx) error {
		replayed, err := claim(ctx, tx, op, m.Key, m.UserID, &res)
		if err != nil {
			return err
		}
		if replayed {
			res.Replayed = true
			return nil
		}
		bal, err := tx.ApplyDelta(ctx, m.UserID, delta)
		if err != nil {
			return err
		}
		txn := &models.Transaction{
			UserID:       m.UserID,
			Type:         typ,
			CreditsDelta: delta,
			Status:       models.TxCompleted,
			Metadata:     buildMetadata(m.Reason, m.Metadata, "idempotency_key", string(m.Key)),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		res = Result{UserID: m.UserID, TransactionID: txn.ID, Delta: delta, NewBalance: bal}
		return saveResult(ctx, tx, m.Key, m.UserID, res)
	})
	s.observe(op, start, err)
	if err != nil {
		return nil, err
	}

	s.log.Info("credits mutated",
		"operation", op,
		"user_id", m.UserID,
		"delta", delta,
		"new_balance", res.NewBalance,
		"idempotency_key", m.Key,
		"replayed", res.Replayed)
	if !res.Replayed {
		s.notifyBalance(ctx, m.UserID, op, delta, res.NewBalance)
	}
	return &res, nil
}

// VoidRequest names a deduction to reverse by the key it was applied with.
type VoidRequest struct {
	UserID    uuid.UUID
	ChargeKey idempotency.Key
	Reason    string
}

// VoidCharge returns the credits of a completed deduction and releases its key,
// so the next Deduct with that key charges again instead of replaying. It is
// the compensation for a charge whose purchase never took effect. Voiding a
// key that is not held fails with NotFound.
func (s *Service) VoidCharge(ctx context.Context, req VoidRequest) (*Result, error) {
	if err := s.validateUser(OpVoid, req.UserID); err != nil {
		return nil, err
	}
	if _, err := idempotency.Parse(string(req.ChargeKey)); err != nil {
		return nil, err
	}

	start := time.Now()
	var res Result
	err := s.store.InTx(ctx, func(tx Tx) error {
		rec, err := tx.LoadKey(ctx, req.ChargeKey, req.UserID)
		if err != nil {
			return err
		}
		if rec.Operation != OpDeduct {
			return apperr.Validation(OpVoid, "idempotency key %q belongs to %s, not a deduction", req.ChargeKey, rec.Operation)
		}
		if len(rec.Snapshot) == 0 {
			return apperr.Conflict(OpVoid, "charge %q is still in progress", req.ChargeKey)
		}
		var charge Result
		if err := json.Unmarshal(rec.Snapshot, &charge); err != nil {
			return fmt.Errorf("decode snapshot for %s: %w", req.ChargeKey, err)
		}
		bal, err := tx.ApplyDelta(ctx, req.UserID, -charge.Delta)
		if err != nil {
			return err
		}
		txn := &models.Transaction{
			UserID:       req.UserID,
			Type:         models.TxRefund,
			CreditsDelta: -charge.Delta,
			Status:       models.TxCompleted,
			Metadata: buildMetadata(req.Reason, nil,
				"source", OpVoid,
				"voided_transaction_id", charge.TransactionID.String(),
				"idempotency_key", string(req.ChargeKey)),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		res = Result{UserID: req.UserID, TransactionID: txn.ID, Delta: -charge.Delta, NewBalance: bal}
		return tx.ReleaseKey(ctx, req.ChargeKey, req.UserID)
	})
	s.observe(OpVoid, start, err)
	if err != nil {
		return nil, err
	}

	s.log.Info("charge voided",
		"user_id", req.UserID,
		"delta", res.Delta,
		"new_balance", res.NewBalance,
		"idempotency_key", req.ChargeKey)
	s.notifyBalance(ctx, req.UserID, OpVoid, res.Delta, res.NewBalance)
	return &res, nil
}

// TipRequest moves credits from one user to another.
type TipRequest struct {
	FromUserID uuid.UUID
	ToUserID   uuid.UUID
	Amount     int64
	Key        idempotency.Key
	Message    string
}

type TipResult struct {
	FromUserID          uuid.UUID `json:"from_user_id"`
	ToUserID            uuid.UUID `json:"to_user_id"`
	Amount              int64     `json:"amount"`
	FromBalance         int64     `json:"from_balance"`
	ToBalance           int64     `json:"to_balance"`
	DebitTransactionID  uuid.UUID `json:"debit_transaction_id"`
	CreditTransactionID uuid.UUID `json:"credit_transaction_id"`
	Replayed            bool      `json:"replayed"`
}

// Tip debits the sender and credits the recipient in one unit. Balance rows
// are touched in user id order so two opposing tips cannot deadlock.
func (s *Service) Tip(ctx context.Context, req TipRequest) (*TipResult, error) {
	if err := s.validateUser(OpTip, req.FromUserID); err != nil {
		return nil, err
	}
	if err := s.validateUser(OpTip, req.ToUserID); err != nil {
		return nil, err
	}
	if req.FromUserID == req.ToUserID {
		return nil, apperr.Validation(OpTip, "cannot tip yourself")
	}
	if err := s.validateAmount(OpTip, req.Amount); err != nil {
		return nil, err
	}
	if _, err := idempotency.Parse(string(req.Key)); err != nil {
		return nil, err
	}

	deltas := map[uuid.UUID]int64{req.FromUserID: -req.Amount, req.ToUserID: req.Amount}
	order := []uuid.UUID{req.FromUserID, req.ToUserID}
	if strings.Compare(order[1].String(), order[0].String()) < 0 {
		order[0], order[1] = order[1], order[0]
	}

	start := time.Now()
	var res TipResult
	err := s.store.InTx(ctx, func(tx Tx) error {
		replayed, err := claim(ctx, tx, OpTip, req.Key, req.FromUserID, &res)
		if err != nil {
			return err
		}
		if replayed {
			res.Replayed = true
			return nil
		}
		balances := make(map[uuid.UUID]int64, 2)
		for _, id := range order {
			bal, err := tx.ApplyDelta(ctx, id, deltas[id])
			if err != nil {
				return err
			}
			balances[id] = bal
		}
		meta := buildMetadata(req.Message, nil, "from_user_id", req.FromUserID.String(), "to_user_id", req.ToUserID.String())
		debit := &models.Transaction{UserID: req.FromUserID, Type: models.TxTip, CreditsDelta: -req.Amount, Status: models.TxCompleted, Metadata: meta}
		credit := &models.Transaction{UserID: req.ToUserID, Type: models.TxTip, CreditsDelta: req.Amount, Status: models.TxCompleted, Metadata: meta}
		if err := tx.InsertTransaction(ctx, debit); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, credit); err != nil {
			return err
		}
		res = TipResult{
			FromUserID:          req.FromUserID,
			ToUserID:            req.ToUserID,
			Amount:              req.Amount,
			FromBalance:         balances[req.FromUserID],
			ToBalance:           balances[req.ToUserID],
			DebitTransactionID:  debit.ID,
			CreditTransactionID: credit.ID,
		}
		return saveResult(ctx, tx, req.Key, req.FromUserID, res)
	})
	s.observe(OpTip, start, err)
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		s.notifyBalance(ctx, req.FromUserID, OpTip, -req.Amount, res.FromBalance)
		s.notifyBalance(ctx, req.ToUserID, OpTip, req.Amount, res.ToBalance)
	}
	return &res, nil
}

// Audit statuses reported by Adjust.
const (
	AuditWritten  = "written"
	AuditFailed   = "failed"
	AuditReplayed = "replayed"
)

// AdjustRequest sets a user's balance to an absolute value. Only admins may
// call it and a reason is mandatory.
type AdjustRequest struct {
	ActorID       uuid.UUID
	ActorIsAdmin  bool
	TargetUserID  uuid.UUID
	TargetBalance int64
	Reason        string
	Key           idempotency.Key
}

type AdjustResult struct {
	UserID        uuid.UUID  `json:"user_id"`
	OldBalance    int64      `json:"old_balance"`
	NewBalance    int64      `json:"new_balance"`
	Delta         int64      `json:"delta"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	Replayed      bool       `json:"replayed"`
	Audit         string     `json:"audit"`
	AuditError    string     `json:"audit_error,omitempty"`
}

// Adjust applies the delta between the current and target balance as a refund
// (positive) or deduction (negative), then writes an audit record.
//
// When the balance change commits but the audit write fails, Adjust returns
// the result together with an AuditWriteFailed error. The mutation is not
// rolled back.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (*AdjustResult, error) {
	if !req.ActorIsAdmin {
		return nil, apperr.Forbidden(OpAdjust, "balance adjustments require an administrator")
	}
	if err := s.validateUser(OpAdjust, req.ActorID); err != nil {
		return nil, err
	}
	if err := s.validateUser(OpAdjust, req.TargetUserID); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) < s.cfg.MinReasonLength {
		return nil, apperr.Validation(OpAdjust, "a justification of at least %d characters is required", s.cfg.MinReasonLength)
	}
	if req.TargetBalance < 0 {
		return nil, apperr.Validation(OpAdjust, "target balance must not be negative")
	}
	if req.Key == "" {
		req.Key = idempotency.Derive(OpAdjust, req.ActorID.String(), req.TargetUserID.String(), strconv.FormatInt(req.TargetBalance, 10), reason)
	}
	if _, err := idempotency.Parse(string(req.Key)); err != nil {
		return nil, err
	}

	start := time.Now()
	var res AdjustResult
	err := s.store.InTx(ctx, func(tx Tx) error {
		replayed, err := claim(ctx, tx, OpAdjust, req.Key, req.TargetUserID, &res)
		if err != nil {
			return err
		}
		if replayed {
			res.Replayed = true
			res.Audit = AuditReplayed
			return nil
		}
		current, err := tx.LockBalance(ctx, req.TargetUserID)
		if err != nil {
			return err
		}
		delta := req.TargetBalance - current
		if abs(delta) > s.cfg.MaxSingleAdjustment {
			return apperr.Validation(OpAdjust, "adjustment of %d exceeds the single-operation limit of %d", delta, s.cfg.MaxSingleAdjustment)
		}
		res = AdjustResult{UserID: req.TargetUserID, OldBalance: current, NewBalance: current}
		if delta != 0 {
			bal, err := tx.ApplyDelta(ctx, req.TargetUserID, delta)
			if err != nil {
				return err
			}
			typ := models.TxRefund
			if delta < 0 {
				typ = models.TxDeduction
			}
			txn := &models.Transaction{
				UserID:       req.TargetUserID,
				Type:         typ,
				CreditsDelta: delta,
				Status:       models.TxCompleted,
				Metadata: buildMetadata(reason, nil,
					"source", string(models.TxAdminAdjustment),
					"actor_id", req.ActorID.String()),
			}
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return err
			}
			res.NewBalance = bal
			res.Delta = delta
			res.TransactionID = &txn.ID
		}
		return saveResult(ctx, tx, req.Key, req.TargetUserID, res)
	})
	s.observe(OpAdjust, start, err)
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		return &res, nil
	}

	if res.Delta != 0 {
		s.notifyBalance(ctx, req.TargetUserID, OpAdjust, res.Delta, res.NewBalance)
	}

	if auditErr := s.writeAdjustAudit(ctx, req, reason, &res); auditErr != nil {
		return &res, auditErr
	}
	return &res, nil
}

func (s *Service) writeAdjustAudit(ctx context.Context, req AdjustRequest, reason string, res *AdjustResult) error {
	before, _ := json.Marshal(map[string]any{"credits": res.OldBalance})
	afterState := map[string]any{"credits": res.NewBalance, "delta": res.Delta}
	if res.TransactionID != nil {
		afterState["transaction_id"] = res.TransactionID.String()
	}
	after, _ := json.Marshal(afterState)
	rec := &models.AuditRecord{
		ActorID:      req.ActorID,
		TargetUserID: req.TargetUserID,
		Action:       "credits.adjust",
		BeforeState:  before,
		AfterState:   after,
		Reason:       reason,
	}

	var err error
	if s.audit == nil {
		err = errors.New("no audit writer configured")
	} else {
		err = s.audit.Write(context.WithoutCancel(ctx), rec)
	}
	if err == nil {
		res.Audit = AuditWritten
		return nil
	}

	res.Audit = AuditFailed
	res.AuditError = err.Error()
	s.metrics.AuditFailure()
	s.log.Error("AUDIT WRITE FAILED: balance adjustment committed without audit record",
		"actor_id", req.ActorID,
		"user_id", req.TargetUserID,
		"old_balance", res.OldBalance,
		"new_balance", res.NewBalance,
		"reason", reason,
		"idempotency_key", req.Key,
		"error", err)
	s.notifier.Notify(ctx, notify.Event{
		Type:  notify.EventAuditWriteFailed,
		Admin: true,
		Payload: map[string]any{
			"actor_id":    req.ActorID.String(),
			"user_id":     req.TargetUserID.String(),
			"old_balance": res.OldBalance,
			"new_balance": res.NewBalance,
			"reason":      reason,
		},
	})
	ae := apperr.AuditWriteFailed(OpAdjust, err)
	ae.Details = map[string]any{
		"user_id":     req.TargetUserID.String(),
		"old_balance": res.OldBalance,
		"new_balance": res.NewBalance,
	}
	return ae
}

// GetBalance returns the balance row, or NotFound for unknown users.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error) {
	if err := s.validateUser("balance", userID); err != nil {
		return nil, err
	}
	return s.store.GetBalance(ctx, userID)
}

// History returns the newest transactions for a user. limit is clamped to
// [1, 200]; zero means 50.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if err := s.validateUser("history", userID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.store.ListTransactions(ctx, userID, limit)
}

type IdentityReport struct {
	UserID       uuid.UUID `json:"user_id"`
	Balance      int64     `json:"balance"`
	CompletedSum int64     `json:"completed_sum"`
	Drift        int64     `json:"drift"`
	Consistent   bool      `json:"consistent"`
}

// VerifyLedgerIdentity compares the balance with the sum of completed deltas.
func (s *Service) VerifyLedgerIdentity(ctx context.Context, userID uuid.UUID) (*IdentityReport, error) {
	bal, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.SumCompleted(ctx, userID)
	if err != nil {
		return nil, err
	}
	r := &IdentityReport{UserID: userID, Balance: bal.Credits, CompletedSum: sum, Drift: bal.Credits - sum}
	r.Consistent = r.Drift == 0
	if !r.Consistent {
		s.log.Error("ledger identity violated", "user_id", userID, "balance", bal.Credits, "completed_sum", sum)
	}
	return r, nil
}

func (s *Service) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		if apperr.IsRetryable(err) || apperr.KindOf(err) == apperr.KindInternal {
			s.log.Error("ledger operation failed", "operation", op, "error", err)
		}
	}
	s.metrics.ObserveLedger(op, outcome, time.Since(start))
}

func (s *Service) notifyBalance(ctx context.Context, userID uuid.UUID, op string, delta, newBalance int64) {
	id := userID
	s.notifier.Notify(ctx, notify.Event{
		Type:   notify.EventCreditsChanged,
		UserID: &id,
		Payload: map[string]any{
			"operation":   op,
			"delta":       delta,
			"new_balance": newBalance,
		},
	})
}

// claim reserves the user's key for op. When the user already applied the key
// with the same operation, the stored result is decoded into out and replayed
// is true.
func claim[T any](ctx context.Context, tx Tx, op string, key idempotency.Key, userID uuid.UUID, out *T) (replayed bool, err error) {
	ok, err := tx.ClaimKey(ctx, key, userID, op)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	rec, err := tx.LoadKey(ctx, key, userID)
	if err != nil {
		return false, err
	}
	if rec.Operation != op {
		return false, apperr.Validation(op, "idempotency key %q was already used for a different operation", key)
	}
	if len(rec.Snapshot) == 0 {
		return false, apperr.Conflict(op, "operation %q is still in progress", key)
	}
	if err := json.Unmarshal(rec.Snapshot, out); err != nil {
		return false, fmt.Errorf("decode snapshot for %s: %w", key, err)
	}
	return true, nil
}

func saveResult(ctx context.Context, tx Tx, key idempotency.Key, userID uuid.UUID, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.SaveKeyResult(ctx, key, userID, b)
}

// buildMetadata merges the caller's metadata with a reason and extra
// key/value pairs.
func buildMetadata(reason string, base map[string]any, kv ...string) json.RawMessage {
	m := make(map[string]any, len(base)+len(kv)/2+1)
	for k, v := range base {
		m[k] = v
	}
	if r := strings.TrimSpace(reason); r != "" {
		m["reason"] = r
	}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
