package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/models"
)

// PurchaseRequest describes credits bought through the payment provider.
type PurchaseRequest struct {
	UserID      uuid.UUID
	Credits     int64
	AmountCents int64
	ExternalRef string
	Key         idempotency.Key
	Metadata    map[string]any
}

func (s *Service) validatePurchase(op string, req PurchaseRequest) error {
	if err := s.validateUser(op, req.UserID); err != nil {
		return err
	}
	if err := s.validateAmount(op, req.Credits); err != nil {
		return err
	}
	if req.AmountCents < 0 {
		return apperr.Validation(op, "amount_cents must not be negative")
	}
	if strings.TrimSpace(req.ExternalRef) == "" {
		return apperr.Validation(op, "external reference is required")
	}
	return nil
}

// RecordPurchase writes a completed purchase and credits the user. A second
// purchase row for the same provider reference is a Conflict.
func (s *Service) RecordPurchase(ctx context.Context, req PurchaseRequest) (*Result, error) {
	if err := s.validatePurchase(OpPurchase, req); err != nil {
		return nil, err
	}
	if req.Key == "" {
		req.Key = idempotency.Derive(OpPurchase, req.ExternalRef)
	}

	start := time.Now()
	var res Result
	err := s.store.InTx(ctx, func(tx Tx) error {
		replayed, err := claim(ctx, tx, OpPurchase, req.Key, req.UserID, &res)
		if err != nil {
			return err
		}
		if replayed {
			res.Replayed = true
			return nil
		}
		existing, err := tx.GetTransactionByReferenceForUpdate(ctx, req.ExternalRef)
		if err != nil {
			return err
		}
		if existing != nil {
			return apperr.Conflict(OpPurchase, "payment %s is already recorded as transaction %s", req.ExternalRef, existing.ID)
		}
		bal, err := tx.ApplyDelta(ctx, req.UserID, req.Credits)
		if err != nil {
			return err
		}
		ref := req.ExternalRef
		txn := &models.Transaction{
			UserID:            req.UserID,
			Type:              models.TxPurchase,
			CreditsDelta:      req.Credits,
			AmountCents:       req.AmountCents,
			Status:            models.TxCompleted,
			ExternalReference: &ref,
			Metadata:          buildMetadata("", req.Metadata),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		res = Result{UserID: req.UserID, TransactionID: txn.ID, Delta: req.Credits, NewBalance: bal}
		return saveResult(ctx, tx, req.Key, req.UserID, res)
	})
	s.observe(OpPurchase, start, err)
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		s.notifyBalance(ctx, req.UserID, OpPurchase, req.Credits, res.NewBalance)
	}
	return &res, nil
}

// RecordPendingPurchase writes a pending purchase with no balance change. It
// is completed later by CompletePending or SettlePayment.
func (s *Service) RecordPendingPurchase(ctx context.Context, req PurchaseRequest) (*models.Transaction, error) {
	if err := s.validatePurchase(OpPendingPurchase, req); err != nil {
		return nil, err
	}
	if req.Key == "" {
		req.Key = idempotency.Derive(OpPendingPurchase, req.ExternalRef)
	}

	start := time.Now()
	var out models.Transaction
	err := s.store.InTx(ctx, func(tx Tx) error {
		replayed, err := claim(ctx, tx, OpPendingPurchase, req.Key, req.UserID, &out)
		if err != nil || replayed {
			return err
		}
		ref := req.ExternalRef
		txn := &models.Transaction{
			UserID:            req.UserID,
			Type:              models.TxPurchase,
			CreditsDelta:      req.Credits,
			AmountCents:       req.AmountCents,
			Status:            models.TxPending,
			ExternalReference: &ref,
			Metadata:          buildMetadata("", req.Metadata),
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		out = *txn
		return saveResult(ctx, tx, req.Key, req.UserID, out)
	})
	s.observe(OpPendingPurchase, start, err)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompletePending moves a pending purchase to completed and applies its
// credits. Completing an already completed transaction is a replay.
func (s *Service) CompletePending(ctx context.Context, transactionID uuid.UUID, key idempotency.Key) (*Result, error) {
	if transactionID == uuid.Nil {
		return nil, apperr.Validation(OpCompletePending, "transaction id is required")
	}
	if key == "" {
		key = idempotency.Derive(OpCompletePending, transactionID.String())
	}

	start := time.Now()
	var res Result
	err := s.store.InTx(ctx, func(tx Tx) error {
		txn, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		switch txn.Status {
		case models.TxCompleted:
			bal, err := tx.LockBalance(ctx, txn.UserID)
			if err != nil {
				return err
			}
			res = Result{UserID: txn.UserID, TransactionID: txn.ID, Delta: txn.CreditsDelta, NewBalance: bal, Replayed: true}
			return nil
		case models.TxFailed:
			return apperr.Conflict(OpCompletePending, "transaction %s has failed and cannot be completed", txn.ID)
		}
		replayed, err := claim(ctx, tx, OpCompletePending, key, txn.UserID, &res)
		if err != nil {
			return err
		}
		if replayed {
			res.Replayed = true
			return nil
		}
		bal, err := tx.ApplyDelta(ctx, txn.UserID, txn.CreditsDelta)
		if err != nil {
			return err
		}
		if err := tx.SetTransactionStatus(ctx, txn.ID, models.TxCompleted); err != nil {
			return err
		}
		res = Result{UserID: txn.UserID, TransactionID: txn.ID, Delta: txn.CreditsDelta, NewBalance: bal}
		return saveResult(ctx, tx, key, txn.UserID, res)
	})
	s.observe(OpCompletePending, start, err)
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		s.notifyBalance(ctx, res.UserID, OpCompletePending, res.Delta, res.NewBalance)
	}
	return &res, nil
}

// FailPending marks a pending purchase failed. Failing a failed transaction is
// a no-op; failing a completed one is a Conflict.
func (s *Service) FailPending(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error) {
	if transactionID == uuid.Nil {
		return nil, apperr.Validation("fail_pending", "transaction id is required")
	}
	var out *models.Transaction
	err := s.store.InTx(ctx, func(tx Tx) error {
		txn, err := tx.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		switch txn.Status {
		case models.TxCompleted:
			return apperr.Conflict("fail_pending", "transaction %s is already completed", txn.ID)
		case models.TxPending:
			if err := tx.SetTransactionStatus(ctx, txn.ID, models.TxFailed); err != nil {
				return err
			}
			txn.Status = models.TxFailed
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FailPendingByReference fails the pending purchase for a provider reference.
// It returns nil, nil when no purchase carries that reference.
func (s *Service) FailPendingByReference(ctx context.Context, externalRef string) (*models.Transaction, error) {
	var id uuid.UUID
	err := s.store.InTx(ctx, func(tx Tx) error {
		txn, err := tx.GetTransactionByReferenceForUpdate(ctx, externalRef)
		if err != nil || txn == nil {
			return err
		}
		id = txn.ID
		return nil
	})
	if err != nil || id == uuid.Nil {
		return nil, err
	}
	return s.FailPending(ctx, id)
}

type SettleAction string

const (
	SettleCreated        SettleAction = "created"
	SettleCompleted      SettleAction = "completed_pending"
	SettleRecovered      SettleAction = "recovered_failed"
	SettleAlreadySettled SettleAction = "already_settled"
)

// Settlement is a provider-confirmed payment.
type Settlement struct {
	ExternalRef string
	UserID      uuid.UUID
	Credits     int64
	AmountCents int64
	Source      string
}

type SettleResult struct {
	Result
	Action SettleAction `json:"action"`
}

// SettlePayment makes the ledger agree with a succeeded provider payment,
// keyed by idempotency.ForPayment(ref) so webhooks and reconciliation fixes
// for the same charge are applied once:
//   - no internal row: a completed purchase is created
//   - pending or failed row: it is completed and its credits applied
//   - completed row: nothing changes
func (s *Service) SettlePayment(ctx context.Context, st Settlement) (*SettleResult, error) {
	if strings.TrimSpace(st.ExternalRef) == "" {
		return nil, apperr.Validation(OpSettlePayment, "external reference is required")
	}
	key := idempotency.ForPayment(st.ExternalRef)

	start := time.Now()
	var res SettleResult
	err := s.store.InTx(ctx, func(tx Tx) error {
		existing, err := tx.GetTransactionByReferenceForUpdate(ctx, st.ExternalRef)
		if err != nil {
			return err
		}
		userID := st.UserID
		if existing != nil {
			userID = existing.UserID
		}
		if err := s.validateUser(OpSettlePayment, userID); err != nil {
			return err
		}
		replayed, err := claim(ctx, tx, OpSettlePayment, key, userID, &res)
		if err != nil {
			return err
		}
		if replayed {
			res.Replayed = true
			return nil
		}

		switch {
		case existing == nil:
			if err := s.validateAmount(OpSettlePayment, st.Credits); err != nil {
				return err
			}
			bal, err := tx.ApplyDelta(ctx, userID, st.Credits)
			if err != nil {
				return err
			}
			ref := st.ExternalRef
			txn := &models.Transaction{
				UserID:            userID,
				Type:              models.TxPurchase,
				CreditsDelta:      st.Credits,
				AmountCents:       st.AmountCents,
				Status:            models.TxCompleted,
				ExternalReference: &ref,
				Metadata:          buildMetadata("", nil, "source", st.Source),
			}
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return err
			}
			res = SettleResult{Result: Result{UserID: userID, TransactionID: txn.ID, Delta: st.Credits, NewBalance: bal}, Action: SettleCreated}
		case existing.Status == models.TxCompleted:
			bal, err := tx.LockBalance(ctx, userID)
			if err != nil {
				return err
			}
			res = SettleResult{Result: Result{UserID: userID, TransactionID: existing.ID, NewBalance: bal}, Action: SettleAlreadySettled}
		default:
			bal, err := tx.ApplyDelta(ctx, userID, existing.CreditsDelta)
			if err != nil {
				return err
			}
			if err := tx.SetTransactionStatus(ctx, existing.ID, models.TxCompleted); err != nil {
				return err
			}
			action := SettleCompleted
			if existing.Status == models.TxFailed {
				action = SettleRecovered
			}
			res = SettleResult{Result: Result{UserID: userID, TransactionID: existing.ID, Delta: existing.CreditsDelta, NewBalance: bal}, Action: action}
		}
		return saveResult(ctx, tx, key, userID, res)
	})
	s.observe(OpSettlePayment, start, err)
	if err != nil {
		return nil, err
	}
	s.log.Info("payment settled",
		"external_reference", st.ExternalRef,
		"user_id", res.UserID,
		"action", res.Action,
		"source", st.Source,
		"replayed", res.Replayed)
	if !res.Replayed && res.Delta != 0 {
		s.notifyBalance(ctx, res.UserID, OpSettlePayment, res.Delta, res.NewBalance)
	}
	return &res, nil
}
