package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TxPurchase        TransactionType = "purchase"
	TxDeduction       TransactionType = "deduction"
	TxRefund          TransactionType = "refund"
	TxBonus           TransactionType = "bonus"
	TxAdminAdjustment TransactionType = "admin_adjustment"
	TxTip             TransactionType = "tip"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Balance is the single balance row per user. Credits never go negative.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Credits   int64     `json:"credits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an append-only ledger entry. Only its status moves, and only
// out of pending.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	UserID            uuid.UUID         `json:"user_id"`
	Type              TransactionType   `json:"type"`
	CreditsDelta      int64             `json:"credits_delta"`
	AmountCents       int64             `json:"amount_cents"`
	Status            TransactionStatus `json:"status"`
	ExternalReference *string           `json:"external_reference,omitempty"`
	Metadata          json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// IdempotencyRecord remembers the result of a mutation keyed by the caller's
// operation id.
type IdempotencyRecord struct {
	Key       string          `json:"key"`
	UserID    uuid.UUID       `json:"user_id"`
	Operation string          `json:"operation"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditRecord is an immutable record of a privileged mutation.
type AuditRecord struct {
	ID           uuid.UUID       `json:"id"`
	ActorID      uuid.UUID       `json:"actor_id"`
	TargetUserID uuid.UUID       `json:"target_user_id"`
	Action       string          `json:"action"`
	BeforeState  json.RawMessage `json:"before_state"`
	AfterState   json.RawMessage `json:"after_state"`
	Reason       string          `json:"reason"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PaymentStats aggregates purchase transactions over a trailing window.
type PaymentStats struct {
	Completed      int   `json:"completed"`
	Pending        int   `json:"pending"`
	Failed         int   `json:"failed"`
	StuckPending   int   `json:"stuck_pending"`
	SettledCents   int64 `json:"settled_cents"`
	SettledCredits int64 `json:"settled_credits"`
}
