package models

import (
	"time"

	"github.com/google/uuid"
)

type DiscrepancyType string

const (
	DiscrepancyMissingTransaction     DiscrepancyType = "missing_transaction"
	DiscrepancyPendingTransaction     DiscrepancyType = "pending_transaction"
	DiscrepancyAmountMismatch         DiscrepancyType = "amount_mismatch"
	DiscrepancyOrphanedProviderCharge DiscrepancyType = "orphaned_provider_charge"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Rank orders severities for sorting; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Discrepancy is one mismatch between the provider and the internal ledger.
// Expected is the provider's view and Actual the ledger's, both in cents.
type Discrepancy struct {
	Type          DiscrepancyType `json:"type"`
	Severity      Severity        `json:"severity"`
	UserID        *uuid.UUID      `json:"user_id,omitempty"`
	ProviderID    string          `json:"provider_id,omitempty"`
	TransactionID *uuid.UUID      `json:"transaction_id,omitempty"`
	Expected      int64           `json:"expected"`
	Actual        int64           `json:"actual"`
	Credits       int64           `json:"credits,omitempty"`
	Currency      string          `json:"currency,omitempty"`
	Verified      bool            `json:"verified"`
	Detail        string          `json:"detail"`
	DetectedAt    time.Time       `json:"detected_at"`
}
