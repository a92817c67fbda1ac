package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/audit"
	"github.com/verdictmarket/backend/internal/ledger"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/notify"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *ledger.MemoryStore
	ledger   *ledger.Service
	provider *StaticProvider
	notifier *notify.Recorder
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    ledger.NewMemoryStore(),
		provider: &StaticProvider{},
		notifier: &notify.Recorder{},
	}
	h.store.SetClock(func() time.Time { return now.Add(-30 * time.Minute) })
	h.ledger = ledger.NewService(h.store, &audit.MemoryWriter{}, nil, nil, ledger.Config{}, nil)
	h.engine = NewEngine(h.store, h.provider, h.ledger, h.notifier, nil, nil)
	h.engine.SetClock(func() time.Time { return now })
	return h
}

func (h *harness) user(t *testing.T) uuid.UUID {
	t.Helper()
	id := uuid.New()
	h.store.Seed(id, 0)
	return id
}

func (h *harness) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.Credits
}

func charge(id string, cents int64, user *uuid.UUID, credits int64) ProviderCharge {
	return ProviderCharge{
		ID:          id,
		AmountCents: cents,
		Currency:    "usd",
		Status:      "succeeded",
		Succeeded:   true,
		CreatedAt:   now.Add(-2 * time.Hour),
		UserID:      user,
		Credits:     credits,
	}
}

func TestMissingTransactionIsReportedAndFixedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user(t)
	h.provider.Charges = []ProviderCharge{charge("pi_500", 500, &u, 5)}

	rep, err := h.engine.Analyze(ctx, 24)
	require.NoError(t, err)
	require.True(t, rep.Summary.CrossReferenceComplete)
	require.Len(t, rep.Discrepancies, 1)
	d := rep.Discrepancies[0]
	require.Equal(t, models.DiscrepancyMissingTransaction, d.Type)
	require.Equal(t, models.SeverityHigh, d.Severity)
	require.Equal(t, int64(500), d.Expected)
	require.Equal(t, int64(500), rep.Summary.UncreditedCents)
	require.Len(t, h.notifier.OfType(notify.EventReconcileFindings), 1)

	fix, err := h.engine.AutoFix(ctx, rep.Discrepancies)
	require.NoError(t, err)
	require.Equal(t, 1, fix.Fixed)
	require.Equal(t, ledger.SettleCreated, fix.Items[0].Action)
	require.Equal(t, int64(5), h.balance(t, u))

	var purchases []models.Transaction
	for _, txn := range h.store.Transactions() {
		if txn.UserID == u && txn.Type == models.TxPurchase {
			purchases = append(purchases, txn)
		}
	}
	require.Len(t, purchases, 1)
	require.Equal(t, models.TxCompleted, purchases[0].Status)
	require.Equal(t, "pi_500", *purchases[0].ExternalReference)

	again, err := h.engine.AutoFix(ctx, rep.Discrepancies)
	require.NoError(t, err)
	require.Equal(t, 0, again.Fixed)
	require.Equal(t, 1, again.Replayed)
	require.Equal(t, int64(5), h.balance(t, u), "a second fix must not credit again")

	after, err := h.engine.Analyze(ctx, 24)
	require.NoError(t, err)
	require.Empty(t, after.Discrepancies)
}

func TestClassification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user(t)

	_, err := h.ledger.RecordPendingPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 3, AmountCents: 300, ExternalRef: "pi_pending"})
	require.NoError(t, err)
	_, err = h.ledger.RecordPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 4, AmountCents: 400, ExternalRef: "pi_short"})
	require.NoError(t, err)
	_, err = h.ledger.RecordPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 1, AmountCents: 100, ExternalRef: "pi_ok"})
	require.NoError(t, err)
	_, err = h.ledger.RecordPendingPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 2, AmountCents: 200, ExternalRef: "pi_failed"})
	require.NoError(t, err)
	_, err = h.ledger.FailPendingByReference(ctx, "pi_failed")
	require.NoError(t, err)

	declined := charge("pi_declined", 900, &u, 9)
	declined.Succeeded, declined.Status = false, "requires_payment_method"
	h.provider.Charges = []ProviderCharge{
		charge("pi_pending", 300, &u, 3),
		charge("pi_short", 450, &u, 4),
		charge("pi_ok", 100, &u, 1),
		charge("pi_failed", 200, &u, 2),
		charge("pi_orphan", 700, nil, 0),
		declined,
	}

	rep, err := h.engine.Analyze(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, 5, rep.Summary.ProviderSucceeded)

	got := make([]string, 0, len(rep.Discrepancies))
	for _, d := range rep.Discrepancies {
		got = append(got, string(d.Type)+"/"+d.ProviderID)
	}
	require.Equal(t, []string{
		"missing_transaction/pi_failed",
		"pending_transaction/pi_pending",
		"amount_mismatch/pi_short",
		"orphaned_provider_charge/pi_orphan",
	}, got)

	mismatch := rep.Discrepancies[2]
	require.Equal(t, int64(450), mismatch.Expected)
	require.Equal(t, int64(400), mismatch.Actual)

	again, err := h.engine.Analyze(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, rep.Discrepancies, again.Discrepancies, "reports must be deterministic")
}

func TestAutoFixNeverTouchesManualReviewTypes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user(t)
	_, err := h.ledger.RecordPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 4, AmountCents: 400, ExternalRef: "pi_short"})
	require.NoError(t, err)
	h.provider.Charges = []ProviderCharge{
		charge("pi_short", 450, &u, 4),
		charge("pi_orphan", 700, nil, 7),
	}

	rep, err := h.engine.Analyze(ctx, 24)
	require.NoError(t, err)
	require.Len(t, rep.Discrepancies, 2)

	// Even a forged user on an orphan is not acted on.
	forged := rep.Discrepancies
	forged[1].UserID = &u

	fix, err := h.engine.AutoFix(ctx, forged)
	require.NoError(t, err)
	require.Equal(t, 0, fix.Fixed)
	require.Equal(t, 2, fix.Skipped)
	require.Equal(t, int64(4), h.balance(t, u))
}

func TestProviderOutageYieldsPartialReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user(t)
	h.provider.Err = apperr.Unavailable("stripe.list", errors.New("503 from upstream"))

	ref := "pi_stuck"
	h.store.InsertRaw(models.Transaction{
		UserID: u, Type: models.TxPurchase, CreditsDelta: 5, AmountCents: 500,
		Status: models.TxPending, ExternalReference: &ref, CreatedAt: now.Add(-3 * time.Hour),
	})
	_, err := h.ledger.RecordPendingPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 1, AmountCents: 100, ExternalRef: "pi_recent"})
	require.NoError(t, err)

	rep, err := h.engine.Analyze(ctx, 24)
	require.NoError(t, err, "a provider outage must not fail the analysis")
	require.False(t, rep.Summary.CrossReferenceComplete)
	require.NotEmpty(t, rep.Summary.ProviderError)
	require.Len(t, rep.Discrepancies, 1)
	require.Equal(t, "pi_stuck", rep.Discrepancies[0].ProviderID)
	require.False(t, rep.Discrepancies[0].Verified)

	fix, err := h.engine.AutoFix(ctx, rep.Discrepancies)
	require.NoError(t, err)
	require.Equal(t, 1, fix.Skipped)
	require.Equal(t, int64(0), h.balance(t, u))
}

func TestAutoFixCapsItemsPerCall(t *testing.T) {
	h := newHarness(t)
	u := h.user(t)
	items := make([]models.Discrepancy, MaxFixItems+5)
	for i := range items {
		items[i] = models.Discrepancy{
			Type:       models.DiscrepancyMissingTransaction,
			ProviderID: "pi_" + uuid.NewString(),
			UserID:     &u,
			Credits:    1,
			Expected:   100,
			Verified:   true,
		}
	}
	fix, err := h.engine.AutoFix(context.Background(), items)
	require.NoError(t, err)
	require.Equal(t, MaxFixItems, fix.Fixed)
	require.Equal(t, 5, fix.Skipped)
	require.Equal(t, int64(MaxFixItems), h.balance(t, u))
}

func TestRunAppliesOnlySafeFixes(t *testing.T) {
	h := newHarness(t)
	u := h.user(t)
	h.provider.Charges = []ProviderCharge{
		charge("pi_a", 200, &u, 2),
		charge("pi_orphan", 700, nil, 7),
	}
	rep, fix, err := h.engine.Run(context.Background(), 24, true)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Summary.Total)
	require.Equal(t, 1, fix.Fixed)
	require.Equal(t, int64(2), h.balance(t, u))
}

func TestAnalyzeRejectsBadWindow(t *testing.T) {
	h := newHarness(t)
	for _, hours := range []int{0, -1, MaxHoursBack + 1} {
		_, err := h.engine.Analyze(context.Background(), hours)
		require.ErrorIs(t, err, apperr.ErrValidation)
	}
	require.Equal(t, 0, h.provider.Calls())
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.user(t)
	_, err := h.ledger.RecordPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 5, AmountCents: 500, ExternalRef: "pi_1"})
	require.NoError(t, err)
	_, err = h.ledger.RecordPendingPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 2, AmountCents: 200, ExternalRef: "pi_2"})
	require.NoError(t, err)
	_, err = h.ledger.RecordPendingPurchase(ctx, ledger.PurchaseRequest{UserID: u, Credits: 2, AmountCents: 200, ExternalRef: "pi_3"})
	require.NoError(t, err)
	_, err = h.ledger.FailPendingByReference(ctx, "pi_3")
	require.NoError(t, err)
	ref := "pi_old"
	h.store.InsertRaw(models.Transaction{
		UserID: u, Type: models.TxPurchase, CreditsDelta: 1, AmountCents: 100,
		Status: models.TxPending, ExternalReference: &ref, CreatedAt: now.Add(-5 * time.Hour),
	})

	rep, err := h.engine.Health(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Completed)
	require.Equal(t, 2, rep.Pending)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, 1, rep.StuckPending)
	require.Equal(t, int64(500), rep.SettledCents)
	require.InDelta(t, 0.5, rep.SuccessRate, 1e-9)
}

func TestParseMetadata(t *testing.T) {
	id := uuid.New()
	u, credits := ParseMetadata(map[string]string{MetadataUserID: id.String(), MetadataCredits: "12"})
	require.NotNil(t, u)
	require.Equal(t, id, *u)
	require.Equal(t, int64(12), credits)

	u, credits = ParseMetadata(map[string]string{MetadataUserID: "not-a-uuid", MetadataCredits: "-3"})
	require.Nil(t, u)
	require.Zero(t, credits)
}
