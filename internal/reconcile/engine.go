// Package reconcile compares the payment provider's charges with the ledger's
// purchase transactions, reports every mismatch and repairs the safe subset
// through the ledger's idempotent settlement path.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/ledger"
	"github.com/verdictmarket/backend/internal/metrics"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/notify"
)

const (
	MaxHoursBack         = 720
	MaxProviderRecords   = 1000
	MaxInternalRecords   = 5000
	MaxFixItems          = 100
	DefaultHealthWindow  = 24 * time.Hour
	defaultStuckAfter    = time.Hour
	reconciliationSource = "reconciliation"
)

// Records is the ledger read surface the engine needs. ledger.Store
// satisfies it.
type Records interface {
	PurchasesBetween(ctx context.Context, from, to time.Time, limit int) ([]*models.Transaction, error)
	PaymentStats(ctx context.Context, since, stuckBefore time.Time) (*models.PaymentStats, error)
}

// Settler applies a provider-confirmed payment exactly once.
type Settler interface {
	SettlePayment(ctx context.Context, st ledger.Settlement) (*ledger.SettleResult, error)
}

type Engine struct {
	records  Records
	provider Provider
	settler  Settler
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	// StuckAfter is how long a pending purchase may wait before it is
	// reported without provider confirmation.
	StuckAfter time.Duration
}

func NewEngine(records Records, provider Provider, settler Settler, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		records:    records,
		provider:   provider,
		settler:    settler,
		notifier:   notifier,
		metrics:    m,
		log:        logger,
		now:        func() time.Time { return time.Now().UTC() },
		StuckAfter: defaultStuckAfter,
	}
}

// SetClock overrides the engine's time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

type Summary struct {
	WindowStart            time.Time                      `json:"window_start"`
	WindowEnd              time.Time                      `json:"window_end"`
	HoursBack              int                            `json:"hours_back"`
	Provider               string                         `json:"provider"`
	ProviderRecords        int                            `json:"provider_records"`
	ProviderSucceeded      int                            `json:"provider_succeeded"`
	ProviderTruncated      bool                           `json:"provider_truncated"`
	InternalRecords        int                            `json:"internal_records"`
	Total                  int                            `json:"total"`
	ByType                 map[models.DiscrepancyType]int `json:"by_type"`
	BySeverity             map[models.Severity]int        `json:"by_severity"`
	UncreditedCents        int64                          `json:"uncredited_cents"`
	CrossReferenceComplete bool                           `json:"cross_reference_complete"`
	ProviderError          string                         `json:"provider_error,omitempty"`
}

type Report struct {
	Summary         Summary              `json:"summary"`
	Discrepancies   []models.Discrepancy `json:"discrepancies"`
	Recommendations []string             `json:"recommendations"`
}

// Analyze cross-references the last hoursBack hours. Provider failure does
// not fail the analysis: the report is built from internal data alone and
// Summary.CrossReferenceComplete is false. Only a ledger read failure is an
// error.
func (e *Engine) Analyze(ctx context.Context, hoursBack int) (*Report, error) {
	if hoursBack < 1 || hoursBack > MaxHoursBack {
		return nil, apperr.Validation("reconcile.analyze", "hours_back must be between 1 and %d", MaxHoursBack)
	}
	to := e.now()
	from := to.Add(-time.Duration(hoursBack) * time.Hour)

	internal, err := e.records.PurchasesBetween(ctx, from, to, MaxInternalRecords)
	if err != nil {
		return nil, err
	}

	rep := &Report{Summary: Summary{
		WindowStart:     from,
		WindowEnd:       to,
		HoursBack:       hoursBack,
		InternalRecords: len(internal),
		ByType:          map[models.DiscrepancyType]int{},
		BySeverity:      map[models.Severity]int{},
	}}
	if e.provider != nil {
		rep.Summary.Provider = e.provider.Name()
	}

	var charges []ProviderCharge
	var perr error
	if e.provider == nil {
		perr = apperr.Unavailable("reconcile.provider", fmt.Errorf("no payment provider configured"))
	} else {
		charges, perr = e.provider.ListCharges(ctx, from, to, MaxProviderRecords)
	}

	if perr != nil {
		rep.Summary.ProviderError = perr.Error()
		rep.Discrepancies = e.internalOnly(internal, to)
		e.log.Warn("provider unavailable, reconciliation is partial", "provider", rep.Summary.Provider, "error", perr)
	} else {
		rep.Summary.CrossReferenceComplete = true
		rep.Summary.ProviderRecords = len(charges)
		rep.Summary.ProviderTruncated = len(charges) >= MaxProviderRecords
		rep.Discrepancies = e.crossReference(internal, charges, &rep.Summary, to)
	}

	sortDiscrepancies(rep.Discrepancies)
	for _, d := range rep.Discrepancies {
		rep.Summary.ByType[d.Type]++
		rep.Summary.BySeverity[d.Severity]++
		if d.Type == models.DiscrepancyMissingTransaction || d.Type == models.DiscrepancyPendingTransaction {
			rep.Summary.UncreditedCents += d.Expected
		}
	}
	rep.Summary.Total = len(rep.Discrepancies)
	rep.Recommendations = recommendations(rep)

	e.metrics.SetDiscrepancies(rep.Summary.ByType)
	e.log.Info("reconciliation analysed",
		"hours_back", hoursBack,
		"provider_records", rep.Summary.ProviderRecords,
		"internal_records", rep.Summary.InternalRecords,
		"discrepancies", rep.Summary.Total,
		"complete", rep.Summary.CrossReferenceComplete)
	if rep.Summary.BySeverity[models.SeverityHigh] > 0 || !rep.Summary.CrossReferenceComplete {
		e.notifier.Notify(ctx, notify.Event{
			Type:  notify.EventReconcileFindings,
			Admin: true,
			Payload: map[string]any{
				"total":                    rep.Summary.Total,
				"high":                     rep.Summary.BySeverity[models.SeverityHigh],
				"cross_reference_complete": rep.Summary.CrossReferenceComplete,
			},
		})
	}
	return rep, nil
}

func (e *Engine) crossReference(internal []*models.Transaction, charges []ProviderCharge, sum *Summary, now time.Time) []models.Discrepancy {
	byRef := make(map[string]*models.Transaction, len(internal))
	for _, t := range internal {
		if t.ExternalReference != nil && *t.ExternalReference != "" {
			byRef[*t.ExternalReference] = t
		}
	}

	var out []models.Discrepancy
	for _, c := range charges {
		if !c.Succeeded {
			continue
		}
		sum.ProviderSucceeded++
		base := models.Discrepancy{
			ProviderID: c.ID,
			Expected:   c.AmountCents,
			Credits:    c.Credits,
			Currency:   c.Currency,
			UserID:     c.UserID,
			Verified:   true,
			DetectedAt: now,
		}
		t, ok := byRef[c.ID]
		if !ok {
			if c.UserID == nil {
				base.Type = models.DiscrepancyOrphanedProviderCharge
				base.Severity = models.SeverityMedium
				base.Detail = "succeeded charge has no internal record and no user in its metadata"
			} else {
				base.Type = models.DiscrepancyMissingTransaction
				base.Severity = models.SeverityHigh
				base.Detail = "succeeded charge was never credited"
			}
			out = append(out, base)
			continue
		}

		id, uid := t.ID, t.UserID
		base.TransactionID = &id
		base.UserID = &uid
		base.Actual = t.AmountCents
		if base.Credits == 0 {
			base.Credits = t.CreditsDelta
		}
		switch t.Status {
		case models.TxPending:
			base.Type = models.DiscrepancyPendingTransaction
			base.Severity = models.SeverityMedium
			base.Detail = "provider settled the charge but the purchase is still pending"
		case models.TxFailed:
			base.Type = models.DiscrepancyMissingTransaction
			base.Severity = models.SeverityHigh
			base.Detail = "provider settled the charge but the purchase is marked failed"
		default:
			if t.AmountCents == c.AmountCents {
				continue
			}
			base.Type = models.DiscrepancyAmountMismatch
			base.Severity = models.SeverityMedium
			base.Detail = fmt.Sprintf("provider settled %d cents, ledger recorded %d", c.AmountCents, t.AmountCents)
		}
		out = append(out, base)
	}
	return out
}

// internalOnly reports pending purchases older than StuckAfter. They cannot
// be confirmed against the provider, so none is Verified.
func (e *Engine) internalOnly(internal []*models.Transaction, now time.Time) []models.Discrepancy {
	var out []models.Discrepancy
	for _, t := range internal {
		if t.Status != models.TxPending || now.Sub(t.CreatedAt) < e.StuckAfter {
			continue
		}
		id, uid := t.ID, t.UserID
		d := models.Discrepancy{
			Type:          models.DiscrepancyPendingTransaction,
			Severity:      models.SeverityMedium,
			UserID:        &uid,
			TransactionID: &id,
			Actual:        t.AmountCents,
			Credits:       t.CreditsDelta,
			Verified:      false,
			Detail:        fmt.Sprintf("purchase pending for %s; provider state unknown", now.Sub(t.CreatedAt).Round(time.Minute)),
			DetectedAt:    now,
		}
		if t.ExternalReference != nil {
			d.ProviderID = *t.ExternalReference
		}
		out = append(out, d)
	}
	return out
}

func typeRank(t models.DiscrepancyType) int {
	switch t {
	case models.DiscrepancyMissingTransaction:
		return 0
	case models.DiscrepancyPendingTransaction:
		return 1
	case models.DiscrepancyAmountMismatch:
		return 2
	}
	return 3
}

// sortDiscrepancies orders by severity, then type, then provider id, so the
// same inputs always produce the same report.
func sortDiscrepancies(ds []models.Discrepancy) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if typeRank(a.Type) != typeRank(b.Type) {
			return typeRank(a.Type) < typeRank(b.Type)
		}
		if a.ProviderID != b.ProviderID {
			return a.ProviderID < b.ProviderID
		}
		return transactionKey(a) < transactionKey(b)
	})
}

func transactionKey(d models.Discrepancy) string {
	if d.TransactionID == nil {
		return ""
	}
	return d.TransactionID.String()
}

func recommendations(rep *Report) []string {
	var out []string
	s := rep.Summary
	if !s.CrossReferenceComplete {
		out = append(out, "Payment provider was unreachable; re-run the analysis before acting on pending items.")
	}
	if n := s.ByType[models.DiscrepancyMissingTransaction]; n > 0 {
		out = append(out, fmt.Sprintf("%d paid charge(s) were never credited; run auto-fix to credit them.", n))
	}
	if n := s.ByType[models.DiscrepancyPendingTransaction]; n > 0 {
		if s.CrossReferenceComplete {
			out = append(out, fmt.Sprintf("%d purchase(s) are stuck pending although the provider settled them; run auto-fix and check webhook delivery.", n))
		} else {
			out = append(out, fmt.Sprintf("%d purchase(s) have been pending for over an hour.", n))
		}
	}
	if n := s.ByType[models.DiscrepancyAmountMismatch]; n > 0 {
		out = append(out, fmt.Sprintf("%d purchase(s) differ in amount from the provider; review manually for fraud or pricing errors.", n))
	}
	if n := s.ByType[models.DiscrepancyOrphanedProviderCharge]; n > 0 {
		out = append(out, fmt.Sprintf("%d charge(s) have no owner; match them to users by hand before crediting.", n))
	}
	if s.ProviderTruncated {
		out = append(out, fmt.Sprintf("Provider listing hit the %d record cap; narrow the window.", MaxProviderRecords))
	}
	if len(out) == 0 {
		out = append(out, "No action needed.")
	}
	return out
}

// Fix outcomes.
const (
	FixFixed    = "fixed"
	FixReplayed = "replayed"
	FixSkipped  = "skipped"
	FixError    = "error"
)

type FixItem struct {
	ProviderID    string                 `json:"provider_id"`
	Type          models.DiscrepancyType `json:"type"`
	Outcome       string                 `json:"outcome"`
	Action        ledger.SettleAction    `json:"action,omitempty"`
	TransactionID *uuid.UUID             `json:"transaction_id,omitempty"`
	NewBalance    *int64                 `json:"new_balance,omitempty"`
	Detail        string                 `json:"detail,omitempty"`
}

type FixReport struct {
	Fixed    int       `json:"fixed"`
	Replayed int       `json:"replayed"`
	Skipped  int       `json:"skipped"`
	Errors   int       `json:"errors"`
	Items    []FixItem `json:"items"`
}

// Fixable reports whether AutoFix may act on d.
func Fixable(d models.Discrepancy) (bool, string) {
	switch d.Type {
	case models.DiscrepancyMissingTransaction, models.DiscrepancyPendingTransaction:
	default:
		return false, "requires manual review"
	}
	switch {
	case !d.Verified:
		return false, "not confirmed by the provider"
	case d.ProviderID == "":
		return false, "no provider reference"
	case d.UserID == nil:
		return false, "no user to credit"
	case d.Type == models.DiscrepancyMissingTransaction && d.TransactionID == nil && d.Credits <= 0:
		return false, "provider metadata carries no credit amount"
	}
	return true, ""
}

// FixableOnly returns the items Fixable accepts, in order. Callers filter
// before AutoFix so skipped items do not use up the MaxFixItems budget.
func FixableOnly(items []models.Discrepancy) []models.Discrepancy {
	var out []models.Discrepancy
	for _, d := range items {
		if ok, _ := Fixable(d); ok {
			out = append(out, d)
		}
	}
	return out
}

// AutoFix settles missing and pending purchases through the ledger, keyed by
// provider id, so repeating a fix never credits twice. Amount mismatches and
// orphaned charges are always skipped. At most MaxFixItems are processed; an
// error on one item does not stop the rest.
func (e *Engine) AutoFix(ctx context.Context, items []models.Discrepancy) (*FixReport, error) {
	if e.settler == nil {
		return nil, apperr.Unavailable("reconcile.fix", fmt.Errorf("no ledger configured"))
	}
	rep := &FixReport{Items: make([]FixItem, 0, len(items))}
	for i, d := range items {
		item := FixItem{ProviderID: d.ProviderID, Type: d.Type}
		switch ok, why := Fixable(d); {
		case i >= MaxFixItems:
			item.Outcome, item.Detail = FixSkipped, fmt.Sprintf("over the %d item limit", MaxFixItems)
		case ctx.Err() != nil:
			item.Outcome, item.Detail = FixSkipped, "cancelled"
		case !ok:
			item.Outcome, item.Detail = FixSkipped, why
		default:
			e.fixOne(ctx, d, &item)
		}
		switch item.Outcome {
		case FixFixed:
			rep.Fixed++
		case FixReplayed:
			rep.Replayed++
		case FixSkipped:
			rep.Skipped++
		case FixError:
			rep.Errors++
		}
		e.metrics.AutoFix(item.Outcome)
		rep.Items = append(rep.Items, item)
	}
	e.log.Info("reconciliation auto-fix finished",
		"fixed", rep.Fixed,
		"replayed", rep.Replayed,
		"skipped", rep.Skipped,
		"errors", rep.Errors)
	return rep, nil
}

func (e *Engine) fixOne(ctx context.Context, d models.Discrepancy, item *FixItem) {
	res, err := e.settler.SettlePayment(ctx, ledger.Settlement{
		ExternalRef: d.ProviderID,
		UserID:      *d.UserID,
		Credits:     d.Credits,
		AmountCents: d.Expected,
		Source:      reconciliationSource,
	})
	if err != nil {
		item.Outcome = FixError
		item.Detail = err.Error()
		e.log.Error("auto-fix failed", "provider_id", d.ProviderID, "type", d.Type, "error", err)
		return
	}
	txID, bal := res.TransactionID, res.NewBalance
	item.TransactionID = &txID
	item.NewBalance = &bal
	item.Action = res.Action
	if res.Replayed || res.Action == ledger.SettleAlreadySettled {
		item.Outcome = FixReplayed
		return
	}
	item.Outcome = FixFixed
}

type HealthReport struct {
	WindowHours    int       `json:"window_hours"`
	Completed      int       `json:"completed"`
	Pending        int       `json:"pending"`
	Failed         int       `json:"failed"`
	StuckPending   int       `json:"stuck_pending"`
	SettledCents   int64     `json:"settled_cents"`
	SettledCredits int64     `json:"settled_credits"`
	SuccessRate    float64   `json:"success_rate"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Health aggregates purchase outcomes over window. It only reads.
func (e *Engine) Health(ctx context.Context, window time.Duration) (*HealthReport, error) {
	if window <= 0 {
		window = DefaultHealthWindow
	}
	now := e.now()
	st, err := e.records.PaymentStats(ctx, now.Add(-window), now.Add(-e.StuckAfter))
	if err != nil {
		return nil, err
	}
	h := &HealthReport{
		WindowHours:    int(window / time.Hour),
		Completed:      st.Completed,
		Pending:        st.Pending,
		Failed:         st.Failed,
		StuckPending:   st.StuckPending,
		SettledCents:   st.SettledCents,
		SettledCredits: st.SettledCredits,
		GeneratedAt:    now,
	}
	if finished := st.Completed + st.Failed; finished > 0 {
		h.SuccessRate = float64(st.Completed) / float64(finished)
	}
	e.metrics.SetPaymentStats(st)
	return h, nil
}

// Run analyses the window and, when autoFix is set, repairs what it can.
// It is the body of the scheduled reconciliation job.
func (e *Engine) Run(ctx context.Context, hoursBack int, autoFix bool) (*Report, *FixReport, error) {
	rep, err := e.Analyze(ctx, hoursBack)
	if err != nil {
		return nil, nil, err
	}
	if !autoFix {
		return rep, nil, nil
	}
	fixable := FixableOnly(rep.Discrepancies)
	if len(fixable) == 0 {
		return rep, &FixReport{}, nil
	}
	fix, err := e.AutoFix(ctx, fixable)
	return rep, fix, err
}
