package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/audit"
	"github.com/verdictmarket/backend/internal/auth"
	"github.com/verdictmarket/backend/internal/ledger"
	"github.com/verdictmarket/backend/internal/middleware"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/reconcile"
	"github.com/verdictmarket/backend/internal/routing"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (e *recordingEnqueuer) EnqueueRoute(_ context.Context, id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
	return nil
}

type fixture struct {
	ledgerStore  *ledger.MemoryStore
	auditWriter  *audit.MemoryWriter
	ledger       *ledger.Service
	routingStore *routing.MemoryStore
	provider     *reconcile.StaticProvider
	enqueuer     *recordingEnqueuer

	credits  *CreditsHandler
	requests *RequestsHandler
	recon    *ReconciliationHandler
	webhook  *StripeWebhookHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ledgerStore:  ledger.NewMemoryStore(),
		auditWriter:  &audit.MemoryWriter{},
		routingStore: routing.NewMemoryStore(),
		provider:     &reconcile.StaticProvider{},
		enqueuer:     &recordingEnqueuer{},
	}
	f.ledger = ledger.NewService(f.ledgerStore, f.auditWriter, nil, nil, ledger.Config{}, logger)
	router := routing.NewService(f.routingStore, nil, nil, routing.Config{}, logger)
	engine := reconcile.NewEngine(f.ledgerStore, f.provider, f.ledger, nil, nil, logger)

	f.credits = &CreditsHandler{Ledger: f.ledger, Audit: f.auditWriter, Logger: logger}
	f.requests = &RequestsHandler{Router: router, Charger: f.ledger, Enqueuer: f.enqueuer, Logger: logger}
	f.recon = &ReconciliationHandler{Engine: engine, Logger: logger}
	f.webhook = &StripeWebhookHandler{Settler: f.ledger, Secret: "whsec_test", Logger: logger}
	return f
}

func (f *fixture) user(credits int64) uuid.UUID {
	id := uuid.New()
	f.ledgerStore.Seed(id, credits)
	return id
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b.Credits
}

// serve routes one request through a mux so path values resolve.
func serve(h http.HandlerFunc, pattern, method, path, body string, p *auth.Principal) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if p != nil {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func as(id uuid.UUID) *auth.Principal { return &auth.Principal{UserID: id} }

func asAdmin() *auth.Principal { return &auth.Principal{UserID: uuid.New(), IsAdmin: true} }

// ---------------------------------------------------------------------------
// Credits
// ---------------------------------------------------------------------------

func TestDeductInsufficientCreditsIs402WithBalances(t *testing.T) {
	f := newFixture(t)
	u := f.user(1)

	rec := serve(f.credits.Deduct, "POST /v1/credits/deduct", http.MethodPost, "/v1/credits/deduct",
		`{"amount":2,"idempotency_key":"d-1"}`, as(u))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	decodeBody(t, rec, &body)
	if body.Kind != apperr.KindInsufficientCredits {
		t.Errorf("kind: got %q", body.Kind)
	}
	if body.Details["current_balance"] != float64(1) || body.Details["requested"] != float64(2) {
		t.Errorf("expected balance details, got %v", body.Details)
	}
	if got := f.balance(t, u); got != 1 {
		t.Errorf("balance changed to %d", got)
	}
}

func TestDeductReplayReturnsFirstResult(t *testing.T) {
	f := newFixture(t)
	u := f.user(5)
	body := `{"amount":1,"idempotency_key":"same-key"}`

	first := serve(f.credits.Deduct, "POST /v1/credits/deduct", http.MethodPost, "/v1/credits/deduct", body, as(u))
	second := serve(f.credits.Deduct, "POST /v1/credits/deduct", http.MethodPost, "/v1/credits/deduct", body, as(u))
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("codes: %d %d", first.Code, second.Code)
	}
	var a, b ledger.Result
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	if a.TransactionID != b.TransactionID || !b.Replayed || a.Replayed {
		t.Fatalf("expected replay of %s, got %+v", a.TransactionID, b)
	}
	if got := f.balance(t, u); got != 4 {
		t.Errorf("expected balance 4, got %d", got)
	}
}

func TestDeductRejectsSystemKey(t *testing.T) {
	f := newFixture(t)
	u := f.user(5)

	rec := serve(f.credits.Deduct, "POST /v1/credits/deduct", http.MethodPost, "/v1/credits/deduct",
		`{"amount":1,"idempotency_key":"sys:payment:pi_1"}`, as(u))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.balance(t, u); got != 5 {
		t.Errorf("balance changed to %d", got)
	}
}

func TestDeductRequiresPrincipal(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.credits.Deduct, "POST /v1/credits/deduct", http.MethodPost, "/v1/credits/deduct",
		`{"amount":1,"idempotency_key":"k"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminAdjustSetsBalanceAndAudits(t *testing.T) {
	f := newFixture(t)
	u := f.user(4)
	admin := asAdmin()
	body := fmt.Sprintf(`{"user_id":%q,"credits":10,"reason":"customer support refund","idempotency_key":"adj-1"}`, u)

	rec := serve(f.credits.Adjust, "POST /v1/admin/credits/adjust", http.MethodPost, "/v1/admin/credits/adjust", body, admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res ledger.AdjustResult
	decodeBody(t, rec, &res)
	if res.OldBalance != 4 || res.NewBalance != 10 || res.Delta != 6 || res.Audit != ledger.AuditWritten {
		t.Fatalf("unexpected result %+v", res)
	}

	logRec := serve(f.credits.AuditLog, "GET /v1/admin/users/{id}/audit", http.MethodGet, "/v1/admin/users/"+u.String()+"/audit", "", admin)
	var logBody struct {
		Records []models.AuditRecord `json:"records"`
	}
	decodeBody(t, logRec, &logBody)
	if len(logBody.Records) != 1 || logBody.Records[0].ActorID != admin.UserID {
		t.Fatalf("expected one audit record by the admin, got %+v", logBody.Records)
	}
}

func TestAdjustByNonAdminIsForbidden(t *testing.T) {
	f := newFixture(t)
	u := f.user(4)
	body := fmt.Sprintf(`{"user_id":%q,"credits":100,"reason":"i would like more","idempotency_key":"adj-2"}`, u)

	rec := serve(f.credits.Adjust, "POST /v1/admin/credits/adjust", http.MethodPost, "/v1/admin/credits/adjust", body, as(u))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := f.balance(t, u); got != 4 {
		t.Errorf("balance changed to %d", got)
	}
}

func TestAdjustAuditFailureStillReturns200(t *testing.T) {
	f := newFixture(t)
	f.auditWriter.Err = errors.New("audit store down")
	u := f.user(4)
	body := fmt.Sprintf(`{"user_id":%q,"credits":1,"reason":"chargeback correction","idempotency_key":"adj-3"}`, u)

	rec := serve(f.credits.Adjust, "POST /v1/admin/credits/adjust", http.MethodPost, "/v1/admin/credits/adjust", body, asAdmin())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res ledger.AdjustResult
	decodeBody(t, rec, &res)
	if res.Audit != ledger.AuditFailed || res.AuditError == "" {
		t.Fatalf("expected audit failure flag, got %+v", res)
	}
	if got := f.balance(t, u); got != 1 {
		t.Errorf("adjustment should stand, balance %d", got)
	}
}

func TestTipRejectsBadRecipient(t *testing.T) {
	f := newFixture(t)
	u := f.user(5)
	rec := serve(f.credits.Tip, "POST /v1/credits/tip", http.MethodPost, "/v1/credits/tip",
		`{"to_user_id":"nope","amount":1,"idempotency_key":"t-1"}`, as(u))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestVerifyLedgerReportsConsistency(t *testing.T) {
	f := newFixture(t)
	u := f.user(0)
	_, err := f.ledger.Grant(context.Background(), ledger.Mutation{UserID: u, Amount: 3, Key: "g-1", Reason: "judge bonus"})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	rec := serve(f.credits.VerifyLedger, "GET /v1/admin/users/{id}/ledger/verify", http.MethodGet,
		"/v1/admin/users/"+u.String()+"/ledger/verify", "", asAdmin())
	var rep ledger.IdentityReport
	decodeBody(t, rec, &rep)
	if !rep.Consistent || rep.Balance != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func TestSubmitChargesOnceAndQueues(t *testing.T) {
	f := newFixture(t)
	u := f.user(10)
	body := `{"request_tier":"pro","target_verdict_count":3,"idempotency_key":"sub-1"}`

	first := serve(f.requests.Submit, "POST /v1/requests", http.MethodPost, "/v1/requests", body, as(u))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := serve(f.requests.Submit, "POST /v1/requests", http.MethodPost, "/v1/requests", body, as(u))
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", second.Code, second.Body.String())
	}
	var a, b routing.Submission
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	if a.Request.ID != b.Request.ID || !b.Replayed {
		t.Fatalf("replay should return the same request: %s vs %s", a.Request.ID, b.Request.ID)
	}
	if got := f.balance(t, u); got != 10-routing.TierCost[models.TierPro] {
		t.Errorf("expected a single charge, balance %d", got)
	}
	if len(f.enqueuer.ids) == 0 || f.enqueuer.ids[0] != a.Request.ID {
		t.Errorf("request not queued: %v", f.enqueuer.ids)
	}
}

func TestRequestsOfOtherUsersAreHidden(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	id := uuid.New()
	f.routingStore.PutRequest(models.Request{ID: id, UserID: owner, Tier: models.TierStandard, Status: models.RequestOpen, TargetVerdictCount: 3, CreatedAt: time.Now()})

	rec := serve(f.requests.GetRequest, "GET /v1/requests/{id}", http.MethodGet, "/v1/requests/"+id.String(), "", as(uuid.New()))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a stranger, got %d", rec.Code)
	}
	rec = serve(f.requests.GetRequest, "GET /v1/requests/{id}", http.MethodGet, "/v1/requests/"+id.String(), "", as(owner))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the owner, got %d", rec.Code)
	}
}

func TestRouteTwiceReportsAlreadyRouted(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()
	id := uuid.New()
	f.routingStore.PutRequest(models.Request{ID: id, UserID: owner, Tier: models.TierStandard, Status: models.RequestOpen, TargetVerdictCount: 1, CreatedAt: time.Now()})
	f.routingStore.PutReviewer(models.ReviewerProfile{UserID: uuid.New(), Available: true, DailyCap: 5, QualityScore: 0.9, CreatedAt: time.Now()})

	path := "/v1/requests/" + id.String() + "/route"
	first := serve(f.requests.Route, "POST /v1/requests/{id}/route", http.MethodPost, path, "", as(owner))
	second := serve(f.requests.Route, "POST /v1/requests/{id}/route", http.MethodPost, path, "", as(owner))
	var a, b routing.Outcome
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	if !a.Routed || a.AlreadyRouted {
		t.Fatalf("first route: %+v", a)
	}
	if !b.AlreadyRouted {
		t.Fatalf("second route should report already routed: %+v", b)
	}
}

func TestPoolPreviewExcludesCaller(t *testing.T) {
	f := newFixture(t)
	caller := uuid.New()
	f.routingStore.PutReviewer(models.ReviewerProfile{UserID: caller, Available: true, DailyCap: 5, CreatedAt: time.Now()})
	f.routingStore.PutReviewer(models.ReviewerProfile{UserID: uuid.New(), Available: true, DailyCap: 5, CreatedAt: time.Now()})

	rec := serve(f.requests.PoolPreview, "POST /v1/requests/pool-preview", http.MethodPost, "/v1/requests/pool-preview",
		`{"request_tier":"community","target_verdict_count":1}`, as(caller))
	var prev routing.PoolPreview
	decodeBody(t, rec, &prev)
	if prev.PoolSize != 1 {
		t.Fatalf("expected pool of 1 without the caller, got %d", prev.PoolSize)
	}
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

func TestFixRecomputesAndNarrowsByProviderID(t *testing.T) {
	f := newFixture(t)
	a, b := f.user(0), f.user(0)
	created := time.Now().Add(-time.Hour)
	f.provider.Charges = []reconcile.ProviderCharge{
		{ID: "pi_a", AmountCents: 500, Currency: "usd", Status: "succeeded", Succeeded: true, CreatedAt: created, UserID: &a, Credits: 5},
		{ID: "pi_b", AmountCents: 300, Currency: "usd", Status: "succeeded", Succeeded: true, CreatedAt: created, UserID: &b, Credits: 3},
	}

	rec := serve(f.recon.Fix, "POST /v1/admin/reconciliation/fix", http.MethodPost, "/v1/admin/reconciliation/fix",
		`{"hours_back":24,"provider_ids":["pi_a","pi_forged"]}`, asAdmin())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp fixResponse
	decodeBody(t, rec, &resp)
	if resp.Fix.Fixed != 1 || len(resp.Fix.Items) != 1 || resp.Fix.Items[0].ProviderID != "pi_a" {
		t.Fatalf("expected only pi_a fixed, got %+v", resp.Fix)
	}
	if f.balance(t, a) != 5 || f.balance(t, b) != 0 {
		t.Fatalf("balances: a=%d b=%d", f.balance(t, a), f.balance(t, b))
	}
}

// listedReconciler returns a fixed report and records what AutoFix receives.
type listedReconciler struct {
	report *reconcile.Report
	fixed  []models.Discrepancy
}

func (r *listedReconciler) Analyze(context.Context, int) (*reconcile.Report, error) {
	return r.report, nil
}

func (r *listedReconciler) AutoFix(_ context.Context, items []models.Discrepancy) (*reconcile.FixReport, error) {
	r.fixed = append(r.fixed, items...)
	return &reconcile.FixReport{Fixed: len(items)}, nil
}

func (r *listedReconciler) Health(context.Context, time.Duration) (*reconcile.HealthReport, error) {
	return &reconcile.HealthReport{}, nil
}

func TestFixPassesOnlyFixableItems(t *testing.T) {
	u := uuid.New()
	var ds []models.Discrepancy
	for i := 0; i < reconcile.MaxFixItems+5; i++ {
		ds = append(ds, models.Discrepancy{
			Type:       models.DiscrepancyAmountMismatch,
			ProviderID: fmt.Sprintf("pi_mismatch_%03d", i),
			UserID:     &u,
			Verified:   true,
		})
	}
	ds = append(ds, models.Discrepancy{
		Type:       models.DiscrepancyMissingTransaction,
		ProviderID: "pi_missing",
		UserID:     &u,
		Credits:    5,
		Verified:   true,
	})
	engine := &listedReconciler{report: &reconcile.Report{Discrepancies: ds}}
	h := &ReconciliationHandler{Engine: engine, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	rec := serve(h.Fix, "POST /v1/admin/reconciliation/fix", http.MethodPost, "/v1/admin/reconciliation/fix", `{}`, asAdmin())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(engine.fixed) != 1 || engine.fixed[0].ProviderID != "pi_missing" {
		t.Fatalf("AutoFix must receive only the missing purchase, got %d items", len(engine.fixed))
	}
}

func TestAnalyzeRejectsWindowOverMax(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.recon.Analyze, "POST /v1/admin/reconciliation/analyze", http.MethodPost, "/v1/admin/reconciliation/analyze",
		`{"hours_back":1000}`, asAdmin())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthDefaultsWindow(t *testing.T) {
	f := newFixture(t)
	rec := serve(f.recon.Health, "GET /v1/admin/reconciliation/health", http.MethodGet, "/v1/admin/reconciliation/health", "", asAdmin())
	var h reconcile.HealthReport
	decodeBody(t, rec, &h)
	if h.WindowHours != 24 {
		t.Fatalf("expected 24h default window, got %d", h.WindowHours)
	}
}

// ---------------------------------------------------------------------------
// Stripe webhook
// ---------------------------------------------------------------------------

func stripeSignatureHeader(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func paymentEvent(eventType, piID string, metadata map[string]string) []byte {
	pi := map[string]any{
		"id":              piID,
		"object":          "payment_intent",
		"amount":          500,
		"amount_received": 500,
		"currency":        "usd",
		"status":          "succeeded",
		"metadata":        metadata,
	}
	ev := map[string]any{
		"id":          "evt_" + piID,
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"data":        map[string]any{"object": pi},
	}
	b, _ := json.Marshal(ev)
	return b
}

func (f *fixture) postWebhook(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signature)
	rec := httptest.NewRecorder()
	f.webhook.Handle(rec, req)
	return rec
}

func TestWebhookSettlesOnce(t *testing.T) {
	f := newFixture(t)
	u := f.user(0)
	payload := paymentEvent("payment_intent.succeeded", "pi_hook", map[string]string{"user_id": u.String(), "credits": "5"})
	sig := stripeSignatureHeader(payload, "whsec_test", time.Now().Unix())

	first := f.postWebhook(payload, sig)
	second := f.postWebhook(payload, sig)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("codes: %d %d: %s", first.Code, second.Code, first.Body.String())
	}
	var a, b webhookResponse
	decodeBody(t, first, &a)
	decodeBody(t, second, &b)
	if a.Action != string(ledger.SettleCreated) {
		t.Errorf("first delivery action: %q", a.Action)
	}
	if !b.Replayed {
		t.Errorf("redelivery should be a replay, got %+v", b)
	}
	if got := f.balance(t, u); got != 5 {
		t.Fatalf("expected 5 credits once, got %d", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	payload := paymentEvent("payment_intent.succeeded", "pi_bad", nil)
	rec := f.postWebhook(payload, "t=123,v1=deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhookAcknowledgesUnattributedPayment(t *testing.T) {
	f := newFixture(t)
	payload := paymentEvent("payment_intent.succeeded", "pi_anon", map[string]string{})
	rec := f.postWebhook(payload, stripeSignatureHeader(payload, "whsec_test", time.Now().Unix()))
	var resp webhookResponse
	decodeBody(t, rec, &resp)
	if rec.Code != http.StatusOK || resp.Status != "unattributed" {
		t.Fatalf("expected unattributed ack, got %d %+v", rec.Code, resp)
	}
}

func TestWebhookFailsPendingPurchase(t *testing.T) {
	f := newFixture(t)
	u := f.user(0)
	_, err := f.ledger.RecordPendingPurchase(context.Background(), ledger.PurchaseRequest{
		UserID: u, Credits: 5, AmountCents: 500, ExternalRef: "pi_fail", Key: "pp-1",
	})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	payload := paymentEvent("payment_intent.payment_failed", "pi_fail", nil)
	rec := f.postWebhook(payload, stripeSignatureHeader(payload, "whsec_test", time.Now().Unix()))
	var resp webhookResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "failed_pending" {
		t.Fatalf("expected failed_pending, got %+v", resp)
	}
	for _, tx := range f.ledgerStore.Transactions() {
		if tx.ExternalReference != nil && *tx.ExternalReference == "pi_fail" && tx.Status != models.TxFailed {
			t.Fatalf("pending row not failed: %s", tx.Status)
		}
	}
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation:            http.StatusBadRequest,
		apperr.KindInsufficientCredits:   http.StatusPaymentRequired,
		apperr.KindForbidden:             http.StatusForbidden,
		apperr.KindNotFound:              http.StatusNotFound,
		apperr.KindConflict:              http.StatusConflict,
		apperr.KindDependencyUnavailable: http.StatusServiceUnavailable,
		apperr.KindTimeout:               http.StatusGatewayTimeout,
		apperr.KindInternal:              http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusFor(kind); got != want {
			t.Errorf("%s: got %d, want %d", kind, got, want)
		}
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, slog.New(slog.NewTextHandler(io.Discard, nil)), "op", errors.New("pq: secret table name"))
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "secret") {
		t.Fatalf("internal error leaked: %d %s", rec.Code, rec.Body.String())
	}
}
