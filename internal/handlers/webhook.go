package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/ledger"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/reconcile"
)

const maxWebhookBytes = 64 << 10

// PaymentSettler applies provider payment outcomes to the ledger.
type PaymentSettler interface {
	SettlePayment(ctx context.Context, st ledger.Settlement) (*ledger.SettleResult, error)
	FailPendingByReference(ctx context.Context, externalRef string) (*models.Transaction, error)
}

type StripeWebhookHandler struct {
	Settler PaymentSettler
	Secret  string
	Logger  *slog.Logger
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
	Action   string `json:"action,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// Handle serves POST /v1/webhooks/stripe. Anything the ledger cannot act on
// is acknowledged and logged so Stripe stops retrying; reconciliation reports
// it later. Only dependency failures return 5xx to get a retry.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Secret == "" {
		http.Error(w, `{"error":"webhook secret not configured"}`, http.StatusServiceUnavailable)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.Secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.Logger.Warn("stripe webhook rejected", "error", err)
		http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
		return
	}

	log := h.Logger.With("event_id", event.ID, "event_type", string(event.Type))
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		h.succeeded(w, r, log, event)
	case stripe.EventTypePaymentIntentPaymentFailed:
		h.failed(w, r, log, event)
	default:
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "ignored"})
	}
}

func (h *StripeWebhookHandler) succeeded(w http.ResponseWriter, r *http.Request, log *slog.Logger, event stripe.Event) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		http.Error(w, `{"error":"invalid payment intent"}`, http.StatusBadRequest)
		return
	}
	userID, credits := reconcile.ParseMetadata(pi.Metadata)
	if userID == nil || credits <= 0 {
		log.Warn("payment without credit metadata", "payment_intent", pi.ID)
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "unattributed"})
		return
	}
	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	res, err := h.Settler.SettlePayment(r.Context(), ledger.Settlement{
		ExternalRef: pi.ID,
		UserID:      *userID,
		Credits:     credits,
		AmountCents: amount,
		Source:      "webhook",
	})
	if err != nil {
		h.ackOrRetry(w, log, "settle", err)
		return
	}
	log.Info("payment settled", "payment_intent", pi.ID, "user_id", userID, "action", res.Action, "replayed", res.Replayed)
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "settled", Action: string(res.Action), Replayed: res.Replayed})
}

func (h *StripeWebhookHandler) failed(w http.ResponseWriter, r *http.Request, log *slog.Logger, event stripe.Event) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		http.Error(w, `{"error":"invalid payment intent"}`, http.StatusBadRequest)
		return
	}
	if _, err := h.Settler.FailPendingByReference(r.Context(), pi.ID); err != nil {
		h.ackOrRetry(w, log, "fail_pending", err)
		return
	}
	log.Info("pending purchase failed", "payment_intent", pi.ID)
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: "failed_pending"})
}

func (h *StripeWebhookHandler) ackOrRetry(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	if apperr.IsRetryable(err) {
		writeError(w, log, "webhook."+op, err)
		return
	}
	log.Warn("webhook event not applied", "op", op, "error", err, "kind", apperr.KindOf(err))
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: string(apperr.KindOf(err))})
}
