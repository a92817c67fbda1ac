package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/ledger"
	"github.com/verdictmarket/backend/internal/models"
)

// Ledger is the credit ledger surface the HTTP layer uses.
type Ledger interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (*models.Balance, error)
	Deduct(ctx context.Context, m ledger.Mutation) (*ledger.Result, error)
	Refund(ctx context.Context, m ledger.Mutation) (*ledger.Result, error)
	Grant(ctx context.Context, m ledger.Mutation) (*ledger.Result, error)
	Tip(ctx context.Context, req ledger.TipRequest) (*ledger.TipResult, error)
	Adjust(ctx context.Context, req ledger.AdjustRequest) (*ledger.AdjustResult, error)
	History(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error)
	VerifyLedgerIdentity(ctx context.Context, userID uuid.UUID) (*ledger.IdentityReport, error)
}

// AuditReader lists audit records for the admin view.
type AuditReader interface {
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AuditRecord, error)
}

var _ Ledger = (*ledger.Service)(nil)

type CreditsHandler struct {
	Ledger Ledger
	Audit  AuditReader
	Logger *slog.Logger
}

type mutationBody struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason"`
}

func (b mutationBody) mutation(userID uuid.UUID) (ledger.Mutation, error) {
	key, err := idempotency.ParseClient(b.IdempotencyKey)
	if err != nil {
		return ledger.Mutation{}, err
	}
	return ledger.Mutation{UserID: userID, Amount: b.Amount, Key: key, Reason: b.Reason}, nil
}

// GetBalance serves GET /v1/credits/balance for the caller.
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	bal, err := h.Ledger.GetBalance(r.Context(), p.UserID)
	if err != nil {
		writeError(w, h.Logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// GetUserBalance serves GET /v1/admin/users/{id}/balance.
func (h *CreditsHandler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.Logger, "balance", err)
		return
	}
	bal, err := h.Ledger.GetBalance(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// Deduct spends the caller's own credits.
func (h *CreditsHandler) Deduct(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body mutationBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "deduct", err)
		return
	}
	m, err := body.mutation(p.UserID)
	if err != nil {
		writeError(w, h.Logger, "deduct", err)
		return
	}
	res, err := h.Ledger.Deduct(r.Context(), m)
	if err != nil {
		writeError(w, h.Logger, "deduct", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Refund and Grant are admin operations on another user.
func (h *CreditsHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.adminMutation(w, r, "refund", h.Ledger.Refund)
}

func (h *CreditsHandler) Grant(w http.ResponseWriter, r *http.Request) {
	h.adminMutation(w, r, "grant", h.Ledger.Grant)
}

func (h *CreditsHandler) adminMutation(w http.ResponseWriter, r *http.Request, op string,
	apply func(context.Context, ledger.Mutation) (*ledger.Result, error)) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body mutationBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, op, err)
		return
	}
	target, err := parseUUID("user_id", body.UserID)
	if err != nil {
		writeError(w, h.Logger, op, err)
		return
	}
	m, err := body.mutation(target)
	if err != nil {
		writeError(w, h.Logger, op, err)
		return
	}
	m.Metadata = map[string]any{"actor_id": p.UserID.String()}
	res, err := apply(r.Context(), m)
	if err != nil {
		writeError(w, h.Logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type tipBody struct {
	ToUserID       string `json:"to_user_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Message        string `json:"message"`
}

func (h *CreditsHandler) Tip(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body tipBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "tip", err)
		return
	}
	to, err := parseUUID("to_user_id", body.ToUserID)
	if err != nil {
		writeError(w, h.Logger, "tip", err)
		return
	}
	key, err := idempotency.ParseClient(body.IdempotencyKey)
	if err != nil {
		writeError(w, h.Logger, "tip", err)
		return
	}
	res, err := h.Ledger.Tip(r.Context(), ledger.TipRequest{
		FromUserID: p.UserID,
		ToUserID:   to,
		Amount:     body.Amount,
		Key:        key,
		Message:    body.Message,
	})
	if err != nil {
		writeError(w, h.Logger, "tip", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type adjustBody struct {
	UserID         string `json:"user_id"`
	Credits        int64  `json:"credits"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Adjust sets a user's balance. When the change committed but its audit
// record did not, the response is still 200 and carries audit "failed".
func (h *CreditsHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body adjustBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "adjust", err)
		return
	}
	target, err := parseUUID("user_id", body.UserID)
	if err != nil {
		writeError(w, h.Logger, "adjust", err)
		return
	}
	key, err := idempotency.ParseClient(body.IdempotencyKey)
	if err != nil {
		writeError(w, h.Logger, "adjust", err)
		return
	}
	res, err := h.Ledger.Adjust(r.Context(), ledger.AdjustRequest{
		ActorID:       p.UserID,
		ActorIsAdmin:  p.IsAdmin,
		TargetUserID:  target,
		TargetBalance: body.Credits,
		Reason:        body.Reason,
		Key:           key,
	})
	if err != nil && !(res != nil && apperr.KindOf(err) == apperr.KindAuditWriteFailed) {
		writeError(w, h.Logger, "adjust", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// History serves GET /v1/credits/history?limit=N for the caller.
func (h *CreditsHandler) History(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, h.Logger, "history", err)
		return
	}
	txs, err := h.Ledger.History(r.Context(), p.UserID, limit)
	if err != nil {
		writeError(w, h.Logger, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// VerifyLedger serves GET /v1/admin/users/{id}/ledger/verify.
func (h *CreditsHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.Logger, "verify", err)
		return
	}
	rep, err := h.Ledger.VerifyLedgerIdentity(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// AuditLog serves GET /v1/admin/users/{id}/audit.
func (h *CreditsHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.Logger, "audit", err)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, h.Logger, "audit", err)
		return
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	recs, err := h.Audit.ListForUser(r.Context(), id, limit)
	if err != nil {
		writeError(w, h.Logger, "audit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}
