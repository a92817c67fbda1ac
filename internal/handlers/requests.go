package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/routing"
)

// Router is the routing surface the HTTP layer uses.
type Router interface {
	Submit(ctx context.Context, charger routing.Charger, enq routing.Enqueuer, in routing.SubmitRequest) (*routing.Submission, error)
	Route(ctx context.Context, requestID uuid.UUID) (*routing.Outcome, error)
	RouteBatch(ctx context.Context, f routing.BatchFilter) (*routing.BatchReport, error)
	FindEligiblePool(ctx context.Context, q routing.PoolQuery) (*routing.PoolPreview, error)
	GetRequest(ctx context.Context, requestID uuid.UUID) (*models.Request, error)
	Assignments(ctx context.Context, requestID uuid.UUID) ([]models.Assignment, error)
}

var _ Router = (*routing.Service)(nil)

type RequestsHandler struct {
	Router   Router
	Charger  routing.Charger
	Enqueuer routing.Enqueuer
	Logger   *slog.Logger
}

type submitBody struct {
	Tier               models.RequestTier     `json:"request_tier"`
	Strategy           models.RoutingStrategy `json:"routing_strategy"`
	ExpertOnly         bool                   `json:"expert_only"`
	Category           string                 `json:"category"`
	Targeting          models.Targeting       `json:"targeting"`
	TargetVerdictCount int                    `json:"target_verdict_count"`
	IdempotencyKey     string                 `json:"idempotency_key"`
}

// Submit serves POST /v1/requests: charge, store and queue for routing.
func (h *RequestsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body submitBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "submit", err)
		return
	}
	key, err := idempotency.ParseClient(body.IdempotencyKey)
	if err != nil {
		writeError(w, h.Logger, "submit", err)
		return
	}
	sub, err := h.Router.Submit(r.Context(), h.Charger, h.Enqueuer, routing.SubmitRequest{
		UserID:             p.UserID,
		Tier:               body.Tier,
		Strategy:           body.Strategy,
		ExpertOnly:         body.ExpertOnly,
		Category:           body.Category,
		Targeting:          body.Targeting,
		TargetVerdictCount: body.TargetVerdictCount,
		Key:                key,
	})
	if err != nil {
		writeError(w, h.Logger, "submit", err)
		return
	}
	status := http.StatusCreated
	if sub.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, sub)
}

// GetRequest serves GET /v1/requests/{id} to the owner or an admin.
func (h *RequestsHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := h.ownedRequest(w, r, "get_request")
	if !ok {
		return
	}
	assignments, err := h.Router.Assignments(r.Context(), req.ID)
	if err != nil {
		writeError(w, h.Logger, "get_request", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req, "assignments": assignments})
}

// Route serves POST /v1/requests/{id}/route. Routing an already routed
// request returns the existing result with already_routed set.
func (h *RequestsHandler) Route(w http.ResponseWriter, r *http.Request) {
	req, ok := h.ownedRequest(w, r, "route")
	if !ok {
		return
	}
	out, err := h.Router.Route(r.Context(), req.ID)
	if err != nil {
		writeError(w, h.Logger, "route", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *RequestsHandler) ownedRequest(w http.ResponseWriter, r *http.Request, op string) (*models.Request, bool) {
	p, ok := principal(w, r)
	if !ok {
		return nil, false
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, h.Logger, op, err)
		return nil, false
	}
	req, err := h.Router.GetRequest(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, op, err)
		return nil, false
	}
	if req.UserID != p.UserID && !p.IsAdmin {
		// Report as missing so request ids of other users cannot be discovered.
		writeError(w, h.Logger, op, apperr.NotFound(op, "request", id))
		return nil, false
	}
	return req, true
}

type routeBatchBody struct {
	Tier             models.RequestTier `json:"request_tier"`
	ExpertOnly       *bool              `json:"expert_only"`
	OlderThanMinutes int                `json:"older_than_minutes"`
	Limit            int                `json:"limit"`
}

// RouteBatch serves POST /v1/admin/requests/route-batch.
func (h *RequestsHandler) RouteBatch(w http.ResponseWriter, r *http.Request) {
	var body routeBatchBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "route_batch", err)
		return
	}
	f := routing.BatchFilter{Tier: body.Tier, ExpertOnly: body.ExpertOnly, Limit: body.Limit}
	if body.OlderThanMinutes > 0 {
		f.CreatedBefore = time.Now().UTC().Add(-time.Duration(body.OlderThanMinutes) * time.Minute)
	}
	rep, err := h.Router.RouteBatch(r.Context(), f)
	if err != nil {
		writeError(w, h.Logger, "route_batch", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type poolBody struct {
	Tier               models.RequestTier     `json:"request_tier"`
	Strategy           models.RoutingStrategy `json:"routing_strategy"`
	ExpertOnly         bool                   `json:"expert_only"`
	Category           string                 `json:"category"`
	Targeting          models.Targeting       `json:"targeting"`
	TargetVerdictCount int                    `json:"target_verdict_count"`
}

// PoolPreview serves POST /v1/requests/pool-preview: who would be eligible
// for a request with these settings, without creating it.
func (h *RequestsHandler) PoolPreview(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body poolBody
	if err := decode(r, &body); err != nil {
		writeError(w, h.Logger, "pool_preview", err)
		return
	}
	prev, err := h.Router.FindEligiblePool(r.Context(), routing.PoolQuery{
		Tier:               body.Tier,
		Strategy:           body.Strategy,
		ExpertOnly:         body.ExpertOnly,
		Category:           body.Category,
		Targeting:          body.Targeting,
		TargetVerdictCount: body.TargetVerdictCount,
		ExcludeUserID:      p.UserID,
	})
	if err != nil {
		writeError(w, h.Logger, "pool_preview", err)
		return
	}
	writeJSON(w, http.StatusOK, prev)
}
