// Package router assembles the HTTP surface: auth, credits, requests,
// reconciliation, the Stripe webhook, metrics and health.
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/verdictmarket/backend/internal/auth"
	"github.com/verdictmarket/backend/internal/handlers"
	"github.com/verdictmarket/backend/internal/metrics"
	"github.com/verdictmarket/backend/internal/middleware"
	"github.com/verdictmarket/backend/internal/validation"
)

type Deps struct {
	Auth           *auth.Handler
	Tokens         middleware.TokenValidator
	Validator      middleware.BodyValidator
	Credits        *handlers.CreditsHandler
	Requests       *handlers.RequestsHandler
	Reconciliation *handlers.ReconciliationHandler
	Webhook        *handlers.StripeWebhookHandler
	Metrics        *metrics.Metrics
	// Ping checks the database for /healthz. Nil reports healthy.
	Ping func(ctx context.Context) error
}

// New returns the API handler. Chains run authenticate -> admin check ->
// body validation -> handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	authn := middleware.Authenticate(d.Tokens)
	user := func(h http.HandlerFunc) http.Handler { return authn(h) }
	admin := func(h http.HandlerFunc) http.Handler { return authn(middleware.RequireAdmin(h)) }
	valid := func(schema string, h http.HandlerFunc) http.HandlerFunc {
		return middleware.ValidateBody(d.Validator, schema)(h).ServeHTTP
	}

	mux.HandleFunc("GET /healthz", healthz(d.Ping))
	mux.Handle("GET /metrics", d.Metrics.Handler())

	if d.Auth != nil {
		mux.HandleFunc("POST /v1/auth/register", d.Auth.Register)
		mux.HandleFunc("POST /v1/auth/login", d.Auth.Login)
	}

	c := d.Credits
	mux.Handle("GET /v1/credits/balance", user(c.GetBalance))
	mux.Handle("GET /v1/credits/history", user(c.History))
	mux.Handle("POST /v1/credits/deduct", user(valid(validation.Deduct, c.Deduct)))
	mux.Handle("POST /v1/credits/tip", user(valid(validation.Tip, c.Tip)))
	mux.Handle("POST /v1/admin/credits/refund", admin(valid(validation.Refund, c.Refund)))
	mux.Handle("POST /v1/admin/credits/grant", admin(valid(validation.Grant, c.Grant)))
	mux.Handle("POST /v1/admin/credits/adjust", admin(valid(validation.Adjust, c.Adjust)))
	mux.Handle("GET /v1/admin/users/{id}/balance", admin(c.GetUserBalance))
	mux.Handle("GET /v1/admin/users/{id}/ledger/verify", admin(c.VerifyLedger))
	mux.Handle("GET /v1/admin/users/{id}/audit", admin(c.AuditLog))

	rq := d.Requests
	mux.Handle("POST /v1/requests", user(valid(validation.SubmitRequest, rq.Submit)))
	mux.Handle("POST /v1/requests/pool-preview", user(valid(validation.PoolPreview, rq.PoolPreview)))
	mux.Handle("GET /v1/requests/{id}", user(rq.GetRequest))
	mux.Handle("POST /v1/requests/{id}/route", user(rq.Route))
	mux.Handle("POST /v1/admin/requests/route-batch", admin(valid(validation.RouteBatch, rq.RouteBatch)))

	rc := d.Reconciliation
	mux.Handle("POST /v1/admin/reconciliation/analyze", admin(valid(validation.ReconcileAnalyze, rc.Analyze)))
	mux.Handle("POST /v1/admin/reconciliation/fix", admin(valid(validation.ReconcileFix, rc.Fix)))
	mux.Handle("GET /v1/admin/reconciliation/health", admin(rc.Health))

	if d.Webhook != nil {
		mux.HandleFunc("POST /v1/webhooks/stripe", d.Webhook.Handle)
	}

	return d.Metrics.Middleware(mux)
}

func healthz(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}
