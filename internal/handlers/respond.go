// Package handlers exposes the ledger, router and reconciliation engine over
// HTTP. Handlers decode, call one service operation, and map its error kind
// to a status code.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/auth"
	"github.com/verdictmarket/backend/internal/middleware"
)

type errorBody struct {
	Error   string         `json:"error"`
	Kind    apperr.Kind    `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err. Internal errors are logged and their text hidden.
func writeError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	body := errorBody{Error: err.Error(), Kind: kind}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		if ae.Message != "" {
			body.Error = ae.Message
		}
		body.Details = ae.Details
	}
	switch {
	case status >= 500 && kind == apperr.KindInternal:
		log.Error(op+" failed", "error", err)
		body = errorBody{Error: "internal error", Kind: kind}
	case status >= 500:
		log.Warn(op+" dependency failure", "error", err, "kind", kind)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("decode", "invalid JSON body")
	}
	return nil
}

// principal returns the caller set by middleware.Authenticate.
func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := middleware.PrincipalFromCtx(r.Context())
	if !ok {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}
	return p, ok
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, apperr.Validation("path", "%s must be a UUID", name)
	}
	return id, nil
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, apperr.Validation("decode", "%s must be a UUID", field)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperr.Validation("query", "%s must be an integer", name)
	}
	return n, nil
}
