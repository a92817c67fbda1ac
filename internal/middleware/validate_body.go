package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/verdictmarket/backend/internal/apperr"
)

// maxBodyBytes caps request bodies read for validation.
const maxBodyBytes = 1 << 20

// BodyValidator checks a raw body against a named schema.
type BodyValidator interface {
	Validate(name string, body []byte) error
}

// ValidateBody rejects bodies that do not match schema before the handler
// runs. It reads the body and then replaces r.Body so the handler can decode
// it again.
func ValidateBody(v BodyValidator, schema string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			if len(body) > maxBodyBytes {
				http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			if len(bytes.TrimSpace(body)) == 0 {
				body = []byte("{}")
			}
			if err := v.Validate(schema, body); err != nil {
				writeValidationError(w, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func writeValidationError(w http.ResponseWriter, err error) {
	resp := map[string]any{"error": err.Error(), "kind": apperr.KindValidation}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp["error"] = ae.Message
		if len(ae.Details) > 0 {
			resp["details"] = ae.Details
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(resp)
}
