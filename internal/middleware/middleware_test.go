package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/auth"
	"github.com/verdictmarket/backend/internal/validation"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubValidator struct {
	principal auth.Principal
	err       error
	gotToken  string
}

func (s *stubValidator) ValidateToken(_ context.Context, token string) (auth.Principal, error) {
	s.gotToken = token
	return s.principal, s.err
}

// okHandler writes 200 and the principal's user id.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if p, ok := PrincipalFromCtx(r.Context()); ok {
		w.Write([]byte(p.UserID.String()))
	}
})

// ---------------------------------------------------------------------------
// Authenticate
// ---------------------------------------------------------------------------

func TestAuthenticate_ValidToken(t *testing.T) {
	id := uuid.New()
	v := &stubValidator{principal: auth.Principal{UserID: id}}
	mw := Authenticate(v)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != id.String() {
		t.Errorf("expected principal %s in body, got %q", id, rec.Body.String())
	}
	if v.gotToken != "tok-123" {
		t.Errorf("token not forwarded, got %q", v.gotToken)
	}
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	mw := Authenticate(&stubValidator{})(okHandler)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	mw := Authenticate(&stubValidator{err: errors.New("bad")})(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// RequireAdmin
// ---------------------------------------------------------------------------

func TestRequireAdmin(t *testing.T) {
	cases := []struct {
		name     string
		ctx      func(context.Context) context.Context
		wantCode int
	}{
		{"no principal", func(c context.Context) context.Context { return c }, http.StatusUnauthorized},
		{"not admin", func(c context.Context) context.Context {
			return WithPrincipal(c, auth.Principal{UserID: uuid.New()})
		}, http.StatusForbidden},
		{"admin", func(c context.Context) context.Context {
			return WithPrincipal(c, auth.Principal{UserID: uuid.New(), IsAdmin: true})
		}, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req = req.WithContext(tc.ctx(req.Context()))
			rec := httptest.NewRecorder()
			RequireAdmin(okHandler).ServeHTTP(rec, req)
			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rec.Code)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ValidateBody
// ---------------------------------------------------------------------------

func TestValidateBody_RestoresBodyForHandler(t *testing.T) {
	v, err := validation.New()
	if err != nil {
		t.Fatalf("validation.New: %v", err)
	}
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
	})
	body := `{"amount":3,"idempotency_key":"k-1"}`
	rec := httptest.NewRecorder()
	ValidateBody(v, validation.Deduct)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if seen != body {
		t.Errorf("handler saw %q, want %q", seen, body)
	}
}

func TestValidateBody_RejectsBeforeHandler(t *testing.T) {
	v, err := validation.New()
	if err != nil {
		t.Fatalf("validation.New: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })
	rec := httptest.NewRecorder()
	ValidateBody(v, validation.Deduct)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":-1}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if called {
		t.Error("handler should not run for an invalid body")
	}
	if !strings.Contains(rec.Body.String(), "problems") {
		t.Errorf("expected problem details, got %s", rec.Body.String())
	}
}
