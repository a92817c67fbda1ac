package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/verdictmarket/backend/internal/apperr"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization", Translate("op", "row", &pgconn.PgError{Code: "40001"}), true},
		{"deadlock", Translate("op", "row", &pgconn.PgError{Code: "40P01"}), true},
		{"unique", Translate("op", "row", &pgconn.PgError{Code: "23505"}), false},
		{"connection refused", Translate("op", "row", errors.New("dial tcp: connection refused")), true},
		{"deadline", Translate("op", "row", context.DeadlineExceeded), false},
		{"cancelled", context.Canceled, false},
		{"no rows", Translate("op", "row", pgx.ErrNoRows), false},
		{"insufficient credits", apperr.InsufficientCredits("op", 1, 2), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"no rows", pgx.ErrNoRows, apperr.KindNotFound},
		{"wrapped no rows", fmt.Errorf("scan: %w", pgx.ErrNoRows), apperr.KindNotFound},
		{"deadline", context.DeadlineExceeded, apperr.KindTimeout},
		{"unique", &pgconn.PgError{Code: "23505"}, apperr.KindConflict},
		{"fk", &pgconn.PgError{Code: "23503"}, apperr.KindNotFound},
		{"check", &pgconn.PgError{Code: "23514"}, apperr.KindValidation},
		{"serialization", &pgconn.PgError{Code: "40001"}, apperr.KindConflict},
		{"network", errors.New("dial tcp: connection refused"), apperr.KindDependencyUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := apperr.KindOf(Translate("op", "balance", tc.err))
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
	if Translate("op", "x", nil) != nil {
		t.Error("nil must stay nil")
	}
}

func TestSchemaEmbedsCoreTables(t *testing.T) {
	s := Schema()
	for _, table := range []string{"balances", "transactions", "idempotency_keys", "audit_records", "verdict_requests", "reviewer_profiles", "request_assignments"} {
		if !strings.Contains(s, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}
	if !strings.Contains(s, "CHECK (credits >= 0)") {
		t.Error("balances must enforce non-negative credits")
	}
}
