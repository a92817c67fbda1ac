package idempotency

import (
	"errors"
	"strings"
	"testing"

	"github.com/verdictmarket/backend/internal/apperr"
)

func TestParse(t *testing.T) {
	valid := []string{"sub-123", "admin_fix:1700000000:abc", "payment:pi_3Nx.1"}
	for _, s := range valid {
		if _, err := Parse(s); err != nil {
			t.Errorf("Parse(%q): unexpected error %v", s, err)
		}
	}

	invalid := []string{"", "   ", "has space", "semi;colon", strings.Repeat("a", 129)}
	for _, s := range invalid {
		_, err := Parse(s)
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Parse(%q): expected validation error, got %v", s, err)
		}
	}
}

func TestDeriveIsStableAndValid(t *testing.T) {
	a := Derive("deduct", "3f0c1c9e-5d7b-4b4e-9c55-1f2f1f6c0a11")
	b := Derive("deduct", "3f0c1c9e-5d7b-4b4e-9c55-1f2f1f6c0a11")
	if a != b {
		t.Fatalf("Derive not stable: %q vs %q", a, b)
	}
	if a != "sys:deduct:3f0c1c9e-5d7b-4b4e-9c55-1f2f1f6c0a11" {
		t.Errorf("unexpected key %q", a)
	}
	if _, err := Parse(string(Derive("adjust", "reason with spaces/and slashes"))); err != nil {
		t.Errorf("derived key with unsafe chars should still parse: %v", err)
	}
}

func TestDeriveHashesLongKeys(t *testing.T) {
	long := strings.Repeat("x", 300)
	k := Derive("refund", long)
	if len(k) > maxKeyLen {
		t.Fatalf("derived key length %d exceeds %d", len(k), maxKeyLen)
	}
	if !strings.HasPrefix(string(k), "sys:refund:") {
		t.Errorf("hashed key should keep its scope, got %q", k)
	}
	if Derive("refund", long) != k {
		t.Error("hashed key must be stable")
	}
	if Derive("refund", long+"y") == k {
		t.Error("different parts must hash differently")
	}
}

func TestForPayment(t *testing.T) {
	if got := ForPayment("pi_123"); got != "sys:payment:pi_123" {
		t.Errorf("ForPayment: got %q", got)
	}
}

func TestParseClientRejectsSystemKeys(t *testing.T) {
	for _, s := range []string{"sys:payment:pi_123", string(Derive("submission", "u", "k")), "  sys:x"} {
		_, err := ParseClient(s)
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("ParseClient(%q): expected validation error, got %v", s, err)
		}
	}
	// Old style scope names are ordinary client keys now.
	for _, s := range []string{"payment:pi_123", "submission:draft-42", "adjust:1", "system:x"} {
		if _, err := ParseClient(s); err != nil {
			t.Errorf("ParseClient(%q): unexpected error %v", s, err)
		}
	}
	if _, err := ParseClient("has space"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("ParseClient must keep the base format check, got %v", err)
	}
}
