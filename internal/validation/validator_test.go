package validation

import (
	"testing"

	"github.com/verdictmarket/backend/internal/apperr"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestAllSchemasCompile(t *testing.T) {
	v := newTestValidator(t)
	want := []string{Adjust, Deduct, Grant, PoolPreview, ReconcileAnalyze, ReconcileFix, Refund, RouteBatch, SubmitRequest, Tip}
	got := v.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %d schemas, got %v", len(want), got)
	}
	for _, name := range want {
		if _, ok := v.schemas[name]; !ok {
			t.Errorf("schema %q missing", name)
		}
	}
}

func TestValidBodies(t *testing.T) {
	v := newTestValidator(t)
	cases := map[string]string{
		Deduct:        `{"amount":2,"idempotency_key":"req-1"}`,
		Adjust:        `{"user_id":"7f1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d","credits":4,"reason":"customer support refund","idempotency_key":"adj:1"}`,
		Tip:           `{"to_user_id":"7f1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d","amount":1,"idempotency_key":"tip.1","message":"thanks"}`,
		SubmitRequest: `{"request_tier":"pro","expert_only":true,"category":"career","target_verdict_count":5,"idempotency_key":"sub-9","targeting":{"locations":["US"]}}`,
		RouteBatch:    `{}`,
		ReconcileFix:  `{"hours_back":24,"provider_ids":["pi_1"]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if err := v.Validate(name, []byte(body)); err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
		})
	}
}

func TestInvalidBodies(t *testing.T) {
	v := newTestValidator(t)
	cases := []struct {
		name, schema, body string
	}{
		{"not json", Deduct, `{"amount":`},
		{"zero amount", Deduct, `{"amount":0,"idempotency_key":"k"}`},
		{"fractional amount", Deduct, `{"amount":1.5,"idempotency_key":"k"}`},
		{"missing key", Deduct, `{"amount":1}`},
		{"bad key characters", Deduct, `{"amount":1,"idempotency_key":"has space"}`},
		{"unknown field", Deduct, `{"amount":1,"idempotency_key":"k","user_id":"x"}`},
		{"bad uuid", Refund, `{"user_id":"not-a-uuid","amount":1,"idempotency_key":"k"}`},
		{"negative target balance", Adjust, `{"user_id":"7f1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d","credits":-1,"reason":"x","idempotency_key":"k"}`},
		{"unknown tier", SubmitRequest, `{"request_tier":"gold","target_verdict_count":3,"idempotency_key":"k"}`},
		{"too many verdicts", SubmitRequest, `{"request_tier":"pro","target_verdict_count":21,"idempotency_key":"k"}`},
		{"batch over cap", RouteBatch, `{"limit":101}`},
		{"window over max", ReconcileAnalyze, `{"hours_back":721}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.schema, []byte(tc.body))
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestValidationErrorListsProblems(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate(Deduct, []byte(`{"amount":0}`))
	ae, ok := err.(*apperr.Error)
	if !ok {
		t.Fatalf("expected *apperr.Error, got %T", err)
	}
	problems, _ := ae.Details["problems"].([]string)
	if len(problems) < 2 {
		t.Fatalf("expected at least two problems, got %v", problems)
	}
}

func TestUnknownSchema(t *testing.T) {
	v := newTestValidator(t)
	if err := v.Validate("nope", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}
