package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/models"
)

func TestMemoryWriterAssignsIDAndListsNewestFirst(t *testing.T) {
	w := &MemoryWriter{}
	ctx := context.Background()
	target, other := uuid.New(), uuid.New()

	for i, user := range []uuid.UUID{target, other, target} {
		rec := &models.AuditRecord{
			ActorID:      uuid.New(),
			TargetUserID: user,
			Action:       "admin_adjustment",
			BeforeState:  json.RawMessage(`{"credits":4}`),
			AfterState:   json.RawMessage(`{"credits":10}`),
			Reason:       "record " + string(rune('a'+i)),
		}
		if err := w.Write(ctx, rec); err != nil {
			t.Fatalf("write: %v", err)
		}
		if rec.ID == uuid.Nil || rec.CreatedAt.IsZero() {
			t.Fatalf("write should assign id and timestamp: %+v", rec)
		}
	}

	got, err := w.ListForUser(ctx, target, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Reason != "record c" || got[1].Reason != "record a" {
		t.Errorf("expected newest first, got %q then %q", got[0].Reason, got[1].Reason)
	}

	limited, _ := w.ListForUser(ctx, target, 1)
	if len(limited) != 1 {
		t.Errorf("limit not applied, got %d", len(limited))
	}
}

func TestMemoryWriterErr(t *testing.T) {
	w := &MemoryWriter{Err: errors.New("disk full")}
	if err := w.Write(context.Background(), &models.AuditRecord{}); err == nil {
		t.Fatal("expected injected error")
	}
	if len(w.Records()) != 0 {
		t.Fatal("failed write must not be recorded")
	}
}
