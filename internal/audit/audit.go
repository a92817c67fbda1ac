// Package audit appends immutable records of privileged mutations.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdictmarket/backend/internal/database"
	"github.com/verdictmarket/backend/internal/models"
)

// Writer persists audit records. Implementations must not mutate rec after
// returning.
type Writer interface {
	Write(ctx context.Context, rec *models.AuditRecord) error
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Writer = (*Repository)(nil)

func (r *Repository) Write(ctx context.Context, rec *models.AuditRecord) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO audit_records (actor_id, target_user_id, action, before_state, after_state, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, rec.ActorID, rec.TargetUserID, rec.Action, []byte(rec.BeforeState), []byte(rec.AfterState), rec.Reason).
		Scan(&rec.ID, &rec.CreatedAt)
	return database.Translate("audit.write", "audit record", err)
}

// ListForUser returns the newest records targeting userID.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AuditRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, actor_id, target_user_id, action, before_state, after_state, reason, created_at
		FROM audit_records WHERE target_user_id = $1
		ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, database.Translate("audit.list", "audit record", err)
	}
	defer rows.Close()
	var out []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var before, after []byte
		if err := rows.Scan(&rec.ID, &rec.ActorID, &rec.TargetUserID, &rec.Action, &before, &after, &rec.Reason, &rec.CreatedAt); err != nil {
			return nil, database.Translate("audit.list", "audit record", err)
		}
		rec.BeforeState, rec.AfterState = before, after
		out = append(out, &rec)
	}
	return out, database.Translate("audit.list", "audit record", rows.Err())
}

// MemoryWriter keeps records in memory. Set Err to simulate a failing store.
type MemoryWriter struct {
	mu      sync.Mutex
	records []models.AuditRecord
	Err     error
}

var _ Writer = (*MemoryWriter)(nil)

func (m *MemoryWriter) Write(_ context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now().UTC()
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryWriter) Records() []models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditRecord(nil), m.records...)
}

// ListForUser returns the newest records for a target user.
func (m *MemoryWriter) ListForUser(_ context.Context, userID uuid.UUID, limit int) ([]*models.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditRecord
	for i := len(m.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.records[i].TargetUserID == userID {
			rec := m.records[i]
			out = append(out, &rec)
		}
	}
	return out, nil
}
