package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/database"
	"github.com/verdictmarket/backend/internal/models"
)

// PGStore is the Postgres Store.
type PGStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPGStore(pool *pgxpool.Pool, timeout time.Duration) *PGStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PGStore{pool: pool, timeout: timeout}
}

var _ Store = (*PGStore)(nil)

const requestColumns = `id, user_id, request_tier, routing_strategy, expert_only, category, targeting,
	status, routed_at, target_verdict_count, received_verdict_count, created_at`

func scanRequest(row pgx.Row) (*models.Request, error) {
	var r models.Request
	var tier, strategy, status string
	var targeting []byte
	if err := row.Scan(&r.ID, &r.UserID, &tier, &strategy, &r.ExpertOnly, &r.Category, &targeting,
		&status, &r.RoutedAt, &r.TargetVerdictCount, &r.ReceivedVerdictCount, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Tier = models.RequestTier(tier)
	r.Strategy = models.RoutingStrategy(strategy)
	r.Status = models.RequestStatus(status)
	if len(targeting) > 0 {
		if err := json.Unmarshal(targeting, &r.Targeting); err != nil {
			return nil, fmt.Errorf("decode targeting for %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func (s *PGStore) GetRequest(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM verdict_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("routing.request", "request", id)
		}
		return nil, database.Translate("routing.request", "request", err)
	}
	return r, nil
}

func (s *PGStore) CreateRequest(ctx context.Context, req *models.Request) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	targeting, err := json.Marshal(req.Targeting)
	if err != nil {
		return apperr.Validation("routing.create", "invalid targeting: %v", err)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO verdict_requests (id, user_id, request_tier, routing_strategy, expert_only, category, targeting, status, target_verdict_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, req.ID, req.UserID, string(req.Tier), string(req.Strategy), req.ExpertOnly, req.Category, targeting,
		string(req.Status), req.TargetVerdictCount).Scan(&req.CreatedAt)
	return database.Translate("routing.create", "request", err)
}

func (s *PGStore) ListAvailableReviewers(ctx context.Context) ([]*models.ReviewerProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, is_expert, expert_categories, available, daily_cap, current_daily_count,
		       age_range, gender, profession, location, quality_score, created_at
		FROM reviewer_profiles
		WHERE available = TRUE AND current_daily_count < daily_cap
		ORDER BY quality_score DESC, current_daily_count ASC, user_id ASC
	`)
	if err != nil {
		return nil, database.Translate("routing.reviewers", "reviewer", err)
	}
	defer rows.Close()

	var out []*models.ReviewerProfile
	for rows.Next() {
		var p models.ReviewerProfile
		if err := rows.Scan(&p.UserID, &p.IsExpert, &p.ExpertCategories, &p.Available, &p.DailyCap,
			&p.CurrentDailyCount, &p.AgeRange, &p.Gender, &p.Profession, &p.Location,
			&p.QualityScore, &p.CreatedAt); err != nil {
			return nil, database.Translate("routing.reviewers", "reviewer", err)
		}
		out = append(out, &p)
	}
	return out, database.Translate("routing.reviewers", "reviewer", rows.Err())
}

// CommitRouting is the synchronisation point for concurrent routing: the
// UPDATE only matches while routed_at is NULL, so exactly one caller proceeds
// to insert assignments.
func (s *PGStore) CommitRouting(ctx context.Context, c Commit) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, database.Translate("routing.commit", "request", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE verdict_requests
		SET routed_at = $2, status = $3,
		    routing_strategy = CASE WHEN routing_strategy = '' THEN $4 ELSE routing_strategy END,
		    updated_at = now()
		WHERE id = $1 AND routed_at IS NULL
	`, c.RequestID, c.RoutedAt, string(c.Status), string(c.Strategy))
	if err != nil {
		return false, database.Translate("routing.commit", "request", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if len(c.Assignments) > 0 {
		batch := &pgx.Batch{}
		for _, a := range c.Assignments {
			batch.Queue(`
				INSERT INTO request_assignments (request_id, reviewer_id, is_expert, assigned_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (request_id, reviewer_id) DO NOTHING
			`, a.RequestID, a.ReviewerID, a.IsExpert, a.AssignedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, database.Translate("routing.assign", "assignment", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, database.Translate("routing.commit", "request", err)
	}
	return true, nil
}

func (s *PGStore) ListUnrouted(ctx context.Context, f BatchFilter) ([]*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	where := []string{"routed_at IS NULL", "status = 'open'"}
	args := []any{}
	if f.Tier != "" {
		args = append(args, string(f.Tier))
		where = append(where, fmt.Sprintf("request_tier = $%d", len(args)))
	}
	if f.ExpertOnly != nil {
		args = append(args, *f.ExpertOnly)
		where = append(where, fmt.Sprintf("expert_only = $%d", len(args)))
	}
	if !f.CreatedBefore.IsZero() {
		args = append(args, f.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxBatchSize {
		limit = MaxBatchSize
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM verdict_requests
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at, id
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, database.Translate("routing.unrouted", "request", err)
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, database.Translate("routing.unrouted", "request", err)
		}
		out = append(out, r)
	}
	return out, database.Translate("routing.unrouted", "request", rows.Err())
}

func (s *PGStore) ListAssignments(ctx context.Context, requestID uuid.UUID) ([]models.Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, reviewer_id, is_expert, assigned_at
		FROM request_assignments WHERE request_id = $1
		ORDER BY is_expert DESC, assigned_at, reviewer_id
	`, requestID)
	if err != nil {
		return nil, database.Translate("routing.assignments", "assignment", err)
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		var a models.Assignment
		if err := rows.Scan(&a.RequestID, &a.ReviewerID, &a.IsExpert, &a.AssignedAt); err != nil {
			return nil, database.Translate("routing.assignments", "assignment", err)
		}
		out = append(out, a)
	}
	return out, database.Translate("routing.assignments", "assignment", rows.Err())
}
