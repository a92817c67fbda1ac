package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/models"
)

// UserStore persists users.
type UserStore interface {
	Create(ctx context.Context, email, passwordHash, displayName string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ UserStore = (*Repository)(nil)

// Create inserts the user and its zero balance row in one transaction, so
// every user the ledger sees has a balance.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName string) (*models.User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap("auth.create", err)
	}
	defer tx.Rollback(ctx)

	u := models.User{Email: email, DisplayName: displayName, PasswordHash: passwordHash}
	err = tx.QueryRow(ctx, `
		INSERT INTO users (email, display_name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, is_admin, created_at
	`, email, displayName, passwordHash).Scan(&u.ID, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, apperr.Wrap("auth.create", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO balances (user_id, credits) VALUES ($1, 0)`, u.ID); err != nil {
		return nil, apperr.Wrap("auth.create", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap("auth.create", err)
	}
	return &u, nil
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.get(ctx, `WHERE email = $1`, email)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *Repository) get(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, is_admin, created_at
		FROM users `+where, arg).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("auth.get", "user", arg)
	}
	if err != nil {
		return nil, apperr.Wrap("auth.get", err)
	}
	return &u, nil
}
