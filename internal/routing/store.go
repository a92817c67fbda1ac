package routing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/models"
)

// Store is the persistence surface the router needs. PGStore and MemoryStore
// both satisfy it.
type Store interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*models.Request, error)
	CreateRequest(ctx context.Context, req *models.Request) error

	// ListAvailableReviewers returns reviewers that are available and under
	// their daily cap. Targeting and expertise are filtered by the caller.
	ListAvailableReviewers(ctx context.Context) ([]*models.ReviewerProfile, error)

	// CommitRouting sets routed_at and status and inserts the assignments in
	// one unit, only if routed_at is still NULL. It reports false when
	// another caller routed the request first.
	CommitRouting(ctx context.Context, c Commit) (bool, error)

	// ListUnrouted returns open requests with routed_at NULL, oldest first.
	ListUnrouted(ctx context.Context, f BatchFilter) ([]*models.Request, error)
	ListAssignments(ctx context.Context, requestID uuid.UUID) ([]models.Assignment, error)
}

type Commit struct {
	RequestID   uuid.UUID
	RoutedAt    time.Time
	Status      models.RequestStatus
	Strategy    models.RoutingStrategy
	Assignments []models.Assignment
}

// BatchFilter selects requests for RouteBatch. Zero values match everything.
type BatchFilter struct {
	Tier          models.RequestTier `json:"tier,omitempty"`
	ExpertOnly    *bool              `json:"expert_only,omitempty"`
	CreatedBefore time.Time          `json:"created_before,omitempty"`
	Limit         int                `json:"limit,omitempty"`
}
