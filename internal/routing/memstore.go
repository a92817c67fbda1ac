package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/models"
)

// MemoryStore keeps requests and reviewers in memory. CommitRouting holds the
// lock across the routed_at check and the write, like the conditional UPDATE
// in PGStore.
type MemoryStore struct {
	mu          sync.Mutex
	requests    map[uuid.UUID]models.Request
	reviewers   map[uuid.UUID]models.ReviewerProfile
	assignments map[uuid.UUID][]models.Assignment
	commits     int

	// ReviewerErr, when set, is returned by ListAvailableReviewers.
	ReviewerErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    map[uuid.UUID]models.Request{},
		reviewers:   map[uuid.UUID]models.ReviewerProfile{},
		assignments: map[uuid.UUID][]models.Assignment{},
	}
}

var _ Store = (*MemoryStore)(nil)

// PutRequest inserts or replaces a request.
func (m *MemoryStore) PutRequest(r models.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = models.RequestOpen
	}
	m.requests[r.ID] = r
}

func (m *MemoryStore) PutReviewer(p models.ReviewerProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewers[p.UserID] = p
}

// Commits counts successful CommitRouting calls.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *MemoryStore) GetRequest(_ context.Context, id uuid.UUID) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("routing.request", "request", id)
	}
	return &r, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return apperr.Conflict("routing.create", "request %s already exists", req.ID)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.CreatedAt = time.Now().UTC()
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) ListAvailableReviewers(_ context.Context) ([]*models.ReviewerProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReviewerErr != nil {
		return nil, m.ReviewerErr
	}
	out := make([]*models.ReviewerProfile, 0, len(m.reviewers))
	for _, p := range m.reviewers {
		if !p.Available || (p.DailyCap > 0 && p.CurrentDailyCount >= p.DailyCap) {
			continue
		}
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

func (m *MemoryStore) CommitRouting(_ context.Context, c Commit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[c.RequestID]
	if !ok {
		return false, apperr.NotFound("routing.commit", "request", c.RequestID)
	}
	if r.RoutedAt != nil {
		return false, nil
	}
	at := c.RoutedAt
	r.RoutedAt = &at
	r.Status = c.Status
	if r.Strategy == "" {
		r.Strategy = c.Strategy
	}
	m.requests[r.ID] = r
	m.assignments[r.ID] = append(m.assignments[r.ID], c.Assignments...)
	m.commits++
	return true, nil
}

func (m *MemoryStore) ListUnrouted(_ context.Context, f BatchFilter) ([]*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Request
	for _, r := range m.requests {
		if r.RoutedAt != nil || r.Status != models.RequestOpen {
			continue
		}
		if f.Tier != "" && r.Tier != f.Tier {
			continue
		}
		if f.ExpertOnly != nil && r.ExpertOnly != *f.ExpertOnly {
			continue
		}
		if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, requestID uuid.UUID) ([]models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Assignment(nil), m.assignments[requestID]...), nil
}
