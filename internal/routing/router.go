// Package routing assigns open verdict requests to reviewer pools according to
// their tier. A request is routed at most once: the routed_at IS NULL check
// and the routing write happen in one conditional update.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/metrics"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/notify"
)

const (
	DefaultMixedExpertShare = 0.4
	MaxBatchSize            = 100
	defaultBatchConcurrency = 4
	maxPreviewReviewers     = 50
)

type Config struct {
	// MixedExpertShare is the fraction of a mixed request's verdicts
	// reserved for experts.
	MixedExpertShare float64
	BatchConcurrency int
}

type Service struct {
	store    Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(store Store, notifier notify.Notifier, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Service {
	if cfg.MixedExpertShare <= 0 || cfg.MixedExpertShare > 1 {
		cfg.MixedExpertShare = DefaultMixedExpertShare
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaultBatchConcurrency
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		notifier: notifier,
		metrics:  m,
		log:      logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ResolveStrategy picks the routing strategy for a request. The expert_only
// flag wins, then an explicit strategy, then the tier default.
func ResolveStrategy(req *models.Request) models.RoutingStrategy {
	if req.ExpertOnly {
		return models.StrategyExpertOnly
	}
	switch req.Strategy {
	case models.StrategyCommunity, models.StrategyMixed, models.StrategyExpertOnly:
		return req.Strategy
	}
	switch req.Tier {
	case models.TierPro:
		return models.StrategyExpertOnly
	case models.TierStandard:
		return models.StrategyMixed
	default:
		return models.StrategyCommunity
	}
}

// Outcome describes one routing attempt. Routed is true only for the call
// that committed the routing.
type Outcome struct {
	RequestID      uuid.UUID              `json:"request_id"`
	Strategy       models.RoutingStrategy `json:"strategy"`
	Routed         bool                   `json:"routed"`
	AlreadyRouted  bool                   `json:"already_routed"`
	Partial        bool                   `json:"partial"`
	Status         models.RequestStatus   `json:"status"`
	RoutedAt       *time.Time             `json:"routed_at,omitempty"`
	ExpertPool     []uuid.UUID            `json:"expert_pool,omitempty"`
	Assignments    []models.Assignment    `json:"assignments,omitempty"`
	ExpertCount    int                    `json:"expert_count"`
	CommunityCount int                    `json:"community_count"`
	PoolSize       int                    `json:"pool_size"`
	Warning        string                 `json:"warning,omitempty"`
}

// Route assigns reviewers to the request once. Routing an already routed
// request is a successful no-op. Finding nobody is not an error either: the
// request stays open and unrouted, and the periodic sweep tries again.
func (s *Service) Route(ctx context.Context, requestID uuid.UUID) (*Outcome, error) {
	if requestID == uuid.Nil {
		return nil, apperr.Validation("route", "request id is required")
	}
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	strategy := ResolveStrategy(req)
	out := &Outcome{RequestID: req.ID, Strategy: strategy, Status: req.Status}

	if req.RoutedAt != nil {
		out.AlreadyRouted = true
		out.RoutedAt = req.RoutedAt
		s.metrics.RoutingOutcome(strategy, "already_routed", 0)
		return out, nil
	}
	if req.Status != models.RequestOpen {
		return nil, apperr.Conflict("route", "request %s is %s and cannot be routed", req.ID, req.Status)
	}

	var p plan
	if strategy != models.StrategyCommunity {
		profiles, err := s.store.ListAvailableReviewers(ctx)
		if err != nil {
			return nil, err
		}
		c := criteriaFor(req)
		if strategy == models.StrategyMixed {
			p = planMixed(profiles, c, req.TargetVerdictCount, s.cfg.MixedExpertShare)
		} else {
			p = planExpertOnly(profiles, c, req.TargetVerdictCount)
		}
		out.PoolSize = p.poolSize

		if p.size() == 0 {
			return s.leaveOpen(ctx, req, out), nil
		}
	}

	now := s.now()
	status := models.RequestOpen
	if strategy != models.StrategyCommunity && p.size() >= req.TargetVerdictCount {
		status = models.RequestInProgress
	}
	assignments := p.assignments(req.ID)
	for i := range assignments {
		assignments[i].AssignedAt = now
	}

	won, err := s.store.CommitRouting(ctx, Commit{
		RequestID:   req.ID,
		RoutedAt:    now,
		Status:      status,
		Strategy:    strategy,
		Assignments: assignments,
	})
	if err != nil {
		s.metrics.RoutingOutcome(strategy, "error", p.poolSize)
		return nil, err
	}
	if !won {
		// Another caller committed between our read and write.
		current, err := s.store.GetRequest(ctx, req.ID)
		if err == nil {
			out.Status = current.Status
			out.RoutedAt = current.RoutedAt
		}
		out.AlreadyRouted = true
		out.PoolSize = 0
		s.metrics.RoutingOutcome(strategy, "already_routed", 0)
		return out, nil
	}

	out.Routed = true
	out.Status = status
	out.RoutedAt = &now
	out.Assignments = assignments
	out.ExpertPool = p.expertIDs()
	out.ExpertCount = len(p.experts)
	out.CommunityCount = len(p.community)
	if strategy == models.StrategyExpertOnly && p.size() < req.TargetVerdictCount {
		out.Partial = true
		out.Warning = fmt.Sprintf("only %d of %d experts available; remaining slots stay open for pickup", p.size(), req.TargetVerdictCount)
	}

	outcome := "routed"
	if out.Partial {
		outcome = "partial"
	}
	s.metrics.RoutingOutcome(strategy, outcome, p.poolSize)
	s.log.Info("request routed",
		"request_id", req.ID,
		"strategy", strategy,
		"experts", out.ExpertCount,
		"community", out.CommunityCount,
		"target", req.TargetVerdictCount,
		"status", status,
		"partial", out.Partial)
	s.notifyRouted(ctx, req, out)
	return out, nil
}

// leaveOpen handles a request nobody can take right now.
func (s *Service) leaveOpen(ctx context.Context, req *models.Request, out *Outcome) *Outcome {
	s.metrics.RoutingOutcome(out.Strategy, "unrouted", out.PoolSize)
	if out.Strategy != models.StrategyExpertOnly {
		s.log.Debug("no eligible reviewers, request left for organic pickup", "request_id", req.ID, "strategy", out.Strategy)
		return out
	}
	out.Warning = "no experts are currently available; the request stays open and will be retried"
	s.log.Warn("expert shortage", "request_id", req.ID, "category", req.Category, "target", req.TargetVerdictCount)
	s.notifier.Notify(ctx, notify.Event{
		Type:  notify.EventExpertShortage,
		Admin: true,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"category":   req.Category,
			"target":     req.TargetVerdictCount,
		},
	})
	return out
}

func (s *Service) notifyRouted(ctx context.Context, req *models.Request, out *Outcome) {
	owner := req.UserID
	s.notifier.Notify(ctx, notify.Event{
		Type:   notify.EventRequestRouted,
		UserID: &owner,
		Payload: map[string]any{
			"request_id": req.ID.String(),
			"strategy":   string(out.Strategy),
			"assigned":   len(out.Assignments),
			"partial":    out.Partial,
		},
	})
	for _, a := range out.Assignments {
		reviewer := a.ReviewerID
		s.notifier.Notify(ctx, notify.Event{
			Type:    notify.EventReviewerAssigned,
			UserID:  &reviewer,
			Payload: map[string]any{"request_id": req.ID.String(), "expert": a.IsExpert},
		})
	}
}

// BatchItem is the result for one request in a batch.
type BatchItem struct {
	RequestID uuid.UUID `json:"request_id"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Skipped   bool      `json:"skipped,omitempty"`
}

type BatchReport struct {
	Selected      int         `json:"selected"`
	Routed        int         `json:"routed"`
	AlreadyRouted int         `json:"already_routed"`
	Unrouted      int         `json:"unrouted"`
	Failed        int         `json:"failed"`
	Skipped       int         `json:"skipped"`
	Items         []BatchItem `json:"items"`
}

// RouteBatch routes up to MaxBatchSize unrouted requests, oldest first, with
// bounded concurrency. A failing item never aborts the batch; items not
// started before ctx is cancelled are reported as skipped.
func (s *Service) RouteBatch(ctx context.Context, f BatchFilter) (*BatchReport, error) {
	if f.Limit <= 0 || f.Limit > MaxBatchSize {
		f.Limit = MaxBatchSize
	}
	reqs, err := s.store.ListUnrouted(ctx, f)
	if err != nil {
		return nil, err
	}

	items := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.cfg.BatchConcurrency)
	for i, req := range reqs {
		items[i].RequestID = req.ID
		if ctx.Err() != nil {
			items[i].Skipped = true
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				items[i].Skipped = true
				return nil
			}
			out, err := s.Route(ctx, req.ID)
			if err != nil {
				items[i].Error = err.Error()
				items[i].ErrorKind = string(apperr.KindOf(err))
				return nil
			}
			items[i].Outcome = out
			return nil
		})
	}
	_ = g.Wait()

	rep := &BatchReport{Selected: len(reqs), Items: items}
	for _, it := range items {
		switch {
		case it.Skipped:
			rep.Skipped++
		case it.Error != "":
			rep.Failed++
		case it.Outcome.Routed:
			rep.Routed++
		case it.Outcome.AlreadyRouted:
			rep.AlreadyRouted++
		default:
			rep.Unrouted++
		}
	}
	s.log.Info("routing batch finished",
		"selected", rep.Selected,
		"routed", rep.Routed,
		"unrouted", rep.Unrouted,
		"failed", rep.Failed,
		"skipped", rep.Skipped)
	return rep, nil
}

// PoolQuery describes a prospective request for FindEligiblePool.
type PoolQuery struct {
	Tier               models.RequestTier     `json:"tier"`
	Strategy           models.RoutingStrategy `json:"routing_strategy,omitempty"`
	ExpertOnly         bool                   `json:"expert_only"`
	Category           string                 `json:"category,omitempty"`
	Targeting          models.Targeting       `json:"targeting"`
	TargetVerdictCount int                    `json:"target_verdict_count"`
	ExcludeUserID      uuid.UUID              `json:"-"`
}

type PoolPreview struct {
	Strategy                 models.RoutingStrategy    `json:"strategy"`
	PoolSize                 int                       `json:"pool_size"`
	ExpertCount              int                       `json:"expert_count"`
	Reviewers                []*models.ReviewerProfile `json:"reviewers"`
	DiversityScore           float64                   `json:"diversity_score"`
	EstimatedResponseTime    time.Duration             `json:"-"`
	EstimatedResponseMinutes int                       `json:"estimated_response_minutes"`
}

// FindEligiblePool previews who could review a request. It reads only and is
// advisory.
func (s *Service) FindEligiblePool(ctx context.Context, q PoolQuery) (*PoolPreview, error) {
	if q.TargetVerdictCount <= 0 {
		q.TargetVerdictCount = 1
	}
	strategy := ResolveStrategy(&models.Request{Tier: q.Tier, Strategy: q.Strategy, ExpertOnly: q.ExpertOnly})
	profiles, err := s.store.ListAvailableReviewers(ctx)
	if err != nil {
		return nil, err
	}
	c := Criteria{OwnerID: q.ExcludeUserID, Category: q.Category, Targeting: q.Targeting}

	experts := filterEligible(profiles, c, true)
	pool := experts
	if strategy != models.StrategyExpertOnly {
		pool = filterEligible(profiles, c, false)
	}
	rank(pool)

	eta := EstimateResponseTime(q.Tier, q.TargetVerdictCount, len(pool))
	preview := &PoolPreview{
		Strategy:                 strategy,
		PoolSize:                 len(pool),
		ExpertCount:              len(experts),
		DiversityScore:           DiversityScore(pool),
		EstimatedResponseTime:    eta,
		EstimatedResponseMinutes: int(eta / time.Minute),
	}
	if len(pool) > maxPreviewReviewers {
		pool = pool[:maxPreviewReviewers]
	}
	preview.Reviewers = pool
	return preview, nil
}

// Assignments lists the reviewers assigned to a request.
func (s *Service) Assignments(ctx context.Context, requestID uuid.UUID) ([]models.Assignment, error) {
	return s.store.ListAssignments(ctx, requestID)
}

// GetRequest loads a request by id.
func (s *Service) GetRequest(ctx context.Context, requestID uuid.UUID) (*models.Request, error) {
	if requestID == uuid.Nil {
		return nil, apperr.Validation("request", "request id is required")
	}
	return s.store.GetRequest(ctx, requestID)
}
