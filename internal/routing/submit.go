package routing

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/idempotency"
	"github.com/verdictmarket/backend/internal/ledger"
	"github.com/verdictmarket/backend/internal/models"
)

// TierCost is the credit price of a request per tier.
var TierCost = map[models.RequestTier]int64{
	models.TierCommunity: 1,
	models.TierStandard:  2,
	models.TierPro:       4,
}

const maxTargetVerdicts = 20

// requestNamespace seeds request ids derived from submission keys.
var requestNamespace = uuid.MustParse("6f1c3c4e-8a4b-4d8e-9a51-3f0e2b7d9c11")

// Charger is the ledger surface a submission needs.
type Charger interface {
	Deduct(ctx context.Context, m ledger.Mutation) (*ledger.Result, error)
	VoidCharge(ctx context.Context, req ledger.VoidRequest) (*ledger.Result, error)
}

// Enqueuer schedules asynchronous routing for a new request.
type Enqueuer interface {
	EnqueueRoute(ctx context.Context, requestID uuid.UUID) error
}

type SubmitRequest struct {
	UserID             uuid.UUID
	Tier               models.RequestTier
	Strategy           models.RoutingStrategy
	ExpertOnly         bool
	Category           string
	Targeting          models.Targeting
	TargetVerdictCount int
	Key                idempotency.Key
}

type Submission struct {
	Request  *models.Request `json:"request"`
	Charge   *ledger.Result  `json:"charge"`
	Replayed bool            `json:"replayed"`
	Queued   bool            `json:"queued"`
}

// Submit charges the tier price and stores the request, then queues it for
// routing. The request id is derived from the key, so a retried submission
// finds the same request and the same charge. A request that cannot be stored
// after charging has its charge voided, so a retry pays again.
func (s *Service) Submit(ctx context.Context, charger Charger, enq Enqueuer, in SubmitRequest) (*Submission, error) {
	const op = "submit_request"
	if in.UserID == uuid.Nil {
		return nil, apperr.Validation(op, "user id is required")
	}
	cost, ok := TierCost[in.Tier]
	if !ok {
		return nil, apperr.Validation(op, "unknown tier %q", in.Tier)
	}
	if in.TargetVerdictCount < 1 || in.TargetVerdictCount > maxTargetVerdicts {
		return nil, apperr.Validation(op, "target_verdict_count must be between 1 and %d", maxTargetVerdicts)
	}
	if _, err := idempotency.ParseClient(string(in.Key)); err != nil {
		return nil, err
	}

	chargeKey := idempotency.Derive("submission", in.UserID.String(), string(in.Key))
	requestID := uuid.NewSHA1(requestNamespace, []byte(chargeKey))

	charge, err := charger.Deduct(ctx, ledger.Mutation{
		UserID:   in.UserID,
		Amount:   cost,
		Key:      chargeKey,
		Reason:   "verdict request",
		Metadata: map[string]any{"request_id": requestID.String(), "tier": string(in.Tier)},
	})
	if err != nil {
		return nil, err
	}

	req := &models.Request{
		ID:                 requestID,
		UserID:             in.UserID,
		Tier:               in.Tier,
		Strategy:           in.Strategy,
		ExpertOnly:         in.ExpertOnly,
		Category:           strings.TrimSpace(in.Category),
		Targeting:          in.Targeting,
		Status:             models.RequestOpen,
		TargetVerdictCount: in.TargetVerdictCount,
	}
	sub := &Submission{Request: req, Charge: charge, Replayed: charge.Replayed}

	if err := s.store.CreateRequest(ctx, req); err != nil {
		if !errors.Is(err, apperr.ErrConflict) {
			s.compensate(ctx, charger, in.UserID, chargeKey, requestID, err)
			return nil, err
		}
		existing, gerr := s.store.GetRequest(ctx, requestID)
		if gerr != nil {
			return nil, gerr
		}
		sub.Request = existing
		sub.Replayed = true
	}

	if sub.Request.RoutedAt == nil && enq != nil {
		if err := enq.EnqueueRoute(ctx, requestID); err != nil {
			s.log.Warn("route job not queued, sweep will pick it up", "request_id", requestID, "error", err)
		} else {
			sub.Queued = true
		}
	}
	return sub, nil
}

func (s *Service) compensate(ctx context.Context, charger Charger, userID uuid.UUID, chargeKey idempotency.Key, requestID uuid.UUID, cause error) {
	ctx = context.WithoutCancel(ctx)
	// A failed insert may still have committed, or a concurrent retry may
	// have stored the request. Either way the charge is owed.
	if _, err := s.store.GetRequest(ctx, requestID); err == nil {
		s.log.Warn("request stored despite insert error, charge kept", "request_id", requestID, "cause", cause)
		return
	}
	_, err := charger.VoidCharge(ctx, ledger.VoidRequest{
		UserID:    userID,
		ChargeKey: chargeKey,
		Reason:    "request could not be stored",
	})
	if err != nil {
		s.log.Error("submission charge not voided", "user_id", userID, "request_id", requestID, "cause", cause, "error", err)
	}
}
