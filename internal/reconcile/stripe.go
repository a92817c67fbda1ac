package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/resilience"
)

// Metadata keys written on every credit PaymentIntent at checkout.
const (
	MetadataUserID  = "user_id"
	MetadataCredits = "credits"
)

// StripeProvider lists PaymentIntents through the Stripe API.
type StripeProvider struct {
	exec *resilience.Executor
	log  *slog.Logger
}

// NewStripeProvider sets the global Stripe key, the way the stripe-go
// package-level resources expect.
func NewStripeProvider(secretKey string, exec *resilience.Executor, logger *slog.Logger) (*StripeProvider, error) {
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	stripe.Key = secretKey
	return &StripeProvider{exec: exec, log: logger}, nil
}

var _ Provider = (*StripeProvider)(nil)

func (p *StripeProvider) Name() string { return "stripe" }

// ListCharges pages through PaymentIntents in the window. A failed page
// retries the whole listing, bounded by the executor.
func (p *StripeProvider) ListCharges(ctx context.Context, from, to time.Time, limit int) ([]ProviderCharge, error) {
	return resilience.Do(ctx, p.exec, func(ctx context.Context) ([]ProviderCharge, error) {
		params := &stripe.PaymentIntentListParams{
			CreatedRange: &stripe.RangeQueryParams{
				GreaterThanOrEqual: from.Unix(),
				LesserThanOrEqual:  to.Unix(),
			},
		}
		params.Context = ctx
		params.Limit = stripe.Int64(100)

		var out []ProviderCharge
		iter := paymentintent.List(params)
		for iter.Next() {
			out = append(out, chargeFromIntent(iter.PaymentIntent()))
			if len(out) >= limit {
				p.log.Warn("stripe listing truncated", "limit", limit, "from", from, "to", to)
				break
			}
		}
		if err := iter.Err(); err != nil {
			return nil, classifyStripeError(err)
		}
		return out, nil
	})
}

func chargeFromIntent(pi *stripe.PaymentIntent) ProviderCharge {
	c := ProviderCharge{
		ID:          pi.ID,
		AmountCents: pi.Amount,
		Currency:    string(pi.Currency),
		Status:      string(pi.Status),
		Succeeded:   pi.Status == stripe.PaymentIntentStatusSucceeded,
		CreatedAt:   time.Unix(pi.Created, 0).UTC(),
	}
	if pi.AmountReceived > 0 {
		c.AmountCents = pi.AmountReceived
	}
	c.UserID, c.Credits = ParseMetadata(pi.Metadata)
	return c
}

// ParseMetadata extracts the user and credit count written at checkout.
func ParseMetadata(md map[string]string) (*uuid.UUID, int64) {
	var userID *uuid.UUID
	if id, err := uuid.Parse(md[MetadataUserID]); err == nil && id != uuid.Nil {
		userID = &id
	}
	credits, err := strconv.ParseInt(md[MetadataCredits], 10, 64)
	if err != nil || credits < 0 {
		credits = 0
	}
	return userID, credits
}

// classifyStripeError keeps 4xx responses out of the retry loop.
func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != 429 {
		return &apperr.Error{
			Kind:    apperr.KindValidation,
			Op:      "stripe.list",
			Message: fmt.Sprintf("stripe rejected the request: %s", se.Msg),
			Err:     err,
		}
	}
	return err
}
