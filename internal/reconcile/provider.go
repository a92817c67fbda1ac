package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProviderCharge is one payment as the provider reports it.
type ProviderCharge struct {
	ID          string
	AmountCents int64
	Currency    string
	Status      string
	Succeeded   bool
	CreatedAt   time.Time
	// UserID and Credits come from metadata written at checkout. UserID is
	// nil when the metadata is missing or not a valid id.
	UserID  *uuid.UUID
	Credits int64
}

// Provider is the read-only view of the payment processor.
type Provider interface {
	Name() string
	// ListCharges returns charges created in [from, to], at most limit.
	ListCharges(ctx context.Context, from, to time.Time, limit int) ([]ProviderCharge, error)
}

// StaticProvider serves a fixed charge list. Err, when set, is returned
// instead. It backs tests.
type StaticProvider struct {
	mu      sync.Mutex
	Charges []ProviderCharge
	Err     error
	calls   int
}

var _ Provider = (*StaticProvider)(nil)

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) ListCharges(_ context.Context, from, to time.Time, limit int) ([]ProviderCharge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil {
		return nil, p.Err
	}
	var out []ProviderCharge
	for _, c := range p.Charges {
		if c.CreatedAt.Before(from) || c.CreatedAt.After(to) {
			continue
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (p *StaticProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
