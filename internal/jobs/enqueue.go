package jobs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// Enqueuer inserts route_request jobs. The River client is attached after
// construction because the client needs the workers, and the workers need the
// services that hold this enqueuer.
type Enqueuer struct {
	mu     sync.Mutex
	client *river.Client[pgx.Tx]
}

func NewEnqueuer() *Enqueuer { return &Enqueuer{} }

func (e *Enqueuer) Attach(client *river.Client[pgx.Tx]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = client
}

func (e *Enqueuer) EnqueueRoute(ctx context.Context, requestID uuid.UUID) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return errNotAttached
	}
	_, err := client.Insert(ctx, RouteRequestArgs{RequestID: requestID}, nil)
	return err
}

// EnqueueReconcile queues an immediate reconciliation run.
func (e *Enqueuer) EnqueueReconcile(ctx context.Context, hoursBack int, autoFix bool) error {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return errNotAttached
	}
	_, err := client.Insert(ctx, ReconcileArgs{HoursBack: hoursBack, AutoFix: autoFix}, nil)
	return err
}

type enqueueError string

func (e enqueueError) Error() string { return string(e) }

const errNotAttached = enqueueError("river client not attached")
