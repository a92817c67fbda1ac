// Package jobs runs routing and reconciliation on River: a route_request job
// per new request, and two periodic jobs that sweep unrouted requests and
// reconcile payments.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/verdictmarket/backend/internal/apperr"
	"github.com/verdictmarket/backend/internal/reconcile"
	"github.com/verdictmarket/backend/internal/routing"
)

type RouteRequestArgs struct {
	RequestID uuid.UUID `json:"request_id"`
}

func (RouteRequestArgs) Kind() string { return "route_request" }

func (RouteRequestArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 5,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

type RoutingSweepArgs struct {
	Limit     int           `json:"limit"`
	OlderThan time.Duration `json:"older_than"`
}

func (RoutingSweepArgs) Kind() string { return "routing_sweep" }

type ReconcileArgs struct {
	HoursBack int  `json:"hours_back"`
	AutoFix   bool `json:"auto_fix"`
}

func (ReconcileArgs) Kind() string { return "reconcile_payments" }

// Router is the routing surface the workers call.
type Router interface {
	Route(ctx context.Context, requestID uuid.UUID) (*routing.Outcome, error)
	RouteBatch(ctx context.Context, f routing.BatchFilter) (*routing.BatchReport, error)
}

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context, hoursBack int, autoFix bool) (*reconcile.Report, *reconcile.FixReport, error)
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict, apperr.KindForbidden:
		return true
	}
	return false
}

type RouteRequestWorker struct {
	river.WorkerDefaults[RouteRequestArgs]
	router Router
	log    *slog.Logger
}

func NewRouteRequestWorker(router Router, logger *slog.Logger) *RouteRequestWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteRequestWorker{router: router, log: logger}
}

func (w *RouteRequestWorker) Work(ctx context.Context, job *river.Job[RouteRequestArgs]) error {
	out, err := w.router.Route(ctx, job.Args.RequestID)
	if err != nil {
		if permanent(err) {
			w.log.Warn("route job cancelled", "request_id", job.Args.RequestID, "error", err)
			return river.JobCancel(err)
		}
		return err
	}
	if !out.Routed && !out.AlreadyRouted {
		w.log.Info("request left unrouted, sweep will retry", "request_id", job.Args.RequestID, "warning", out.Warning)
	}
	return nil
}

type RoutingSweepWorker struct {
	river.WorkerDefaults[RoutingSweepArgs]
	router Router
	log    *slog.Logger
}

func NewRoutingSweepWorker(router Router, logger *slog.Logger) *RoutingSweepWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoutingSweepWorker{router: router, log: logger}
}

func (w *RoutingSweepWorker) Timeout(*river.Job[RoutingSweepArgs]) time.Duration {
	return 2 * time.Minute
}

func (w *RoutingSweepWorker) Work(ctx context.Context, job *river.Job[RoutingSweepArgs]) error {
	f := routing.BatchFilter{Limit: job.Args.Limit}
	if job.Args.OlderThan > 0 {
		f.CreatedBefore = time.Now().UTC().Add(-job.Args.OlderThan)
	}
	rep, err := w.router.RouteBatch(ctx, f)
	if err != nil {
		return err
	}
	if rep.Failed > 0 {
		w.log.Warn("routing sweep had failures", "failed", rep.Failed, "selected", rep.Selected)
	}
	return nil
}

type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler Reconciler
	log        *slog.Logger
}

func NewReconcileWorker(rec Reconciler, logger *slog.Logger) *ReconcileWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileWorker{reconciler: rec, log: logger}
}

func (w *ReconcileWorker) Timeout(*river.Job[ReconcileArgs]) time.Duration {
	return 5 * time.Minute
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	rep, fix, err := w.reconciler.Run(ctx, job.Args.HoursBack, job.Args.AutoFix)
	if err != nil {
		if permanent(err) {
			return river.JobCancel(err)
		}
		return err
	}
	attrs := []any{
		"hours_back", job.Args.HoursBack,
		"discrepancies", rep.Summary.Total,
		"complete", rep.Summary.CrossReferenceComplete,
	}
	if fix != nil {
		attrs = append(attrs, "fixed", fix.Fixed, "fix_errors", fix.Errors)
	}
	w.log.Info("scheduled reconciliation finished", attrs...)
	if fix != nil && fix.Errors > 0 {
		return errors.New("reconciliation auto-fix had errors")
	}
	return nil
}

// Schedule configures the periodic jobs.
type Schedule struct {
	ReconcileInterval    time.Duration
	ReconcileHoursBack   int
	ReconcileAutoFix     bool
	RoutingSweepInterval time.Duration
	RoutingSweepLimit    int
}

// PeriodicJobs returns the reconciliation and routing sweep schedules. A
// zero interval disables that job.
func PeriodicJobs(s Schedule) []*river.PeriodicJob {
	var out []*river.PeriodicJob
	if s.ReconcileInterval > 0 {
		args := ReconcileArgs{HoursBack: s.ReconcileHoursBack, AutoFix: s.ReconcileAutoFix}
		out = append(out, river.NewPeriodicJob(
			river.PeriodicInterval(s.ReconcileInterval),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	if s.RoutingSweepInterval > 0 {
		args := RoutingSweepArgs{Limit: s.RoutingSweepLimit, OlderThan: time.Minute}
		out = append(out, river.NewPeriodicJob(
			river.PeriodicInterval(s.RoutingSweepInterval),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	return out
}

// Register adds every worker to workers.
func Register(workers *river.Workers, router Router, rec Reconciler, logger *slog.Logger) {
	river.AddWorker(workers, NewRouteRequestWorker(router, logger))
	river.AddWorker(workers, NewRoutingSweepWorker(router, logger))
	river.AddWorker(workers, NewReconcileWorker(rec, logger))
}
