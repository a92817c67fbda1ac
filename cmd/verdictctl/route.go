package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/verdictmarket/backend/internal/app"
	"github.com/verdictmarket/backend/internal/models"
	"github.com/verdictmarket/backend/internal/routing"
)

func routeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Route verdict requests to reviewers",
	}
	cmd.AddCommand(routeRequestCmd(c))
	cmd.AddCommand(routeSweepCmd(c))
	return cmd
}

func routeRequestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "request [id]",
		Short: "Route one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid request id %q: %w", args[0], err)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := a.Routing.Route(ctx, id)
				if err != nil {
					return err
				}
				return c.emit(out, func(w io.Writer) { printOutcome(w, out) })
			})
		},
	}
}

func routeSweepCmd(c *cli) *cobra.Command {
	var (
		limit      int
		tier       string
		olderThan  time.Duration
		expertOnly bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Route the oldest unrouted requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := routing.BatchFilter{Tier: models.RequestTier(tier), Limit: limit}
			if cmd.Flags().Changed("expert-only") {
				f.ExpertOnly = &expertOnly
			}
			if olderThan > 0 {
				f.CreatedBefore = time.Now().UTC().Add(-olderThan)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Routing.RouteBatch(ctx, f)
				if err != nil {
					return err
				}
				return c.emit(rep, func(w io.Writer) {
					fmt.Fprintf(w, "Selected %d: routed %d, already routed %d, unrouted %d, failed %d, skipped %d\n",
						rep.Selected, rep.Routed, rep.AlreadyRouted, rep.Unrouted, rep.Failed, rep.Skipped)
					for _, it := range rep.Items {
						switch {
						case it.Error != "":
							fmt.Fprintf(w, "  %s  error: %s\n", it.RequestID, it.Error)
						case it.Skipped:
							fmt.Fprintf(w, "  %s  skipped\n", it.RequestID)
						case it.Outcome != nil:
							fmt.Fprintf(w, "  %s  %s, %d assigned\n", it.RequestID, it.Outcome.Strategy, it.Outcome.ExpertCount+it.Outcome.CommunityCount)
						}
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", routing.MaxBatchSize, "Maximum requests to route")
	cmd.Flags().StringVar(&tier, "tier", "", "Only this tier (community, standard, pro)")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only requests created at least this long ago")
	cmd.Flags().BoolVar(&expertOnly, "expert-only", false, "Filter on the expert-only flag")
	return cmd
}

func printOutcome(w io.Writer, out *routing.Outcome) {
	state := "routed"
	switch {
	case out.AlreadyRouted:
		state = "already routed"
	case !out.Routed:
		state = "left open"
	case out.Partial:
		state = "routed (partial)"
	}
	fmt.Fprintf(w, "Request %s: %s via %s\n", out.RequestID, state, out.Strategy)
	fmt.Fprintf(w, "  Experts:   %d\n", out.ExpertCount)
	fmt.Fprintf(w, "  Community: %d\n", out.CommunityCount)
	fmt.Fprintf(w, "  Pool size: %d\n", out.PoolSize)
	if out.Warning != "" {
		fmt.Fprintf(w, "  Warning:   %s\n", out.Warning)
	}
}
