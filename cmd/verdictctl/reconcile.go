package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/verdictmarket/backend/internal/app"
	"github.com/verdictmarket/backend/internal/reconcile"
)

func reconcileCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Cross-reference provider charges with the ledger",
	}
	cmd.AddCommand(reconcileAnalyzeCmd(c))
	cmd.AddCommand(reconcileFixCmd(c))
	cmd.AddCommand(reconcileHealthCmd(c))
	return cmd
}

func reconcileAnalyzeCmd(c *cli) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Report discrepancies without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.Analyze(ctx, hours)
				if err != nil {
					return err
				}
				return c.emit(rep, func(w io.Writer) { printReport(w, rep) })
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Window to analyse, in hours")
	return cmd
}

func reconcileFixCmd(c *cli) *cobra.Command {
	var (
		hours       int
		providerIDs []string
	)
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Credit confirmed payments that never reached the ledger",
		Long: `Runs a fresh analysis and auto-fixes what it finds. Only verified
missing or pending purchases are applied; everything else is skipped
for manual review. --provider-id narrows the fix to specific charges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.Analyze(ctx, hours)
				if err != nil {
					return err
				}
				items := rep.Discrepancies
				if len(providerIDs) > 0 {
					want := make(map[string]bool, len(providerIDs))
					for _, id := range providerIDs {
						want[id] = true
					}
					items = items[:0:0]
					for _, d := range rep.Discrepancies {
						if want[d.ProviderID] {
							items = append(items, d)
						}
					}
				}
				fix, err := a.Engine.AutoFix(ctx, reconcile.FixableOnly(items))
				if err != nil {
					return err
				}
				if err := c.emit(fix, func(w io.Writer) { printFix(w, fix) }); err != nil {
					return err
				}
				if fix.Errors > 0 {
					return fmt.Errorf("%d fixes failed", fix.Errors)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Window to analyse, in hours")
	cmd.Flags().StringSliceVar(&providerIDs, "provider-id", nil, "Only fix these provider payment ids")
	return cmd
}

func reconcileHealthCmd(c *cli) *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Summarise purchase outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				h, err := a.Engine.Health(ctx, time.Duration(hours)*time.Hour)
				if err != nil {
					return err
				}
				return c.emit(h, func(w io.Writer) {
					fmt.Fprintf(w, "Payment health (last %dh)\n", h.WindowHours)
					fmt.Fprintln(w, strings.Repeat("=", 40))
					fmt.Fprintf(w, "  %-16s %d\n", "Completed:", h.Completed)
					fmt.Fprintf(w, "  %-16s %d\n", "Pending:", h.Pending)
					fmt.Fprintf(w, "  %-16s %d\n", "Failed:", h.Failed)
					fmt.Fprintf(w, "  %-16s %d\n", "Stuck pending:", h.StuckPending)
					fmt.Fprintf(w, "  %-16s %d cents / %d credits\n", "Settled:", h.SettledCents, h.SettledCredits)
					fmt.Fprintf(w, "  %-16s %.1f%%\n", "Success rate:", h.SuccessRate*100)
				})
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "Window, in hours")
	return cmd
}

func printReport(w io.Writer, rep *reconcile.Report) {
	s := rep.Summary
	fmt.Fprintf(w, "Reconciliation %s .. %s\n", s.WindowStart.Format(time.RFC3339), s.WindowEnd.Format(time.RFC3339))
	fmt.Fprintln(w, strings.Repeat("=", 40))
	provider := s.Provider
	if provider == "" {
		provider = "none"
	}
	fmt.Fprintf(w, "  Provider:  %s (%d records)\n", provider, s.ProviderRecords)
	fmt.Fprintf(w, "  Ledger:    %d records\n", s.InternalRecords)
	if !s.CrossReferenceComplete {
		fmt.Fprintf(w, "  PARTIAL:   %s\n", s.ProviderError)
	}
	fmt.Fprintf(w, "  Found:     %d discrepancies, %d cents uncredited\n", s.Total, s.UncreditedCents)
	for _, d := range rep.Discrepancies {
		fmt.Fprintf(w, "  [%-6s] %-24s %-28s %s\n", d.Severity, d.Type, d.ProviderID, d.Detail)
	}
	if len(rep.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, r := range rep.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}
}

func printFix(w io.Writer, fix *reconcile.FixReport) {
	fmt.Fprintf(w, "Fixed %d, replayed %d, skipped %d, errors %d\n", fix.Fixed, fix.Replayed, fix.Skipped, fix.Errors)
	for _, it := range fix.Items {
		fmt.Fprintf(w, "  %-28s %-10s %s\n", it.ProviderID, it.Outcome, it.Detail)
	}
}
