package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/verdictmarket/backend/internal/app"
	"github.com/verdictmarket/backend/internal/idempotency"
)

func creditsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect user credit balances",
	}
	cmd.AddCommand(creditsBalanceCmd(c))
	cmd.AddCommand(creditsVerifyCmd(c))
	cmd.AddCommand(creditsKeyCmd(c))
	return cmd
}

func creditsBalanceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [user-id]",
		Short: "Show a user's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				bal, err := a.Ledger.GetBalance(ctx, id)
				if err != nil {
					return err
				}
				return c.emit(bal, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %d credits\n", bal.UserID, bal.Credits)
				})
			})
		},
	}
}

func creditsVerifyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [user-id]",
		Short: "Check the balance equals the sum of completed transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rep, err := a.Ledger.VerifyLedgerIdentity(ctx, id)
				if err != nil {
					return err
				}
				if err := c.emit(rep, func(w io.Writer) {
					fmt.Fprintf(w, "%s: balance %d, completed sum %d, drift %d\n",
						rep.UserID, rep.Balance, rep.CompletedSum, rep.Drift)
				}); err != nil {
					return err
				}
				if !rep.Consistent {
					return fmt.Errorf("ledger drift of %d credits", rep.Drift)
				}
				return nil
			})
		},
	}
}

func creditsKeyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "key [user-id] [idempotency-key]",
		Short: "Show whether a user's mutation key was applied, and its stored result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			// Operators may inspect system keys, so the client namespace check
			// does not apply here.
			key, err := idempotency.Parse(args[1])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Keys.Get(ctx, id, key)
				if err != nil {
					return err
				}
				if rec == nil {
					return c.emit(map[string]any{"key": string(key), "applied": false}, func(w io.Writer) {
						fmt.Fprintf(w, "%s: not applied\n", key)
					})
				}
				return c.emit(rec, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %s by %s at %s\n", rec.Key, rec.Operation, rec.UserID, rec.CreatedAt.Format(time.RFC3339))
					fmt.Fprintf(w, "  %s\n", rec.Snapshot)
				})
			})
		},
	}
}
