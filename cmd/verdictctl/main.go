// Command verdictctl runs reconciliation, routing and ledger checks against
// the configured database without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/verdictmarket/backend/internal/app"
	"github.com/verdictmarket/backend/internal/config"
)

var Version = "dev"

type cli struct {
	open func(ctx context.Context) (*app.App, error)
	out  io.Writer
	json bool
}

func main() {
	config.LoadEnv(nil)
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	c := &cli{
		open: func(ctx context.Context) (*app.App, error) { return app.Build(ctx, cfg, logger) },
		out:  os.Stdout,
	}
	if err := newRootCmd(c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "verdictctl",
		Short:         "Operate the credit ledger, request router and payment reconciliation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&c.json, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(reconcileCmd(c))
	rootCmd.AddCommand(routeCmd(c))
	rootCmd.AddCommand(creditsCmd(c))
	return rootCmd
}

// withApp opens the services for one command and closes them afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.open(ctx)
	if err != nil {
		return fmt.Errorf("open services: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

// emit prints v as indented JSON when --json is set, otherwise calls text.
func (c *cli) emit(v any, text func(w io.Writer)) error {
	if c.json {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(c.out)
	return nil
}
