package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
)

var opTimeout time.Duration

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one trading cycle and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			e.reconciler.Reconcile(ctx)
			rep, err := e.scheduler.RunCycle(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile the position book against the broker once",
	Long: `Reconcile fetches broker positions and account, overwrites the book with
broker truth and prints the outcome, including the diff by category.
A broker failure leaves the engine in degraded mode and is not an error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			out := e.reconciler.Reconcile(ctx)
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Run the adaptive weight tuner once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			rep, err := e.tuner.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate config and broker response shapes",
	Long: `Check loads and validates the configuration, then verifies that account,
position and order responses from the broker match the expected contracts.
It exits non-zero on any violation so deployments can gate on it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			if e.http == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "config ok; paper broker, no remote contract to check")
				return nil
			}
			if err := e.http.CheckCompatibility(ctx); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), observ.Health())
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{cycleCmd, reconcileCmd, tuneCmd, checkCmd} {
		c.Flags().DurationVar(&opTimeout, "timeout", 30*time.Second, "Timeout for the operation")
	}
}

func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), opTimeout)
	defer cancel()
	e, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}
