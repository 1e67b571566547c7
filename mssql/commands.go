package mssql

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katasec/dstream-orchestrator/internal/cdc"
	"github.com/katasec/dstream-orchestrator/internal/config"
)

// NewRootCommand builds the dstream CLI
func NewRootCommand(version string) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "dstream",
		Short:         "dstream - SQL Server change data capture orchestrator",
		Long:          `Claims change data capture batches, publishes entity events and tracks published versions`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "dstream.yaml", "config file path")

	withHost := func(cmd *cobra.Command, fn func(ctx context.Context, h *Host) error) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		h, err := NewHost(ctx, cfg)
		if err != nil {
			return err
		}
		defer h.Close()
		return fn(ctx, h)
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "dstream %s\n", version)
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Create the tracking tables (and SQLite capture triggers)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withHost(cmd, func(ctx context.Context, h *Host) error {
					if err := h.Initialize(ctx); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Initialized tracking for %d entities\n", len(h.Names()))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "run",
			Short: "Orchestrate every entity until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withHost(cmd, func(ctx context.Context, h *Host) error {
					return h.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "once",
			Short: "Execute one batch per entity and print the results",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withHost(cmd, func(ctx context.Context, h *Host) error {
					results, err := h.RunOnce(ctx)
					if err != nil {
						return err
					}
					return printResults(cmd.OutOrStdout(), h.Names(), results)
				})
			},
		},
	)
	return rootCmd
}

// printResults writes one line per entity and fails when any execution failed
func printResults(w io.Writer, names []string, results []cdc.Result) error {
	failed := 0
	for i, r := range results {
		batch := "-"
		if r.Batch != nil {
			batch = fmt.Sprint(r.Batch.ID)
		}
		published := 0
		if r.Status.PublishCount != nil {
			published = *r.Status.PublishCount
		}
		fmt.Fprintf(w, "%-24s %-16s batch=%s rows=%d published=%d\n", names[i], r.Outcome(), batch, r.Status.InitialCount, published)
		if r.Err != nil {
			fmt.Fprintf(w, "%-24s error: %v\n", "", r.Err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entities failed", failed, len(results))
	}
	return nil
}
