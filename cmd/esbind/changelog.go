package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lychee-technology/esbind/factory"
	"github.com/lychee-technology/esbind/internal/cdc"
	"github.com/spf13/cobra"
)

func newChangelogCmd(opts *cliOptions) *cobra.Command {
	var (
		cfg      cdc.Config
		interval time.Duration
		dryRun   bool
		ensure   bool
	)
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Drain pending rows of the change-log table through bulk sync",
		Long: `changelog reads (type_name, record_id, deleted) rows that writers or triggers append to
the change-log table and syncs the latest operation per record. Each type is drained
under a Postgres advisory lock, so several workers can run side by side.

Without --interval a single pass runs and its report is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *factory.Runtime) error {
				if rt.Pool == nil {
					return errors.New("changelog requires a database connection")
				}
				conn, err := rt.Pool.Acquire(ctx)
				if err != nil {
					return fmt.Errorf("failed to acquire connection: %w", err)
				}
				defer conn.Release()

				flusher := cdc.NewFlusher(conn, rt.Binder, cfg)
				if ensure {
					if err := flusher.EnsureTable(ctx); err != nil {
						return err
					}
				}
				if interval > 0 {
					err := flusher.Run(ctx, interval, dryRun)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				report, err := flusher.RunOnce(ctx, dryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.Table, "table", cdc.DefaultTable, "Change-log table")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 1000, "Rows drained per type and pass")
	cmd.Flags().Int64Var(&cfg.MinRecords, "min-records", 0, "Pending rows needed before a type is drained")
	cmd.Flags().DurationVar(&cfg.MaxAge, "max-age", 0, "Drain below --min-records once the oldest change is this old")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Keep draining at this interval")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Sync without marking rows flushed")
	cmd.Flags().BoolVar(&ensure, "ensure-table", false, "Create the change-log table if it is missing")
	return cmd
}
