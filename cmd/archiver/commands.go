package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/url-archiver/internal/pipeline"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context())
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the worker pool against the configured queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.RunWorkers(cmd.Context())
		},
	}
}

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <item-id>",
		Short: "Run the pipeline once for an item, without retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = app.Close(ctx)
			}()

			out := app.ProcessItem(cmd.Context(), id)
			fmt.Fprintf(cmd.OutOrStdout(), "item %d: %s", id, out.Kind)
			if out.Type != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", out.Type)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			if out.Kind == pipeline.OutcomeFailed {
				return fmt.Errorf("process item %d: %w", id, out.Err)
			}
			return nil
		},
	}
}
