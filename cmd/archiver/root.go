package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/url-archiver/internal/config"
	"github.com/JakeFAU/url-archiver/internal/pipeline"
	"github.com/JakeFAU/url-archiver/internal/server"
)

// App is what the commands drive; tests substitute a fake.
type App interface {
	Serve(ctx context.Context) error
	RunWorkers(ctx context.Context) error
	ProcessItem(ctx context.Context, itemID int64) pipeline.Outcome
	Close(ctx context.Context) error
}

type appKey struct{}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "archiver",
		Short:         "Archive web pages, images, files and videos by URL.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, app))
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML or TOML config file")
	cmd.SetContext(context.Background())

	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newProcessCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	app, ok := ctx.Value(appKey{}).(App)
	if !ok || app == nil {
		return nil, errors.New("application not initialized")
	}
	return app, nil
}
