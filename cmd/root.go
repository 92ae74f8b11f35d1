// Package cmd defines the CLI commands for the intelengine executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-intel/internal/app"
	"github.com/JakeFAU/scraper-intel/internal/archive"
	"github.com/JakeFAU/scraper-intel/internal/config"
	"github.com/JakeFAU/scraper-intel/internal/logging"
	"github.com/JakeFAU/scraper-intel/internal/training"
	"github.com/JakeFAU/scraper-intel/internal/versioning"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the composition root. Tests swap in
// their own factory through newApp.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context)
	Logger() *zap.Logger
	Config() config.Config
	SeedIntel(ctx context.Context, paths ...string) error
	Archives() []*archive.Archive
	Training() *training.Repository
	Versioning() *versioning.Service
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "intelengine",
		Short: "Scrapes public pages and distills them into scored buying signals.",
		Long: `intelengine runs the scraper intelligence engine: a job runner that
fetches pages politely, caches results, distills high-value signals against
per-industry research intelligence, and keeps archives and training data
under retention policies.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars use the INTEL_ prefix)")

	cmd.AddCommand(
		newServeCmd(),
		newSweepCmd(),
		newChangelogCmd(),
		newSeedIntelCmd(),
		newCostCmd(),
		newPatternCmd(),
		newFeedbackCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
