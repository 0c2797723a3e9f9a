// Package cmd implements the harvester command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-harvester/internal/app"
	"github.com/JakeFAU/procurement-harvester/internal/config"
	"github.com/JakeFAU/procurement-harvester/internal/logging"
	"github.com/JakeFAU/procurement-harvester/internal/workspace"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject their own.
type App interface {
	Close()
	Logger() *zap.Logger
	Config() config.Config
	Workspace() *workspace.Workspace
	OpenSession(ctx context.Context, name string, opts app.SessionOptions) (*app.Session, error)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvest procurement data files from configured publishers.",
		Long: `harvester discovers data files published by each configured source,
fetches them into a resumable per-session store and forwards them to the
downstream ingestion service.`,
		SilenceUsage: true,

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
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./harvester.yaml or $HOME/.harvester/harvester.yaml)")

	cmd.AddCommand(
		newGatherCmd(),
		newFetchCmd(),
		newRunCmd(),
		newRewindCmd(),
		newRedeliverCmd(),
		newStatusCmd(),
		newSourcesCmd(),
		newServeCmd(),
	)
	return cmd
}

func appFrom(cmd *cobra.Command) (App, error) {
	a, ok := cmd.Context().Value(appKey).(App)
	if !ok || a == nil {
		return nil, errors.New("application services are not initialized")
	}
	return a, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context; the fetch loop stops after the file in progress.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
