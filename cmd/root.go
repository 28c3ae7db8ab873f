// Package cmd defines and implements the CLI commands for the imagine executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/config"
	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
	"github.com/JakeFAU/imagine-orchestrator/internal/logging"
	"github.com/JakeFAU/imagine-orchestrator/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// Studio is the slice of the orchestration facade the offline commands use.
type Studio interface {
	Keys() []imagine.KeyEntry
	AddKey(label, credential string) (imagine.KeyEntry, bool, error)
	ImportKeys(text string) ([]imagine.KeyEntry, error)
	CheckAllKeys(ctx context.Context) ([]imagine.KeyEntry, error)
	NextKey() (imagine.KeyEntry, bool)
	RotateKey() (imagine.KeyEntry, bool)
	ClearKeys()
	Jobs(kind imagine.JobKind) []imagine.Job
	ClearJobs(kind imagine.JobKind) error
}

// App defines the application interface that commands will use.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Studio() Studio
}

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &serverApp{app: app}, nil
}

// serverApp adapts *server.App and makes Close idempotent, since Run already
// closes on return.
type serverApp struct {
	app  *server.App
	once sync.Once
	err  error
}

func (s *serverApp) Run(ctx context.Context) error {
	err := s.app.Run(ctx)
	s.once.Do(func() {})
	return err
}

func (s *serverApp) Close(ctx context.Context) error {
	s.once.Do(func() { s.err = s.app.Close(ctx) })
	return s.err
}

func (s *serverApp) Studio() Studio { return s.app.Studio() }

func newRootCmd() *cobra.Command {
	var cfgFile string
	var logger *zap.Logger

	cmd := &cobra.Command{
		Use:   "imagine",
		Short: "Orchestrates asynchronous xAI image and video generation jobs.",
		Long: `imagine submits image and video generation requests to the xAI API,
rotating across a pool of credentials, and tracks each job until its media
is ready. Run "imagine serve" for the HTTP API, or use the keys and jobs
commands to manage persisted state offline.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err = logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil && logger != nil {
					logger.Warn("close application failed", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newJobsCmd())
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
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
