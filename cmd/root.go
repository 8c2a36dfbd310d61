// Package cmd defines and implements the CLI commands for the doorplate-crawler executable.
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

	"github.com/JakeFAU/doorplate-crawler/internal/api"
	"github.com/JakeFAU/doorplate-crawler/internal/app"
	"github.com/JakeFAU/doorplate-crawler/internal/config"
	"github.com/JakeFAU/doorplate-crawler/internal/logging"
	"github.com/JakeFAU/doorplate-crawler/internal/sink"
)

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close() error
	Config() config.Config
	Logger() *zap.Logger
	Runner() api.BatchRunner
	Sink() sink.Sink
	Server() *api.Server
}

type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"
)

// skipApp marks commands that only need configuration.
const skipApp = "skip-app"

// Factories replaced in tests.
var (
	loadConfig = config.Load
	newLogger  = func(cfg config.Config) (*zap.Logger, error) {
		return logging.New(logging.Config{Development: cfg.Logging.Development})
	}
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		return app.New(ctx, cfg, logger)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "doorplate-crawler",
		Short: "Query doorplate registration records from the household registration portal.",
		Long: `doorplate-crawler drives the portal's captcha-gated date inquiry for one or
more districts, paginates every result set and fans the records out to the
configured sinks. Run a batch from the command line or serve the same queries
over HTTP.`,
		SilenceUsage: true,

		// Config is loaded for every command; services are only built when the command needs them.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if cmd.Annotations[skipApp] == "" {
				logger, err := newLogger(cfg)
				if err != nil {
					return fmt.Errorf("init logger: %w", err)
				}
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			logger := appInstance.Logger()
			if err := appInstance.Close(); err != nil {
				logger.Warn("close application services", zap.Error(err))
			}
			_ = logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); DOORPLATE_* env vars override it")

	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newDistrictCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCatalogCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}
