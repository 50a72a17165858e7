package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/app"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/config"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/logging"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/telemetry"
)

// shutdownTimeout bounds closing services after a command returns.
const shutdownTimeout = 10 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. Tests replace it to inject fakes.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// session tracks what the pre-run hook built so Execute can release it on
// every exit path, including command errors.
type session struct {
	app    *app.App
	tracer *sdktrace.TracerProvider
	logger *zap.Logger
}

func (s *session) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.app != nil {
		if err := s.app.Close(ctx); err != nil {
			s.logger.Warn("close application services", zap.Error(err))
		}
		s.app = nil
	}
	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			s.logger.Warn("shutdown tracer provider", zap.Error(err))
		}
		s.tracer = nil
	}
	if s.logger != nil {
		// Sync on stderr/stdout commonly fails with EINVAL; nothing to do about it.
		_ = s.logger.Sync()
	}
}

// newRootCmd creates the root command and the session its hooks fill in.
func newRootCmd() (*cobra.Command, *session) {
	var (
		cfgFile string
		envFile string
	)
	sess := &session{}

	cmd := &cobra.Command{
		Use:   "newsfetcher",
		Short: "Fetches Ticker Tape market news into the article store.",
		Long: `newsfetcher pages through the Ticker Tape news feed until it reaches
articles that are already stored, deduplicates the new ones, and writes them
together with a run log entry. It can run once, on an interval, or behind an
authenticated HTTP trigger.`,
		SilenceUsage: true,

		// Builds the services once flags are parsed, before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			sess.logger = logger

			if cfg.Tracing.Enabled {
				tp, err := telemetry.InitTracerProvider(cmd.Context(), logging.ServiceName)
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				sess.tracer = tp
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			sess.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load (default .env when present)")

	cmd.AddCommand(newRunCmd(), newScheduleCmd(), newServeCmd())
	return cmd, sess
}

// loadEnvFile loads a dotenv file. Variables already set in the
// environment win. A missing default .env is not an error.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI with SIGINT/SIGTERM wired to the command context
// and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, sess := newRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	sess.shutdown()
	if err != nil {
		os.Exit(1)
	}
}
