package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tickertape-news-fetcher/internal/api"
	"github.com/JakeFAU/tickertape-news-fetcher/internal/app"
)

// newServeCmd creates the 'serve' subcommand, which hosts the HTTP trigger.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the authenticated HTTP trigger",
		Args:  cobra.NoArgs,
		RunE:  runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Server.Port, err)
	}
	return serve(cmd.Context(), ln, newAPIServer(appInstance), logger)
}

func newAPIServer(a *app.App) *api.Server {
	cfg := a.Config()
	sessions := func(ctx context.Context) (api.Session, error) {
		s, err := a.OpenSession(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return api.NewServer(
		api.Config{TriggerPath: cfg.Server.TriggerPath, CronSecret: cfg.Auth.CronSecret},
		sessions,
		a.Ready,
		a.Clock(),
		a.Logger().Named("api"),
	)
}

// serve runs the HTTP server on ln until ctx is canceled, then drains
// in-flight requests.
func serve(ctx context.Context, ln net.Listener, server *api.Server, logger *zap.Logger) error {
	srv := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
