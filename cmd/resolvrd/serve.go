package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/resolvr/internal/adapters/http/api"
	service "github.com/okian/resolvr/internal/app"
	"github.com/okian/resolvr/pkg/logger"
)

// HTTP server timeouts.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
	statsInterval     = 5 * time.Second
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the attestation workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	if c.cfg.AdminJWTSecret == "" {
		c.log.Warn(ctx, "admin_jwt_secret is empty; admin routes will refuse every request")
	}

	svc := service.New(c.serviceOptions()...)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(context.WithoutCancel(ctx)); err != nil {
			c.log.Error(ctx, "service stop failed", logger.Error(err))
		}
	}()

	go refreshStats(ctx, svc)

	handler := api.NewServer(svc,
		api.WithAdminSecret(c.cfg.AdminJWTSecret),
		api.WithSubmitRate(c.cfg.SubmitRatePerSec, c.cfg.SubmitBurst),
		api.WithLogger(c.log.Named("http")),
	).Handler(ctx)

	srv := &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		c.log.Info(ctx, "starting HTTP server", logger.String("addr", c.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	c.log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.log.Error(ctx, "server shutdown failed", logger.Error(err))
		return err
	}
	c.log.Info(ctx, "server stopped")
	return nil
}

// refreshStats keeps the gauges GetStats maintains current between scrapes.
func refreshStats(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = svc.GetStats()
		}
	}
}
