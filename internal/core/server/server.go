package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/config"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/health"
	middleware "github.com/mohammed-shakir/spatial-attributes/internal/core/middleware"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/router"
)

// Handler builds the full route tree. metrics may be nil when they are
// disabled or served on a dedicated listener.
func Handler(cfg config.Config, logger *slog.Logger, api *router.API, ready *health.Checker, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger, cfg.DebugErrors))
	if cfg.Tracing.Enabled {
		r.Use(middleware.Tracing("spatial-api"))
	}
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.MaxBody(cfg.MaxBodyBytes))

	r.Get("/healthz", health.Liveness())
	if ready != nil {
		r.Get("/readyz", health.Readiness(ready))
	}
	if metrics != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, metrics)
	}
	api.Register(r)
	return r
}

// Run serves h on cfg.Addr until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, h http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
