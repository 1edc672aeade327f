// Package metrics owns the Prometheus registry and its optional dedicated
// listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type BuildInfo struct {
	Version   string
	Revision  string
	BuildDate string
}

type Config struct {
	Enabled bool
	// Addr, when set, moves /metrics off the API listener.
	Addr  string
	Path  string
	Build BuildInfo
}

type Provider struct {
	cfg Config
	reg *prometheus.Registry
}

func Init(cfg Config) *Provider {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	build := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision", "build_date", "go_version"},
	)
	reg.MustRegister(build)
	v := cfg.Build
	if v.Version == "" {
		v.Version = "dev"
	}
	build.WithLabelValues(v.Version, v.Revision, v.BuildDate, runtime.Version()).Set(1)

	return &Provider{cfg: cfg, reg: reg}
}

func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}

func (p *Provider) Registerer() prometheus.Registerer { return p.reg }

// Dedicated reports whether metrics get their own listener.
func (p *Provider) Dedicated() bool { return p.cfg.Enabled && p.cfg.Addr != "" }

// Serve runs the dedicated metrics listener until ctx is canceled. It
// returns immediately when no dedicated address is configured.
func (p *Provider) Serve(ctx context.Context, logger *slog.Logger) error {
	if !p.Dedicated() {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(p.cfg.Path, p.Handler())
	srv := &http.Server{
		Addr:              p.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listen", "addr", p.cfg.Addr, "path", p.cfg.Path)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
