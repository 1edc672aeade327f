package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/spatial-attributes/internal/cache"
	"github.com/mohammed-shakir/spatial-attributes/internal/cache/geomcache"
	"github.com/mohammed-shakir/spatial-attributes/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/config"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/health"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/observability"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/router"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/server"
	"github.com/mohammed-shakir/spatial-attributes/internal/logger"
	h3mapper "github.com/mohammed-shakir/spatial-attributes/internal/mapper/h3"
	"github.com/mohammed-shakir/spatial-attributes/internal/merge"
	"github.com/mohammed-shakir/spatial-attributes/internal/metrics"
	"github.com/mohammed-shakir/spatial-attributes/internal/overrideevents"
	"github.com/mohammed-shakir/spatial-attributes/internal/tracing"
	"github.com/mohammed-shakir/spatial-attributes/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "", "optional YAML config file (env vars take precedence)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		zl := logger.Build(logger.Config{Component: "spatial-api"}, os.Stderr)
		zl.Error().Err(err).Msg("config load failed")
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "spatial-api",
		Version:   Version,
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 1
	}
	appLog.Info("starting spatial-api",
		"addr", cfg.Addr,
		"version", Version,
		"store_driver", cfg.Store.Driver,
		"geometry_cache", cfg.GeometryCache.Enabled,
		"redis", cfg.RedisAddr != "",
		"invalidation", cfg.Invalidation.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Addr:    cfg.MetricsAddr,
		Path:    cfg.MetricsPath,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(prov.Registerer(), cfg.MetricsEnabled)
	go func() {
		if err := prov.Serve(ctx, appLog); err != nil {
			appLog.Error("metrics server exited", "err", err)
		}
	}()

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "spatial-api",
		Version:      Version,
		Endpoint:     cfg.Tracing.Endpoint,
		Insecure:     cfg.Tracing.Insecure,
		SamplingRate: cfg.Tracing.SampleRatio,
	}, appLog)
	if err != nil {
		appLog.Error("tracing setup failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	openCtx, cancelOpen := context.WithTimeout(ctx, 15*time.Second)
	st, err := openStores(openCtx, cfg, appLog)
	cancelOpen()
	if err != nil {
		appLog.Error("store setup failed", "err", err)
		return 1
	}
	defer st.Close()

	ready := health.NewChecker(cfg.StoreTimeout)
	for name, p := range st.pingers {
		ready.Add(name, p)
	}

	geo := st.geo
	var gc *geomcache.Cache
	if cfg.GeometryCache.Enabled {
		var remote cache.Remote
		if cfg.RedisAddr != "" {
			rc, err := redisstore.New(ctx, cfg.RedisAddr,
				redisstore.WithReadTimeout(cfg.CacheOpTimeout),
				redisstore.WithWriteTimeout(cfg.CacheOpTimeout))
			if err != nil {
				appLog.Error("redis connect failed", "addr", cfg.RedisAddr, "err", err)
				return 1
			}
			defer func() { _ = rc.Close() }()
			remote = rc
			ready.Add("redis", rc)
		}
		gc, err = geomcache.New(st.geo, remote, geomcache.Config{
			Namespace:   cfg.GeometryCache.Namespace,
			LocalSize:   cfg.GeometryCache.Size,
			TTL:         cfg.GeometryCache.TTL,
			NegativeTTL: cfg.GeometryCache.NegativeTTL,
			OpTimeout:   cfg.CacheOpTimeout,
		}, appLog)
		if err != nil {
			appLog.Error("geometry cache setup failed", "err", err)
			return 1
		}
		geo = gc
	}

	engine, err := merge.New(appLog, geo, st.ovr, merge.Config{
		StoreTimeout:        cfg.StoreTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		ViewportWorkers:     cfg.ViewportWorkers,
		IncludeGeometryless: !cfg.ViewportRequireGeometry,
	})
	if err != nil {
		appLog.Error("engine setup failed", "err", err)
		return 1
	}

	if cfg.OverrideEvents.Enabled {
		pub, err := overrideevents.NewPublisher(overrideevents.Config{
			Brokers:   cfg.OverrideEvents.Brokers,
			Topic:     cfg.OverrideEvents.Topic,
			QueueSize: cfg.OverrideEvents.QueueSize,
		}, appLog, func(sc *sarama.Config) error {
			return kafka.ApplySecurity(sc, cfg.Invalidation.TLS, cfg.Invalidation.SASL)
		})
		if err != nil {
			appLog.Error("override events setup failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("override events close", "err", err)
			}
		}()
		engine.SetNotifier(pub)
	}

	if cfg.Invalidation.Enabled {
		if gc == nil {
			appLog.Warn("invalidation enabled without a geometry cache; nothing to evict")
		} else {
			runner := kafka.New(cfg.Invalidation, gc, kafka.Options{Logger: appLog, Register: prov.Registerer()})
			if err := runner.Start(ctx); err != nil {
				appLog.Error("invalidation runner start failed", "err", err)
				return 1
			}
			defer runner.Stop()
			if runner.Enabled() {
				ready.WithRunner(runner)
			}
		}
	}

	api := router.New(appLog, engine, h3mapper.New(), router.Options{
		DefaultZoomLevel: cfg.DefaultZoomLevel,
		ViewportMaxIDs:   cfg.ViewportMaxIDs,
		DebugErrors:      cfg.DebugErrors,
	})

	metricsHandler := prov.Handler()
	if !cfg.MetricsEnabled || prov.Dedicated() {
		metricsHandler = nil
	}

	if err := server.Run(ctx, cfg, appLog, server.Handler(cfg, appLog, api, ready, metricsHandler)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
