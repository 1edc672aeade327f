package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/config"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/health"
	"github.com/mohammed-shakir/spatial-attributes/internal/merge"
	"github.com/mohammed-shakir/spatial-attributes/internal/store/memstore"
	"github.com/mohammed-shakir/spatial-attributes/internal/store/postgres"
	"github.com/mohammed-shakir/spatial-attributes/internal/store/sqlite"
)

type stores struct {
	geo     merge.GeometryStore
	ovr     merge.OverrideStore
	pingers map[string]health.Pinger
	closers []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (*stores, error) {
	sc := cfg.Store
	switch sc.Driver {
	case config.DriverPostgres:
		return openPostgres(ctx, sc)

	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, sqlite.Config{Path: sc.SQLitePath, MaxOpenConns: sc.MaxOpenConns})
		if err != nil {
			return nil, err
		}
		log.Info("sqlite store opened", "path", sc.SQLitePath)
		return &stores{
			geo:     st,
			ovr:     st,
			pingers: map[string]health.Pinger{"sqlite": st},
			closers: []func() error{st.Close},
		}, nil

	case config.DriverMemory:
		st := memstore.New()
		if sc.MemorySeedFile != "" {
			seeded, err := memstore.LoadSeedFile(sc.MemorySeedFile)
			if err != nil {
				return nil, err
			}
			st = seeded
			log.Info("memory store seeded", "file", sc.MemorySeedFile)
		}
		return &stores{geo: st, ovr: st, pingers: map[string]health.Pinger{"memory": st}}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

// openPostgres connects the geometry and override databases separately;
// they may live on different servers.
func openPostgres(ctx context.Context, sc config.StoreCfg) (*stores, error) {
	pool := postgres.PoolConfig{
		MaxOpenConns:    sc.MaxOpenConns,
		MaxIdleConns:    sc.MaxIdleConns,
		ConnMaxLifetime: sc.ConnMaxLifetime,
	}
	out := &stores{pingers: map[string]health.Pinger{}}

	geoDB, err := postgres.Open(sc.GeometryDSN, pool)
	if err != nil {
		return nil, fmt.Errorf("geometry db: %w", err)
	}
	out.closers = append(out.closers, geoDB.Close)

	attrDB, err := postgres.Open(sc.AttributesDSN, pool)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("attributes db: %w", err)
	}
	out.closers = append(out.closers, attrDB.Close)

	if err := pingAll(ctx, geoDB, attrDB); err != nil {
		out.Close()
		return nil, err
	}

	geo, err := postgres.NewGeometryStore(geoDB, sc.GeometryTable)
	if err != nil {
		out.Close()
		return nil, err
	}
	ovr, err := postgres.NewOverrideStore(attrDB, sc.AttributesTable)
	if err != nil {
		out.Close()
		return nil, err
	}
	if err := ovr.EnsureSchema(ctx); err != nil {
		out.Close()
		return nil, err
	}

	out.geo, out.ovr = geo, ovr
	out.pingers["geometry_db"] = geo
	out.pingers["attributes_db"] = ovr
	return out, nil
}

func pingAll(ctx context.Context, dbs ...*sql.DB) error {
	for i, db := range dbs {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database %d: %w", i, err)
		}
	}
	return nil
}
