package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/pkg/invalidation/kafka"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type StoreCfg struct {
	Driver          string
	GeometryDSN     string
	AttributesDSN   string
	SQLitePath      string
	MemorySeedFile  string
	GeometryTable   string
	AttributesTable string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type GeometryCacheCfg struct {
	Enabled     bool
	Size        int
	TTL         time.Duration
	NegativeTTL time.Duration
	Namespace   string
}

type OverrideEventsCfg struct {
	Enabled   bool
	Brokers   []string
	Topic     string
	QueueSize int
}

type TracingCfg struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type Config struct {
	Addr        string
	LogLevel    string
	LogConsole  bool
	LogSampleN  int
	DebugErrors bool

	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string

	Store StoreCfg

	StoreTimeout            time.Duration
	WriteTimeout            time.Duration
	DefaultZoomLevel        int
	ViewportWorkers         int
	ViewportMaxIDs          int
	ViewportRequireGeometry bool
	MaxBodyBytes            int64

	RedisAddr      string
	CacheOpTimeout time.Duration
	GeometryCache  GeometryCacheCfg

	Invalidation   kafka.InvalidationConfig
	OverrideEvents OverrideEventsCfg
	Tracing        TracingCfg
}

func FromEnv() Config { return fromLookup(os.Getenv) }

// Load reads .env (when present) into the process environment, then layers
// env values over an optional YAML file. YAML keys are the lower-case env
// names, e.g. store_timeout: 2s.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		return FromEnv(), nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	return fromLookup(func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return k.String(strings.ToLower(key))
	}), nil
}

func fromLookup(get func(string) string) Config {
	e := env{get: get}

	driver := strings.ToLower(e.str("STORE_DRIVER", DriverMemory))
	storeTimeout := e.duration("STORE_TIMEOUT", 2*time.Second)

	inv := kafka.FromLookup(get)
	evBrokers := splitList(e.str("OVERRIDE_EVENTS_BROKERS", ""))
	if len(evBrokers) == 0 {
		evBrokers = inv.Brokers
	}

	return Config{
		Addr:        e.str("ADDR", ":8090"),
		LogLevel:    e.str("LOG_LEVEL", "info"),
		LogConsole:  e.boolean("LOG_CONSOLE", false),
		LogSampleN:  e.integer("LOG_SAMPLE_N", 0),
		DebugErrors: e.boolean("DEBUG_ERRORS", false),

		MetricsEnabled: e.boolean("METRICS_ENABLED", true),
		MetricsAddr:    e.str("METRICS_ADDR", ""),
		MetricsPath:    e.str("METRICS_PATH", "/metrics"),

		Store: StoreCfg{
			Driver:          driver,
			GeometryDSN:     e.str("GEOMETRY_DSN", ""),
			AttributesDSN:   e.str("ATTRIBUTES_DSN", ""),
			SQLitePath:      e.str("SQLITE_PATH", "spatial.db"),
			MemorySeedFile:  e.str("MEMORY_SEED_FILE", ""),
			GeometryTable:   e.str("GEOMETRY_TABLE", "bldg_spatial_ids"),
			AttributesTable: e.str("ATTRIBUTES_TABLE", "spatial_attributes"),
			MaxOpenConns:    e.integer("DB_MAX_OPEN_CONNS", 16),
			MaxIdleConns:    e.integer("DB_MAX_IDLE_CONNS", 4),
			ConnMaxLifetime: e.duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},

		StoreTimeout:            storeTimeout,
		WriteTimeout:            e.duration("WRITE_TIMEOUT", 2*storeTimeout),
		DefaultZoomLevel:        e.integer("DEFAULT_ZOOM_LEVEL", model.DefaultZoomLevel),
		ViewportWorkers:         e.integer("VIEWPORT_WORKERS", 8),
		ViewportMaxIDs:          e.integer("VIEWPORT_MAX_IDS", 1000),
		ViewportRequireGeometry: e.boolean("VIEWPORT_REQUIRE_GEOMETRY", true),
		MaxBodyBytes:            int64(e.integer("MAX_BODY_BYTES", 1<<20)),

		RedisAddr:      e.str("REDIS_ADDR", ""),
		CacheOpTimeout: e.duration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		GeometryCache: GeometryCacheCfg{
			Enabled:     e.boolean("GEOMETRY_CACHE_ENABLED", true),
			Size:        e.integer("GEOMETRY_CACHE_SIZE", 10000),
			TTL:         e.duration("GEOMETRY_CACHE_TTL", 10*time.Minute),
			NegativeTTL: e.duration("GEOMETRY_CACHE_NEGATIVE_TTL", 30*time.Second),
			Namespace:   e.str("GEOMETRY_CACHE_NAMESPACE", "spatial"),
		},

		Invalidation: inv,
		OverrideEvents: OverrideEventsCfg{
			Enabled:   e.boolean("OVERRIDE_EVENTS_ENABLED", false),
			Brokers:   evBrokers,
			Topic:     e.str("OVERRIDE_EVENTS_TOPIC", "attribute-overrides"),
			QueueSize: e.integer("OVERRIDE_EVENTS_QUEUE", 1024),
		},
		Tracing: TracingCfg{
			Enabled:     e.boolean("TRACING_ENABLED", false),
			Endpoint:    e.str("TRACING_ENDPOINT", "localhost:4318"),
			Insecure:    e.boolean("TRACING_INSECURE", true),
			SampleRatio: e.float("TRACING_SAMPLE_RATIO", 1.0),
		},
	}
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	var problems []error
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.GeometryDSN == "" || c.Store.AttributesDSN == "" {
			problems = append(problems, errors.New("GEOMETRY_DSN and ATTRIBUTES_DSN are required for the postgres driver"))
		}
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			problems = append(problems, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.StoreTimeout <= 0 {
		problems = append(problems, errors.New("STORE_TIMEOUT must be positive"))
	}
	if c.DefaultZoomLevel < 0 {
		problems = append(problems, errors.New("DEFAULT_ZOOM_LEVEL must be >= 0"))
	}
	if c.ViewportMaxIDs <= 0 {
		problems = append(problems, errors.New("VIEWPORT_MAX_IDS must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, errors.New("MAX_BODY_BYTES must be positive"))
	}
	if c.OverrideEvents.Enabled && len(c.OverrideEvents.Brokers) == 0 {
		problems = append(problems, errors.New("OVERRIDE_EVENTS_ENABLED needs OVERRIDE_EVENTS_BROKERS or KAFKA_BROKERS"))
	}
	return errors.Join(problems...)
}

type env struct {
	get func(string) string
}

func (e env) str(k, def string) string {
	if v := strings.TrimSpace(e.get(k)); v != "" {
		return v
	}
	return def
}

func (e env) integer(k string, def int) int {
	if v := e.get(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func (e env) boolean(k string, def bool) bool {
	if v := e.get(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func (e env) float(k string, def float64) float64 {
	if v := e.get(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func (e env) duration(k string, def time.Duration) time.Duration {
	if v := e.get(k); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
