package logger

import (
	"context"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Level     string
	Console   bool
	SampleN   int
	Component string
	Version   string
}

type ctxKey string

const (
	ctxReqIDKey     ctxKey = "request_id"
	ctxComponent    ctxKey = "component"
	ctxSpatialIDKey ctxKey = "spatial_id"
	ctxZoomKey      ctxKey = "zoom_level"
)

func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = NewID()
	}
	return context.WithValue(ctx, ctxReqIDKey, reqID)
}

func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(ctxReqIDKey).(string)
	return s
}

func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxComponent, component)
}

// WithTarget tags every log line of a request with the record it addresses.
func WithTarget(ctx context.Context, spatialID string, zoom int) context.Context {
	if spatialID != "" {
		ctx = context.WithValue(ctx, ctxSpatialIDKey, spatialID)
	}
	if zoom >= 0 {
		ctx = context.WithValue(ctx, ctxZoomKey, zoom)
	}
	return ctx
}

func NewID() string { return uuid.NewString() }

func safeUint32(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if n > int(math.MaxUint32) {
		return math.MaxUint32
	}
	return uint32(n)
}

func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base := zerolog.New(out).Level(ParseLevel(cfg.Level))

	if cfg.SampleN > 0 {
		n := safeUint32(cfg.SampleN)
		if n > 0 {
			base = base.Sample(&zerolog.BasicSampler{N: n})
		}
	}

	ctx := base.With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}
	return ctx.Logger()
}

// returns a child logger with context fields applied
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	var base zerolog.Logger
	if parent == nil {
		base = zerolog.New(io.Discard)
	} else {
		base = *parent
	}
	if ctx == nil {
		return &base
	}
	w := base.With()
	if s, ok := ctx.Value(ctxReqIDKey).(string); ok && s != "" {
		w = w.Str("request_id", s)
	}
	if s, ok := ctx.Value(ctxComponent).(string); ok && s != "" {
		w = w.Str("component", s)
	}
	if s, ok := ctx.Value(ctxSpatialIDKey).(string); ok && s != "" {
		w = w.Str("spatial_id", s)
	}
	if z, ok := ctx.Value(ctxZoomKey).(int); ok {
		w = w.Str("zoom_level", strconv.Itoa(z))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		w = w.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
	}
	l := w.Logger()
	return &l
}
