package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("bad json %q: %v", lines[len(lines)-1], err)
	}
	return m
}

func TestBuild_FieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn", Component: "spatial-api", Version: "1.2.3"}, &buf)

	zl.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}
	zl.Warn().Msg("kept")
	m := lastLine(t, &buf)
	if m["msg"] != "kept" || m["level"] != "warn" || m["component"] != "spatial-api" || m["version"] != "1.2.3" {
		t.Fatalf("fields=%v", m)
	}
	if _, ok := m["timestamp"]; !ok {
		t.Fatal("missing timestamp")
	}
}

func TestFromContext_AddsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "debug"}, &buf)

	ctx := WithRequestID(context.Background(), "req-9")
	ctx = WithComponent(ctx, "router")
	ctx = WithTarget(ctx, "25/1/2/3", 4)
	FromContext(ctx, &zl).Info().Msg("hello")

	m := lastLine(t, &buf)
	if m["request_id"] != "req-9" || m["component"] != "router" || m["spatial_id"] != "25/1/2/3" || m["zoom_level"] != "4" {
		t.Fatalf("fields=%v", m)
	}
	if RequestIDFrom(ctx) != "req-9" {
		t.Fatalf("RequestIDFrom=%q", RequestIDFrom(ctx))
	}
}

func TestWithRequestID_GeneratesWhenEmpty(t *testing.T) {
	a := RequestIDFrom(WithRequestID(context.Background(), ""))
	b := RequestIDFrom(WithRequestID(context.Background(), ""))
	if a == "" || a == b {
		t.Fatalf("ids %q %q", a, b)
	}
	if RequestIDFrom(context.Background()) != "" {
		t.Fatal("expected empty id on bare context")
	}
}

func TestSlogBridge(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info"}, &buf)
	log := NewSlog(&zl)

	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug must be disabled at info level")
	}
	log.Debug("quiet")
	if buf.Len() != 0 {
		t.Fatalf("unexpected output %s", buf.String())
	}

	ctx := WithRequestID(context.Background(), "r1")
	log.With("store", "geometry").WithGroup("op").ErrorContext(ctx, "fetch failed",
		"err", errors.New("boom"),
		"took", 1500*time.Millisecond,
		"attempt", 2,
		"ok", false,
	)
	m := lastLine(t, &buf)
	if m["level"] != "error" || m["msg"] != "fetch failed" || m["request_id"] != "r1" {
		t.Fatalf("fields=%v", m)
	}
	if m["store"] != "geometry" || m["op.err"] != "boom" || m["op.attempt"] != float64(2) || m["op.ok"] != false {
		t.Fatalf("attrs=%v", m)
	}
	if _, ok := m["op.took"]; !ok {
		t.Fatalf("missing duration attr: %v", m)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}
