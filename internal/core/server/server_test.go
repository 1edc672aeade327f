package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/config"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/health"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/router"
	h3mapper "github.com/mohammed-shakir/spatial-attributes/internal/mapper/h3"
	"github.com/mohammed-shakir/spatial-attributes/internal/metrics"
	"github.com/mohammed-shakir/spatial-attributes/internal/merge"
	"github.com/mohammed-shakir/spatial-attributes/internal/store/memstore"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.FromEnv()
	cfg.MaxBodyBytes = 256

	st := memstore.New()
	st.PutGeometry("25/1/2/3", model.GeometryRecord{Geometry: json.RawMessage(`{"type":"Point","coordinates":[1,2]}`)})
	eng, err := merge.New(log, st, st, merge.Config{StoreTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	api := router.New(log, eng, h3mapper.New(), router.Options{DefaultZoomLevel: 25, ViewportMaxIDs: 10})
	ready := health.NewChecker(time.Second).Add("store", st)

	prov := metrics.Init(metrics.Config{Enabled: true})
	srv := httptest.NewServer(Handler(cfg, log, api, ready, prov.Handler()))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandler_EndToEnd(t *testing.T) {
	srv := testServer(t)

	for path, want := range map[string]int{
		"/healthz":              http.StatusOK,
		"/readyz":               http.StatusOK,
		"/metrics":              http.StatusOK,
		"/":                     http.StatusOK,
		"/api/spatial/25/1/2/3": http.StatusOK,
		"/nope":                 http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s: status=%d want %d", path, resp.StatusCode, want)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Errorf("%s: missing X-Request-ID", path)
		}
	}

	resp, err := http.Post(srv.URL+"/api/attributes/25/1/2/3", "application/json",
		strings.NewReader(`{"zoom_level":25,"attributes":{"a":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert status=%d", resp.StatusCode)
	}
}

func TestHandler_BodyLimit(t *testing.T) {
	srv := testServer(t)
	body := `{"zoom_level":25,"attributes":{"a":"` + strings.Repeat("x", 512) + `"}}`
	resp, err := http.Post(srv.URL+"/api/attributes/25/1/2/3", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := config.FromEnv()
	cfg.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), http.NotFoundHandler())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
