package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProvider_RegistersStandardCollectors_AndBuildInfo(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test", Revision: "r", BuildDate: "now"}})

	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "smoke"})
	p.Register(g)
	g.Set(42)

	if n := testutil.CollectAndCount(g); n == 0 {
		t.Fatalf("expected at least 1 sample from test_gauge, got %d", n)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()

	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go_goroutines in payload; got:\n%s", body)
	}
	if !strings.Contains(body, `app_build_info{build_date="now",go_version=`) {
		t.Fatalf("expected app_build_info in payload; got:\n%s", body)
	}
	if !strings.Contains(body, "test_gauge 42") {
		t.Fatalf("expected registered gauge in payload; got:\n%s", body)
	}
}

func TestServe_NotDedicatedReturnsImmediately(t *testing.T) {
	p := Init(Config{Enabled: true})
	if p.Dedicated() {
		t.Fatal("no addr means not dedicated")
	}
	if err := p.Serve(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	p := Init(Config{Enabled: true, Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, slog.New(slog.NewTextHandler(io.Discard, nil))) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
