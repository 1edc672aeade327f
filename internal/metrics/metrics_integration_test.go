package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_AppMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Build: BuildInfo{Version: "test"}})
	observability.Init(p.Registerer(), true)

	observability.ObserveHTTP("GET", "/api/spatial", 200, 0.004)
	observability.ObserveStoreOp("geometry", "fetch", errors.New("timeout"), 0.5)
	observability.IncLookup("found")
	observability.IncAttributeSource("geometry")
	observability.IncGeometryCache("remote", "miss")
	observability.ObserveCacheOp("get", nil, 0.002)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, s := range []string{
		`http_request_duration_seconds_bucket`,
		`redis_operation_duration_seconds_count`,
		`merge_lookups_total{outcome="found"} 1`,
	} {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "store_operation_duration_seconds_count",
		`store="geometry"`, `outcome="error"`)
	assertHasMetricLine(t, body, "geometry_cache_results_total",
		`tier="remote"`, `outcome="miss"`)
	assertHasMetricLine(t, body, "app_build_info",
		`version="test"`)
}
