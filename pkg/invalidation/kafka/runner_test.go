package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammed-shakir/spatial-attributes/internal/cache/geomcache"
	"github.com/mohammed-shakir/spatial-attributes/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-attributes/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/internal/invalidation"
)

type fakeCache struct {
	mu  sync.Mutex
	del []string
	err error
}

func (f *fakeCache) Invalidate(_ context.Context, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.del = append(f.del, ids...)
	return nil
}

func (f *fakeCache) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.del...)
}

func message(t *testing.T, ev invalidation.Event) *sarama.ConsumerMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{Topic: "t", Partition: 0, Offset: 1, Timestamp: time.Now().UTC(), Value: b}
}

func newRunner(c Invalidator, reg prometheus.Registerer) *Runner {
	return New(InvalidationConfig{Enabled: true, Driver: DriverKafka}, c, Options{Register: reg})
}

func TestHandleMessage_EvictsAndDedupesByVersion(t *testing.T) {
	fc := &fakeCache{}
	r := newRunner(fc, prometheus.NewRegistry())
	ctx := context.Background()

	ev := invalidation.Event{Version: 2, Op: "update", SpatialIDs: []string{"A", "B", "A"}, TS: time.Now().UTC()}
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got := fc.deleted(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("deleted=%v want [A B]", got)
	}

	// redelivery and older versions are skipped
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatal(err)
	}
	ev.Version = 1
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatal(err)
	}
	if got := fc.deleted(); len(got) != 2 {
		t.Fatalf("deleted=%v after stale events", got)
	}

	// a newer version for one id evicts only that id
	ev = invalidation.Event{Version: 3, Op: "delete", SpatialIDs: []string{"B"}, TS: time.Now().UTC()}
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatal(err)
	}
	if got := fc.deleted(); len(got) != 3 || got[2] != "B" {
		t.Fatalf("deleted=%v", got)
	}
}

func TestHandleMessage_InvalidEventsSkipped(t *testing.T) {
	fc := &fakeCache{}
	r := newRunner(fc, prometheus.NewRegistry())
	ctx := context.Background()

	if err := r.handleMessage(ctx, &sarama.ConsumerMessage{Value: []byte("{not json")}); err != nil {
		t.Fatalf("undecodable message should be skipped, got %v", err)
	}
	bad := invalidation.Event{Version: 1, Op: "rename", SpatialIDs: []string{"A"}, TS: time.Now()}
	if err := r.handleMessage(ctx, message(t, bad)); err != nil {
		t.Fatalf("invalid event should be skipped, got %v", err)
	}
	if len(fc.deleted()) != 0 {
		t.Fatal("nothing should be evicted")
	}
}

func TestHandleMessage_FailedEvictionIsRetried(t *testing.T) {
	fc := &fakeCache{err: errors.New("redis down")}
	r := newRunner(fc, prometheus.NewRegistry())
	ctx := context.Background()
	msg := message(t, invalidation.Event{Version: 5, Op: "update", SpatialIDs: []string{"A"}, TS: time.Now()})

	if err := r.handleMessage(ctx, msg); err == nil {
		t.Fatal("expected error so the message is redelivered")
	}

	fc.mu.Lock()
	fc.err = nil
	fc.mu.Unlock()
	if err := r.handleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := fc.deleted(); len(got) != 1 {
		t.Fatalf("version must not be committed on failure; deleted=%v", got)
	}
}

func TestMetricsExposed(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newRunner(&fakeCache{}, reg)
	_ = r.handleMessage(context.Background(),
		message(t, invalidation.Event{Version: 2, Op: "insert", SpatialIDs: []string{"A"}, TS: time.Now()}))
	_ = r.handleMessage(context.Background(),
		message(t, invalidation.Event{Version: 1, Op: "update", SpatialIDs: []string{"A", "B"}, TS: time.Now()}))
	_ = r.handleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("x")})

	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`geometry_invalidation_msgs_total{result="ok"} 2`,
		`geometry_invalidation_msgs_total{result="invalid"} 1`,
		`geometry_invalidation_apply_total{action="evict",op="insert"} 1`,
		`geometry_invalidation_apply_total{action="evict",op="update"} 1`,
		`geometry_invalidation_apply_total{action="skip_version",op="update"} 1`,
		`geometry_invalidation_event_spatial_ids_count 2`,
		`geometry_invalidation_event_spatial_ids_sum 3`,
		`geometry_invalidation_processing_seconds_bucket{op="insert"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestStart_DisabledIsNoop(t *testing.T) {
	r := New(InvalidationConfig{Driver: DriverNone}, &fakeCache{}, Options{})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ready, _ := r.Readiness(); ready {
		t.Fatal("disabled runner must not report partitions")
	}
	r.Stop()
}

type geomSource map[string]*model.GeometryRecord

func (s geomSource) FetchGeometry(_ context.Context, id string) (*model.GeometryRecord, error) {
	return s[id], nil
}

func TestHandleMessage_EvictsGeometryCacheInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cli, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	src := geomSource{"25/1/2/3": {Geometry: json.RawMessage(`{"type":"Point"}`)}}
	gc, err := geomcache.New(src, cli, geomcache.Config{Namespace: "it"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := gc.FetchGeometry(ctx, "25/1/2/3"); err != nil {
		t.Fatal(err)
	}
	k := keys.GeometryKey("it", "25/1/2/3")
	if !mr.Exists(k) {
		t.Fatal("precondition: entry cached")
	}

	r := newRunner(gc, prometheus.NewRegistry())
	ev := invalidation.Event{Version: 1, Op: "update", SpatialIDs: []string{"25/1/2/3"}, TS: time.Now()}
	if err := r.handleMessage(ctx, message(t, ev)); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if mr.Exists(k) || gc.Len() != 0 {
		t.Fatal("geometry cache not evicted")
	}
}

func TestFromLookup(t *testing.T) {
	env := map[string]string{
		"INVALIDATION_ENABLED":  "true",
		"INVALIDATION_DRIVER":   "kafka",
		"KAFKA_BROKERS":         "k1:9092, k2:9092",
		"INVALIDATION_TOPIC":    "geo",
		"KAFKA_SESSION_TIMEOUT": "10s",
	}
	cfg := FromLookup(func(k string) string { return env[k] })
	if !cfg.Enabled || cfg.Driver != DriverKafka || cfg.Topic != "geo" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[1] != "k2:9092" {
		t.Fatalf("brokers=%v", cfg.Brokers)
	}
	if cfg.SessionTimeout != 10*time.Second || cfg.Heartbeat != 3*time.Second {
		t.Fatalf("timeouts=%v/%v", cfg.SessionTimeout, cfg.Heartbeat)
	}
}

func TestApplySecurity(t *testing.T) {
	sc := sarama.NewConfig()
	if err := ApplySecurity(sc, TLSConfig{Enable: true}, SASLConfig{Enable: true, Username: "u", Password: "p"}); err != nil {
		t.Fatalf("ApplySecurity: %v", err)
	}
	if !sc.Net.TLS.Enable || !sc.Net.SASL.Enable || sc.Net.SASL.User != "u" {
		t.Fatalf("net=%+v", sc.Net)
	}
	if err := ApplySecurity(sarama.NewConfig(), TLSConfig{}, SASLConfig{Enable: true, Mechanism: "SCRAM-SHA-512"}); err == nil {
		t.Fatal("expected unsupported mechanism error")
	}
	if err := ApplySecurity(sarama.NewConfig(), TLSConfig{Enable: true, CaFile: "/nonexistent/ca.pem"}, SASLConfig{}); err == nil {
		t.Fatal("expected missing CA error")
	}
}
