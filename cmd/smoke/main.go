// Command smoke checks that the infrastructure around spatial-api is
// reachable: Redis, both PostgreSQL databases, Kafka and the API itself.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/spatial-attributes/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/config"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/httpclient"
	"github.com/mohammed-shakir/spatial-attributes/internal/invalidation"
	"github.com/mohammed-shakir/spatial-attributes/internal/store/postgres"
	"github.com/mohammed-shakir/spatial-attributes/pkg/invalidation/kafka"
)

func testRedis(ctx context.Context, addr string) error {
	fmt.Println("Redis test")
	c, err := redisstore.New(ctx, addr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Set(ctx, "smoke:hello", []byte("world"), 30*time.Second); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	val, ok, err := c.Get(ctx, "smoke:hello")
	if err != nil || !ok {
		return fmt.Errorf("redis get: ok=%v err=%v", ok, err)
	}
	fmt.Println("redis GET smoke:hello:", string(val))
	return c.Del(ctx, "smoke:hello")
}

func testPostgres(ctx context.Context, name, dsn string) error {
	fmt.Println("PostgreSQL test:", name)
	db, err := postgres.Open(dsn, postgres.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s ping: %w", name, err)
	}
	var version string
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return fmt.Errorf("%s version: %w", name, err)
	}
	fmt.Println(name, "server:", version)
	return nil
}

// testKafka produces one geometry change event in the format the
// invalidation runner consumes.
func testKafka(cfg kafka.InvalidationConfig, spatialID string) error {
	fmt.Println("Kafka test")

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Version = sarama.V2_5_0_0
	if err := kafka.ApplySecurity(sc, cfg.TLS, cfg.SASL); err != nil {
		return err
	}
	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	ev := invalidation.Event{
		Version:    uint64(time.Now().UnixNano()),
		Op:         "update",
		SpatialIDs: []string{spatialID},
		TS:         time.Now().UTC(),
		Source:     "smoke",
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("event: %w", err)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	part, off, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: cfg.Topic,
		Key:   sarama.StringEncoder(spatialID),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Printf("produced geometry change to %s[%d]@%d\n", cfg.Topic, part, off)
	return nil
}

func testAPI(ctx context.Context, base, spatialID string) error {
	fmt.Println("API test")
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return fmt.Errorf("bad API URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	client := httpclient.NewOutbound(5 * time.Second)

	get := func(path string) (int, string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String()+path, nil)
		if err != nil {
			return 0, "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, "", err
		}
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, string(b), nil
	}

	code, body, err := get("/")
	if err != nil {
		return fmt.Errorf("GET /: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("GET / status %d: %s", code, body)
	}
	fmt.Println("descriptor:", strings.TrimSpace(body))

	code, body, err = get("/api/spatial/" + spatialID)
	if err != nil {
		return fmt.Errorf("GET spatial: %w", err)
	}
	// 404 is fine: the cell simply has no data
	if code != http.StatusOK && code != http.StatusNotFound {
		return fmt.Errorf("GET spatial status %d: %s", code, body)
	}
	fmt.Printf("GET /api/spatial/%s -> %d\n", spatialID, code)
	return nil
}

func main() {
	apiURL := flag.String("api", "http://localhost:8090", "base URL of a running spatial-api")
	lat := flag.Float64("lat", 59.3293, "latitude of the probe cell")
	lng := flag.Float64("lng", 18.0686, "longitude of the probe cell")
	res := flag.Int("res", 9, "H3 resolution of the probe cell")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cell, err := h3.LatLngToCell(h3.NewLatLng(*lat, *lng), *res)
	if err != nil {
		fmt.Println("H3 error:", err)
		os.Exit(1)
	}
	probe := cell.String()
	fmt.Println("probe spatial id:", probe)

	failed := 0
	check := func(name string, skip bool, fn func() error) {
		if skip {
			fmt.Println(name, "skipped (not configured)")
			return
		}
		if err := fn(); err != nil {
			fmt.Println(name, "error:", err)
			failed++
		}
	}

	check("Redis", cfg.RedisAddr == "", func() error { return testRedis(ctx, cfg.RedisAddr) })
	check("Geometry DB", cfg.Store.GeometryDSN == "", func() error { return testPostgres(ctx, "geometry", cfg.Store.GeometryDSN) })
	check("Attributes DB", cfg.Store.AttributesDSN == "", func() error { return testPostgres(ctx, "attributes", cfg.Store.AttributesDSN) })
	check("Kafka", len(cfg.Invalidation.Brokers) == 0, func() error { return testKafka(cfg.Invalidation, probe) })
	check("API", *apiURL == "", func() error { return testAPI(ctx, *apiURL, probe) })

	if failed > 0 {
		fmt.Printf("%d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("All checks completed")
}
