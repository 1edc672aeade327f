// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

type Checker struct {
	Timeout time.Duration
	pingers map[string]Pinger
	runner  ReadinessReporter
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{Timeout: timeout, pingers: map[string]Pinger{}}
}

func (c *Checker) Add(name string, p Pinger) *Checker {
	if p != nil {
		c.pingers[name] = p
	}
	return c
}

// WithRunner makes readiness depend on the invalidation consumer having
// partitions assigned.
func (c *Checker) WithRunner(rr ReadinessReporter) *Checker {
	c.runner = rr
	return c
}

type Report struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks,omitempty"`
	Partitions []int32           `json:"partitions,omitempty"`
}

// Check pings every dependency concurrently under one deadline.
func (c *Checker) Check(ctx context.Context) (Report, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	rep := Report{Checks: make(map[string]string, len(c.pingers)+1)}
	ok := true
	for name, p := range c.pingers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Ping(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ok = false
				rep.Checks[name] = err.Error()
				return
			}
			rep.Checks[name] = "ok"
		}()
	}
	wg.Wait()

	if c.runner != nil {
		ready, parts := c.runner.Readiness()
		if ready {
			sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
			rep.Partitions = parts
			rep.Checks["invalidation"] = "ok"
		} else {
			ok = false
			rep.Checks["invalidation"] = "no partitions assigned"
		}
	}

	rep.Status = "not_ready"
	if ok {
		rep.Status = "ready"
	}
	return rep, ok
}

func Readiness(c *Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, ok := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	}
}
