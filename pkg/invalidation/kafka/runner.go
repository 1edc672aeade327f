// Package kafka consumes geometry change events and evicts the affected
// spatial ids from the geometry cache.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/spatial-attributes/internal/invalidation"
)

// Invalidator evicts cached geometry. *geomcache.Cache satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, spatialIDs ...string) error
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	cache    Invalidator
	ms       *runnerMetrics
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
}

func New(cfg InvalidationConfig, c Invalidator, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 2 * time.Second
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		cache:  c,
		ms:     newRunnerMetrics(opts.Register),
		ver:    newVersionDedupe(cfg.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Enabled() bool { return r.cfg.Enabled && r.cfg.Driver == DriverKafka }

func (r *Runner) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.cache == nil {
		return errors.New("kafka runner: cache dependency is required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "spatial-attributes"
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true
	if err := ApplySecurity(cfg, r.cfg.TLS, r.cfg.SASL); err != nil {
		return err
	}

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage returns an error only when the eviction failed, so the
// session ends and the message is redelivered. Undecodable or invalid events
// are counted and skipped.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		r.ms.lag.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.events.WithLabelValues("invalid").Inc()
		r.log.Warn("skipping undecodable geometry change event",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.ms.events.WithLabelValues("invalid").Inc()
		r.log.Warn("skipping invalid geometry change event",
			"partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}

	r.ms.fanout.Observe(float64(len(ev.SpatialIDs)))
	err := r.apply(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	return err
}

func (r *Runner) apply(ctx context.Context, ev invalidation.Event) error {
	ids := r.ver.newer(ev.SpatialIDs, ev.Version)
	if skipped := len(ev.SpatialIDs) - len(ids); skipped > 0 {
		r.ms.skippedStale(ev.Op, skipped)
	}
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
	defer cancel()
	if err := r.cache.Invalidate(ctx, ids...); err != nil {
		return fmt.Errorf("invalidate %d ids: %w", len(ids), err)
	}
	r.ver.commit(ids, ev.Version)
	r.ms.evicted(ev.Op, len(ids))
	r.log.Debug("geometry invalidated", "op", ev.Op, "version", ev.Version, "ids", len(ids))
	return nil
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if err != nil {
		r.ms.events.WithLabelValues("error").Inc()
	} else {
		r.ms.events.WithLabelValues("ok").Inc()
	}
	r.ms.handle.WithLabelValues(op).Observe(dur.Seconds())
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
