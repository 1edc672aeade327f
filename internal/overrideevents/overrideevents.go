// Package overrideevents publishes a Kafka message after every committed
// attribute override upsert.
package overrideevents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/observability"
	"github.com/mohammed-shakir/spatial-attributes/internal/logger"
)

type Event struct {
	EventID   string    `json:"event_id"`
	Op        string    `json:"op"`
	SpatialID string    `json:"spatial_id"`
	ZoomLevel int       `json:"zoom_level"`
	TS        time.Time `json:"ts"`
	RequestID string    `json:"request_id,omitempty"`
}

type Config struct {
	Brokers   []string
	Topic     string
	QueueSize int
}

// Publisher never blocks the caller: a full queue drops the event.
type Publisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	log     *slog.Logger
	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
	errDone chan struct{}
	now     func() time.Time
}

// NewPublisher builds a sarama AsyncProducer. configure may adjust the
// sarama config (security settings) before the producer is created.
func NewPublisher(cfg Config, log *slog.Logger, configure func(*sarama.Config) error) (*Publisher, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.ClientID = "spatial-attributes"
	sc.Producer.Return.Errors = true
	sc.Producer.Return.Successes = false
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	if configure != nil {
		if err := configure(sc); err != nil {
			return nil, fmt.Errorf("overrideevents: configure producer: %w", err)
		}
	}

	prod, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("overrideevents: create async producer: %w", err)
	}
	return newPublisher(prod, cfg, log), nil
}

func newPublisher(prod sarama.AsyncProducer, cfg Config, log *slog.Logger) *Publisher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   cfg.Topic,
		events:  make(chan Event, cfg.QueueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
		now:     time.Now,
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				observability.IncOverrideEvent("error")
				p.log.Error("override event marshal failed", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.SpatialID),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				observability.IncOverrideEvent("error")
				p.log.Warn("override event produce failed", "err", err.Err, "topic", err.Msg.Topic)
			}
		}
	}()

	return p
}

func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		observability.IncOverrideEvent("dropped")
		return
	}
	select {
	case p.events <- ev:
		observability.IncOverrideEvent("queued")
	default:
		observability.IncOverrideEvent("dropped")
	}
}

// OverrideUpserted makes the publisher usable as the merge engine notifier.
func (p *Publisher) OverrideUpserted(ctx context.Context, spatialID string, zoom int) {
	p.Publish(Event{
		EventID:   uuid.NewString(),
		Op:        "upsert",
		SpatialID: spatialID,
		ZoomLevel: zoom,
		TS:        p.now().UTC(),
		RequestID: logger.RequestIDFrom(ctx),
	})
}

// Close drains the queue and flushes the producer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("overrideevents: close producer: %w", err)
	}
	return nil
}
