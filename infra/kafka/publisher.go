// Package kafka streams dispatch bus events to a Kafka topic for downstream
// consumers such as analytics or a rider facing app.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kilianp07/ridedispatch/core/events"
	"github.com/kilianp07/ridedispatch/core/monitoring"
	"github.com/kilianp07/ridedispatch/infra/logger"
	"github.com/kilianp07/ridedispatch/internal/eventbus"
)

// Config selects the brokers and topic.
type Config struct {
	Enabled   bool     `json:"enabled"`
	Brokers   []string `json:"brokers"`
	Topic     string   `json:"topic"`
	TimeoutMS int      `json:"timeout_ms"`
}

func (c *Config) SetDefaults() {
	if c.Topic == "" {
		c.Topic = "ridedispatch.events"
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 2000
	}
}

func (c Config) Validate() error {
	if c.Enabled && len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: at least one broker is required")
	}
	return nil
}

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is the JSON value written for every event.
type Record struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Publisher forwards bus events to Kafka.
type Publisher struct {
	w       messageWriter
	timeout time.Duration
	log     logger.Logger
	done    chan struct{}
}

// NewPublisher builds a writer hashing on the message key so every event of
// one ride lands on the same partition.
func NewPublisher(cfg Config, log logger.Logger) *Publisher {
	cfg.SetDefaults()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
	}
	return newPublisher(w, cfg, log)
}

func newPublisher(w messageWriter, cfg Config, log logger.Logger) *Publisher {
	cfg.SetDefaults()
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Publisher{w: w, timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond, log: log}
}

// Start subscribes to bus and publishes until ctx ends or the bus closes.
func (p *Publisher) Start(ctx context.Context, bus *eventbus.TypedBus[events.Event]) {
	sub := bus.Subscribe()
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				if err := p.Publish(ctx, ev); err != nil {
					p.log.Warnw("kafka publish failed", map[string]any{"event": ev.EventName(), "error": err})
					monitoring.CaptureException(err, map[string]string{"module": "kafka", "event": ev.EventName()})
				}
			}
		}
	}()
}

// Publish writes one event synchronously.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	msg, err := Encode(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.w.WriteMessages(ctx, msg)
}

// Close waits for the forwarding goroutine, if any, and flushes the writer.
func (p *Publisher) Close() error {
	if p.done != nil {
		<-p.done
	}
	return p.w.Close()
}

// Encode maps an event to its Kafka message. Ride and offer events are keyed
// by ride id, settlements by puller id.
func Encode(ev events.Event) (kafka.Message, error) {
	var key string
	var at time.Time
	switch e := ev.(type) {
	case events.RideEvent:
		key, at = e.Ride.ID, e.At
	case events.OfferEvent:
		key, at = e.RideID, e.At
	case events.SettlementEvent:
		key, at = e.Entry.PullerID, e.Entry.CreatedAt
	default:
		return kafka.Message{}, fmt.Errorf("kafka: unsupported event %T", ev)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	value, err := json.Marshal(Record{Type: ev.EventName(), At: at.UTC(), Data: data})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    at,
		Headers: []kafka.Header{{Key: "event", Value: []byte(ev.EventName())}},
	}, nil
}
