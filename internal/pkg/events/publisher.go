package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/segmentio/kafka-go"

	"github.com/ManuelReschke/HookFox/internal/pkg/env"
)

const DefaultTopic = "webhook-events"

// Outcome is published once a webhook event is settled.
type Outcome struct {
	Provider  string    `json:"provider"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	SettledAt time.Time `json:"settled_at"`
}

// Publisher announces settled events.
type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// NopPublisher drops every outcome. Used when Kafka is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Outcome) error { return nil }
func (NopPublisher) Close() error                           { return nil }

// Config holds the Kafka settings.
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// LoadConfig reads KAFKA_BROKERS (comma separated) and WEBHOOK_EVENTS_TOPIC.
func LoadConfig() Config {
	var brokers []string
	for _, b := range strings.Split(env.GetEnv("KAFKA_BROKERS", ""), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return Config{
		Brokers:      brokers,
		Topic:        env.GetEnv("WEBHOOK_EVENTS_TOPIC", DefaultTopic),
		WriteTimeout: env.GetEnvDuration("KAFKA_WRITE_TIMEOUT", 5*time.Second),
	}
}

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes outcomes as JSON keyed by provider and event id, so
// all outcomes of one event land on the same partition.
type KafkaPublisher struct {
	writer  Writer
	timeout time.Duration
}

// NewPublisher returns a KafkaPublisher when brokers are configured and a
// NopPublisher otherwise.
func NewPublisher(cfg Config) Publisher {
	if !cfg.Enabled() {
		log.Info("[Events] Kafka not configured, outcome publishing disabled")
		return NopPublisher{}
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
	}
	log.Infof("[Events] Publishing outcomes to %s on %s", cfg.Topic, strings.Join(cfg.Brokers, ","))
	return &KafkaPublisher{writer: w, timeout: cfg.WriteTimeout}
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer, timeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: timeout}
}

// Publish writes o to the topic.
func (p *KafkaPublisher) Publish(ctx context.Context, o Outcome) error {
	value, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	msg := kafka.Message{
		Key:   []byte(o.Provider + ":" + o.EventID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(o.EventType)},
			{Key: "status", Value: []byte(o.Status)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
