// Package events announces ingested snapshots to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/config"
)

// EventSnapshotIngested is the event_type header of ingest notifications.
const EventSnapshotIngested = "snapshot_ingested"

// Event describes a snapshot that finished loading.
type Event struct {
	RunID       string    `json:"run_id"`
	SnapshotID  string    `json:"snapshot_id"`
	SourceURL   string    `json:"source_url"`
	Table       string    `json:"table,omitempty"`
	ObjectKey   string    `json:"object_key,omitempty"`
	Rows        int       `json:"rows"`
	Resolved    int       `json:"resolved_postcodes"`
	Unresolved  int       `json:"unresolved_postcodes"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Publisher sends ingest notifications.
type Publisher interface {
	SnapshotIngested(ctx context.Context, ev Event) error
	Close() error
}

// messageWriter is satisfied by *kafkago.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces one message per snapshot, keyed by snapshot id.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// New returns a KafkaPublisher when brokers are configured and Nop otherwise.
func New(cfg config.EventsConfig) Publisher {
	if len(cfg.Brokers) == 0 {
		return Nop{}
	}
	return NewKafkaPublisher(cfg.Brokers, cfg.Topic)
}

// NewKafkaPublisher creates a producer for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &KafkaPublisher{writer: w, topic: topic}
}

// SnapshotIngested publishes ev.
func (p *KafkaPublisher) SnapshotIngested(ctx context.Context, ev Event) error {
	msg, err := toMessage(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "events: publish snapshot %s to %s", ev.SnapshotID, p.topic)
	}
	zap.L().Debug("events: published",
		zap.String("topic", p.topic),
		zap.String("snapshot_id", ev.SnapshotID),
	)
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(ev Event) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, eris.Wrap(err, "events: marshal event")
	}
	return kafkago.Message{
		Key:   []byte(ev.SnapshotID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(EventSnapshotIngested)},
			{Key: "processed_at", Value: []byte(ev.ProcessedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) SnapshotIngested(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }
