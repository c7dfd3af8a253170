// Package events delivers call lifecycle events to the rest of the system.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"chatcall-backend/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the publisher needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the call event topic writer
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	RequiredAcks string // none | one | all
	Async        bool
}

// KafkaPublisher writes call events to a topic keyed by call id, so all
// events of one call land on the same partition in order
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher backed by a kafka-go writer
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}

	var acks kafka.RequiredAcks
	switch strings.ToLower(cfg.RequiredAcks) {
	case "none":
		acks = kafka.RequireNone
	case "all":
		acks = kafka.RequireAll
	default:
		acks = kafka.RequireOne
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           acks,
		Async:                  cfg.Async,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaPublisherWithWriter(w, cfg.Topic), nil
}

// NewKafkaPublisherWithWriter wraps an existing writer
func NewKafkaPublisherWithWriter(w MessageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Publish serializes event as JSON and writes it
func (p *KafkaPublisher) Publish(ctx context.Context, event domain.CallEvent) error {
	if event.Call == nil {
		return fmt.Errorf("kafka: event %s has no call", event.Type)
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal call event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Call.ID.String()),
		Value: value,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "chat-id", Value: []byte(event.Call.ChatID.String())},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write call event to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
