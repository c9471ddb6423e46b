// Package events publishes escrow lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/target/escrow-settlement/config"
	"github.com/target/escrow-settlement/internal/core"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// New returns the publisher selected by cfg.Driver.
func New(cfg config.EventsConfig, logger *slog.Logger) (core.EventPublisher, error) {
	switch cfg.Driver {
	case config.EventsDriverKafka:
		brokers := make([]string, 0, len(cfg.KafkaBrokers))
		for _, b := range cfg.KafkaBrokers {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		if len(brokers) == 0 {
			return nil, errors.New("kafka events require at least one broker")
		}
		writer := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		}
		return NewKafkaPublisher(writer, cfg.KafkaTopic, cfg.WriteTimeout)
	default:
		return NewLogPublisher(logger), nil
	}
}

// KafkaPublisher writes one JSON message per event, keyed by escrow.
type KafkaPublisher struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
}

// NewKafkaPublisher wraps writer.
func NewKafkaPublisher(writer MessageWriter, topic string, timeout time.Duration) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka publisher requires a writer")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("kafka publisher requires a topic")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaPublisher{writer: writer, topic: topic, timeout: timeout}, nil
}

// Publish implements core.EventPublisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event core.EscrowEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(fmt.Sprintf("%d:%s", event.ChainID, event.EscrowAddress)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher. A nil logger uses slog.Default.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "escrow_events")}
}

// Publish implements core.EventPublisher.
func (p *LogPublisher) Publish(ctx context.Context, event core.EscrowEvent) error {
	p.logger.InfoContext(ctx, "escrow event",
		"type", string(event.Type),
		"chain_id", event.ChainID,
		"escrow_address", event.EscrowAddress,
		"detail", event.Detail,
		"occurred_at", event.OccurredAt,
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
