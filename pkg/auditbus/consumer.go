package auditbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"zerokeep/pkg/audit"
)

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer reads audit events published by KafkaPublisher.
type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg Config) (*KafkaConsumer, error) {
	brokers, err := cfg.validate(true)
	if err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) Next(ctx context.Context) (audit.Event, error) {
	if c == nil || c.reader == nil {
		return audit.Event{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return audit.Event{}, err
	}
	var e audit.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return audit.Event{}, fmt.Errorf("decode audit event at offset %d: %w", msg.Offset, err)
	}
	return e, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
