// Package auditbus carries audit events over Kafka so they can be retained
// outside the database the gateway writes to.
package auditbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"zerokeep/pkg/audit"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// ParseBrokers splits a comma separated broker list and drops blanks.
func ParseBrokers(raw string) []string {
	var out []string
	for _, b := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c Config) validate(needGroup bool) ([]string, error) {
	brokers := ParseBrokers(strings.Join(c.Brokers, ","))
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if needGroup && strings.TrimSpace(c.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	return brokers, nil
}

// KafkaPublisher implements audit.Publisher.
type KafkaPublisher struct {
	writer kafkaWriter
}

func NewKafkaPublisher(cfg Config) (*KafkaPublisher, error) {
	brokers, err := cfg.validate(false)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}, nil
}

// Publish keys messages by action so one action type stays ordered within a
// partition.
func (p *KafkaPublisher) Publish(ctx context.Context, e audit.Event) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka publisher not initialized")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Action),
		Value: body,
		Time:  e.At,
	})
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
