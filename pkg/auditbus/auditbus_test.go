package auditbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"zerokeep/pkg/audit"
)

var _ audit.Publisher = (*KafkaPublisher)(nil)

func TestParseBrokers(t *testing.T) {
	got := ParseBrokers(" a:9092, ,b:9092,")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}
	if ParseBrokers("") != nil {
		t.Fatal("expected nil for empty list")
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewKafkaPublisher(Config{Topic: "audit"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(Config{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaConsumer(Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "audit"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}

	p, err := NewKafkaPublisher(Config{Brokers: []string{" ", "127.0.0.1:9092"}, Topic: "audit"})
	if err != nil || p == nil {
		t.Fatalf("expected publisher, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c, err := NewKafkaConsumer(Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "audit", GroupID: "zkctl"})
	if err != nil || c == nil {
		t.Fatalf("expected consumer, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakeReader struct {
	msg kafka.Message
	err error
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	return f.msg, f.err
}

func (f *fakeReader) Close() error { return nil }

func TestPublishThenConsume(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	e := audit.Event{Action: audit.ActionWipeCompleted, Status: audit.StatusSuccess, ActorIP: "h:abc", At: at, Metadata: map[string]any{"count": float64(3)}}
	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != audit.ActionWipeCompleted || !w.msgs[0].Time.Equal(at) {
		t.Fatalf("unexpected message %+v", w.msgs)
	}

	c := &KafkaConsumer{reader: &fakeReader{msg: w.msgs[0]}}
	got, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.Action != e.Action || got.ActorIP != e.ActorIP || got.Metadata["count"] != float64(3) {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestPublishAndConsumeErrors(t *testing.T) {
	var nilPub *KafkaPublisher
	if err := nilPub.Publish(context.Background(), audit.Event{}); err == nil {
		t.Fatal("expected error for nil publisher")
	}
	if err := nilPub.Close(); err != nil {
		t.Fatalf("nil close should be a no-op: %v", err)
	}
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}}
	if err := p.Publish(context.Background(), audit.Event{Action: "x"}); err == nil {
		t.Fatal("expected writer error")
	}

	var nilCon *KafkaConsumer
	if _, err := nilCon.Next(context.Background()); err == nil {
		t.Fatal("expected error for nil consumer")
	}
	c := &KafkaConsumer{reader: &fakeReader{err: errors.New("read failed")}}
	if _, err := c.Next(context.Background()); err == nil {
		t.Fatal("expected reader error")
	}
	raw, _ := json.Marshal("not an event")
	c = &KafkaConsumer{reader: &fakeReader{msg: kafka.Message{Value: raw}}}
	if _, err := c.Next(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}
