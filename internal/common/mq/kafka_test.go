package mq_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"egressfleet/internal/common/mq"

	"github.com/segmentio/kafka-go"
)

type captureWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   int
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func TestPublishCarriesKeyAndHeaders(t *testing.T) {
	writer := &captureWriter{}
	producer, err := mq.NewKafkaProducerWithWriter(mq.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}, writer)
	if err != nil {
		t.Fatalf("new producer failed: %v", err)
	}

	msg := mq.NewMessage([]byte(`{"to":"running"}`))
	msg.ID = "evt-1"
	msg.Key = "worker-1"
	msg.SetHeader("event", "transition")
	if err := producer.Publish(context.Background(), "fleet.events", msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(writer.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(writer.messages))
	}
	got := writer.messages[0]
	if got.Topic != "fleet.events" || string(got.Key) != "worker-1" {
		t.Fatalf("unexpected topic/key: %s %s", got.Topic, got.Key)
	}
	headers := make(map[string]string)
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event"] != "transition" || headers["x-message-id"] != "evt-1" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers["x-message-ts"] == "" {
		t.Fatalf("timestamp header missing")
	}
}

func TestPublishValidatesInput(t *testing.T) {
	writer := &captureWriter{}
	producer, _ := mq.NewKafkaProducerWithWriter(mq.KafkaConfig{}, writer)

	if err := producer.Publish(context.Background(), "", mq.NewMessage(nil)); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if err := producer.Publish(context.Background(), "t", nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if err := producer.PublishBatch(context.Background(), "t", nil); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	writer := &captureWriter{}
	producer, _ := mq.NewKafkaProducerWithWriter(mq.KafkaConfig{}, writer)
	if err := producer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if writer.closed != 1 {
		t.Fatalf("writer closed %d times", writer.closed)
	}
	if err := producer.Publish(context.Background(), "t", mq.NewMessage(nil)); err == nil {
		t.Fatalf("expected publish after close to fail")
	}
}

func TestPublishBatchPropagatesWriterError(t *testing.T) {
	writer := &captureWriter{err: errors.New("leader not available")}
	producer, _ := mq.NewKafkaProducerWithWriter(mq.KafkaConfig{}, writer)
	err := producer.PublishBatch(context.Background(), "t", []*mq.Message{mq.NewMessage([]byte("a"))})
	if err == nil {
		t.Fatalf("expected writer error")
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	if _, err := mq.NewKafkaProducer(mq.KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}
