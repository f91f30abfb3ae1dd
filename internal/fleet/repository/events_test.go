package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"egressfleet/internal/common/mq"
	"egressfleet/internal/fleet/model"
	"egressfleet/internal/fleet/repository"
)

type fakeProducer struct {
	topic    string
	messages []*mq.Message
	err      error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.messages = append(p.messages, message)
	return nil
}

func (p *fakeProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := p.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakeProducer) Ping(ctx context.Context) error { return nil }
func (p *fakeProducer) Close() error                   { return nil }

func TestEventPublisherKeysByInstance(t *testing.T) {
	producer := &fakeProducer{}
	pub := repository.NewEventPublisher(producer, "")
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	event := model.Event{
		InstanceID: "worker-1",
		From:       model.StateStarting,
		To:         model.StateRunning,
		Endpoint:   "socks5://203.0.113.10:1080",
		At:         at,
	}
	if err := pub.PublishEvent(context.Background(), event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if producer.topic != repository.DefaultEventTopic {
		t.Fatalf("unexpected topic %s", producer.topic)
	}
	msg := producer.messages[0]
	if msg.Key != "worker-1" || msg.ID == "" {
		t.Fatalf("unexpected key/id: %q %q", msg.Key, msg.ID)
	}
	if to, _ := msg.GetHeader("to"); to != "running" {
		t.Fatalf("unexpected to header %q", to)
	}
	var decoded model.Event
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode body failed: %v", err)
	}
	if decoded.InstanceID != "worker-1" || decoded.To != model.StateRunning || !decoded.At.Equal(at) {
		t.Fatalf("unexpected body: %+v", decoded)
	}
}

func TestEventPublisherReturnsProducerError(t *testing.T) {
	pub := repository.NewEventPublisher(&fakeProducer{err: errors.New("broker down")}, "topic")
	if err := pub.PublishEvent(context.Background(), model.Event{InstanceID: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}
