package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"egressfleet/internal/common/mq"
	"egressfleet/internal/fleet/model"

	"github.com/google/uuid"
)

const DefaultEventTopic = "egressfleet.instance.events"

// EventPublisher sends lifecycle events to a message queue, keyed by instance
// id so the events of one instance stay ordered.
type EventPublisher struct {
	producer mq.Producer
	topic    string
}

func NewEventPublisher(producer mq.Producer, topic string) *EventPublisher {
	if topic == "" {
		topic = DefaultEventTopic
	}
	return &EventPublisher{producer: producer, topic: topic}
}

func (p *EventPublisher) PublishEvent(ctx context.Context, event model.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := mq.NewMessage(body)
	msg.ID = uuid.NewString()
	msg.Key = event.InstanceID
	msg.Timestamp = event.At
	msg.SetHeader("event", "instance.transition")
	msg.SetHeader("to", string(event.To))
	return p.producer.Publish(ctx, p.topic, msg)
}

// Close closes the underlying producer.
func (p *EventPublisher) Close() error {
	return p.producer.Close()
}
