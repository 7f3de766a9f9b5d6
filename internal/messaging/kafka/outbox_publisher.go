package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// OutboxPublisher отправляет сообщения outbox в топик событий заказов.
// Ключ сообщения id заказа: события одного заказа идут в одну партицию по порядку.
type OutboxPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher создаёт паблишер; пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish реализует domain.EventPublisher.
func (p *OutboxPublisher) Publish(ctx context.Context, msg domain.OutboxMessage) error {
	key := msg.OrderID
	if key == "" {
		key = msg.ID
	}
	var payload json.RawMessage
	if len(msg.Payload) > 0 {
		payload = msg.Payload
	}
	return p.producer.PublishEvent(ctx, p.topic, key, Envelope{
		ID:          msg.ID,
		OrderID:     msg.OrderID,
		EventType:   msg.EventType,
		Payload:     payload,
		PublishedAt: p.now(),
	})
}

var _ domain.EventPublisher = (*OutboxPublisher)(nil)
