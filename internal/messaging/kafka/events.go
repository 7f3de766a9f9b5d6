package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// EventType определяет тип события заказа.
type EventType string

const (
	EventTypeOrderCreated       EventType = "order.created"
	EventTypeOrderUpdated       EventType = "order.updated"
	EventTypeOrderStatusChanged EventType = "order.status_changed"
	EventTypeOrderDeleted       EventType = "order.deleted"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "bakery.order.events"
	TopicDeadLetterQueue = "bakery.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// EventItem — позиция заказа в событии.
type EventItem struct {
	Filling  string `json:"filling"`
	Label    string `json:"label"`
	Quantity int    `json:"quantity"`
}

// OrderEvent: полезная нагрузка события заказа.
// Для order.updated заполняются только изменённые поля, для order.deleted только OrderID.
type OrderEvent struct {
	EventType     EventType   `json:"event_type"`
	OrderID       string      `json:"order_id"`
	CustomerName  string      `json:"customer_name,omitempty"`
	Items         []EventItem `json:"items,omitempty"`
	TotalQuantity int         `json:"total_quantity,omitempty"`
	Status        string      `json:"status,omitempty"`
	CreatedAt     int64       `json:"created_at,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// NewOrderEvent создаёт событие по полному документу заказа.
func NewOrderEvent(eventType EventType, order domain.Order, at time.Time) *OrderEvent {
	return &OrderEvent{
		EventType:     eventType,
		OrderID:       order.ID,
		CustomerName:  order.CustomerName,
		Items:         eventItems(order.Items),
		TotalQuantity: order.TotalQuantity,
		Status:        string(order.Status),
		CreatedAt:     order.CreatedAt,
		Timestamp:     at.UTC(),
	}
}

// NewPatchEvent создаёт событие по патчу: только переданные поля.
func NewPatchEvent(eventType EventType, orderID string, patch domain.OrderPatch, at time.Time) *OrderEvent {
	event := &OrderEvent{EventType: eventType, OrderID: orderID, Timestamp: at.UTC()}
	if patch.CustomerName != nil {
		event.CustomerName = *patch.CustomerName
	}
	if patch.Items != nil {
		event.Items = eventItems(patch.Items)
		event.TotalQuantity = domain.SumQuantity(patch.Items)
	}
	if patch.Status != nil {
		event.Status = string(*patch.Status)
	}
	return event
}

// NewDeletedEvent создаёт событие удаления.
func NewDeletedEvent(orderID string, at time.Time) *OrderEvent {
	return &OrderEvent{EventType: EventTypeOrderDeleted, OrderID: orderID, Timestamp: at.UTC()}
}

// OutboxMessage упаковывает событие в сообщение transactional outbox.
func (e *OrderEvent) OutboxMessage() (domain.OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal order event: %w", err)
	}
	return domain.OutboxMessage{
		OrderID:   e.OrderID,
		EventType: string(e.EventType),
		Payload:   payload,
		CreatedAt: e.Timestamp,
		Status:    domain.OutboxPending,
	}, nil
}

func eventItems(items []domain.OrderItem) []EventItem {
	out := make([]EventItem, 0, len(items))
	for _, item := range items {
		out = append(out, EventItem{Filling: string(item.Filling), Label: item.Filling.Label(), Quantity: item.Quantity})
	}
	return out
}

// Envelope: обёртка, в которой outbox-сообщение уходит в Kafka.
// ID совпадает с id записи outbox и служит ключом дедупликации у получателей.
type Envelope struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// ParseEnvelope разбирает конверт из сообщения.
func ParseEnvelope(message *sarama.ConsumerMessage) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &envelope, nil
}

// ParseOrderEvent разбирает событие заказа из сообщения, с конвертом или без.
func ParseOrderEvent(message *sarama.ConsumerMessage) (*OrderEvent, error) {
	envelope, err := ParseEnvelope(message)
	if err != nil {
		return nil, err
	}

	raw := []byte(envelope.Payload)
	if len(raw) == 0 {
		raw = message.Value
	}

	var event OrderEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order event: %w", err)
	}
	if event.OrderID == "" {
		event.OrderID = envelope.OrderID
	}
	return &event, nil
}
