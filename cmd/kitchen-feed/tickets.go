package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/messaging/kafka"
)

var errUnknownEvent = errors.New("unknown order event type")

// ticket — то, что кухня знает о заказе по событиям.
type ticket struct {
	customer string
	items    []kafka.EventItem
	status   string
}

// ticketBoard печатает строку на каждое событие и держит очередь незавершённых заказов.
// Повторно доставленное событие печатается ещё раз, но состояние не портит.
type ticketBoard struct {
	mu      sync.Mutex
	out     io.Writer
	loc     *time.Location
	tickets map[string]*ticket
}

func newTicketBoard(out io.Writer, loc *time.Location) *ticketBoard {
	if loc == nil {
		loc = time.Local
	}
	return &ticketBoard{out: out, loc: loc, tickets: make(map[string]*ticket)}
}

// Handle реализует kafka.MessageHandler. Ошибка разбора уводит сообщение в retry и DLQ.
func (b *ticketBoard) Handle(_ context.Context, message *sarama.ConsumerMessage) error {
	event, err := kafka.ParseOrderEvent(message)
	if err != nil {
		return err
	}
	line, err := b.apply(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(b.out, line)
	return err
}

func (b *ticketBoard) apply(event *kafka.OrderEvent) (string, error) {
	if event.OrderID == "" {
		return "", fmt.Errorf("%w: order id is empty", domain.ErrOrderIDRequired)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	at := event.Timestamp.In(b.loc).Format("15:04")
	switch event.EventType {
	case kafka.EventTypeOrderCreated:
		b.tickets[event.OrderID] = &ticket{
			customer: event.CustomerName,
			items:    event.Items,
			status:   event.Status,
		}
		return fmt.Sprintf("[%s] NEW     %s %s: %s (%d pcs) | %s",
			at, event.OrderID, event.CustomerName, formatItems(event.Items), event.TotalQuantity, b.pendingLocked()), nil
	case kafka.EventTypeOrderUpdated:
		t := b.ticketLocked(event.OrderID)
		if event.CustomerName != "" {
			t.customer = event.CustomerName
		}
		if event.Items != nil {
			t.items = event.Items
		}
		return fmt.Sprintf("[%s] CHANGED %s %s: %s | %s",
			at, event.OrderID, t.customer, formatItems(t.items), b.pendingLocked()), nil
	case kafka.EventTypeOrderStatusChanged:
		t := b.ticketLocked(event.OrderID)
		t.status = event.Status
		return fmt.Sprintf("[%s] STATUS  %s %s -> %s | %s",
			at, event.OrderID, t.customer, event.Status, b.pendingLocked()), nil
	case kafka.EventTypeOrderDeleted:
		delete(b.tickets, event.OrderID)
		return fmt.Sprintf("[%s] DELETED %s | %s", at, event.OrderID, b.pendingLocked()), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownEvent, event.EventType)
	}
}

// ticketLocked возвращает тикет, заводя пустой, если created пришло раньше нас.
func (b *ticketBoard) ticketLocked(orderID string) *ticket {
	t, ok := b.tickets[orderID]
	if !ok {
		t = &ticket{}
		b.tickets[orderID] = t
	}
	return t
}

// pendingLocked считает, сколько штук каждой начинки ещё не готово.
func (b *ticketBoard) pendingLocked() string {
	perFilling := make(map[string]int)
	for _, t := range b.tickets {
		if t.status == string(domain.OrderStatusDone) {
			continue
		}
		for _, item := range t.items {
			perFilling[item.Filling] += item.Quantity
		}
	}

	var parts []string
	for _, filling := range domain.Fillings() {
		if qty := perFilling[string(filling)]; qty > 0 {
			parts = append(parts, fmt.Sprintf("%s×%d", filling.Label(), qty))
		}
	}
	if len(parts) == 0 {
		return "to bake: nothing"
	}
	return "to bake: " + strings.Join(parts, ", ")
}

func formatItems(items []kafka.EventItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		label := item.Label
		if label == "" {
			label = domain.Filling(item.Filling).Label()
		}
		parts = append(parts, fmt.Sprintf("%s×%d", label, item.Quantity))
	}
	return strings.Join(parts, ", ")
}
