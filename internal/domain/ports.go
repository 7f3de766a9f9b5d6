package domain

import (
	"context"
	"time"
)

// SnapshotHandler получает полный текущий результат фильтра либо ошибку ленты.
// Срез принадлежит получателю.
type SnapshotHandler func(orders []Order, err error)

// Unsubscribe отключает подписку. После возврата новых вызовов обработчика не будет.
// Повторный вызов безопасен.
type Unsubscribe func()

// OrderStore — документное хранилище заказов с живыми подписками.
type OrderStore interface {
	// Insert сохраняет новый документ и возвращает выданный store идентификатор.
	Insert(ctx context.Context, order Order) (string, error)
	// Patch заменяет только переданные поля; totalQuantity обновляется, если не nil.
	// Для отсутствующего id возвращает ErrOrderNotFound.
	Patch(ctx context.Context, id string, patch OrderPatch, totalQuantity *int) error
	// Delete удаляет документ; отсутствие документа ошибкой не считается.
	Delete(ctx context.Context, id string) error
	// Watch регистрирует ленту снимков по фильтру. Первый снимок приходит сразу после подписки.
	Watch(filter Filter, handler SnapshotHandler) (Unsubscribe, error)
	Ping(ctx context.Context) error
	Close() error
}

// EventPublisher доставляет событие заказа во внешний брокер.
// Повторная доставка того же события допустима: получатели дедуплицируют по ID.
type EventPublisher interface {
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository — очередь событий заказа, ожидающих публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// PullPending отдаёт до limit ожидающих событий в порядке постановки.
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed выводит событие из очереди и запоминает причину последней неудачи.
	MarkFailed(ctx context.Context, id, reason string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	// List возвращает события заказа по возрастанию времени.
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит результаты запросов по ключу идемпотентности.
type IdempotencyRepository interface {
	// Reserve занимает ключ под отпечаток запроса. Если ключ уже занят и не просрочен,
	// возвращает существующую запись вместе с ErrIdempotencyKeyAlreadyExists
	// или ErrIdempotencyHashMismatch. Просроченная запись перезанимается.
	Reserve(ctx context.Context, key, fingerprint string, expiresAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Complete сохраняет итог обработки для повторов.
	Complete(ctx context.Context, key string, outcome IdempotencyOutcome) error
	// Release освобождает ключ, не сохраняя результат: повтор выполнится заново.
	Release(ctx context.Context, key string) error
	// DeleteExpired удаляет до limit записей с expiresAt <= before.
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage — событие заказа в очереди публикации.
type OutboxMessage struct {
	ID          string
	OrderID     string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
	LastError   string
	Status      OutboxStatus
	PublishedAt time.Time
}

// OutboxStatus — состояние события в очереди.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxStats описывает backlog очереди публикации.
type OutboxStats struct {
	Pending         int
	Failed          int
	OldestPendingAt time.Time
}

// OldestPendingAge возвращает возраст самого старого ожидающего события на момент now.
func (s OutboxStats) OldestPendingAge(now time.Time) time.Duration {
	if s.Pending == 0 || s.OldestPendingAt.IsZero() {
		return 0
	}
	if age := now.Sub(s.OldestPendingAt); age > 0 {
		return age
	}
	return 0
}
