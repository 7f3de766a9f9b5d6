package viewmodel

import (
	"context"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// Subscriber — источник живых снимков заказов.
type Subscriber interface {
	Subscribe(filter domain.Filter, handler domain.SnapshotHandler) (domain.Unsubscribe, error)
}

// Repository — операции над заказами, которые вызывает модель представления.
type Repository interface {
	Subscriber
	Create(ctx context.Context, draft domain.Draft) (string, error)
	Update(ctx context.Context, id string, patch domain.OrderPatch) error
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error
	Remove(ctx context.Context, id string) error
}

// NoticeLevel — важность уведомления для пользователя.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

// Notice — видимое пользователю сообщение о результате действия.
type Notice struct {
	Level   NoticeLevel
	Op      string
	OrderID string
	Message string
	Err     error
}

// Notifier доставляет уведомления пользователю.
type Notifier interface {
	Notify(notice Notice)
}

// NotifierFunc позволяет использовать функцию как Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(notice Notice) { f(notice) }

// Confirmer спрашивает у пользователя явное подтверждение удаления.
type Confirmer interface {
	ConfirmDelete(ctx context.Context, orderID string) bool
}

// ConfirmFunc позволяет использовать функцию как Confirmer.
type ConfirmFunc func(ctx context.Context, orderID string) bool

func (f ConfirmFunc) ConfirmDelete(ctx context.Context, orderID string) bool { return f(ctx, orderID) }

// Always подтверждает удаление без вопроса: для API, где подтверждение уже пришло в запросе.
var Always Confirmer = ConfirmFunc(func(context.Context, string) bool { return true })

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) {}
