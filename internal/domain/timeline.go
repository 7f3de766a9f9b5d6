package domain

import "time"

// Типы событий таймлайна заказа.
const (
	TimelineOrderCreated  = "order_created"
	TimelineOrderEdited   = "order_edited"
	TimelineStatusChanged = "status_changed"
	TimelineOrderDeleted  = "order_deleted"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
