package domain

import (
	"sort"
	"strings"
	"time"
)

// OrderStatus описывает стадию приготовления заказа.
type OrderStatus string

const (
	// OrderStatusQueued: заказ принят и ждёт своей очереди.
	OrderStatusQueued OrderStatus = "queued"
	// OrderStatusInProgress: заказ готовится.
	OrderStatusInProgress OrderStatus = "in_progress"
	// OrderStatusDone: заказ готов.
	OrderStatusDone OrderStatus = "done"
)

// OrderStatuses возвращает статусы в порядке отображения.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{OrderStatusQueued, OrderStatusInProgress, OrderStatusDone}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusQueued, OrderStatusInProgress, OrderStatusDone:
		return true
	default:
		return false
	}
}

// ParseOrderStatus разбирает статус из внешнего представления.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(strings.ToLower(raw)))
	if !status.Valid() {
		return "", ErrStatusInvalid
	}
	return status, nil
}

// OrderItem — одна позиция заказа: начинка и количество.
type OrderItem struct {
	Filling  Filling
	Quantity int
}

// Order — документ заказа в том виде, в каком он хранится в store.
type Order struct {
	// ID назначает store при первом сохранении.
	ID           string
	CustomerName string
	// Items хранит позиции в порядке добавления, он же порядок отображения.
	Items []OrderItem
	// TotalQuantity: кэш суммы Items[i].Quantity.
	TotalQuantity int
	Status        OrderStatus
	// CreatedAt: epoch milliseconds, не меняется после создания.
	CreatedAt int64
}

// CreatedTime возвращает CreatedAt как time.Time в UTC.
func (o Order) CreatedTime() time.Time {
	return time.UnixMilli(o.CreatedAt).UTC()
}

// Clone возвращает копию заказа с собственным слайсом позиций.
func (o Order) Clone() Order {
	dst := o
	dst.Items = cloneItems(o.Items)
	return dst
}

// SumQuantity считает общее количество по позициям.
func SumQuantity(items []OrderItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.CustomerName) == "" {
		errs = append(errs, ErrCustomerNameRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusInvalid)
	}
	if o.CreatedAt <= 0 {
		errs = append(errs, ErrCreatedAtRequired)
	}
	errs = append(errs, validateItems(o.Items)...)

	if SumQuantity(o.Items) != o.TotalQuantity {
		errs = append(errs, ErrTotalQuantityMismatch)
	}

	return errs
}

func validateItems(items []OrderItem) []error {
	var errs []error
	if len(items) == 0 {
		return append(errs, ErrItemsRequired)
	}

	seen := make(map[Filling]struct{}, len(items))
	for _, item := range items {
		if !item.Filling.Valid() {
			errs = append(errs, ErrFillingUnknown)
		}
		if item.Quantity < 1 {
			errs = append(errs, ErrItemQuantityInvalid)
		}
		if _, dup := seen[item.Filling]; dup {
			errs = append(errs, ErrFillingDuplicate)
		}
		seen[item.Filling] = struct{}{}
	}
	return errs
}

func cloneItems(items []OrderItem) []OrderItem {
	if items == nil {
		return nil
	}
	dst := make([]OrderItem, len(items))
	copy(dst, items)
	return dst
}

// OrderPatch: разреженное обновление заказа: nil-поля не трогаются.
// ID и CreatedAt обновлять нельзя, поэтому их здесь нет.
type OrderPatch struct {
	CustomerName *string
	Items        []OrderItem
	Status       *OrderStatus
}

// IsEmpty сообщает, что патч ничего не меняет.
func (p OrderPatch) IsEmpty() bool {
	return p.CustomerName == nil && p.Items == nil && p.Status == nil
}

// Validate проверяет только те поля, которые присутствуют в патче.
func (p OrderPatch) Validate() []error {
	var errs []error
	if p.CustomerName != nil && strings.TrimSpace(*p.CustomerName) == "" {
		errs = append(errs, ErrCustomerNameRequired)
	}
	if p.Items != nil {
		errs = append(errs, validateItems(p.Items)...)
	}
	if p.Status != nil && !p.Status.Valid() {
		errs = append(errs, ErrStatusInvalid)
	}
	return errs
}

// Apply возвращает копию заказа с применённым патчем; TotalQuantity пересчитывается
// при замене позиций.
func (p OrderPatch) Apply(order Order) Order {
	out := order.Clone()
	if p.CustomerName != nil {
		out.CustomerName = *p.CustomerName
	}
	if p.Items != nil {
		out.Items = cloneItems(p.Items)
		out.TotalQuantity = SumQuantity(out.Items)
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	return out
}

// StatusPatch строит патч, меняющий только статус.
func StatusPatch(status OrderStatus) OrderPatch {
	return OrderPatch{Status: &status}
}

// SortNewestFirst упорядочивает заказы по createdAt по убыванию, при равенстве по ID по возрастанию.
func SortNewestFirst(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt != orders[j].CreatedAt {
			return orders[i].CreatedAt > orders[j].CreatedAt
		}
		return orders[i].ID < orders[j].ID
	})
}
