package domain

import "strings"

// Draft — заказ, собранный в форме и ещё не сохранённый: без ID, статуса и времени создания.
type Draft struct {
	CustomerName  string
	Items         []OrderItem
	TotalQuantity int
}

// NewDraft собирает черновик из имени и позиций; позиции копируются.
func NewDraft(customerName string, items []OrderItem) Draft {
	d := Draft{CustomerName: customerName, Items: cloneItems(items)}
	d.recompute()
	return d
}

// DraftFromOrder заполняет форму редактирования данными существующего заказа.
func DraftFromOrder(order Order) Draft {
	return NewDraft(order.CustomerName, order.Items)
}

// ToggleFilling включает начинку с количеством 1 или убирает её позицию целиком.
func (d *Draft) ToggleFilling(filling Filling, on bool) {
	idx := d.indexOf(filling)
	switch {
	case on && idx < 0:
		d.Items = append(d.Items, OrderItem{Filling: filling, Quantity: 1})
	case !on && idx >= 0:
		d.Items = append(d.Items[:idx:idx], d.Items[idx+1:]...)
	}
	d.recompute()
}

// SetQuantity задаёт количество, не опуская его ниже 1. Для отсутствующей начинки ничего не делает.
func (d *Draft) SetQuantity(filling Filling, quantity int) {
	idx := d.indexOf(filling)
	if idx < 0 {
		return
	}
	if quantity < 1 {
		quantity = 1
	}
	d.Items[idx].Quantity = quantity
	d.recompute()
}

func (d *Draft) Increment(filling Filling) {
	if idx := d.indexOf(filling); idx >= 0 {
		d.SetQuantity(filling, d.Items[idx].Quantity+1)
	}
}

func (d *Draft) Decrement(filling Filling) {
	if idx := d.indexOf(filling); idx >= 0 {
		d.SetQuantity(filling, d.Items[idx].Quantity-1)
	}
}

// Has сообщает, выбрана ли начинка.
func (d *Draft) Has(filling Filling) bool {
	return d.indexOf(filling) >= 0
}

// Validate возвращает *ValidationError, если имя пустое или нет позиций; nil иначе.
func (d Draft) Validate() error {
	vErr := &ValidationError{
		NameMissing:  strings.TrimSpace(d.CustomerName) == "",
		ItemsMissing: len(d.Items) == 0,
	}
	if vErr.NameMissing || vErr.ItemsMissing {
		return vErr
	}
	return nil
}

// Patch строит патч редактирования: только имя и позиции.
// Статус и время создания не передаются и сохраняются в store как есть.
func (d Draft) Patch() OrderPatch {
	name := strings.TrimSpace(d.CustomerName)
	return OrderPatch{CustomerName: &name, Items: cloneItems(d.Items)}
}

// ToOrder превращает черновик в документ для первой записи.
func (d Draft) ToOrder(createdAt int64) Order {
	items := cloneItems(d.Items)
	return Order{
		CustomerName:  strings.TrimSpace(d.CustomerName),
		Items:         items,
		TotalQuantity: SumQuantity(items),
		Status:        OrderStatusQueued,
		CreatedAt:     createdAt,
	}
}

func (d *Draft) indexOf(filling Filling) int {
	for i, item := range d.Items {
		if item.Filling == filling {
			return i
		}
	}
	return -1
}

func (d *Draft) recompute() {
	d.TotalQuantity = SumQuantity(d.Items)
}
