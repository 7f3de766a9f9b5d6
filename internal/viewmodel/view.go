package viewmodel

import (
	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// FillingTotal — сколько штук одной начинки нужно испечь по видимым заказам.
type FillingTotal struct {
	Filling  domain.Filling
	Label    string
	Quantity int
}

// View — то, что показывает страница: отсортированные заказы и агрегаты по ним.
type View struct {
	Filter        domain.Filter
	Orders        []domain.Order
	TotalQuantity int
	StatusCounts  map[domain.OrderStatus]int
	FillingTotals []FillingTotal
	// Err: последняя ошибка ленты; Orders при этом остаются от последнего удачного снимка.
	Err error
}

// BuildView сортирует снимок (createdAt DESC, затем ID ASC) и считает агрегаты.
// Исходный срез не изменяется.
func BuildView(filter domain.Filter, snapshot []domain.Order) View {
	orders := make([]domain.Order, len(snapshot))
	copy(orders, snapshot)
	domain.SortNewestFirst(orders)

	view := View{
		Filter:       filter,
		Orders:       orders,
		StatusCounts: make(map[domain.OrderStatus]int, len(domain.OrderStatuses())),
	}
	for _, status := range domain.OrderStatuses() {
		view.StatusCounts[status] = 0
	}

	perFilling := make(map[domain.Filling]int)
	for _, order := range orders {
		view.TotalQuantity += order.TotalQuantity
		view.StatusCounts[order.Status]++
		for _, item := range order.Items {
			perFilling[item.Filling] += item.Quantity
		}
	}

	for _, filling := range domain.Fillings() {
		if qty := perFilling[filling]; qty > 0 {
			view.FillingTotals = append(view.FillingTotals, FillingTotal{
				Filling:  filling,
				Label:    filling.Label(),
				Quantity: qty,
			})
		}
	}
	return view
}
