package domain

import (
	"fmt"
	"time"
)

// Filter задаёт выборку подписки: все заказы или заказы с createdAt в [from, to] включительно.
// Нулевое значение означает «все заказы».
type Filter struct {
	bounded bool
	from    int64
	to      int64
}

// AllOrders возвращает фильтр без ограничений.
func AllOrders() Filter {
	return Filter{}
}

// CreatedBetween ограничивает createdAt отрезком [from, to] в миллисекундах.
func CreatedBetween(from, to time.Time) Filter {
	return CreatedBetweenMillis(from.UnixMilli(), to.UnixMilli())
}

// CreatedBetweenMillis: то же, что CreatedBetween, но в epoch milliseconds.
func CreatedBetweenMillis(from, to int64) Filter {
	return Filter{bounded: true, from: from, to: to}
}

// IsAll сообщает, что фильтр не ограничивает выборку.
func (f Filter) IsAll() bool {
	return !f.bounded
}

// Range возвращает границы фильтра; ok=false для «все заказы».
func (f Filter) Range() (from, to int64, ok bool) {
	return f.from, f.to, f.bounded
}

// Matches проверяет попадание createdAt в фильтр.
func (f Filter) Matches(createdAt int64) bool {
	if !f.bounded {
		return true
	}
	return createdAt >= f.from && createdAt <= f.to
}

func (f Filter) String() string {
	if !f.bounded {
		return "all"
	}
	return fmt.Sprintf("created_at[%d..%d]", f.from, f.to)
}
