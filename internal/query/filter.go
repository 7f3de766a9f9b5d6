// Package query строит фильтры подписок по выбранной дате.
package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// DateLayout: формат параметра date во внешних API.
const DateLayout = "2006-01-02"

// BuildFilter возвращает фильтр «все заказы», если дата не выбрана, иначе отрезок
// [00:00:00.000, 23:59:59.999] этого календарного дня в часовом поясе loc.
// Конец дня считается как начало следующего минус 1 мс, поэтому дни перехода на летнее время
// (23 или 25 часов) обрабатываются корректно.
func BuildFilter(selected *time.Time, loc *time.Location) domain.Filter {
	if selected == nil {
		return domain.AllOrders()
	}
	start, end := DayBounds(*selected, loc)
	return domain.CreatedBetween(start, end)
}

// DayBounds возвращает первую и последнюю миллисекунду календарного дня t в loc.
func DayBounds(t time.Time, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	y, m, d := local.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	next := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return start, next.Add(-time.Millisecond)
}

// ParseDate разбирает YYYY-MM-DD в полночь этого дня в loc. Пустая строка означает «без даты».
func ParseDate(raw string, loc *time.Location) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.Local
	}
	day, err := time.ParseInLocation(DateLayout, raw, loc)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", raw, err)
	}
	return &day, nil
}

// FilterForDate объединяет ParseDate и BuildFilter, для обработчиков API.
func FilterForDate(raw string, loc *time.Location) (domain.Filter, error) {
	day, err := ParseDate(raw, loc)
	if err != nil {
		return domain.Filter{}, err
	}
	return BuildFilter(day, loc), nil
}
