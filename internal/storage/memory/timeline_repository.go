package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// TimelineRepository хранит таймлайны заказов в памяти.
type TimelineRepository struct {
	mu     sync.RWMutex
	events map[string][]domain.TimelineEvent
}

func NewTimelineRepository() *TimelineRepository {
	return &TimelineRepository{events: make(map[string][]domain.TimelineEvent)}
}

// Append вставляет событие по времени; при равном времени сохраняется порядок добавления.
func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return domain.ErrOrderIDRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.events[event.OrderID]
	pos := sort.Search(len(events), func(i int) bool {
		return events[i].Occurred.After(event.Occurred)
	})
	events = append(events, domain.TimelineEvent{})
	copy(events[pos+1:], events[pos:])
	events[pos] = event
	r.events[event.OrderID] = events
	return nil
}

func (r *TimelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TimelineEvent{}, r.events[orderID]...), nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
