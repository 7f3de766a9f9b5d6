package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/storage/feed"
)

// OrderStore: in-memory документное хранилище заказов с живыми подписками.
// Используется для локальной разработки и тестов.
type OrderStore struct {
	mu     sync.RWMutex
	items  map[string]domain.Order
	closed bool

	hub *feed.Hub
}

// NewOrderStore создаёт пустое хранилище; опции передаются хабу подписок.
func NewOrderStore(opts ...feed.Option) *OrderStore {
	s := &OrderStore{items: make(map[string]domain.Order)}
	s.hub = feed.NewHub(s.load, opts...)
	return s
}

// Insert сохраняет копию заказа под новым UUID.
func (s *OrderStore) Insert(ctx context.Context, order domain.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", domain.ErrStoreClosed
	}
	order = order.Clone()
	order.ID = uuid.NewString()
	s.items[order.ID] = order
	s.mu.Unlock()

	s.hub.Notify(feed.Inserted(order.ID, order.CreatedAt))
	return order.ID, nil
}

// Patch применяет разреженное обновление к существующему документу.
func (s *OrderStore) Patch(ctx context.Context, id string, patch domain.OrderPatch, totalQuantity *int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrStoreClosed
	}
	current, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrOrderNotFound
	}
	updated := patch.Apply(current)
	if totalQuantity != nil {
		updated.TotalQuantity = *totalQuantity
	}
	s.items[id] = updated
	s.mu.Unlock()

	s.hub.Notify(feed.Updated(id, current.CreatedAt, updated.CreatedAt))
	return nil
}

// Delete удаляет документ; удаление отсутствующего ничего не делает.
func (s *OrderStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrStoreClosed
	}
	current, ok := s.items[id]
	delete(s.items, id)
	s.mu.Unlock()

	if ok {
		s.hub.Notify(feed.Deleted(id, current.CreatedAt))
	}
	return nil
}

// Watch подписывает handler на снимки фильтра.
func (s *OrderStore) Watch(filter domain.Filter, handler domain.SnapshotHandler) (domain.Unsubscribe, error) {
	return s.hub.Subscribe(filter, handler)
}

// Get возвращает копию документа.
func (s *OrderStore) Get(id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (s *OrderStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	return nil
}

// Close отключает подписки; последующие операции возвращают ErrStoreClosed.
func (s *OrderStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.hub.Close()
	return nil
}

func (s *OrderStore) load(ctx context.Context, filter domain.Filter) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0, len(s.items))
	for _, order := range s.items {
		if filter.Matches(order.CreatedAt) {
			result = append(result, order.Clone())
		}
	}
	return result, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
