// Package feed реализует живые подписки на заказы поверх любого store:
// на каждое значимое изменение подписка заново читает полный результат своего фильтра.
package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

const defaultLoadTimeout = 5 * time.Second

// Loader читает текущий результат фильтра из store.
type Loader func(ctx context.Context, filter domain.Filter) ([]domain.Order, error)

// Observer получает события жизненного цикла подписок (метрики).
type Observer interface {
	SubscriptionOpened()
	SubscriptionClosed()
	SnapshotDelivered(size int, err error)
}

// Option настраивает Hub.
type Option func(*Hub)

// WithLogger задаёт логгер хаба.
func WithLogger(log *logrus.Entry) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithObserver подключает метрики подписок.
func WithObserver(obs Observer) Option {
	return func(h *Hub) {
		if obs != nil {
			h.obs = obs
		}
	}
}

// WithLoadTimeout ограничивает одно чтение снимка.
func WithLoadTimeout(timeout time.Duration) Option {
	return func(h *Hub) {
		if timeout > 0 {
			h.loadTimeout = timeout
		}
	}
}

// Hub хранит активные подписки и будит их при изменениях.
type Hub struct {
	load        Loader
	log         *logrus.Entry
	obs         Observer
	loadTimeout time.Duration

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewHub создаёт хаб поверх функции чтения снимка.
func NewHub(load Loader, opts ...Option) *Hub {
	h := &Hub{
		load:        load,
		log:         logrus.NewEntry(logrus.StandardLogger()).WithField("component", "order-feed"),
		obs:         noopObserver{},
		loadTimeout: defaultLoadTimeout,
		subs:        make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe регистрирует подписку. Первый снимок читается и доставляется асинхронно сразу же.
// Обработчик вызывается из отдельной горутины подписки, вызовы никогда не пересекаются.
// Unsubscribe нельзя вызывать изнутри обработчика той же подписки.
func (h *Hub) Subscribe(filter domain.Filter, handler domain.SnapshotHandler) (domain.Unsubscribe, error) {
	if handler == nil {
		return nil, domain.ErrValidation
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, domain.ErrStoreClosed
	}
	h.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:      h.nextID,
		filter:  filter,
		handler: handler,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	sub.wake <- struct{}{}
	h.subs[sub.id] = sub
	h.wg.Add(1)
	h.mu.Unlock()

	h.obs.SubscriptionOpened()
	h.log.WithFields(logrus.Fields{"subscription": sub.id, "filter": filter.String()}).Debug("подписка открыта")

	go h.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(sub) })
	}, nil
}

// Notify будит подписки, которых касается изменение.
func (h *Hub) Notify(change Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if change.Relevant(sub.filter) {
			sub.signal()
		}
	}
}

// RefreshAll будит все подписки, например после потери уведомлений.
func (h *Hub) RefreshAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		sub.signal()
	}
}

// Len возвращает число активных подписок.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close отключает все подписки и ждёт завершения их горутин.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.unsubscribe(sub)
	}
	h.wg.Wait()
}

func (h *Hub) unsubscribe(sub *subscription) {
	if !sub.closed.CompareAndSwap(false, true) {
		return
	}
	sub.cancel()

	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()

	// дожидаемся доставки, которая уже идёт
	sub.deliverMu.Lock()
	sub.deliverMu.Unlock()

	h.obs.SubscriptionClosed()
	h.log.WithField("subscription", sub.id).Debug("подписка закрыта")
}

func (h *Hub) run(sub *subscription) {
	defer h.wg.Done()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.wake:
		}

		loadCtx, cancel := context.WithTimeout(sub.ctx, h.loadTimeout)
		orders, err := h.load(loadCtx, sub.filter)
		cancel()
		if sub.ctx.Err() != nil {
			return
		}
		if err != nil {
			orders = nil
			h.log.WithError(err).WithField("subscription", sub.id).Warn("не удалось прочитать снимок")
		} else {
			domain.SortNewestFirst(orders)
		}

		sub.deliver(orders, err)
		h.obs.SnapshotDelivered(len(orders), err)
	}
}

type subscription struct {
	id      uint64
	filter  domain.Filter
	handler domain.SnapshotHandler
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	closed    atomic.Bool
	deliverMu sync.Mutex
}

// signal не блокируется: несколько изменений подряд схлопываются в одно чтение.
func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) deliver(orders []domain.Order, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.closed.Load() {
		return
	}
	s.handler(orders, err)
}

type noopObserver struct{}

func (noopObserver) SubscriptionOpened()           {}
func (noopObserver) SubscriptionClosed()           {}
func (noopObserver) SnapshotDelivered(int, error) {}
