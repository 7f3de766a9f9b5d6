package viewmodel

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
)

// ErrBoardClosed возвращается при Watch после Close.
var ErrBoardClosed = errors.New("board is closed")

// Board владеет ровно одной живой подпиской и публикует View на каждый снимок.
// При смене фильтра старая подписка отменяется до создания новой,
// а снимки от заменённой подписки отбрасываются по номеру поколения.
type Board struct {
	repo     Subscriber
	notifier Notifier
	logger   *log.Entry

	// watchMu упорядочивает Watch и Close между собой.
	watchMu sync.Mutex

	mu          sync.Mutex
	generation  uint64
	unsubscribe domain.Unsubscribe
	view        View
	ready       bool
	closed      bool
	updates     chan View
}

// BoardOption настраивает Board.
type BoardOption func(*Board)

// WithNotifier направляет ошибки ленты пользователю.
func WithNotifier(n Notifier) BoardOption {
	return func(b *Board) {
		if n != nil {
			b.notifier = n
		}
	}
}

// WithBoardLogger задаёт logger.
func WithBoardLogger(logger *log.Entry) BoardOption {
	return func(b *Board) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBoard создаёт страницу без подписки; подписку открывает Watch.
func NewBoard(repo Subscriber, opts ...BoardOption) *Board {
	b := &Board{
		repo:     repo,
		notifier: discardNotifier{},
		logger:   log.WithField("component", "order-board"),
		updates:  make(chan View, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Watch заменяет текущую подписку подпиской на filter.
func (b *Board) Watch(filter domain.Filter) error {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBoardClosed
	}
	previous := b.unsubscribe
	b.unsubscribe = nil
	b.generation++
	generation := b.generation
	b.ready = false
	b.view = View{Filter: filter}
	b.mu.Unlock()

	if previous != nil {
		previous()
	}

	unsubscribe, err := b.repo.Subscribe(filter, func(orders []domain.Order, err error) {
		b.apply(generation, filter, orders, err)
	})
	if err != nil {
		b.logger.WithError(err).WithField("filter", filter.String()).Warn("failed to subscribe to orders")
		b.notifier.Notify(Notice{Level: NoticeError, Op: "subscribe", Message: "live order feed is unavailable", Err: err})
		return err
	}

	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	b.logger.WithField("filter", filter.String()).Debug("board subscription replaced")
	return nil
}

// Close отменяет подписку и закрывает канал Updates. Повторный вызов безопасен.
func (b *Board) Close() {
	b.watchMu.Lock()
	defer b.watchMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	b.mu.Lock()
	close(b.updates)
	b.mu.Unlock()
}

// Updates отдаёт последние View; промежуточные значения схлопываются.
// Канал закрывается в Close.
func (b *Board) Updates() <-chan View {
	return b.updates
}

// View возвращает последнее состояние и признак того, что снимок по текущему фильтру уже пришёл.
func (b *Board) View() (View, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view, b.ready
}

func (b *Board) apply(generation uint64, filter domain.Filter, orders []domain.Order, err error) {
	b.mu.Lock()
	if b.closed || generation != b.generation {
		b.mu.Unlock()
		return
	}

	var view View
	if err != nil {
		view = b.view
		view.Filter = filter
		view.Err = err
	} else {
		view = BuildView(filter, orders)
	}
	b.view = view
	b.ready = true
	b.publish(view)
	b.mu.Unlock()

	if err != nil {
		b.logger.WithError(err).WithField("filter", filter.String()).Warn("order feed delivered an error")
		b.notifier.Notify(Notice{Level: NoticeError, Op: "subscribe", Message: "live order feed failed", Err: err})
	}
}

// publish вызывается под mu: единственный писатель, поэтому после вычитки места хватит.
func (b *Board) publish(view View) {
	select {
	case b.updates <- view:
	default:
		select {
		case <-b.updates:
		default:
		}
		b.updates <- view
	}
}
