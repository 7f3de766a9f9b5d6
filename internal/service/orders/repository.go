package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/bakery/internal/metrics"
)

// Операции репозитория: значения label op в метриках и поле op в логах.
const (
	OpCreate       = "create"
	OpUpdate       = "update"
	OpUpdateStatus = "update_status"
	OpRemove       = "remove"
	OpSubscribe    = "subscribe"
)

const (
	defaultSnapshotTimeout = 5 * time.Second
	sideEffectTimeout      = 2 * time.Second
)

// Repository: единственная точка записи и подписки на заказы поверх OrderStore.
// Локального состояния не держит: новое состояние приходит только снимками подписки.
type Repository struct {
	store    domain.OrderStore
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	metrics  *metrics.OrderMetrics
	logger   *log.Entry
	now      func() time.Time
	kick     func()
}

// Option настраивает Repository.
type Option func(*Repository)

// WithOutbox включает запись событий заказа в transactional outbox.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(r *Repository) { r.outbox = outbox }
}

// WithOutboxKick задаёт функцию, будящую outbox worker после записи события.
func WithOutboxKick(kick func()) Option {
	return func(r *Repository) { r.kick = kick }
}

// WithTimeline включает запись таймлайна заказа.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(r *Repository) { r.timeline = timeline }
}

// WithMetrics задаёт метрики репозитория.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock подменяет источник времени для createdAt.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRepository создаёт репозиторий поверх переданного store.
func NewRepository(store domain.OrderStore, opts ...Option) *Repository {
	r := &Repository{
		store:  store,
		logger: log.WithField("component", "order-repository"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create сохраняет черновик как новый заказ в статусе queued и возвращает выданный store id.
func (r *Repository) Create(ctx context.Context, draft domain.Draft) (string, error) {
	start := time.Now()
	order := draft.ToOrder(r.now().UnixMilli())

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		err := invalidOrderError(errs)
		r.observe(OpCreate, start, err)
		r.logFailure(OpCreate, "", err)
		return "", err
	}

	id, err := r.store.Insert(ctx, order)
	if err != nil {
		err = &domain.PersistenceError{Op: OpCreate, Err: err}
		r.observe(OpCreate, start, err)
		r.logFailure(OpCreate, "", err)
		return "", err
	}
	r.observe(OpCreate, start, nil)

	order.ID = id
	r.enqueue(ctx, kafka.NewOrderEvent(kafka.EventTypeOrderCreated, order, r.now()))
	r.appendTimeline(ctx, id, domain.TimelineOrderCreated, string(order.Status))

	r.logger.WithFields(log.Fields{
		"op":             OpCreate,
		"order_id":       id,
		"total_quantity": order.TotalQuantity,
	}).Info("order created")
	return id, nil
}

// Update заменяет только переданные в патче поля. Если меняются позиции, totalQuantity пересчитывается.
func (r *Repository) Update(ctx context.Context, id string, patch domain.OrderPatch) error {
	op := OpUpdate
	eventType := kafka.EventTypeOrderUpdated
	if patch.Status != nil && patch.CustomerName == nil && patch.Items == nil {
		op = OpUpdateStatus
		eventType = kafka.EventTypeOrderStatusChanged
	}
	return r.patch(ctx, op, eventType, id, patch)
}

// UpdateStatus меняет только статус заказа.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	return r.patch(ctx, OpUpdateStatus, kafka.EventTypeOrderStatusChanged, id, domain.StatusPatch(status))
}

func (r *Repository) patch(ctx context.Context, op string, eventType kafka.EventType, id string, patch domain.OrderPatch) error {
	start := time.Now()
	id = strings.TrimSpace(id)

	if err := validatePatch(id, patch); err != nil {
		r.observe(op, start, err)
		r.logFailure(op, id, err)
		return err
	}

	var total *int
	if patch.Items != nil {
		sum := domain.SumQuantity(patch.Items)
		total = &sum
	}

	if err := r.store.Patch(ctx, id, patch, total); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			err = &domain.NotFoundError{ID: id}
		} else {
			err = &domain.PersistenceError{Op: op, ID: id, Err: err}
		}
		r.observe(op, start, err)
		r.logFailure(op, id, err)
		return err
	}
	r.observe(op, start, nil)

	r.enqueue(ctx, kafka.NewPatchEvent(eventType, id, patch, r.now()))
	switch {
	case patch.Status != nil:
		r.appendTimeline(ctx, id, domain.TimelineStatusChanged, string(*patch.Status))
	default:
		r.appendTimeline(ctx, id, domain.TimelineOrderEdited, "")
	}
	return nil
}

// Remove удаляет заказ. Удаление отсутствующего заказа ошибкой не считается.
func (r *Repository) Remove(ctx context.Context, id string) error {
	start := time.Now()
	id = strings.TrimSpace(id)

	if id == "" {
		err := fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrOrderIDRequired)
		r.observe(OpRemove, start, err)
		r.logFailure(OpRemove, id, err)
		return err
	}

	if err := r.store.Delete(ctx, id); err != nil {
		err = &domain.PersistenceError{Op: OpRemove, ID: id, Err: err}
		r.observe(OpRemove, start, err)
		r.logFailure(OpRemove, id, err)
		return err
	}
	r.observe(OpRemove, start, nil)

	r.enqueue(ctx, kafka.NewDeletedEvent(id, r.now()))
	r.appendTimeline(ctx, id, domain.TimelineOrderDeleted, "")
	return nil
}

// Subscribe регистрирует живую ленту снимков по фильтру и возвращает функцию отписки.
func (r *Repository) Subscribe(filter domain.Filter, handler domain.SnapshotHandler) (domain.Unsubscribe, error) {
	start := time.Now()
	unsubscribe, err := r.store.Watch(filter, handler)
	if err != nil {
		if !domain.IsValidation(err) {
			err = &domain.PersistenceError{Op: OpSubscribe, Err: err}
		}
		r.observe(OpSubscribe, start, err)
		r.logger.WithError(err).WithFields(log.Fields{
			"op":     OpSubscribe,
			"filter": filter.String(),
		}).Error("order repository operation failed")
		return nil, err
	}
	r.observe(OpSubscribe, start, nil)
	return unsubscribe, nil
}

// Snapshot возвращает один текущий снимок по фильтру: подписывается, ждёт первый снимок и отписывается.
func (r *Repository) Snapshot(ctx context.Context, filter domain.Filter) ([]domain.Order, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultSnapshotTimeout)
		defer cancel()
	}

	type result struct {
		orders []domain.Order
		err    error
	}
	first := make(chan result, 1)

	unsubscribe, err := r.Subscribe(filter, func(orders []domain.Order, err error) {
		select {
		case first <- result{orders: orders, err: err}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	select {
	case res := <-first:
		if res.err != nil {
			return nil, &domain.PersistenceError{Op: OpSubscribe, Err: res.err}
		}
		return res.orders, nil
	case <-ctx.Done():
		return nil, &domain.PersistenceError{Op: OpSubscribe, Err: ctx.Err()}
	}
}

// History возвращает таймлайн заказа.
func (r *Repository) History(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	if r.timeline == nil {
		return nil, nil
	}
	events, err := r.timeline.List(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, &domain.PersistenceError{Op: "history", ID: id, Err: err}
	}
	return events, nil
}

// Ping проверяет доступность store.
func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func validatePatch(id string, patch domain.OrderPatch) error {
	if id == "" {
		return fmt.Errorf("%w: %w", domain.ErrValidation, domain.ErrOrderIDRequired)
	}
	if errs := patch.Validate(); len(errs) > 0 {
		return invalidOrderError(errs)
	}
	return nil
}

// invalidOrderError сворачивает нарушения инвариантов в одну ошибку, сравнимую с ErrValidation.
func invalidOrderError(errs []error) error {
	var vErr *domain.ValidationError
	for _, err := range errs {
		switch {
		case errors.Is(err, domain.ErrCustomerNameRequired):
			if vErr == nil {
				vErr = &domain.ValidationError{}
			}
			vErr.NameMissing = true
		case errors.Is(err, domain.ErrItemsRequired):
			if vErr == nil {
				vErr = &domain.ValidationError{}
			}
			vErr.ItemsMissing = true
		}
	}
	if vErr != nil && len(errs) == boolCount(vErr.NameMissing, vErr.ItemsMissing) {
		return vErr
	}
	return fmt.Errorf("%w: %w", domain.ErrValidation, errors.Join(errs...))
}

func boolCount(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// sideEffectContext отвязывает запись события от отмены запроса: заказ уже сохранён.
func sideEffectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
}

func (r *Repository) enqueue(ctx context.Context, event *kafka.OrderEvent) {
	if r.outbox == nil {
		return
	}
	ctx, cancel := sideEffectContext(ctx)
	defer cancel()

	msg, err := event.OutboxMessage()
	if err == nil {
		_, err = r.outbox.Enqueue(ctx, msg)
	}
	if err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id":   event.OrderID,
			"event_type": event.EventType,
		}).Warn("failed to enqueue order event")
		return
	}

	r.metrics.RecordOutboxEvent(string(event.EventType))
	if r.kick != nil {
		r.kick()
	}
}

func (r *Repository) appendTimeline(ctx context.Context, orderID, eventType, reason string) {
	if r.timeline == nil {
		return
	}
	ctx, cancel := sideEffectContext(ctx)
	defer cancel()

	event := domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: r.now().UTC(),
	}
	if err := r.timeline.Append(ctx, event); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"event":    eventType,
		}).Warn("failed to append timeline event")
		return
	}
	r.metrics.RecordTimelineEvent()
}

func (r *Repository) observe(op string, start time.Time, err error) {
	r.metrics.ObserveStoreOperation(op, resultOf(err), time.Since(start))
}

func (r *Repository) logFailure(op, orderID string, err error) {
	entry := r.logger.WithError(err).WithField("op", op)
	if orderID != "" {
		entry = entry.WithField("order_id", orderID)
	}
	if domain.IsValidation(err) || domain.IsNotFound(err) {
		entry.Warn("order repository operation rejected")
		return
	}
	entry.Error("order repository operation failed")
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case domain.IsNotFound(err):
		return metrics.ResultNotFound
	case domain.IsValidation(err):
		return metrics.ResultInvalid
	default:
		return metrics.ResultPersistence
	}
}
