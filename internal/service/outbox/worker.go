package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bakery/internal/domain"
	"github.com/vladislavdragonenkov/bakery/internal/metrics"
)

// EventTypeDeadLetter помечает сообщение, отправленное в DLQ после исчерпания попыток.
const EventTypeDeadLetter = "outbox.dead_letter"

// Config задаёт ритм и лимиты публикации.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Second,
		BatchSize:      100,
		MaxAttempts:    3,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	c.RetryBaseDelay = max(c.RetryBaseDelay, 0)
	return c
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger подменяет logger воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDeadLetters включает отправку сообщений, исчерпавших попытки, в отдельный паблишер.
func WithDeadLetters(publisher domain.EventPublisher) Option {
	return func(w *Worker) { w.deadLetters = publisher }
}

// WithMetrics подключает метрики воркера.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock подменяет часы; используется в тестах.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// DeadLetter — содержимое сообщения DLQ.
type DeadLetter struct {
	OutboxID     string          `json:"outbox_id"`
	OrderID      string          `json:"order_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PublishError string          `json:"publish_error"`
	FailedAt     time.Time       `json:"failed_at"`
}

// Worker переносит события заказов из outbox в брокер.
// Сообщение помечается sent только после подтверждения публикации, поэтому доставка at-least-once.
type Worker struct {
	repo        domain.OutboxRepository
	publisher   domain.EventPublisher
	deadLetters domain.EventPublisher
	metrics     *metrics.OutboxMetrics
	logger      *log.Entry
	cfg         Config
	now         func() time.Time
	kick        chan struct{}
}

// NewWorker создаёт воркер; нулевые поля cfg заменяются значениями DefaultConfig.
func NewWorker(repo domain.OutboxRepository, publisher domain.EventPublisher, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		publisher: publisher,
		logger:    log.WithField("component", "outbox-worker"),
		cfg:       cfg.normalized(),
		now:       func() time.Time { return time.Now().UTC() },
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Kick будит воркер раньше следующего тика. Повторные вызовы до пробуждения схлопываются.
func (w *Worker) Kick() {
	if w == nil {
		return
	}
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run публикует накопленные события до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker отключён: нет репозитория или паблишера")
		return
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
		}
	}
}

// ProcessOnce забирает одну порцию pending-сообщений и публикует их по порядку.
// Возвращает число опубликованных.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("не удалось прочитать outbox")
		return 0
	}

	sent := 0
	for _, msg := range batch {
		if ctx.Err() != nil {
			break
		}
		fields := log.Fields{"outbox_id": msg.ID, "order_id": msg.OrderID, "event_type": msg.EventType}

		publishErr := w.publish(ctx, msg)
		if publishErr == nil {
			if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
				w.logger.WithError(err).WithFields(fields).Warn("не удалось отметить событие отправленным")
			}
			sent++
			continue
		}
		if ctx.Err() != nil {
			// остановка посреди ретраев: сообщение остаётся pending до следующего запуска
			break
		}

		w.logger.WithError(publishErr).WithFields(fields).Error("событие не опубликовано, попытки исчерпаны")
		w.metrics.PublishAttempt(metrics.PublishExhausted)
		if err := w.sendDeadLetter(ctx, msg, publishErr); err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("не удалось отправить событие в DLQ")
			w.metrics.PublishAttempt(metrics.PublishDLQFailed)
		}
		if err := w.repo.MarkFailed(ctx, msg.ID, publishErr.Error()); err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("не удалось отметить событие как failed")
		}
	}
	return sent
}

func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = w.publisher.Publish(ctx, msg); err == nil {
			w.metrics.PublishAttempt(metrics.PublishSent)
			return nil
		}
		w.metrics.PublishAttempt(metrics.PublishRetry)
		if attempt == w.cfg.MaxAttempts {
			break
		}
		if waitErr := sleep(ctx, w.backoff(attempt)); waitErr != nil {
			return waitErr
		}
	}
	return fmt.Errorf("%w: %d attempts: %w", domain.ErrOutboxPublish, w.cfg.MaxAttempts, err)
}

// backoff удваивает базовую паузу с каждой попыткой, не переполняя Duration.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.RetryBaseDelay
	if delay <= 0 {
		return 0
	}
	const ceiling = time.Duration(1<<63 - 1)
	for i := 1; i < attempt; i++ {
		if delay > ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return delay
}

func (w *Worker) sendDeadLetter(ctx context.Context, msg domain.OutboxMessage, publishErr error) error {
	if w.deadLetters == nil {
		return nil
	}
	letter := DeadLetter{
		OutboxID:     msg.ID,
		OrderID:      msg.OrderID,
		EventType:    msg.EventType,
		PublishError: publishErr.Error(),
		FailedAt:     w.now(),
	}
	if len(msg.Payload) > 0 {
		letter.Payload = msg.Payload
	}
	payload, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	return w.deadLetters.Publish(ctx, domain.OutboxMessage{
		ID:        msg.ID,
		OrderID:   msg.OrderID,
		EventType: EventTypeDeadLetter,
		Payload:   payload,
		CreatedAt: letter.FailedAt,
	})
}

func (w *Worker) observeBacklog(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	stats, err := w.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.WithError(err).Warn("не удалось собрать статистику outbox")
		return
	}
	w.metrics.Backlog(stats.Pending, stats.Failed, stats.OldestPendingAge(w.now()))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
