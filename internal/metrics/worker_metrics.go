package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Исходы попытки публикации события.
const (
	PublishSent      = "sent"
	PublishRetry     = "retry"
	PublishExhausted = "exhausted"
	PublishDLQFailed = "dlq_failed"
)

// OutboxMetrics описывает работу воркера публикации событий заказа.
type OutboxMetrics struct {
	attempts      *prometheus.CounterVec
	pending       prometheus.Gauge
	failed        prometheus.Gauge
	oldestPending prometheus.Gauge
}

// NewOutboxMetrics регистрирует метрики воркера; nil означает DefaultRegisterer.
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &OutboxMetrics{
		attempts: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakery_outbox_publish_attempts_total",
			Help: "Order event publish attempts grouped by outcome.",
		}, []string{"outcome"})),
		pending: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bakery_outbox_pending_events",
			Help: "Order events waiting to be published.",
		})),
		failed: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bakery_outbox_failed_events",
			Help: "Order events that exhausted publish attempts.",
		})),
		oldestPending: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bakery_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest order event waiting to be published.",
		})),
	}
}

// PublishAttempt считает исход одной попытки.
func (m *OutboxMetrics) PublishAttempt(outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// Backlog обновляет размер очереди и возраст самого старого события.
func (m *OutboxMetrics) Backlog(pending, failed int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.failed.Set(float64(failed))
	m.oldestPending.Set(oldestAge.Seconds())
}

// CleanupMetrics описывает очистку просроченных ключей идемпотентности.
type CleanupMetrics struct {
	runs        *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewCleanupMetrics регистрирует метрики очистки; nil означает DefaultRegisterer.
func NewCleanupMetrics(registerer prometheus.Registerer) *CleanupMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &CleanupMetrics{
		runs: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakery_idempotency_cleanup_runs_total",
			Help: "Idempotency cleanup runs grouped by result.",
		}, []string{"result"})),
		deleted: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bakery_idempotency_cleanup_deleted_total",
			Help: "Expired idempotency keys deleted.",
		})),
		lastDeleted: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bakery_idempotency_cleanup_last_deleted",
			Help: "Keys deleted by the last cleanup run.",
		})),
	}
}

// Run фиксирует завершённый проход очистки.
func (m *CleanupMetrics) Run(deleted int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.runs.WithLabelValues(ResultPersistence).Inc()
		return
	}
	m.runs.WithLabelValues(ResultOK).Inc()
	m.lastDeleted.Set(float64(deleted))
}

// Deleted добавляет удалённые в очередной порции ключи.
func (m *CleanupMetrics) Deleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deleted.Add(float64(n))
}
