package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения label result.
const (
	ResultOK          = "ok"
	ResultNotFound    = "not_found"
	ResultInvalid     = "invalid"
	ResultPersistence = "error"
)

// OrderMetrics содержит метрики репозитория заказов и живых подписок.
type OrderMetrics struct {
	storeOps      *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec

	activeSubscriptions prometheus.Gauge
	snapshots           *prometheus.CounterVec
	snapshotSize        prometheus.Histogram

	timelineEvents prometheus.Counter
	outboxEvents   *prometheus.CounterVec
}

// NewOrderMetrics регистрирует метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном registerer;
// повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		storeOps: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakery_store_operations_total",
			Help: "Total number of order store operations grouped by operation and result.",
		}, []string{"op", "result"})),
		storeDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bakery_store_operation_duration_seconds",
			Help:    "Duration of order store operations in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"op"})),
		activeSubscriptions: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bakery_active_subscriptions",
			Help: "Number of live order snapshot subscriptions.",
		})),
		snapshots: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakery_snapshots_delivered_total",
			Help: "Total number of snapshots delivered to subscribers grouped by result.",
		}, []string{"result"})),
		snapshotSize: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bakery_snapshot_orders",
			Help:    "Number of orders in delivered snapshots.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bakery_timeline_events_total",
			Help: "Total number of order timeline events recorded.",
		})),
		outboxEvents: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bakery_outbox_events_enqueued_total",
			Help: "Total number of order events enqueued to outbox grouped by event type.",
		}, []string{"event_type"})),
	}
}

func register[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", already.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// ObserveStoreOperation фиксирует результат и длительность операции над store.
func (m *OrderMetrics) ObserveStoreOperation(op, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op, result).Inc()
	m.storeDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SubscriptionOpened увеличивает число активных подписок.
func (m *OrderMetrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

// SubscriptionClosed уменьшает число активных подписок.
func (m *OrderMetrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

// SnapshotDelivered фиксирует доставленный снимок.
func (m *OrderMetrics) SnapshotDelivered(size int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.snapshots.WithLabelValues(ResultPersistence).Inc()
		return
	}
	m.snapshots.WithLabelValues(ResultOK).Inc()
	m.snapshotSize.Observe(float64(size))
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик поставленных в outbox событий.
func (m *OrderMetrics) RecordOutboxEvent(eventType string) {
	if m == nil {
		return
	}
	m.outboxEvents.WithLabelValues(eventType).Inc()
}
