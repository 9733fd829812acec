// Package metrics содержит Prometheus-метрики жизненного цикла заказов.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операции для метки result.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
	ResultReplayed = "replayed"
)

// OrderMetrics содержит метрики сервиса заказов. Методы безопасны для nil-получателя.
type OrderMetrics struct {
	ordersCreated     prometheus.Counter
	transitions       *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec
	versionConflicts  prometheus.Counter
	compensations     *prometheus.CounterVec
	reservationsSwept prometheus.Counter
	timelineEvents    prometheus.Counter
	inFlight          prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в registerer (nil означает DefaultRegisterer).
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetrics(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_orders_created_total",
			Help: "Total number of orders created in DRAFT.",
		})),
		transitions: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_order_transitions_total",
			Help: "Order lifecycle operations grouped by operation and result.",
		}, []string{"operation", "result"})),
		transitionLatency: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oms_order_transition_duration_seconds",
			Help:    "Duration of order lifecycle operations including Core calls and persistence.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"})),
		versionConflicts: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_order_version_conflicts_total",
			Help: "Optimistic locking conflicts detected while saving orders.",
		})),
		compensations: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_order_compensations_total",
			Help: "Compensating actions grouped by action and result.",
		}, []string{"action", "result"})),
		reservationsSwept: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_expired_reservations_cancelled_total",
			Help: "PLACED orders cancelled because their stock reservation expired.",
		})),
		timelineEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "oms_timeline_events_total",
			Help: "Total number of timeline events recorded.",
		})),
		inFlight: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "oms_order_operations_in_flight",
			Help: "Number of order operations currently executing.",
		})),
	}
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector already registered with unexpected type %T", already.ExistingCollector))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector: %v", err))
	}
	return collector
}

// RecordOrderCreated учитывает созданный заказ.
func (m *OrderMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// ObserveTransition учитывает операцию и её длительность.
func (m *OrderMetrics) ObserveTransition(operation, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, result).Inc()
	m.transitionLatency.WithLabelValues(operation).Observe(took.Seconds())
}

// RecordVersionConflict учитывает конфликт версий.
func (m *OrderMetrics) RecordVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

// RecordCompensation учитывает компенсирующее действие (снятие резерва, возврат промокода).
func (m *OrderMetrics) RecordCompensation(action string, ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.compensations.WithLabelValues(action, result).Inc()
}

// RecordReservationSwept учитывает отмену заказа с истёкшим резервом.
func (m *OrderMetrics) RecordReservationSwept() {
	if m == nil {
		return
	}
	m.reservationsSwept.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// Begin отмечает начало операции; возвращённая функция её завершает.
func (m *OrderMetrics) Begin() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}
