package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/ordermgmt/internal/domain"
)

// RepositoryMetrics содержит метрики операций репозитория и публикации событий.
type RepositoryMetrics struct {
	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	autoCreated  prometheus.Counter
	published    *prometheus.CounterVec
	publishFails *prometheus.CounterVec
}

// NewRepositoryMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewRepositoryMetrics() *RepositoryMetrics {
	return NewRepositoryMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewRepositoryMetricsWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewRepositoryMetricsWithRegisterer(registerer prometheus.Registerer) *RepositoryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RepositoryMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_repository_operations_total",
			Help: "Total number of repository operations by result kind",
		}, []string{"op", "result"}),
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "oms_repository_operation_duration_seconds",
			Help:    "Duration of repository operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"op"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "oms_repository_operations_in_flight",
			Help: "Number of repository operations currently executing",
		}),
		autoCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "oms_users_autocreated_total",
			Help: "Total number of users created implicitly by CreateOrder",
		}),
		published: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_events_published_total",
			Help: "Total number of domain events published",
		}, []string{"type"}),
		publishFails: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "oms_events_publish_failed_total",
			Help: "Total number of domain events that failed to publish",
		}, []string{"type"}),
	}
}

// ObserveOperation учитывает завершённую операцию: результат по виду ошибки и длительность.
func (m *RepositoryMetrics) ObserveOperation(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, string(domain.KindOf(err))).Inc()
	m.duration.WithLabelValues(op).Observe(duration.Seconds())
}

// OperationStarted увеличивает число выполняющихся операций.
func (m *RepositoryMetrics) OperationStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// OperationFinished уменьшает число выполняющихся операций.
func (m *RepositoryMetrics) OperationFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// RecordUserAutoCreated увеличивает счётчик неявно созданных пользователей.
func (m *RepositoryMetrics) RecordUserAutoCreated() {
	if m == nil {
		return
	}
	m.autoCreated.Inc()
}

// RecordEventPublished учитывает успешную публикацию события.
func (m *RepositoryMetrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

// RecordEventPublishFailed учитывает неудачную публикацию события.
func (m *RepositoryMetrics) RecordEventPublishFailed(eventType string) {
	if m == nil {
		return
	}
	m.publishFails.WithLabelValues(eventType).Inc()
}
