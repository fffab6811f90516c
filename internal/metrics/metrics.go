package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can be built without it in tests.
type Metrics struct {
	registry        *prometheus.Registry
	taskRuns        *prometheus.CounterVec
	fetches         *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	datasetAge      prometheus.Gauge
	refreshInFlight prometheus.Gauge
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_task_runs_total",
				Help:      "Scheduled task executions by task type and status",
			},
			[]string{"task_type", "status"},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acquisition_fetches_total",
				Help:      "Remote bulletin fetches by outcome",
			},
			[]string{"outcome"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications handed to a delivery strategy",
			},
			[]string{"category", "strategy", "status"},
		),
		datasetAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "acquisition_dataset_age_seconds",
				Help:      "Age of the dataset most recently served from cache",
			},
		),
		refreshInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "acquisition_refresh_in_flight",
				Help:      "1 while a bulletin refresh is running",
			},
		),
	}

	reg.MustRegister(
		m.taskRuns,
		m.fetches,
		m.notifications,
		m.datasetAge,
		m.refreshInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TaskRun(taskType, status string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(taskType, status).Inc()
}

func (m *Metrics) Fetch(outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Notification(category, strategy, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(category, strategy, status).Inc()
}

func (m *Metrics) DatasetAge(age time.Duration) {
	if m == nil {
		return
	}
	m.datasetAge.Set(age.Seconds())
}

func (m *Metrics) RefreshInFlight(running bool) {
	if m == nil {
		return
	}
	if running {
		m.refreshInFlight.Set(1)
		return
	}
	m.refreshInFlight.Set(0)
}
