// Package metrics provides Prometheus metrics for the sync daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	WebhookEvents     *prometheus.CounterVec
	SyncTasksTotal    *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	QueueDepth        prometheus.Gauge
	DelayedRetries    prometheus.Gauge
	DeadLetters       prometheus.Gauge
	SchedulerTicks    *prometheus.CounterVec
	ManagementActions *prometheus.CounterVec
	RuleFires         *prometheus.CounterVec
	InsightReports    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackersync_http_requests_total",
				Help: "HTTP requests by route and status code.",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackersync_http_request_duration_seconds",
				Help:    "HTTP request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackersync_webhook_events_total",
				Help: "Inbound webhook events by kind and result.",
			},
			[]string{"kind", "result"},
		),
		SyncTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackersync_sync_tasks_total",
				Help: "Processed sync tasks by type and outcome (ok, retry, dropped, dead_letter).",
			},
			[]string{"type", "outcome"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackersync_sync_task_duration_seconds",
				Help:    "Sync task execution time by type.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackersync_sync_queue_depth",
			Help: "Tasks currently held by the sync queue, including delayed retries.",
		}),
		DelayedRetries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackersync_sync_queue_delayed",
			Help: "Queued tasks waiting for their retry delay.",
		}),
		DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trackersync_dead_letters",
			Help: "Unresolved dead-lettered sync tasks.",
		}),
		SchedulerTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackersync_scheduler_ticks_total",
				Help: "Scheduler ticks by result (run, skipped).",
			},
			[]string{"result"},
		),
		ManagementActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackersync_management_actions_total",
				Help: "Auto-management changes applied by policy.",
			},
			[]string{"policy"},
		),
		RuleFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackersync_rule_fires_total",
				Help: "Automation rule firings by trigger type.",
			},
			[]string{"trigger"},
		),
		InsightReports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackersync_insight_reports_total",
				Help: "Insight report generations by result.",
			},
			[]string{"result"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackersync_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.WebhookEvents,
		m.SyncTasksTotal,
		m.SyncDuration,
		m.QueueDepth,
		m.DelayedRetries,
		m.DeadLetters,
		m.SchedulerTicks,
		m.ManagementActions,
		m.RuleFires,
		m.InsightReports,
		m.ErrorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one HTTP request and its duration.
func (m *Metrics) RecordRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordWebhook counts an inbound event.
func (m *Metrics) RecordWebhook(kind, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(kind, result).Inc()
}

// RecordSync counts a processed task.
func (m *Metrics) RecordSync(taskType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncTasksTotal.WithLabelValues(taskType, outcome).Inc()
	m.SyncDuration.WithLabelValues(taskType).Observe(seconds)
}

// SetQueue publishes queue gauges.
func (m *Metrics) SetQueue(depth, delayed int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	m.DelayedRetries.Set(float64(delayed))
}

// SetDeadLetters publishes the unresolved dead letter count.
func (m *Metrics) SetDeadLetters(n int) {
	if m == nil {
		return
	}
	m.DeadLetters.Set(float64(n))
}

// RecordTick counts a scheduler tick.
func (m *Metrics) RecordTick(result string) {
	if m == nil {
		return
	}
	m.SchedulerTicks.WithLabelValues(result).Inc()
}

// RecordManagement adds applied changes for a policy.
func (m *Metrics) RecordManagement(policy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ManagementActions.WithLabelValues(policy).Add(float64(n))
}

// RecordRuleFire counts a rule firing.
func (m *Metrics) RecordRuleFire(trigger string) {
	if m == nil {
		return
	}
	m.RuleFires.WithLabelValues(trigger).Inc()
}

// RecordInsight counts a report generation.
func (m *Metrics) RecordInsight(result string) {
	if m == nil {
		return
	}
	m.InsightReports.WithLabelValues(result).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
