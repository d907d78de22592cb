package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bastionguard"

// Metrics holds Prometheus metrics for BastionGuard
type Metrics struct {
	// Pipeline metrics
	EventsTotal     *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	SkipsTotal      *prometheus.CounterVec

	// Action metrics
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec

	// Transport metrics
	WebhookRequests *prometheus.CounterVec

	// Sink metrics
	SinkErrors *prometheus.CounterVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge
}

// NewMetrics registers the service metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Notifications processed by result (rejected, skipped, completed)",
			},
			[]string{"result"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejections_total",
				Help:      "Rejected notifications by reason",
			},
			[]string{"reason"},
		),
		SkipsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "skips_total",
				Help:      "Valid events that produced no actions, by reason",
			},
			[]string{"reason"},
		),
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Executed actions by name and status",
			},
			[]string{"action", "status"},
		),
		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Action execution duration",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"action"},
		),
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_requests_total",
				Help:      "Webhook requests by HTTP status",
			},
			[]string{"status"},
		),
		SinkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Outcome sink publish failures",
			},
			[]string{"sink"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
	}
}
