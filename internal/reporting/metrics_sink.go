package reporting

import (
	"context"

	"github.com/lvonguyen/bastionguard/internal/observability"
)

// MetricsSink updates the Prometheus counters and histograms.
type MetricsSink struct {
	metrics *observability.Metrics
}

// NewMetricsSink creates a new metrics sink
func NewMetricsSink(metrics *observability.Metrics) *MetricsSink {
	return &MetricsSink{metrics: metrics}
}

// Name returns the sink name.
func (s *MetricsSink) Name() string { return "metrics" }

// Publish records the report.
func (s *MetricsSink) Publish(_ context.Context, r Report) error {
	s.metrics.EventsTotal.WithLabelValues(string(r.Status)).Inc()

	switch r.Status {
	case StatusRejected:
		s.metrics.RejectionsTotal.WithLabelValues(r.RejectionReason).Inc()
	case StatusSkipped:
		s.metrics.SkipsTotal.WithLabelValues(r.SkipReason).Inc()
	case StatusCompleted:
		if r.Summary == nil {
			return nil
		}
		for _, o := range r.Summary.Outcomes {
			status := "success"
			if !o.Success {
				status = "failure"
			}
			s.metrics.ActionsTotal.WithLabelValues(o.Action, status).Inc()
			s.metrics.ActionDuration.WithLabelValues(o.Action).Observe(o.Duration.Seconds())
		}
	}
	return nil
}
