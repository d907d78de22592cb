// Package reporting records the outcome of every invocation and fans it out
// to the configured sinks.
package reporting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/normalization"
	"github.com/lvonguyen/bastionguard/internal/remediation"
)

// Status is the terminal state of one invocation.
type Status string

const (
	StatusRejected  Status = "rejected"
	StatusSkipped   Status = "skipped"
	StatusCompleted Status = "completed"
)

// Report is everything known about one invocation.
type Report struct {
	InvocationID    string                         `json:"invocation_id"`
	CorrelationID   string                         `json:"correlation_id,omitempty"`
	Status          Status                         `json:"status"`
	Event           *normalization.RoleChangeEvent `json:"event,omitempty"`
	RoleName        string                         `json:"role_name,omitempty"`
	RejectionReason string                         `json:"rejection_reason,omitempty"`
	RejectionDetail string                         `json:"rejection_detail,omitempty"`
	SkipReason      string                         `json:"skip_reason,omitempty"`
	Summary         *remediation.ExecutionSummary  `json:"summary,omitempty"`
	DryRun          bool                           `json:"dry_run"`
	ReceivedAt      time.Time                      `json:"received_at"`
	Duration        time.Duration                  `json:"duration"`
}

// Sink receives finished reports. Publish must not block for long; slow
// backends buffer internally.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r Report) error
}

// Reporter fans reports out to sinks. A failing sink never affects the
// invocation result or the other sinks.
type Reporter struct {
	sinks   []Sink
	logger  *zap.Logger
	onError func(sink string)
}

// NewReporter creates a new reporter
func NewReporter(logger *zap.Logger, sinks ...Sink) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{sinks: sinks, logger: logger}
}

// OnSinkError registers a callback invoked with the sink name on each failure.
func (r *Reporter) OnSinkError(fn func(sink string)) {
	r.onError = fn
}

// Report publishes to every sink in order.
func (r *Reporter) Report(ctx context.Context, rep Report) {
	for _, s := range r.sinks {
		if err := s.Publish(ctx, rep); err != nil {
			r.logger.Warn("outcome sink publish failed",
				zap.String("sink", s.Name()),
				zap.String("invocation_id", rep.InvocationID),
				zap.Error(err),
			)
			if r.onError != nil {
				r.onError(s.Name())
			}
		}
	}
}

// Sinks returns the configured sink names.
func (r *Reporter) Sinks() []string {
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	return names
}
