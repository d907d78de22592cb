package reporting

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes one structured line per rejection, skip and action outcome.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name returns the sink name.
func (s *LogSink) Name() string { return "log" }

// Publish logs the report: rejections at debug, skips at info, and each
// action outcome at info or warn.
func (s *LogSink) Publish(_ context.Context, r Report) error {
	base := []zap.Field{
		zap.String("invocation_id", r.InvocationID),
		zap.String("correlation_id", r.CorrelationID),
	}
	if r.Event != nil {
		base = append(base,
			zap.String("role_id", r.Event.RoleID),
			zap.String("scope", r.Event.Scope),
			zap.String("change", string(r.Event.ChangeKind)),
		)
	}

	switch r.Status {
	case StatusRejected:
		s.logger.Debug("event rejected", append(base,
			zap.String("reason", r.RejectionReason),
			zap.String("detail", r.RejectionDetail),
		)...)
	case StatusSkipped:
		s.logger.Info("event skipped", append(base, zap.String("reason", r.SkipReason))...)
	case StatusCompleted:
		if r.Summary == nil {
			return nil
		}
		for _, o := range r.Summary.Outcomes {
			fields := append(append([]zap.Field{}, base...),
				zap.String("action", o.Action),
				zap.Bool("success", o.Success),
				zap.String("message", o.Message),
				zap.Any("details", o.Details),
				zap.Duration("duration", o.Duration),
				zap.Bool("dry_run", o.DryRun),
			)
			if o.Success {
				s.logger.Info("action outcome", fields...)
			} else {
				s.logger.Warn("action outcome", fields...)
			}
		}
		s.logger.Info("invocation completed", append(base,
			zap.Int("succeeded", r.Summary.Succeeded()),
			zap.Int("failed", r.Summary.Failed()),
			zap.Strings("messages", r.Summary.Messages()),
			zap.Duration("duration", r.Duration),
		)...)
	}
	return nil
}
