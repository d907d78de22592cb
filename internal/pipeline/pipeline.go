// Package pipeline runs one role assignment notification end to end:
// normalize, resolve, execute, report.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/normalization"
	"github.com/lvonguyen/bastionguard/internal/registry"
	"github.com/lvonguyen/bastionguard/internal/remediation"
	"github.com/lvonguyen/bastionguard/internal/reporting"
	"github.com/lvonguyen/bastionguard/internal/resolver"
)

// Pipeline holds the immutable collaborators shared by every invocation.
type Pipeline struct {
	normalizer *normalization.Normalizer
	registry   *registry.Registry
	executor   *remediation.Executor
	reporter   *reporting.Reporter
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates a pipeline.
func New(reg *registry.Registry, exec *remediation.Executor, reporter *reporting.Reporter, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reporter == nil {
		reporter = reporting.NewReporter(logger)
	}
	return &Pipeline{
		normalizer: normalization.NewNormalizer(),
		registry:   reg,
		executor:   exec,
		reporter:   reporter,
		logger:     logger,
		tracer:     otel.Tracer("bastionguard/pipeline"),
		now:        time.Now,
	}
}

// Process handles one raw notification body. It never returns an error:
// rejections, skips and action failures are all described by the report.
func (p *Pipeline) Process(ctx context.Context, raw []byte) reporting.Report {
	started := p.now()
	rep := reporting.Report{
		InvocationID: uuid.NewString(),
		DryRun:       p.executor.DryRun(),
		ReceivedAt:   started,
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("invocation_id", rep.InvocationID),
	))
	defer span.End()

	p.run(ctx, raw, &rep)

	rep.Duration = p.now().Sub(started)
	span.SetAttributes(attribute.String("status", string(rep.Status)))
	if rep.Summary != nil && rep.Summary.Failed() > 0 {
		span.SetStatus(codes.Error, "one or more actions failed")
	}

	p.reporter.Report(ctx, rep)
	return rep
}

func (p *Pipeline) run(ctx context.Context, raw []byte, rep *reporting.Report) {
	event, err := p.normalize(ctx, raw)
	if err != nil {
		rep.Status = reporting.StatusRejected
		if rej, ok := normalization.AsRejection(err); ok {
			rep.RejectionReason = string(rej.Reason)
			rep.RejectionDetail = rej.Detail
		} else {
			rep.RejectionReason = string(normalization.RejectMalformedPayload)
			rep.RejectionDetail = err.Error()
		}
		return
	}
	rep.Event = &event
	rep.CorrelationID = event.CorrelationID

	res := p.resolve(ctx, event)
	if res.Rule != nil {
		rep.RoleName = res.Rule.DisplayName
	}
	if res.Skipped() {
		rep.Status = reporting.StatusSkipped
		rep.SkipReason = string(res.Skip)
		return
	}

	logger := p.logger.With(
		zap.String("invocation_id", rep.InvocationID),
		zap.String("correlation_id", event.CorrelationID),
		zap.String("role_id", event.RoleID),
		zap.String("scope", event.Scope),
	)
	summary := p.executor.ExecuteAll(ctx, res.Actions, remediation.ExecutionContext{
		Event:        event,
		Rule:         res.Rule,
		InvocationID: rep.InvocationID,
		Logger:       logger,
	})
	rep.Status = reporting.StatusCompleted
	rep.Summary = &summary
}

func (p *Pipeline) normalize(ctx context.Context, raw []byte) (normalization.RoleChangeEvent, error) {
	_, span := p.tracer.Start(ctx, "normalize")
	defer span.End()

	event, err := p.normalizer.Normalize(raw)
	if err != nil {
		span.SetAttributes(attribute.String("rejected", err.Error()))
		return event, err
	}
	span.SetAttributes(
		attribute.String("correlation_id", event.CorrelationID),
		attribute.String("change", string(event.ChangeKind)),
		attribute.String("resource_type", event.ResourceType),
	)
	return event, nil
}

func (p *Pipeline) resolve(ctx context.Context, event normalization.RoleChangeEvent) resolver.Resolution {
	_, span := p.tracer.Start(ctx, "resolve")
	defer span.End()

	res := resolver.Resolve(event, p.registry)
	if res.Skipped() {
		span.SetAttributes(attribute.String("skip", string(res.Skip)))
	} else {
		span.SetAttributes(attribute.StringSlice("actions", res.Actions))
	}
	return res
}
