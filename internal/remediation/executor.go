package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/config"
)

// Detail keys the executor itself writes into outcomes.
const (
	DetailDisabled = "disabled"
	DetailDryRun   = "dry_run"
)

// Executor runs an ordered list of actions for one event. Actions run
// sequentially and a failure never stops the ones after it.
type Executor struct {
	handlers       *HandlerSet
	settings       map[string]config.ActionSettings
	dryRun         bool
	defaultTimeout time.Duration
	logger         *zap.Logger
	tracer         trace.Tracer
}

// NewExecutor creates a new executor over a handler set and per-action settings.
func NewExecutor(handlers *HandlerSet, engine config.EngineConfig, settings map[string]config.ActionSettings, logger *zap.Logger) *Executor {
	timeout := engine.ActionTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if settings == nil {
		settings = map[string]config.ActionSettings{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		handlers:       handlers,
		settings:       settings,
		dryRun:         engine.DryRun,
		defaultTimeout: timeout,
		logger:         logger,
		tracer:         otel.Tracer("bastionguard/remediation"),
	}
}

// DryRun reports whether the executor is in plan-only mode.
func (e *Executor) DryRun() bool {
	return e.dryRun
}

// ExecuteAll runs each named action in order and returns exactly one outcome
// per name.
func (e *Executor) ExecuteAll(ctx context.Context, actions []string, ec ExecutionContext) ExecutionSummary {
	summary := ExecutionSummary{
		InvocationID: ec.InvocationID,
		Outcomes:     make([]ActionOutcome, 0, len(actions)),
	}
	if e.dryRun {
		ec.DryRun = true
	}
	if ec.Logger == nil {
		ec.Logger = e.logger
	}

	for _, name := range actions {
		start := time.Now()
		outcome := e.runOne(ctx, name, ec)
		outcome.Action = name
		outcome.Duration = time.Since(start)
		outcome.DryRun = ec.DryRun
		if ec.DryRun {
			if outcome.Details == nil {
				outcome.Details = map[string]any{}
			}
			outcome.Details[DetailDryRun] = true
		}

		e.logger.Debug("action finished",
			zap.String("action", name),
			zap.String("invocation_id", ec.InvocationID),
			zap.Bool("success", outcome.Success),
			zap.Duration("duration", outcome.Duration),
		)
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	return summary
}

func (e *Executor) runOne(ctx context.Context, name string, ec ExecutionContext) ActionOutcome {
	settings := e.settings[name]
	if !settings.IsEnabled() {
		return Succeeded("action disabled by configuration", map[string]any{DetailDisabled: true})
	}

	h, ok := e.handlers.Get(name)
	if !ok {
		return Failed("handler not found", nil)
	}

	if err := ctx.Err(); err != nil {
		return Failedf("not started: %v", err)
	}

	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	ec.Params = Params(settings.Parameters).clone()
	ec.Logger = ec.Logger.With(zap.String("action", name))

	ctx, span := e.tracer.Start(ctx, "action."+name, trace.WithAttributes(
		attribute.String("action", name),
		attribute.String("correlation_id", ec.Event.CorrelationID),
		attribute.Bool("dry_run", ec.DryRun),
	))
	defer span.End()

	outcome := e.invoke(ctx, h, ec, timeout)
	if !outcome.Success {
		span.SetStatus(codes.Error, outcome.Message)
	}
	return outcome
}

// invoke runs the handler under a deadline. A handler that overruns is
// abandoned: its goroutine finishes on its own and the result is discarded.
func (e *Executor) invoke(parent context.Context, h Handler, ec ExecutionContext, timeout time.Duration) ActionOutcome {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	done := make(chan ActionOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ec.Logger.Error("handler panicked", zap.Any("panic", r))
				done <- Failedf("handler panicked: %v", r)
			}
		}()
		if ec.DryRun {
			done <- plan(ctx, h, ec)
			return
		}
		done <- h.Execute(ctx, ec)
	}()

	select {
	case outcome := <-done:
		return outcome
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Failed(fmt.Sprintf("timed out after %s", timeout), map[string]any{"timeout": timeout.String()})
		}
		return Failedf("cancelled: %v", ctx.Err())
	}
}

func plan(ctx context.Context, h Handler, ec ExecutionContext) ActionOutcome {
	if p, ok := h.(Planner); ok {
		return p.Plan(ctx, ec)
	}
	return Succeeded("dry run: would execute "+h.Name(), map[string]any{"would_execute": true})
}
