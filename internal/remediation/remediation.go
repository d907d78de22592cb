// Package remediation provides the action execution engine: the handler
// contract, the per-action result model and the sequential executor.
package remediation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/normalization"
	"github.com/lvonguyen/bastionguard/internal/registry"
)

// ActionOutcome is the immutable result of running one action.
type ActionOutcome struct {
	Action   string         `json:"action"`
	Success  bool           `json:"success"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration"`
	DryRun   bool           `json:"dry_run"`
}

// Succeeded builds a successful outcome.
func Succeeded(message string, details map[string]any) ActionOutcome {
	return ActionOutcome{Success: true, Message: message, Details: details}
}

// Failed builds a failed outcome.
func Failed(message string, details map[string]any) ActionOutcome {
	return ActionOutcome{Success: false, Message: message, Details: details}
}

// Failedf builds a failed outcome from a format string.
func Failedf(format string, args ...any) ActionOutcome {
	return Failed(fmt.Sprintf(format, args...), nil)
}

// ExecutionSummary holds the outcomes of one event's actions, in run order.
type ExecutionSummary struct {
	InvocationID string          `json:"invocation_id"`
	Outcomes     []ActionOutcome `json:"outcomes"`
}

// Succeeded returns the number of successful outcomes.
func (s ExecutionSummary) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// Failed returns the number of failed outcomes.
func (s ExecutionSummary) Failed() int {
	return len(s.Outcomes) - s.Succeeded()
}

// Messages returns "action: message" lines for operators.
func (s ExecutionSummary) Messages() []string {
	out := make([]string, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		out = append(out, o.Action+": "+o.Message)
	}
	return out
}

// ExecutionContext is the shared input passed to every handler for one event.
// Rule is nil only when actions are run outside the resolver.
type ExecutionContext struct {
	Event        normalization.RoleChangeEvent
	Rule         *registry.RoleActionRule
	Params       Params
	DryRun       bool
	InvocationID string
	Logger       *zap.Logger
}

// Handler performs one idempotent remediation action.
type Handler interface {
	// Name returns the action name the handler is registered under
	Name() string
	// Execute performs the action; failures are reported in the outcome
	Execute(ctx context.Context, ec ExecutionContext) ActionOutcome
}

// Planner is implemented by handlers that can describe, without mutating
// anything, what Execute would do. The executor calls Plan under dry-run.
type Planner interface {
	Plan(ctx context.Context, ec ExecutionContext) ActionOutcome
}

// HandlerSet is the registry of handlers, populated once at startup.
type HandlerSet struct {
	handlers map[string]Handler
}

// NewHandlerSet registers handlers by name. Duplicate names are an error.
func NewHandlerSet(handlers ...Handler) (*HandlerSet, error) {
	set := &HandlerSet{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("nil handler")
		}
		name := h.Name()
		if name == "" {
			return nil, fmt.Errorf("handler %T has an empty name", h)
		}
		if _, dup := set.handlers[name]; dup {
			return nil, fmt.Errorf("duplicate handler for action %q", name)
		}
		set.handlers[name] = h
	}
	return set, nil
}

// Has reports whether an action name is registered.
func (s *HandlerSet) Has(name string) bool {
	_, ok := s.handlers[name]
	return ok
}

// Get returns the handler for an action name.
func (s *HandlerSet) Get(name string) (Handler, bool) {
	h, ok := s.handlers[name]
	return h, ok
}

// Names returns the registered action names, sorted.
func (s *HandlerSet) Names() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
