package remediation

import (
	"context"

	"go.uber.org/zap"
)

// ActionLogRoleChange is the name of the audit log action.
const ActionLogRoleChange = "log_role_change"

// AuditLogHandler writes a structured audit record of the role change. It
// never mutates anything, so it behaves the same under dry-run.
type AuditLogHandler struct{}

// NewAuditLogHandler creates a new audit log handler
func NewAuditLogHandler() *AuditLogHandler {
	return &AuditLogHandler{}
}

// Name returns the action name.
func (h *AuditLogHandler) Name() string { return ActionLogRoleChange }

// Execute logs the role change.
func (h *AuditLogHandler) Execute(_ context.Context, ec ExecutionContext) ActionOutcome {
	return h.record(ec)
}

// Plan logs the role change; logging is not a cloud mutation.
func (h *AuditLogHandler) Plan(_ context.Context, ec ExecutionContext) ActionOutcome {
	return h.record(ec)
}

func (h *AuditLogHandler) record(ec ExecutionContext) ActionOutcome {
	level := ec.Params.String("level", "info")
	ev := ec.Event
	var roleName string
	if ec.Rule != nil {
		roleName = ec.Rule.DisplayName
	}
	fields := []zap.Field{
		zap.String("role_id", ev.RoleID),
		zap.String("role_name", roleName),
		zap.String("change", string(ev.ChangeKind)),
		zap.String("scope", ev.Scope),
		zap.String("principal_id", ev.PrincipalID),
		zap.String("caller", ev.Caller),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("resource_type", ev.ResourceType),
	}

	logger := ec.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch level {
	case "warn":
		logger.Warn("role assignment changed", fields...)
	case "debug":
		logger.Debug("role assignment changed", fields...)
	default:
		logger.Info("role assignment changed", fields...)
	}

	return Succeeded("role change logged", map[string]any{
		"principal_id": ev.PrincipalID,
		"change":       string(ev.ChangeKind),
	})
}
