package bastion

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/cloud"
	"github.com/lvonguyen/bastionguard/internal/remediation"
)

// CleanupHandler removes the bastion serving the event scope once no other
// grant of the same role remains in the target resource group.
type CleanupHandler struct {
	provisioner cloud.Provisioner
	grants      cloud.GrantChecker
}

// NewCleanupHandler creates a new cleanup_bastion handler
func NewCleanupHandler(provisioner cloud.Provisioner, grants cloud.GrantChecker) *CleanupHandler {
	return &CleanupHandler{provisioner: provisioner, grants: grants}
}

// Name returns the action name.
func (h *CleanupHandler) Name() string { return ActionCleanup }

// Execute deletes the bastion unless other grants still depend on it.
func (h *CleanupHandler) Execute(ctx context.Context, ec remediation.ExecutionContext) remediation.ActionOutcome {
	s := settingsFrom(ec.Params)

	target, existing, outcome, done := h.inspect(ctx, ec, s)
	if done {
		return outcome
	}

	attempts, err := s.retry.do(ctx, func(ctx context.Context) error {
		return h.provisioner.DeleteBastion(ctx, target, existing)
	})
	if errors.Is(err, cloud.ErrNotFound) {
		details := targetDetails(target)
		details[DetailRemoved] = false
		details[DetailAbsent] = true
		return remediation.Succeeded("bastion already gone", details)
	}
	if err != nil {
		return failure("delete bastion", attempts, err)
	}

	ec.Logger.Info("bastion removed",
		zap.String("bastion", existing.Name),
		zap.String("vnet", target.VNetName),
		zap.Int("attempts", attempts),
	)
	details := targetDetails(target)
	details[DetailRemoved] = true
	details["bastion"] = existing.Name
	details["attempts"] = attempts
	return remediation.Succeeded("bastion removed", details)
}

// Plan reports what Execute would do using read-only calls.
func (h *CleanupHandler) Plan(ctx context.Context, ec remediation.ExecutionContext) remediation.ActionOutcome {
	s := settingsFrom(ec.Params)

	target, existing, outcome, done := h.inspect(ctx, ec, s)
	if done {
		return outcome
	}
	details := targetDetails(target)
	details["would_remove"] = existing.Name
	return remediation.Succeeded("dry run: would remove bastion", details)
}

// inspect runs every check that can end the action before deletion. When
// done is true the returned outcome is final.
func (h *CleanupHandler) inspect(ctx context.Context, ec remediation.ExecutionContext, s settings) (cloud.Target, *cloud.Bastion, remediation.ActionOutcome, bool) {
	var target cloud.Target
	attempts, err := s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		target, err = h.provisioner.ResolveTarget(ctx, ec.Event.Scope, s.hint)
		return err
	})
	if err != nil {
		return target, nil, failure("resolve target", attempts, err), true
	}

	// Never delete while unsure whether the bastion is still needed.
	var remaining int
	attempts, err = s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		remaining, err = h.grants.CountGrants(ctx, ec.Event.RoleID, target.GrantScope())
		return err
	})
	if err != nil {
		return target, nil, failure("check active grants", attempts, err), true
	}
	if remaining > 0 {
		ec.Logger.Info("other grants remain, bastion preserved",
			zap.Int("remaining_grants", remaining),
			zap.String("grant_scope", target.GrantScope()),
		)
		details := targetDetails(target)
		details[DetailPreserved] = true
		details[DetailRemoved] = false
		details["remaining_grants"] = remaining
		return target, nil, remediation.Succeeded("other grants remain; bastion preserved", details), true
	}

	var existing *cloud.Bastion
	attempts, err = s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		existing, err = h.provisioner.FindBastion(ctx, target)
		return err
	})
	if err != nil {
		return target, nil, failure("find bastion", attempts, err), true
	}
	if existing == nil {
		details := targetDetails(target)
		details[DetailRemoved] = false
		details[DetailAbsent] = true
		return target, nil, remediation.Succeeded("no bastion to remove", details), true
	}
	if !existing.Managed() && !s.deleteUnmanaged {
		details := targetDetails(target)
		details[DetailPreserved] = true
		details[DetailRemoved] = false
		details["unmanaged"] = true
		details["bastion"] = existing.Name
		return target, nil, remediation.Succeeded("bastion not created by this service; preserved", details), true
	}
	return target, existing, remediation.ActionOutcome{}, false
}
