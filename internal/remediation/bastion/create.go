package bastion

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/cloud"
	"github.com/lvonguyen/bastionguard/internal/remediation"
)

// CreateHandler provisions a bastion for the network serving the event scope.
// It is idempotent: an existing bastion is reported as skipped.
type CreateHandler struct {
	provisioner cloud.Provisioner
}

// NewCreateHandler creates a new create_bastion handler
func NewCreateHandler(provisioner cloud.Provisioner) *CreateHandler {
	return &CreateHandler{provisioner: provisioner}
}

// Name returns the action name.
func (h *CreateHandler) Name() string { return ActionCreate }

// Execute resolves the target, checks for an existing bastion, and creates one.
func (h *CreateHandler) Execute(ctx context.Context, ec remediation.ExecutionContext) remediation.ActionOutcome {
	s := settingsFrom(ec.Params)

	target, existing, outcome, ok := h.inspect(ctx, ec, s)
	if !ok {
		return outcome
	}
	if existing != nil {
		ec.Logger.Info("bastion already present, skipping create",
			zap.String("bastion", existing.Name),
			zap.String("vnet", target.VNetName),
		)
		details := targetDetails(target)
		details[DetailSkipped] = true
		details["bastion"] = existing.Name
		return remediation.Succeeded("bastion already exists", details)
	}

	spec := cloud.BastionSpec{
		Name:         bastionName(s.namePrefix, target.VNetName),
		SubnetPrefix: s.subnetPrefix,
		SKU:          s.sku,
		Tags: map[string]string{
			cloud.TagManagedBy:     cloud.ManagedByValue,
			cloud.TagCorrelationID: ec.Event.CorrelationID,
			cloud.TagRoleID:        cloud.RoleGUID(ec.Event.RoleID),
		},
	}

	var created *cloud.Bastion
	attempts, err := s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		created, err = h.provisioner.CreateBastion(ctx, target, spec)
		return err
	})
	if err != nil {
		return failure("create bastion", attempts, err)
	}

	ec.Logger.Info("bastion created",
		zap.String("bastion", created.Name),
		zap.String("vnet", target.VNetName),
		zap.Int("attempts", attempts),
	)
	details := targetDetails(target)
	details[DetailCreated] = true
	details[DetailSkipped] = false
	details["bastion"] = created.Name
	details["attempts"] = attempts
	return remediation.Succeeded("bastion created", details)
}

// Plan reports what Execute would do using read-only calls.
func (h *CreateHandler) Plan(ctx context.Context, ec remediation.ExecutionContext) remediation.ActionOutcome {
	s := settingsFrom(ec.Params)

	target, existing, outcome, ok := h.inspect(ctx, ec, s)
	if !ok {
		return outcome
	}
	details := targetDetails(target)
	if existing != nil {
		details[DetailSkipped] = true
		details["bastion"] = existing.Name
		return remediation.Succeeded("dry run: bastion already exists", details)
	}
	details["would_create"] = bastionName(s.namePrefix, target.VNetName)
	details["sku"] = s.sku
	return remediation.Succeeded("dry run: would create bastion", details)
}

// inspect resolves the target and looks up an existing bastion. When ok is
// false the returned outcome describes the failure.
func (h *CreateHandler) inspect(ctx context.Context, ec remediation.ExecutionContext, s settings) (cloud.Target, *cloud.Bastion, remediation.ActionOutcome, bool) {
	var target cloud.Target
	attempts, err := s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		target, err = h.provisioner.ResolveTarget(ctx, ec.Event.Scope, s.hint)
		return err
	})
	if err != nil {
		return cloud.Target{}, nil, failure("resolve target", attempts, err), false
	}

	var existing *cloud.Bastion
	attempts, err = s.retry.do(ctx, func(ctx context.Context) error {
		var err error
		existing, err = h.provisioner.FindBastion(ctx, target)
		return err
	})
	if err != nil {
		return cloud.Target{}, nil, failure("find bastion", attempts, err), false
	}
	return target, existing, remediation.ActionOutcome{}, true
}
