// Package resolver decides which actions an event triggers.
package resolver

import (
	"github.com/lvonguyen/bastionguard/internal/normalization"
	"github.com/lvonguyen/bastionguard/internal/registry"
)

// SkipReason explains why a valid event produced no actions.
type SkipReason string

const (
	SkipNone                    SkipReason = ""
	SkipRoleNotConfigured       SkipReason = "role_not_configured"
	SkipResourceTypeUnsupported SkipReason = "resource_type_unsupported"
	SkipNoActionsConfigured     SkipReason = "no_actions_configured"
)

// Resolution is either a skip or the matched rule with its ordered actions.
type Resolution struct {
	Rule    *registry.RoleActionRule
	Actions []string
	Skip    SkipReason
}

// Skipped reports whether the event produced no actions.
func (r Resolution) Skipped() bool {
	return r.Skip != SkipNone
}

// Resolve maps an event to actions. It is pure: the same event and registry
// always give the same result.
func Resolve(event normalization.RoleChangeEvent, reg *registry.Registry) Resolution {
	rule, ok := reg.Lookup(event.RoleID)
	if !ok {
		return Resolution{Skip: SkipRoleNotConfigured}
	}
	if !event.ResourceTypeKnown || !rule.Supports(event.ResourceType) {
		return Resolution{Rule: rule, Skip: SkipResourceTypeUnsupported}
	}
	actions := rule.ActionsFor(event.ChangeKind)
	if len(actions) == 0 {
		return Resolution{Rule: rule, Skip: SkipNoActionsConfigured}
	}
	return Resolution{
		Rule:    rule,
		Actions: append([]string(nil), actions...),
	}
}
