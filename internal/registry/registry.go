// Package registry holds the role-to-action mapping loaded from configuration.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/config"
	"github.com/lvonguyen/bastionguard/internal/normalization"
)

// Catalog reports which action names have a registered handler.
type Catalog interface {
	Has(name string) bool
}

// RoleActionRule is the configured response to changes of one role definition.
type RoleActionRule struct {
	RoleID                 string
	DisplayName            string
	SupportedResourceTypes map[string]bool
	ActionsOnGrant         []string
	ActionsOnRevoke        []string

	matchKey      string
	definitionKey string
}

// Supports reports whether the rule applies to a resource type.
func (r *RoleActionRule) Supports(resourceType string) bool {
	return r.SupportedResourceTypes[resourceType]
}

// ActionsFor returns the ordered actions for a change kind.
func (r *RoleActionRule) ActionsFor(kind normalization.ChangeKind) []string {
	switch kind {
	case normalization.ChangeGranted:
		return r.ActionsOnGrant
	case normalization.ChangeRevoked:
		return r.ActionsOnRevoke
	default:
		return nil
	}
}

// Registry is immutable after Load and safe for concurrent use.
type Registry struct {
	rules    []*RoleActionRule
	settings map[string]config.ActionSettings
}

// Load validates the mapping against the handler catalog and builds the
// registry. Every problem found is reported in a single *ConfigError.
func Load(cfg config.RegistryConfig, handlers Catalog, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cerr := &ConfigError{}

	reg := &Registry{
		rules:    make([]*RoleActionRule, 0, len(cfg.Roles)),
		settings: make(map[string]config.ActionSettings, len(cfg.Actions)),
	}

	seen := make(map[string]int)
	for i, rr := range cfg.Roles {
		where := fmt.Sprintf("roles[%d]", i)
		key := matchKey(rr.RoleID)
		if key == "" {
			cerr.add("%s: role_id is empty", where)
			continue
		}
		if prev, dup := seen[key]; dup {
			cerr.add("%s: role_id %q duplicates roles[%d]", where, rr.RoleID, prev)
			continue
		}
		seen[key] = i

		rule := &RoleActionRule{
			RoleID:                 strings.TrimSpace(rr.RoleID),
			DisplayName:            rr.DisplayName,
			SupportedResourceTypes: make(map[string]bool),
			ActionsOnGrant:         append([]string(nil), rr.ActionsOnGrant...),
			ActionsOnRevoke:        append([]string(nil), rr.ActionsOnRevoke...),
			matchKey:               key,
			definitionKey:          lastSegment(key),
		}

		types := rr.SupportedResourceTypes
		if len(types) == 0 {
			types = normalization.KnownResourceTypes()
		}
		for _, t := range types {
			if !normalization.IsKnownResourceType(t) {
				cerr.add("%s: unknown resource type %q", where, t)
				continue
			}
			rule.SupportedResourceTypes[t] = true
		}

		for _, list := range [][]string{rule.ActionsOnGrant, rule.ActionsOnRevoke} {
			for _, action := range list {
				if !handlers.Has(action) {
					cerr.add("%s: action %q has no registered handler", where, action)
				}
			}
		}

		reg.rules = append(reg.rules, rule)
	}

	// Either form of overlap would make lookups order-dependent.
	for i, a := range reg.rules {
		for _, b := range reg.rules[i+1:] {
			switch {
			case hasSegmentSuffix(a.matchKey, b.matchKey):
				cerr.add("role_id %q is ambiguous: it ends with role_id %q", a.RoleID, b.RoleID)
			case hasSegmentSuffix(b.matchKey, a.matchKey):
				cerr.add("role_id %q is ambiguous: it ends with role_id %q", b.RoleID, a.RoleID)
			case a.definitionKey == b.definitionKey:
				cerr.add("role_id %q is ambiguous: it names the same role definition as role_id %q", b.RoleID, a.RoleID)
			}
		}
	}

	names := make([]string, 0, len(cfg.Actions))
	for name := range cfg.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !handlers.Has(name) {
			cerr.add("actions.%s: no registered handler", name)
			continue
		}
		reg.settings[name] = cfg.Actions[name]
	}

	if cerr.HasProblems() {
		return nil, cerr
	}

	logger.Info("role-action registry loaded",
		zap.Int("rules", len(reg.rules)),
		zap.Int("action_settings", len(reg.settings)),
	)
	return reg, nil
}

// Lookup finds the rule whose role id is a segment-aligned, case-insensitive
// suffix of roleID. A bare role definition GUID, as recovered from a resource
// path, matches the rule whose id ends in that GUID. Load guarantees at most
// one rule can match.
func (r *Registry) Lookup(roleID string) (*RoleActionRule, bool) {
	key := matchKey(roleID)
	if key == "" {
		return nil, false
	}
	for _, rule := range r.rules {
		if hasSegmentSuffix(key, rule.matchKey) {
			return rule, true
		}
	}
	if strings.Contains(key, "/") {
		return nil, false
	}
	for _, rule := range r.rules {
		if rule.definitionKey == key {
			return rule, true
		}
	}
	return nil, false
}

// ActionSettings returns the per-action settings; the zero value means enabled
// with no parameters.
func (r *Registry) ActionSettings(name string) config.ActionSettings {
	return r.settings[name]
}

// Settings returns a copy of all per-action settings.
func (r *Registry) Settings() map[string]config.ActionSettings {
	out := make(map[string]config.ActionSettings, len(r.settings))
	for k, v := range r.settings {
		out[k] = v
	}
	return out
}

// Rules returns the loaded rules in configuration order.
func (r *Registry) Rules() []*RoleActionRule {
	return append([]*RoleActionRule(nil), r.rules...)
}

func matchKey(roleID string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(roleID)), "/")
}

func lastSegment(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}

// hasSegmentSuffix reports whether s ends with suffix at a "/" boundary.
func hasSegmentSuffix(s, suffix string) bool {
	if !strings.HasSuffix(s, suffix) {
		return false
	}
	if len(s) == len(suffix) {
		return true
	}
	return s[len(s)-len(suffix)-1] == '/'
}
