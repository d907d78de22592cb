package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/bastionguard/internal/config"
	"github.com/lvonguyen/bastionguard/internal/normalization"
	"github.com/lvonguyen/bastionguard/internal/registry"
)

const vmLoginRole = "/providers/Microsoft.Authorization/roleDefinitions/1c0163c0-47e6-4577-8991-ea5c82e286e4"

type catalog map[string]bool

func (c catalog) Has(name string) bool { return c[name] }

func testRegistry(t *testing.T, revoke []string) *registry.Registry {
	t.Helper()
	reg, err := registry.Load(config.RegistryConfig{
		Roles: []config.RoleRule{{
			RoleID:                 vmLoginRole,
			SupportedResourceTypes: []string{normalization.ResourceTypeVirtualMachine},
			ActionsOnGrant:         []string{"create_bastion", "log_role_change"},
			ActionsOnRevoke:        revoke,
		}},
	}, catalog{"create_bastion": true, "cleanup_bastion": true, "log_role_change": true}, nil)
	require.NoError(t, err)
	return reg
}

func vmEvent(kind normalization.ChangeKind) normalization.RoleChangeEvent {
	return normalization.RoleChangeEvent{
		RoleID:            "/subscriptions/s1" + vmLoginRole,
		ChangeKind:        kind,
		Scope:             "/subscriptions/s1/resourceGroups/rg/providers/Microsoft.Compute/virtualMachines/vm",
		PrincipalID:       "p1",
		ResourceType:      normalization.ResourceTypeVirtualMachine,
		ResourceTypeKnown: true,
	}
}

// =============================================================================
// Resolve Tests
// =============================================================================

func TestResolve(t *testing.T) {
	reg := testRegistry(t, []string{"cleanup_bastion"})

	unconfigured := vmEvent(normalization.ChangeGranted)
	unconfigured.RoleID = "/providers/Microsoft.Authorization/roleDefinitions/fb879df8-f326-4884-b1cf-06f3ad86be52"

	wrongType := vmEvent(normalization.ChangeGranted)
	wrongType.ResourceType = normalization.ResourceTypeResourceGroup

	unknownType := vmEvent(normalization.ChangeGranted)
	unknownType.ResourceType = "Microsoft.Storage/storageAccounts"
	unknownType.ResourceTypeKnown = false

	tests := []struct {
		name        string
		event       normalization.RoleChangeEvent
		wantSkip    SkipReason
		wantActions []string
	}{
		{"grant", vmEvent(normalization.ChangeGranted), SkipNone, []string{"create_bastion", "log_role_change"}},
		{"revoke", vmEvent(normalization.ChangeRevoked), SkipNone, []string{"cleanup_bastion"}},
		{"role not configured", unconfigured, SkipRoleNotConfigured, nil},
		{"resource type not supported by rule", wrongType, SkipResourceTypeUnsupported, nil},
		{"resource type outside known set", unknownType, SkipResourceTypeUnsupported, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(tt.event, reg)
			assert.Equal(t, tt.wantSkip, res.Skip)
			assert.Equal(t, tt.wantSkip != SkipNone, res.Skipped())
			assert.Equal(t, tt.wantActions, res.Actions)
		})
	}
}

// TestResolve_NoActions verifies an empty action list for the change kind is a skip.
func TestResolve_NoActions(t *testing.T) {
	reg := testRegistry(t, nil)

	res := Resolve(vmEvent(normalization.ChangeRevoked), reg)

	assert.True(t, res.Skipped())
	assert.Equal(t, SkipNoActionsConfigured, res.Skip)
	require.NotNil(t, res.Rule)
}

// TestResolve_Deterministic verifies repeated resolution yields identical results.
func TestResolve_Deterministic(t *testing.T) {
	reg := testRegistry(t, []string{"cleanup_bastion"})
	event := vmEvent(normalization.ChangeGranted)

	first := Resolve(event, reg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Resolve(event, reg))
	}
}
