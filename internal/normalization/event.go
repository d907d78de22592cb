// Package normalization converts provider role-assignment notifications into
// canonical RoleChangeEvent records.
package normalization

import "time"

// ChangeKind is the direction of a role assignment change.
type ChangeKind string

const (
	ChangeGranted ChangeKind = "granted"
	ChangeRevoked ChangeKind = "revoked"
)

// UnknownPrincipal is recorded on revoke events whose payload omits the principal.
const UnknownPrincipal = "unknown"

// Resource types the rest of the pipeline understands.
const (
	ResourceTypeSubscription    = "subscription"
	ResourceTypeResourceGroup   = "resourceGroup"
	ResourceTypeManagementGroup = "managementGroup"
	ResourceTypeVirtualMachine  = "compute/virtualMachine"
	ResourceTypeVirtualNetwork  = "network/virtualNetwork"
)

var knownResourceTypes = map[string]bool{
	ResourceTypeSubscription:    true,
	ResourceTypeResourceGroup:   true,
	ResourceTypeManagementGroup: true,
	ResourceTypeVirtualMachine:  true,
	ResourceTypeVirtualNetwork:  true,
}

// IsKnownResourceType reports whether t belongs to the finite supported set.
func IsKnownResourceType(t string) bool {
	return knownResourceTypes[t]
}

// KnownResourceTypes returns the supported resource type names.
func KnownResourceTypes() []string {
	return []string{
		ResourceTypeSubscription,
		ResourceTypeResourceGroup,
		ResourceTypeManagementGroup,
		ResourceTypeVirtualMachine,
		ResourceTypeVirtualNetwork,
	}
}

// RoleChangeEvent is the canonical form of one role assignment change.
// It is built once by the Normalizer and never mutated afterwards.
type RoleChangeEvent struct {
	RoleID        string     `json:"role_id"`
	ChangeKind    ChangeKind `json:"change_kind"`
	Scope         string     `json:"scope"`
	PrincipalID   string     `json:"principal_id"`
	CorrelationID string     `json:"correlation_id"`

	// ResourceType is one of the known types, or the raw provider type
	// (e.g. "Microsoft.Storage/storageAccounts") when ResourceTypeKnown is false.
	ResourceType      string `json:"resource_type"`
	ResourceTypeKnown bool   `json:"resource_type_known"`

	Caller     string    `json:"caller,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
	Source     string    `json:"source"`
}
