// Package cloud defines the provisioning collaborators the bastion handlers
// depend on, their error classification, and a reliability guard.
package cloud

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
)

// TargetHint carries optional overrides from action parameters.
type TargetHint struct {
	VNetName          string
	VNetResourceGroup string
}

// Target is the network a bastion is placed into for an event scope.
type Target struct {
	SubscriptionID    string
	ResourceGroup     string
	VNetName          string
	VNetResourceGroup string
	Location          string
}

// GrantScope is the scope active grants are counted under.
func (t Target) GrantScope() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s", t.SubscriptionID, t.ResourceGroup)
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.SubscriptionID, t.VNetResourceGroup, t.VNetName)
}

// BastionSpec describes the bastion to create.
type BastionSpec struct {
	Name         string
	SubnetPrefix string
	SKU          string
	Tags         map[string]string
}

// Bastion is an existing bastion host.
type Bastion struct {
	ID                string
	Name              string
	ProvisioningState string
	PublicIPName      string
	Tags              map[string]string
}

// Tags stamped on everything the service creates.
const (
	TagManagedBy     = "managed-by"
	TagCorrelationID = "correlation-id"
	TagRoleID        = "role-id"
	ManagedByValue   = "bastionguard"
)

// Managed reports whether the bastion was created by this service.
func (b *Bastion) Managed() bool {
	return b != nil && b.Tags[TagManagedBy] == ManagedByValue
}

// Provisioner creates and removes bastion infrastructure.
type Provisioner interface {
	// ResolveTarget maps an event scope to the virtual network to serve
	ResolveTarget(ctx context.Context, scope string, hint TargetHint) (Target, error)
	// FindBastion returns the bastion in the target network, or nil when none exists
	FindBastion(ctx context.Context, target Target) (*Bastion, error)
	// CreateBastion creates the subnet, public IP and bastion host
	CreateBastion(ctx context.Context, target Target, spec BastionSpec) (*Bastion, error)
	// DeleteBastion removes the bastion host and its public IP
	DeleteBastion(ctx context.Context, target Target, bastion *Bastion) error
}

// GrantChecker answers whether a role is still assigned within a scope.
type GrantChecker interface {
	// CountGrants counts active assignments of roleID at or below scope
	CountGrants(ctx context.Context, roleID, scope string) (int, error)
}

// ScopeParts is the parsed form of an ARM scope.
type ScopeParts struct {
	SubscriptionID string
	ResourceGroup  string
	ResourceType   string
	Name           string
}

// ParseScope splits an ARM scope. Scopes above a subscription (tenant root,
// management groups) cannot host a bastion and yield ErrInvalidTarget.
func ParseScope(scope string) (ScopeParts, error) {
	id, err := arm.ParseResourceID(scope)
	if err != nil {
		return ScopeParts{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	parts := ScopeParts{
		SubscriptionID: id.SubscriptionID,
		ResourceGroup:  id.ResourceGroupName,
		ResourceType:   id.ResourceType.String(),
		Name:           id.Name,
	}
	if parts.SubscriptionID == "" {
		return ScopeParts{}, fmt.Errorf("%w: scope %q is not within a subscription", ErrInvalidTarget, scope)
	}
	return parts, nil
}

// IsType reports whether the parsed scope is a resource of the given
// provider type, compared case-insensitively.
func (p ScopeParts) IsType(resourceType string) bool {
	return strings.EqualFold(p.ResourceType, resourceType)
}
