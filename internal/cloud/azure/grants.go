package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"

	"github.com/lvonguyen/bastionguard/internal/cloud"
)

// GrantChecker counts role assignments through the authorization API.
type GrantChecker struct {
	assignments *armauthorization.RoleAssignmentsClient
}

// NewGrantChecker creates a new grant checker
func NewGrantChecker(subscriptionID string, cred azcore.TokenCredential) (*GrantChecker, error) {
	client, err := armauthorization.NewRoleAssignmentsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating role assignments client: %w", err)
	}
	return &GrantChecker{assignments: client}, nil
}

// CountGrants lists assignments visible at scope and counts those of the same
// role definition whose own scope is at or below scope. Inherited assignments
// from above are not counted: they never caused a bastion here.
func (g *GrantChecker) CountGrants(ctx context.Context, roleID, scope string) (int, error) {
	n := 0
	pager := g.assignments.NewListForScopePager(scope, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return 0, classify("list role assignments", err)
		}
		for _, ra := range page.Value {
			if matchesGrant(ra, roleID, scope) {
				n++
			}
		}
	}
	return n, nil
}

func matchesGrant(ra *armauthorization.RoleAssignment, roleID, scope string) bool {
	if ra == nil || ra.Properties == nil || ra.Properties.RoleDefinitionID == nil || ra.Properties.Scope == nil {
		return false
	}
	return cloud.SameRole(*ra.Properties.RoleDefinitionID, roleID) &&
		cloud.WithinScope(*ra.Properties.Scope, scope)
}
