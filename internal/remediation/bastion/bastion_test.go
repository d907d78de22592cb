package bastion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/cloud"
	"github.com/lvonguyen/bastionguard/internal/normalization"
	"github.com/lvonguyen/bastionguard/internal/remediation"
)

const (
	testSub   = "11111111-2222-3333-4444-555555555555"
	testRG    = "/subscriptions/" + testSub + "/resourceGroups/rg-app"
	testVM    = testRG + "/providers/Microsoft.Compute/virtualMachines/vm-app-01"
	vmLoginID = "/providers/Microsoft.Authorization/roleDefinitions/1c0163c0-47e6-4577-8991-ea5c82e286e4"
)

func execContext(kind normalization.ChangeKind, params remediation.Params) remediation.ExecutionContext {
	if params == nil {
		params = remediation.Params{}
	}
	if _, ok := params["retry_delay"]; !ok {
		params["retry_delay"] = "1ms"
	}
	return remediation.ExecutionContext{
		Event: normalization.RoleChangeEvent{
			RoleID:        "/subscriptions/" + testSub + vmLoginID,
			ChangeKind:    kind,
			Scope:         testVM,
			PrincipalID:   "p1",
			CorrelationID: "corr-1",
			ResourceType:  normalization.ResourceTypeVirtualMachine,
		},
		Params:       params,
		InvocationID: "inv-1",
		Logger:       zap.NewNop(),
	}
}

func transient() error {
	return &cloud.TransientError{Op: "test", Err: errors.New("503 service unavailable")}
}

// =============================================================================
// Create Tests
// =============================================================================

// TestCreate_Idempotent verifies a second create for the same scope is a
// skip and issues no second create call.
func TestCreate_Idempotent(t *testing.T) {
	prov := cloud.NewMemoryProvisioner()
	h := NewCreateHandler(prov)
	ec := execContext(normalization.ChangeGranted, nil)

	first := h.Execute(context.Background(), ec)
	require.True(t, first.Success, first.Message)
	assert.Equal(t, true, first.Details[DetailCreated])
	assert.Equal(t, "bastion-vnet-rg-app", first.Details["bastion"])

	second := h.Execute(context.Background(), ec)
	require.True(t, second.Success)
	assert.Equal(t, true, second.Details[DetailSkipped])

	assert.Equal(t, 1, prov.CreateCalls())
	assert.Equal(t, 1, prov.Bastions())
}

// TestCreate_Parameters verifies prefix, hint and tags reach the provisioner.
func TestCreate_Parameters(t *testing.T) {
	prov := cloud.NewMemoryProvisioner()
	h := NewCreateHandler(prov)
	ec := execContext(normalization.ChangeGranted, remediation.Params{
		"name_prefix":         "bh-",
		"vnet_name":           "vnet-hub",
		"vnet_resource_group": "rg-net",
	})

	outcome := h.Execute(context.Background(), ec)

	require.True(t, outcome.Success, outcome.Message)
	assert.Equal(t, "bh-vnet-hub", outcome.Details["bastion"])
	assert.Equal(t, "rg-net", outcome.Details["resource_group"])

	target, err := prov.ResolveTarget(context.Background(), testVM, cloud.TargetHint{VNetName: "vnet-hub", VNetResourceGroup: "rg-net"})
	require.NoError(t, err)
	b, err := prov.FindBastion(context.Background(), target)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Managed())
	assert.Equal(t, "corr-1", b.Tags[cloud.TagCorrelationID])
	assert.Equal(t, "1c0163c0-47e6-4577-8991-ea5c82e286e4", b.Tags[cloud.TagRoleID])
}

// TestCreate_RetriesTransient verifies transient failures are retried up to
// max_attempts.
func TestCreate_RetriesTransient(t *testing.T) {
	prov := cloud.NewMemoryProvisioner()
	prov.FailNext(cloud.OpCreate, transient(), &cloud.ThrottleError{Op: "create", RetryAfter: 5 * time.Millisecond, Err: errors.New("429")})
	h := NewCreateHandler(prov)

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeGranted, nil))

	require.True(t, outcome.Success, outcome.Message)
	assert.Equal(t, 3, outcome.Details["attempts"])
	assert.Equal(t, 3, prov.CreateCalls())
}

// TestCreate_TransientExhausted verifies a failed outcome once attempts run out.
func TestCreate_TransientExhausted(t *testing.T) {
	prov := cloud.NewMemoryProvisioner()
	prov.FailNext(cloud.OpCreate, transient(), transient())
	h := NewCreateHandler(prov)

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeGranted, remediation.Params{"max_attempts": 2}))

	assert.False(t, outcome.Success)
	assert.Equal(t, "create bastion", outcome.Details["stage"])
	assert.Equal(t, 2, outcome.Details["attempts"])
	assert.Equal(t, true, outcome.Details["transient"])
}

// TestCreate_PermanentNotRetried verifies permanent errors fail on the first attempt.
func TestCreate_PermanentNotRetried(t *testing.T) {
	prov := cloud.NewMemoryProvisioner()
	prov.FailNext(cloud.OpCreate, errors.New("403 authorization failed"))
	h := NewCreateHandler(prov)

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeGranted, nil))

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.Details["attempts"])
	assert.Equal(t, false, outcome.Details["transient"])
	assert.Equal(t, 1, prov.CreateCalls())
}

// TestCreate_InvalidTarget verifies scopes that cannot host a bastion fail
// without retry.
func TestCreate_InvalidTarget(t *testing.T) {
	h := NewCreateHandler(cloud.NewMemoryProvisioner())
	ec := execContext(normalization.ChangeGranted, nil)
	ec.Event.Scope = "/providers/Microsoft.Management/managementGroups/mg"

	outcome := h.Execute(context.Background(), ec)

	assert.False(t, outcome.Success)
	assert.Equal(t, "resolve target", outcome.Details["stage"])
	assert.Equal(t, 1, outcome.Details["attempts"])
}

// TestCreate_Plan verifies planning never creates anything.
func TestCreate_Plan(t *testing.T) {
	prov := cloud.NewMemoryProvisioner()
	h := NewCreateHandler(prov)

	outcome := h.Plan(context.Background(), execContext(normalization.ChangeGranted, nil))

	assert.True(t, outcome.Success)
	assert.Equal(t, "bastion-vnet-rg-app", outcome.Details["would_create"])
	assert.Equal(t, 0, prov.CreateCalls())
}

// =============================================================================
// Cleanup Tests
// =============================================================================

func provisioned(t *testing.T) *cloud.MemoryProvisioner {
	t.Helper()
	prov := cloud.NewMemoryProvisioner()
	outcome := NewCreateHandler(prov).Execute(context.Background(), execContext(normalization.ChangeGranted, nil))
	require.True(t, outcome.Success, outcome.Message)
	return prov
}

// TestCleanup_PreservedWhileGrantsRemain verifies the bastion is kept while
// another principal still holds the role in the resource group.
func TestCleanup_PreservedWhileGrantsRemain(t *testing.T) {
	prov := provisioned(t)
	grants := cloud.NewMemoryGrants(cloud.Grant{RoleID: vmLoginID, Scope: testRG + "/providers/Microsoft.Compute/virtualMachines/vm-app-02", PrincipalID: "p2"})
	h := NewCleanupHandler(prov, grants)

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeRevoked, nil))

	require.True(t, outcome.Success, outcome.Message)
	assert.Equal(t, true, outcome.Details[DetailPreserved])
	assert.Equal(t, 1, outcome.Details["remaining_grants"])
	assert.Equal(t, 0, prov.DeleteCalls())
	assert.Equal(t, 1, prov.Bastions())
}

// TestCleanup_RemovesWhenLastGrant verifies removal once no grants remain.
func TestCleanup_RemovesWhenLastGrant(t *testing.T) {
	prov := provisioned(t)
	h := NewCleanupHandler(prov, cloud.NewMemoryGrants())

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeRevoked, nil))

	require.True(t, outcome.Success, outcome.Message)
	assert.Equal(t, true, outcome.Details[DetailRemoved])
	assert.Equal(t, 0, prov.Bastions())
}

// TestCleanup_Absent verifies nothing to delete is a success with absent=true.
func TestCleanup_Absent(t *testing.T) {
	prov := cloud.NewMemoryProvisioner()
	h := NewCleanupHandler(prov, cloud.NewMemoryGrants())

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeRevoked, nil))

	require.True(t, outcome.Success)
	assert.Equal(t, false, outcome.Details[DetailRemoved])
	assert.Equal(t, true, outcome.Details[DetailAbsent])
	assert.Equal(t, 0, prov.DeleteCalls())
}

// TestCleanup_GrantCheckFailureKeepsBastion verifies an unanswerable grant
// check fails the action instead of deleting.
func TestCleanup_GrantCheckFailureKeepsBastion(t *testing.T) {
	prov := provisioned(t)
	grants := cloud.NewMemoryGrants()
	grants.FailWith(errors.New("authorization api unavailable"))
	h := NewCleanupHandler(prov, grants)

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeRevoked, nil))

	assert.False(t, outcome.Success)
	assert.Equal(t, "check active grants", outcome.Details["stage"])
	assert.Equal(t, 1, prov.Bastions())
}

// TestCleanup_UnmanagedPreserved verifies bastions created elsewhere are kept
// unless delete_unmanaged is set.
func TestCleanup_UnmanagedPreserved(t *testing.T) {
	prov := cloud.NewMemoryProvisioner()
	target, err := prov.ResolveTarget(context.Background(), testVM, cloud.TargetHint{})
	require.NoError(t, err)
	prov.Seed(target, cloud.Bastion{Name: "corp-bastion"})
	h := NewCleanupHandler(prov, cloud.NewMemoryGrants())

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeRevoked, nil))
	require.True(t, outcome.Success)
	assert.Equal(t, true, outcome.Details["unmanaged"])
	assert.Equal(t, 1, prov.Bastions())

	outcome = h.Execute(context.Background(), execContext(normalization.ChangeRevoked, remediation.Params{"delete_unmanaged": true}))
	require.True(t, outcome.Success)
	assert.Equal(t, true, outcome.Details[DetailRemoved])
	assert.Equal(t, 0, prov.Bastions())
}

// TestCleanup_DeleteRetried verifies transient delete failures are retried.
func TestCleanup_DeleteRetried(t *testing.T) {
	prov := provisioned(t)
	prov.FailNext(cloud.OpDelete, transient())
	h := NewCleanupHandler(prov, cloud.NewMemoryGrants())

	outcome := h.Execute(context.Background(), execContext(normalization.ChangeRevoked, nil))

	require.True(t, outcome.Success, outcome.Message)
	assert.Equal(t, 2, outcome.Details["attempts"])
	assert.Equal(t, 2, prov.DeleteCalls())
}

// TestCleanup_Plan verifies planning never deletes.
func TestCleanup_Plan(t *testing.T) {
	prov := provisioned(t)
	h := NewCleanupHandler(prov, cloud.NewMemoryGrants())

	outcome := h.Plan(context.Background(), execContext(normalization.ChangeRevoked, nil))

	assert.True(t, outcome.Success)
	assert.Equal(t, "bastion-vnet-rg-app", outcome.Details["would_remove"])
	assert.Equal(t, 0, prov.DeleteCalls())
}

// =============================================================================
// Naming Tests
// =============================================================================

func TestBastionName_Truncated(t *testing.T) {
	long := bastionName("bastion-", string(make([]byte, 100)))
	assert.Len(t, long, maxNameLength)
	assert.Equal(t, "bastion-vnet", bastionName("bastion-", "vnet"))
}
