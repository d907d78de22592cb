package cloud

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSub   = "11111111-2222-3333-4444-555555555555"
	testRG    = "/subscriptions/" + testSub + "/resourceGroups/rg-app"
	testVM    = testRG + "/providers/Microsoft.Compute/virtualMachines/vm-app-01"
	testVNet  = testRG + "/providers/Microsoft.Network/virtualNetworks/vnet-hub"
	vmLoginID = "/providers/Microsoft.Authorization/roleDefinitions/1c0163c0-47e6-4577-8991-ea5c82e286e4"
)

// =============================================================================
// Error Classification Tests
// =============================================================================

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &TransientError{Op: "x", Err: errors.New("503")}, true},
		{"wrapped throttle", fmt.Errorf("create: %w", &ThrottleError{RetryAfter: time.Second, Err: errors.New("429")}), true},
		{"invalid target", fmt.Errorf("resolve: %w", ErrInvalidTarget), false},
		{"plain error", errors.New("403 forbidden"), false},
		{"deadline", &TransientError{Op: "x", Err: context.DeadlineExceeded}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(fmt.Errorf("wrap: %w", &ThrottleError{RetryAfter: 7 * time.Second}))
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	_, ok = RetryAfter(&TransientError{Err: errors.New("500")})
	assert.False(t, ok)
}

// =============================================================================
// Scope Tests
// =============================================================================

func TestParseScope(t *testing.T) {
	parts, err := ParseScope(testVM)
	require.NoError(t, err)
	assert.Equal(t, testSub, parts.SubscriptionID)
	assert.Equal(t, "rg-app", parts.ResourceGroup)
	assert.True(t, parts.IsType("microsoft.compute/virtualmachines"))
	assert.Equal(t, "vm-app-01", parts.Name)

	_, err = ParseScope("/providers/Microsoft.Management/managementGroups/mg")
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestWithinScope(t *testing.T) {
	assert.True(t, WithinScope(testVM, testRG))
	assert.True(t, WithinScope(testRG, testRG+"/"))
	assert.False(t, WithinScope(testRG+"-other", testRG))
	assert.False(t, WithinScope("/subscriptions/"+testSub, testRG))
}

// =============================================================================
// Memory Provisioner Tests
// =============================================================================

// TestMemoryProvisioner_ResolveTarget verifies the three resolution paths.
func TestMemoryProvisioner_ResolveTarget(t *testing.T) {
	m := NewMemoryProvisioner()
	ctx := context.Background()

	target, err := m.ResolveTarget(ctx, testVM, TargetHint{})
	require.NoError(t, err)
	assert.Equal(t, "vnet-rg-app", target.VNetName)
	assert.Equal(t, testRG, target.GrantScope())

	target, err = m.ResolveTarget(ctx, testVNet, TargetHint{})
	require.NoError(t, err)
	assert.Equal(t, "vnet-hub", target.VNetName)

	target, err = m.ResolveTarget(ctx, testVM, TargetHint{VNetName: "shared", VNetResourceGroup: "rg-net"})
	require.NoError(t, err)
	assert.Equal(t, "shared", target.VNetName)
	assert.Equal(t, "rg-net", target.VNetResourceGroup)

	_, err = m.ResolveTarget(ctx, "/subscriptions/"+testSub, TargetHint{})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

// TestMemoryProvisioner_Lifecycle verifies create, find and delete.
func TestMemoryProvisioner_Lifecycle(t *testing.T) {
	m := NewMemoryProvisioner()
	ctx := context.Background()
	target, err := m.ResolveTarget(ctx, testVM, TargetHint{})
	require.NoError(t, err)

	b, err := m.FindBastion(ctx, target)
	require.NoError(t, err)
	assert.Nil(t, b)

	created, err := m.CreateBastion(ctx, target, BastionSpec{Name: "bastion-vnet-rg-app"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Bastions())

	found, err := m.FindBastion(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	require.NoError(t, m.DeleteBastion(ctx, target, found))
	assert.Equal(t, 0, m.Bastions())
	assert.ErrorIs(t, m.DeleteBastion(ctx, target, found), ErrNotFound)
}

// TestMemoryProvisioner_FailNext verifies queued faults are consumed in order.
func TestMemoryProvisioner_FailNext(t *testing.T) {
	m := NewMemoryProvisioner()
	boom := &TransientError{Op: "create", Err: errors.New("503")}
	m.FailNext(OpCreate, boom)

	target := Target{SubscriptionID: testSub, ResourceGroup: "rg", VNetResourceGroup: "rg", VNetName: "v"}
	_, err := m.CreateBastion(context.Background(), target, BastionSpec{Name: "b"})
	assert.ErrorIs(t, err, boom)

	_, err = m.CreateBastion(context.Background(), target, BastionSpec{Name: "b"})
	assert.NoError(t, err)
	assert.Equal(t, 2, m.CreateCalls())
}

// =============================================================================
// Memory Grants Tests
// =============================================================================

// TestMemoryGrants_Count verifies role and scope matching.
func TestMemoryGrants_Count(t *testing.T) {
	g := NewMemoryGrants(
		Grant{RoleID: "/subscriptions/" + testSub + vmLoginID, Scope: testVM, PrincipalID: "p2"},
		Grant{RoleID: vmLoginID, Scope: "/subscriptions/" + testSub + "/resourceGroups/rg-other", PrincipalID: "p3"},
		Grant{RoleID: "/providers/Microsoft.Authorization/roleDefinitions/other", Scope: testVM, PrincipalID: "p4"},
	)

	n, err := g.CountGrants(context.Background(), vmLoginID, testRG)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	g.FailWith(errors.New("down"))
	_, err = g.CountGrants(context.Background(), vmLoginID, testRG)
	assert.Error(t, err)
}

// =============================================================================
// Guard Tests
// =============================================================================

// TestGuard_TripsOnTransientFailures verifies the breaker opens after
// consecutive transient failures and then fails fast.
func TestGuard_TripsOnTransientFailures(t *testing.T) {
	g := NewGuard(GuardConfig{BreakerFailures: 2, BreakerTimeout: time.Minute}, nil)
	calls := 0
	failing := func(context.Context) error {
		calls++
		return &TransientError{Op: "x", Err: errors.New("503")}
	}

	for i := 0; i < 2; i++ {
		err := g.Do(context.Background(), "op", failing)
		assert.True(t, IsTransient(err))
	}
	err := g.Do(context.Background(), "op", failing)

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, IsTransient(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, "open", g.State())
}

// TestGuard_PermanentErrorsDoNotTrip verifies client errors leave the breaker closed.
func TestGuard_PermanentErrorsDoNotTrip(t *testing.T) {
	g := NewGuard(GuardConfig{BreakerFailures: 1}, nil)
	for i := 0; i < 3; i++ {
		err := g.Do(context.Background(), "op", func(context.Context) error { return ErrInvalidTarget })
		assert.ErrorIs(t, err, ErrInvalidTarget)
	}
	assert.Equal(t, "closed", g.State())
}

// TestGuard_WrapsProvisioner verifies wrapped calls reach the backend.
func TestGuard_WrapsProvisioner(t *testing.T) {
	m := NewMemoryProvisioner()
	p := NewGuard(GuardConfig{RequestsPerSecond: 100, Burst: 10}, nil).Provisioner(m)

	target, err := p.ResolveTarget(context.Background(), testVM, TargetHint{})
	require.NoError(t, err)
	_, err = p.CreateBastion(context.Background(), target, BastionSpec{Name: "b"})
	require.NoError(t, err)

	assert.Equal(t, 1, m.CreateCalls())
}
