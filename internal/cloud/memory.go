package cloud

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryProvisioner is an in-process Provisioner for local runs, dry
// environments and tests. It is safe for concurrent use.
type MemoryProvisioner struct {
	mu       sync.Mutex
	bastions map[string]*Bastion
	faults   map[string][]error
	creates  int
	deletes  int
}

// NewMemoryProvisioner creates a new in-memory provisioner
func NewMemoryProvisioner() *MemoryProvisioner {
	return &MemoryProvisioner{
		bastions: make(map[string]*Bastion),
		faults:   make(map[string][]error),
	}
}

// Operation names accepted by FailNext.
const (
	OpResolve = "resolve"
	OpFind    = "find"
	OpCreate  = "create"
	OpDelete  = "delete"
)

// FailNext queues errors returned by the next calls of op, one per call.
func (m *MemoryProvisioner) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], errs...)
}

func (m *MemoryProvisioner) fault(op string) error {
	queue := m.faults[op]
	if len(queue) == 0 {
		return nil
	}
	m.faults[op] = queue[1:]
	return queue[0]
}

// ResolveTarget derives the target from the scope: the scoped virtual network,
// the hinted one, or "vnet-<resource group>".
func (m *MemoryProvisioner) ResolveTarget(_ context.Context, scope string, hint TargetHint) (Target, error) {
	m.mu.Lock()
	err := m.fault(OpResolve)
	m.mu.Unlock()
	if err != nil {
		return Target{}, err
	}

	parts, err := ParseScope(scope)
	if err != nil {
		return Target{}, err
	}
	rg := parts.ResourceGroup
	if rg == "" {
		rg = hint.VNetResourceGroup
	}
	if rg == "" {
		return Target{}, fmt.Errorf("%w: scope %q has no resource group", ErrInvalidTarget, scope)
	}

	target := Target{
		SubscriptionID:    parts.SubscriptionID,
		ResourceGroup:     rg,
		VNetResourceGroup: firstNonEmpty(hint.VNetResourceGroup, rg),
		Location:          "local",
	}
	switch {
	case hint.VNetName != "":
		target.VNetName = hint.VNetName
	case parts.IsType("Microsoft.Network/virtualNetworks"):
		target.VNetName = parts.Name
	default:
		target.VNetName = "vnet-" + rg
	}
	return target, nil
}

// FindBastion returns the bastion in the target network, if any.
func (m *MemoryProvisioner) FindBastion(_ context.Context, target Target) (*Bastion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault(OpFind); err != nil {
		return nil, err
	}
	b, ok := m.bastions[memoryKey(target)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// CreateBastion records a bastion for the target network.
func (m *MemoryProvisioner) CreateBastion(_ context.Context, target Target, spec BastionSpec) (*Bastion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if err := m.fault(OpCreate); err != nil {
		return nil, err
	}
	b := &Bastion{
		ID: fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Network/bastionHosts/%s",
			target.SubscriptionID, target.VNetResourceGroup, spec.Name),
		Name:              spec.Name,
		ProvisioningState: "Succeeded",
		PublicIPName:      spec.Name + "-pip",
		Tags:              make(map[string]string, len(spec.Tags)),
	}
	for k, v := range spec.Tags {
		b.Tags[k] = v
	}
	m.bastions[memoryKey(target)] = b
	cp := *b
	return &cp, nil
}

// Seed places an existing bastion in the target network, as if created
// outside this service.
func (m *MemoryProvisioner) Seed(target Target, bastion Bastion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bastions[memoryKey(target)] = &bastion
}

// DeleteBastion removes the bastion for the target network.
func (m *MemoryProvisioner) DeleteBastion(_ context.Context, target Target, _ *Bastion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if err := m.fault(OpDelete); err != nil {
		return err
	}
	key := memoryKey(target)
	if _, ok := m.bastions[key]; !ok {
		return fmt.Errorf("delete bastion in %s: %w", target, ErrNotFound)
	}
	delete(m.bastions, key)
	return nil
}

// CreateCalls returns how many times CreateBastion was invoked.
func (m *MemoryProvisioner) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// DeleteCalls returns how many times DeleteBastion was invoked.
func (m *MemoryProvisioner) DeleteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

// Bastions returns how many bastions currently exist.
func (m *MemoryProvisioner) Bastions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bastions)
}

func memoryKey(t Target) string {
	return strings.ToLower(t.SubscriptionID + "/" + t.VNetResourceGroup + "/" + t.VNetName)
}

// Grant is one active role assignment.
type Grant struct {
	RoleID      string
	Scope       string
	PrincipalID string
}

// MemoryGrants is an in-process GrantChecker.
type MemoryGrants struct {
	mu     sync.RWMutex
	grants []Grant
	err    error
}

// NewMemoryGrants creates a new in-memory grant checker
func NewMemoryGrants(grants ...Grant) *MemoryGrants {
	return &MemoryGrants{grants: grants}
}

// Add records an active grant.
func (g *MemoryGrants) Add(grant Grant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants = append(g.grants, grant)
}

// FailWith makes every CountGrants call return err until reset with nil.
func (g *MemoryGrants) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// CountGrants counts grants of the same role definition at or below scope.
func (g *MemoryGrants) CountGrants(_ context.Context, roleID, scope string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.err != nil {
		return 0, g.err
	}
	n := 0
	for _, grant := range g.grants {
		if SameRole(grant.RoleID, roleID) && WithinScope(grant.Scope, scope) {
			n++
		}
	}
	return n, nil
}

// SameRole compares role definition ids by their final path segment, since
// the same definition appears both tenant- and subscription-qualified.
func SameRole(a, b string) bool {
	return strings.EqualFold(lastSegment(a), lastSegment(b))
}

// WithinScope reports whether scope is parent or one of its descendants.
func WithinScope(scope, parent string) bool {
	s := strings.ToLower(strings.TrimRight(scope, "/"))
	p := strings.ToLower(strings.TrimRight(parent, "/"))
	return s == p || strings.HasPrefix(s, p+"/")
}

// RoleGUID returns the role definition GUID of a role id.
func RoleGUID(roleID string) string {
	return lastSegment(roleID)
}

func lastSegment(id string) string {
	id = strings.TrimRight(id, "/")
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
