// Package azure implements the cloud collaborators on the Azure Resource
// Manager SDK.
package azure

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"go.uber.org/zap"

	"github.com/lvonguyen/bastionguard/internal/cloud"
)

// BastionSubnetName is the subnet name Azure requires for bastion hosts.
const BastionSubnetName = "AzureBastionSubnet"

// Provisioner manages bastion hosts through Azure Resource Manager.
type Provisioner struct {
	vms        *armcompute.VirtualMachinesClient
	interfaces *armnetwork.InterfacesClient
	vnets      *armnetwork.VirtualNetworksClient
	subnets    *armnetwork.SubnetsClient
	publicIPs  *armnetwork.PublicIPAddressesClient
	bastions   *armnetwork.BastionHostsClient
	logger     *zap.Logger
}

// NewProvisioner creates the ARM clients for one subscription.
func NewProvisioner(subscriptionID string, cred azcore.TokenCredential, logger *zap.Logger) (*Provisioner, error) {
	network, err := armnetwork.NewClientFactory(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating network client factory: %w", err)
	}
	vms, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating virtual machines client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		vms:        vms,
		interfaces: network.NewInterfacesClient(),
		vnets:      network.NewVirtualNetworksClient(),
		subnets:    network.NewSubnetsClient(),
		publicIPs:  network.NewPublicIPAddressesClient(),
		bastions:   network.NewBastionHostsClient(),
		logger:     logger,
	}, nil
}

// ResolveTarget finds the virtual network serving the scope: the scoped
// network itself, the network of a VM's primary NIC, the hinted network, or
// the single (first by name) network in a resource group.
func (p *Provisioner) ResolveTarget(ctx context.Context, scope string, hint cloud.TargetHint) (cloud.Target, error) {
	parts, err := cloud.ParseScope(scope)
	if err != nil {
		return cloud.Target{}, err
	}
	rg := parts.ResourceGroup
	if rg == "" && hint.VNetResourceGroup == "" {
		return cloud.Target{}, fmt.Errorf("%w: scope %q has no resource group and no vnet_resource_group is configured", cloud.ErrInvalidTarget, scope)
	}
	if rg == "" {
		rg = hint.VNetResourceGroup
	}

	target := cloud.Target{SubscriptionID: parts.SubscriptionID, ResourceGroup: rg}

	switch {
	case hint.VNetName != "":
		target.VNetName = hint.VNetName
		target.VNetResourceGroup = firstNonEmpty(hint.VNetResourceGroup, rg)
	case parts.IsType("Microsoft.Network/virtualNetworks"):
		target.VNetName = parts.Name
		target.VNetResourceGroup = rg
	case parts.IsType("Microsoft.Compute/virtualMachines"):
		vnetRG, vnetName, err := p.vmNetwork(ctx, rg, parts.Name)
		if err != nil {
			return cloud.Target{}, err
		}
		target.VNetResourceGroup, target.VNetName = vnetRG, vnetName
	default:
		vnetName, err := p.firstVNet(ctx, rg)
		if err != nil {
			return cloud.Target{}, err
		}
		target.VNetResourceGroup, target.VNetName = rg, vnetName
	}

	vnet, err := p.vnets.Get(ctx, target.VNetResourceGroup, target.VNetName, nil)
	if err != nil {
		err = classify("get virtual network", err)
		if isNotFound(err) {
			return cloud.Target{}, fmt.Errorf("%w: virtual network %s not found", cloud.ErrInvalidTarget, target)
		}
		return cloud.Target{}, err
	}
	if vnet.Location != nil {
		target.Location = *vnet.Location
	}
	return target, nil
}

// vmNetwork follows VM -> primary NIC -> subnet -> virtual network.
func (p *Provisioner) vmNetwork(ctx context.Context, rg, vmName string) (string, string, error) {
	vm, err := p.vms.Get(ctx, rg, vmName, nil)
	if err != nil {
		err = classify("get virtual machine", err)
		if isNotFound(err) {
			return "", "", fmt.Errorf("%w: virtual machine %s/%s not found", cloud.ErrInvalidTarget, rg, vmName)
		}
		return "", "", err
	}
	if vm.Properties == nil || vm.Properties.NetworkProfile == nil {
		return "", "", fmt.Errorf("%w: virtual machine %s has no network profile", cloud.ErrInvalidTarget, vmName)
	}

	var nicID string
	for _, ref := range vm.Properties.NetworkProfile.NetworkInterfaces {
		if ref == nil || ref.ID == nil {
			continue
		}
		primary := ref.Properties != nil && ref.Properties.Primary != nil && *ref.Properties.Primary
		if nicID == "" || primary {
			nicID = *ref.ID
		}
	}
	if nicID == "" {
		return "", "", fmt.Errorf("%w: virtual machine %s has no network interface", cloud.ErrInvalidTarget, vmName)
	}

	nicRef, err := arm.ParseResourceID(nicID)
	if err != nil {
		return "", "", fmt.Errorf("%w: parsing nic id: %v", cloud.ErrInvalidTarget, err)
	}
	nic, err := p.interfaces.Get(ctx, nicRef.ResourceGroupName, nicRef.Name, nil)
	if err != nil {
		return "", "", classify("get network interface", err)
	}
	if nic.Properties != nil {
		for _, ipc := range nic.Properties.IPConfigurations {
			if ipc == nil || ipc.Properties == nil || ipc.Properties.Subnet == nil || ipc.Properties.Subnet.ID == nil {
				continue
			}
			if rgName, vnetName, ok := vnetFromSubnetID(*ipc.Properties.Subnet.ID); ok {
				return rgName, vnetName, nil
			}
		}
	}
	return "", "", fmt.Errorf("%w: nic %s is not attached to a subnet", cloud.ErrInvalidTarget, nicRef.Name)
}

func (p *Provisioner) firstVNet(ctx context.Context, rg string) (string, error) {
	var names []string
	pager := p.vnets.NewListPager(rg, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return "", classify("list virtual networks", err)
		}
		for _, vnet := range page.Value {
			if vnet != nil && vnet.Name != nil {
				names = append(names, *vnet.Name)
			}
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w: resource group %s has no virtual network", cloud.ErrInvalidTarget, rg)
	}
	sort.Strings(names)
	if len(names) > 1 {
		p.logger.Warn("resource group has several virtual networks, using the first",
			zap.String("resource_group", rg),
			zap.Strings("vnets", names),
		)
	}
	return names[0], nil
}

// FindBastion returns the bastion whose IP configuration sits in the target network.
func (p *Provisioner) FindBastion(ctx context.Context, target cloud.Target) (*cloud.Bastion, error) {
	pager := p.bastions.NewListByResourceGroupPager(target.VNetResourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			err = classify("list bastion hosts", err)
			if isNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, host := range page.Value {
			if b := bastionInVNet(host, target.VNetName); b != nil {
				return b, nil
			}
		}
	}
	return nil, nil
}

// CreateBastion ensures the bastion subnet exists, then creates the public
// IP and the bastion host, waiting for each long-running operation.
func (p *Provisioner) CreateBastion(ctx context.Context, target cloud.Target, spec cloud.BastionSpec) (*cloud.Bastion, error) {
	subnetID, err := p.ensureSubnet(ctx, target, spec.SubnetPrefix)
	if err != nil {
		return nil, err
	}

	tags := make(map[string]*string, len(spec.Tags))
	for k, v := range spec.Tags {
		tags[k] = to.Ptr(v)
	}

	pipName := spec.Name + "-pip"
	pipPoller, err := p.publicIPs.BeginCreateOrUpdate(ctx, target.VNetResourceGroup, pipName, armnetwork.PublicIPAddress{
		Location: to.Ptr(target.Location),
		Tags:     tags,
		SKU: &armnetwork.PublicIPAddressSKU{
			Name: to.Ptr(armnetwork.PublicIPAddressSKUNameStandard),
		},
		Properties: &armnetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodStatic),
		},
	}, nil)
	if err != nil {
		return nil, classify("create public ip", err)
	}
	pip, err := pipPoller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, classify("create public ip", err)
	}

	hostPoller, err := p.bastions.BeginCreateOrUpdate(ctx, target.VNetResourceGroup, spec.Name, armnetwork.BastionHost{
		Location: to.Ptr(target.Location),
		Tags:     tags,
		SKU: &armnetwork.SKU{
			Name: to.Ptr(armnetwork.BastionHostSKUName(spec.SKU)),
		},
		Properties: &armnetwork.BastionHostPropertiesFormat{
			IPConfigurations: []*armnetwork.BastionHostIPConfiguration{{
				Name: to.Ptr("bastion-ipconfig"),
				Properties: &armnetwork.BastionHostIPConfigurationPropertiesFormat{
					Subnet:          &armnetwork.SubResource{ID: to.Ptr(subnetID)},
					PublicIPAddress: &armnetwork.SubResource{ID: pip.ID},
				},
			}},
		},
	}, nil)
	if err != nil {
		return nil, classify("create bastion host", err)
	}
	host, err := hostPoller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, classify("create bastion host", err)
	}

	p.logger.Info("bastion host created",
		zap.String("bastion", spec.Name),
		zap.String("vnet", target.VNetName),
		zap.String("resource_group", target.VNetResourceGroup),
	)
	b := toBastion(&host.BastionHost)
	if b == nil {
		b = &cloud.Bastion{Name: spec.Name, PublicIPName: pipName}
	}
	return b, nil
}

func (p *Provisioner) ensureSubnet(ctx context.Context, target cloud.Target, prefix string) (string, error) {
	existing, err := p.subnets.Get(ctx, target.VNetResourceGroup, target.VNetName, BastionSubnetName, nil)
	if err == nil && existing.ID != nil {
		return *existing.ID, nil
	}
	if err != nil {
		if err = classify("get bastion subnet", err); !isNotFound(err) {
			return "", err
		}
	}

	poller, err := p.subnets.BeginCreateOrUpdate(ctx, target.VNetResourceGroup, target.VNetName, BastionSubnetName, armnetwork.Subnet{
		Properties: &armnetwork.SubnetPropertiesFormat{
			AddressPrefix: to.Ptr(prefix),
		},
	}, nil)
	if err != nil {
		return "", classify("create bastion subnet", err)
	}
	created, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", classify("create bastion subnet", err)
	}
	if created.ID == nil {
		return "", fmt.Errorf("create bastion subnet: response has no id")
	}
	return *created.ID, nil
}

// DeleteBastion removes the bastion host and then its public IP. The
// AzureBastionSubnet is left in place.
func (p *Provisioner) DeleteBastion(ctx context.Context, target cloud.Target, bastion *cloud.Bastion) error {
	poller, err := p.bastions.BeginDelete(ctx, target.VNetResourceGroup, bastion.Name, nil)
	if err != nil {
		return classify("delete bastion host", err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return classify("delete bastion host", err)
	}

	if bastion.PublicIPName != "" {
		pipPoller, err := p.publicIPs.BeginDelete(ctx, target.VNetResourceGroup, bastion.PublicIPName, nil)
		if err == nil {
			_, err = pipPoller.PollUntilDone(ctx, nil)
		}
		if err = classify("delete public ip", err); err != nil && !isNotFound(err) {
			return err
		}
	}

	p.logger.Info("bastion host deleted",
		zap.String("bastion", bastion.Name),
		zap.String("vnet", target.VNetName),
	)
	return nil
}

// bastionInVNet converts host when one of its IP configurations references a
// subnet of vnetName.
func bastionInVNet(host *armnetwork.BastionHost, vnetName string) *cloud.Bastion {
	if host == nil || host.Properties == nil {
		return nil
	}
	for _, ipc := range host.Properties.IPConfigurations {
		if ipc == nil || ipc.Properties == nil || ipc.Properties.Subnet == nil || ipc.Properties.Subnet.ID == nil {
			continue
		}
		if _, name, ok := vnetFromSubnetID(*ipc.Properties.Subnet.ID); ok && strings.EqualFold(name, vnetName) {
			return toBastion(host)
		}
	}
	return nil
}

func toBastion(host *armnetwork.BastionHost) *cloud.Bastion {
	if host == nil || host.Name == nil {
		return nil
	}
	b := &cloud.Bastion{Name: *host.Name, Tags: make(map[string]string, len(host.Tags))}
	if host.ID != nil {
		b.ID = *host.ID
	}
	for k, v := range host.Tags {
		if v != nil {
			b.Tags[k] = *v
		}
	}
	if host.Properties == nil {
		return b
	}
	if host.Properties.ProvisioningState != nil {
		b.ProvisioningState = string(*host.Properties.ProvisioningState)
	}
	for _, ipc := range host.Properties.IPConfigurations {
		if ipc == nil || ipc.Properties == nil || ipc.Properties.PublicIPAddress == nil || ipc.Properties.PublicIPAddress.ID == nil {
			continue
		}
		b.PublicIPName = lastSegment(*ipc.Properties.PublicIPAddress.ID)
		break
	}
	return b
}

// vnetFromSubnetID extracts the resource group and network name from
// .../resourceGroups/<rg>/providers/Microsoft.Network/virtualNetworks/<vnet>/subnets/<subnet>.
func vnetFromSubnetID(id string) (string, string, bool) {
	ref, err := arm.ParseResourceID(id)
	if err != nil || ref.Parent == nil || !strings.EqualFold(ref.ResourceType.Type, "virtualNetworks/subnets") {
		return "", "", false
	}
	return ref.ResourceGroupName, ref.Parent.Name, true
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
