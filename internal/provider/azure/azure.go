// Package azure provisions recovered disks and virtual machines with the
// Azure Resource Manager compute and network APIs.
package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"go.uber.org/zap"

	"github.com/FairForge/siterecovery/internal/provider"
)

// Config selects the subscription and defaults for recovered resources.
type Config struct {
	SubscriptionID string `yaml:"subscription_id" env:"SUBSCRIPTION_ID"`
	ResourceGroup  string `yaml:"resource_group" env:"RESOURCE_GROUP"`
	VMSize         string `yaml:"vm_size" env:"VM_SIZE"`
	OSType         string `yaml:"os_type" env:"OS_TYPE"`
}

// Provisioner implements provider.Provisioner against Azure.
type Provisioner struct {
	cfg    Config
	disks  *armcompute.DisksClient
	vms    *armcompute.VirtualMachinesClient
	nics   *armnetwork.InterfacesClient
	logger *zap.Logger
}

var _ provider.Provisioner = (*Provisioner)(nil)

// NewWithDefaultCredential creates a provisioner authenticated through the
// default Azure credential chain.
func NewWithDefaultCredential(cfg Config, logger *zap.Logger) (*Provisioner, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	return New(cfg, cred, nil, logger)
}

// New creates a provisioner with an explicit credential and client options.
func New(cfg Config, cred azcore.TokenCredential, opts *arm.ClientOptions, logger *zap.Logger) (*Provisioner, error) {
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription id required")
	}
	if cfg.VMSize == "" {
		cfg.VMSize = "Standard_D2s_v3"
	}
	if cfg.OSType == "" {
		cfg.OSType = string(armcompute.OperatingSystemTypesLinux)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	disks, err := armcompute.NewDisksClient(cfg.SubscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("disks client: %w", err)
	}
	vms, err := armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("virtual machines client: %w", err)
	}
	nics, err := armnetwork.NewInterfacesClient(cfg.SubscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("network interfaces client: %w", err)
	}

	return &Provisioner{
		cfg:    cfg,
		disks:  disks,
		vms:    vms,
		nics:   nics,
		logger: logger.Named("azure"),
	}, nil
}

func (p *Provisioner) resourceGroup(rg string) string {
	if rg != "" {
		return rg
	}
	return p.cfg.ResourceGroup
}

// CreateDisk imports a managed disk from a staged blob.
func (p *Provisioner) CreateDisk(ctx context.Context, spec provider.DiskSpec) (*provider.Disk, error) {
	rg := p.resourceGroup(spec.ResourceGroup)
	params := diskParams(p.cfg, rg, spec)

	poller, err := p.disks.BeginCreateOrUpdate(ctx, rg, spec.Name, params, nil)
	if err != nil {
		return nil, fmt.Errorf("create disk %s: %w", spec.Name, err)
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create disk %s: %w", spec.Name, err)
	}

	p.logger.Info("managed disk created",
		zap.String("disk", spec.Name),
		zap.String("resource_group", rg),
		zap.String("region", spec.Region))
	return &provider.Disk{ID: deref(resp.ID), Name: spec.Name}, nil
}

// DeleteDisk deletes a managed disk by resource id.
func (p *Provisioner) DeleteDisk(ctx context.Context, diskID string) error {
	rid, err := arm.ParseResourceID(diskID)
	if err != nil {
		return fmt.Errorf("parse disk id: %w", err)
	}
	poller, err := p.disks.BeginDelete(ctx, rid.ResourceGroupName, rid.Name, nil)
	if err != nil {
		return fmt.Errorf("delete disk %s: %w", rid.Name, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("delete disk %s: %w", rid.Name, err)
	}
	p.logger.Info("managed disk deleted", zap.String("disk", rid.Name))
	return nil
}

// CreateVirtualMachine creates a NIC on the target subnet and a VM that
// attaches the recovered disks.
func (p *Provisioner) CreateVirtualMachine(ctx context.Context, spec provider.VMSpec) (*provider.VM, error) {
	rg := p.resourceGroup(spec.ResourceGroup)
	nicName := spec.Name + "-nic"

	nicPoller, err := p.nics.BeginCreateOrUpdate(ctx, rg, nicName, nicParams(spec), nil)
	if err != nil {
		return nil, fmt.Errorf("create nic %s: %w", nicName, err)
	}
	nic, err := nicPoller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create nic %s: %w", nicName, err)
	}

	vmPoller, err := p.vms.BeginCreateOrUpdate(ctx, rg, spec.Name, vmParams(p.cfg, spec, deref(nic.ID)), nil)
	if err == nil {
		var vm armcompute.VirtualMachinesClientCreateOrUpdateResponse
		vm, err = vmPoller.PollUntilDone(ctx, nil)
		if err == nil {
			p.logger.Info("virtual machine created",
				zap.String("vm", spec.Name),
				zap.String("resource_group", rg),
				zap.Int("data_disks", len(spec.DataDiskIDs)))
			return &provider.VM{ID: deref(vm.ID), Name: spec.Name}, nil
		}
	}

	// The NIC is ours alone; remove it so a retry starts clean, even when the
	// caller's context is what failed the VM.
	cleanup := context.WithoutCancel(ctx)
	delPoller, delErr := p.nics.BeginDelete(cleanup, rg, nicName, nil)
	if delErr == nil {
		_, delErr = delPoller.PollUntilDone(cleanup, nil)
	}
	if delErr != nil {
		p.logger.Warn("failed to remove nic after vm failure", zap.String("nic", nicName), zap.Error(delErr))
	}
	return nil, fmt.Errorf("create vm %s: %w", spec.Name, err)
}

// storageAccountID expands a bare storage account name to its resource id.
func storageAccountID(cfg Config, rg, staging string) string {
	if strings.HasPrefix(staging, "/subscriptions/") {
		return staging
	}
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s",
		cfg.SubscriptionID, rg, staging)
}

func diskParams(cfg Config, rg string, spec provider.DiskSpec) armcompute.Disk {
	account := spec.AccountType
	if account == "" {
		account = string(armcompute.DiskStorageAccountTypesStandardLRS)
	}
	d := armcompute.Disk{
		Location: to.Ptr(spec.Region),
		SKU: &armcompute.DiskSKU{
			Name: to.Ptr(armcompute.DiskStorageAccountTypes(account)),
		},
		Properties: &armcompute.DiskProperties{
			CreationData: &armcompute.CreationData{
				CreateOption:     to.Ptr(armcompute.DiskCreateOptionImport),
				SourceURI:        to.Ptr(spec.SourceURI),
				StorageAccountID: to.Ptr(storageAccountID(cfg, rg, spec.StagingStorageID)),
			},
		},
	}
	if spec.OSDisk {
		d.Properties.OSType = to.Ptr(armcompute.OperatingSystemTypes(cfg.OSType))
	}
	return d
}

func nicParams(spec provider.VMSpec) armnetwork.Interface {
	return armnetwork.Interface{
		Location: to.Ptr(spec.Region),
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: to.Ptr("primary"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					Primary:                   to.Ptr(true),
					PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
					Subnet:                    &armnetwork.Subnet{ID: to.Ptr(spec.SubnetID)},
				},
			}},
		},
	}
}

func vmParams(cfg Config, spec provider.VMSpec, nicID string) armcompute.VirtualMachine {
	size := spec.Size
	if size == "" {
		size = cfg.VMSize
	}
	dataDisks := make([]*armcompute.DataDisk, 0, len(spec.DataDiskIDs))
	for i, id := range spec.DataDiskIDs {
		dataDisks = append(dataDisks, &armcompute.DataDisk{
			Lun:          to.Ptr(int32(i)),
			CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesAttach),
			ManagedDisk:  &armcompute.ManagedDiskParameters{ID: to.Ptr(id)},
		})
	}
	return armcompute.VirtualMachine{
		Location: to.Ptr(spec.Region),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(size)),
			},
			StorageProfile: &armcompute.StorageProfile{
				OSDisk: &armcompute.OSDisk{
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesAttach),
					OSType:       to.Ptr(armcompute.OperatingSystemTypes(cfg.OSType)),
					ManagedDisk:  &armcompute.ManagedDiskParameters{ID: to.Ptr(spec.OSDiskID)},
				},
				DataDisks: dataDisks,
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
					ID:         to.Ptr(nicID),
					Properties: &armcompute.NetworkInterfaceReferenceProperties{Primary: to.Ptr(true)},
				}},
			},
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
