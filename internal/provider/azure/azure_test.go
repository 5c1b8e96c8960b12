package azure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/siterecovery/internal/provider"
)

type staticCredential struct{}

func (staticCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

var testConfig = Config{SubscriptionID: "sub-1", ResourceGroup: "pmk-recovery-rg", VMSize: "Standard_D4s_v3", OSType: "Linux"}

func TestNew(t *testing.T) {
	_, err := New(Config{}, staticCredential{}, nil, zap.NewNop())
	assert.Error(t, err)

	p, err := New(Config{SubscriptionID: "sub-1"}, staticCredential{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Standard_D2s_v3", p.cfg.VMSize)
	assert.Equal(t, "Linux", p.cfg.OSType)
	assert.Equal(t, "rg-override", p.resourceGroup("rg-override"))
}

func TestDiskParams(t *testing.T) {
	d := diskParams(testConfig, "pmk-recovery-rg", provider.DiskSpec{
		Name:             "vm-01-os",
		Region:           "westus",
		SourceURI:        "https://stagingwest.blob.core.windows.net/vhds/vm-01-os.vhd",
		StagingStorageID: "stagingwest",
		AccountType:      "Premium_LRS",
		OSDisk:           true,
	})

	assert.Equal(t, "westus", *d.Location)
	assert.Equal(t, armcompute.DiskStorageAccountTypesPremiumLRS, *d.SKU.Name)
	assert.Equal(t, armcompute.DiskCreateOptionImport, *d.Properties.CreationData.CreateOption)
	assert.Equal(t,
		"/subscriptions/sub-1/resourceGroups/pmk-recovery-rg/providers/Microsoft.Storage/storageAccounts/stagingwest",
		*d.Properties.CreationData.StorageAccountID)
	require.NotNil(t, d.Properties.OSType)
	assert.Equal(t, armcompute.OperatingSystemTypesLinux, *d.Properties.OSType)

	data := diskParams(testConfig, "rg", provider.DiskSpec{Name: "data", StagingStorageID: "/subscriptions/x/resourceGroups/y/providers/Microsoft.Storage/storageAccounts/z"})
	assert.Equal(t, armcompute.DiskStorageAccountTypesStandardLRS, *data.SKU.Name)
	assert.Nil(t, data.Properties.OSType)
	assert.Equal(t, "/subscriptions/x/resourceGroups/y/providers/Microsoft.Storage/storageAccounts/z",
		*data.Properties.CreationData.StorageAccountID)
}

func TestVMParams(t *testing.T) {
	spec := provider.VMSpec{
		Name:        "vm-01-recovered",
		Region:      "westus",
		OSDiskID:    "/disks/os",
		DataDiskIDs: []string{"/disks/data0", "/disks/data1"},
		SubnetID:    "/subnets/pmk-dst-subnet",
	}

	vm := vmParams(testConfig, spec, "/nics/vm-01-recovered-nic")
	props := vm.Properties
	assert.Equal(t, armcompute.VirtualMachineSizeTypes("Standard_D4s_v3"), *props.HardwareProfile.VMSize)
	assert.Equal(t, armcompute.DiskCreateOptionTypesAttach, *props.StorageProfile.OSDisk.CreateOption)
	assert.Equal(t, "/disks/os", *props.StorageProfile.OSDisk.ManagedDisk.ID)
	require.Len(t, props.StorageProfile.DataDisks, 2)
	assert.Equal(t, int32(1), *props.StorageProfile.DataDisks[1].Lun)
	assert.Equal(t, "/nics/vm-01-recovered-nic", *props.NetworkProfile.NetworkInterfaces[0].ID)

	nic := nicParams(spec)
	ipc := nic.Properties.IPConfigurations[0].Properties
	assert.Equal(t, "/subnets/pmk-dst-subnet", *ipc.Subnet.ID)
	assert.Equal(t, armnetwork.IPAllocationMethodDynamic, *ipc.PrivateIPAllocationMethod)
}

func TestCreateVirtualMachine_RemovesNICAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		requests []string
	)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/networkInterfaces/") && r.Method == http.MethodPut:
			_, _ = io.WriteString(w, `{"id":"`+r.URL.Path+`","name":"vm-01-asr-nic"}`)
		case strings.Contains(r.URL.Path, "/virtualMachines/"):
			// The caller gives up while the VM is being created.
			cancel()
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":"InvalidParameter","message":"bad size"}}`)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := New(testConfig, staticCredential{}, &arm.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Transport: srv.Client(),
			Retry:     policy.RetryOptions{MaxRetries: -1},
			Cloud: cloud.Configuration{
				ActiveDirectoryAuthorityHost: srv.URL,
				Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
					cloud.ResourceManager: {Audience: "https://management.core.windows.net/", Endpoint: srv.URL},
				},
			},
		},
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = p.CreateVirtualMachine(ctx, provider.VMSpec{
		Name:     "vm-01-asr",
		Region:   "westus",
		OSDiskID: "/disks/os",
		SubnetID: "/subnets/pmk-dst-subnet",
	})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, requests,
		"DELETE /subscriptions/sub-1/resourceGroups/pmk-recovery-rg/providers/Microsoft.Network/networkInterfaces/vm-01-asr-nic")
}
