package fabric

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testVault = Vault{ID: "pmk-rsv", SubscriptionID: "sub-1", ResourceGroup: "pmk-recovery-rg"}

func TestRegistry_RegisterFabric(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent by region", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		first, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "eastus"})
		require.NoError(t, err)
		second, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "eastus"})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, r.Fabrics(testVault), 1)
	})

	t.Run("same region in another vault is a different fabric", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		a, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "eastus"})
		require.NoError(t, err)
		b, err := r.RegisterFabric(ctx, Vault{ID: "other"}, FabricSpec{Region: "eastus"})
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("explicit id with mismatched region conflicts", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		_, err := r.RegisterFabric(ctx, testVault, FabricSpec{ID: "asr-eastus", Region: "eastus"})
		require.NoError(t, err)
		_, err = r.RegisterFabric(ctx, testVault, FabricSpec{ID: "asr-eastus", Region: "westus"})
		assert.True(t, drerrors.IsConflict(err), "got %v", err)
	})

	t.Run("second id for an occupied region conflicts", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		_, err := r.RegisterFabric(ctx, testVault, FabricSpec{ID: "a", Region: "eastus"})
		require.NoError(t, err)
		_, err = r.RegisterFabric(ctx, testVault, FabricSpec{ID: "b", Region: "eastus"})
		assert.True(t, drerrors.IsConflict(err), "got %v", err)
	})

	t.Run("region required", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		_, err := r.RegisterFabric(ctx, testVault, FabricSpec{})
		assert.True(t, errors.Is(err, drerrors.ErrInvalidInput))
	})

	t.Run("concurrent registrations converge on one fabric", func(t *testing.T) {
		r := NewRegistry(zap.NewNop())
		ids := make([]string, 16)
		var wg sync.WaitGroup
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				f, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "westus"})
				if err == nil {
					ids[i] = f.ID
				}
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})
}

func TestRegistry_CreateContainer(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(zap.NewNop())
	f, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "eastus"})
	require.NoError(t, err)

	c1, err := r.CreateContainer(ctx, testVault, f.ID, "primary")
	require.NoError(t, err)
	assert.Equal(t, f.ID, c1.FabricID)
	assert.NotEmpty(t, c1.ID)

	c2, err := r.CreateContainer(ctx, testVault, f.ID, "primary")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID, "create should be idempotent by name")

	_, err = r.CreateContainer(ctx, testVault, "missing", "primary")
	assert.True(t, drerrors.IsNotFound(err))

	got, err := r.Fabric(testVault, f.ID)
	require.NoError(t, err)
	require.Len(t, got.Containers, 1)
	assert.Equal(t, "primary", got.Containers[0].Name)
}

func setupPair(t *testing.T, r *Registry) (src, dst *ProtectionContainer) {
	t.Helper()
	ctx := context.Background()
	sf, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "eastus"})
	require.NoError(t, err)
	tf, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "westus"})
	require.NoError(t, err)
	src, err = r.CreateContainer(ctx, testVault, sf.ID, "primary")
	require.NoError(t, err)
	dst, err = r.CreateContainer(ctx, testVault, tf.ID, "recovery")
	require.NoError(t, err)
	return src, dst
}

func TestRegistry_CreateMapping(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(zap.NewNop())
	src, dst := setupPair(t, r)

	m, err := r.CreateMapping(ctx, testVault, src.ID, dst.ID, "policy-1")
	require.NoError(t, err)

	resolved, err := r.Resolve(testVault, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "eastus", resolved.SourceFabric.Region)
	assert.Equal(t, "westus", resolved.TargetFabric.Region)

	again, err := r.CreateMapping(ctx, testVault, src.ID, dst.ID, "policy-1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)

	t.Run("same fabric rejected", func(t *testing.T) {
		other, err := r.CreateContainer(ctx, testVault, src.FabricID, "secondary")
		require.NoError(t, err)
		_, err = r.CreateMapping(ctx, testVault, src.ID, other.ID, "policy-1")
		assert.True(t, drerrors.IsConflict(err))
	})

	t.Run("unknown container", func(t *testing.T) {
		_, err := r.CreateMapping(ctx, testVault, src.ID, "nope", "policy-1")
		assert.True(t, drerrors.IsNotFound(err))
	})
}

func TestRegistry_RemoveFabric(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(zap.NewNop())
	src, dst := setupPair(t, r)

	_, err := r.CreateMapping(ctx, testVault, src.ID, dst.ID, "policy-1")
	require.NoError(t, err)

	err = r.RemoveFabric(ctx, testVault, src.FabricID)
	assert.True(t, drerrors.IsConflict(err), "mapped containers block teardown")

	lone, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "northeurope"})
	require.NoError(t, err)
	c, err := r.CreateContainer(ctx, testVault, lone.ID, "spare")
	require.NoError(t, err)

	require.NoError(t, r.RemoveFabric(ctx, testVault, lone.ID))
	_, err = r.Container(testVault, c.ID)
	assert.True(t, drerrors.IsNotFound(err), "containers go with their fabric")

	again, err := r.RegisterFabric(ctx, testVault, FabricSpec{Region: "northeurope"})
	require.NoError(t, err)
	assert.Equal(t, lone.ID, again.ID, "ids derive from the region")
	_, err = r.Container(testVault, c.ID)
	assert.True(t, drerrors.IsNotFound(err))
}

func TestRegistry_StableIDs(t *testing.T) {
	ctx := context.Background()
	build := func() (*ContainerMapping, *NetworkMapping) {
		r := NewRegistry(zap.NewNop())
		src, dst := setupPair(t, r)
		m, err := r.CreateMapping(ctx, testVault, src.ID, dst.ID, "policy-1")
		require.NoError(t, err)
		nm, err := r.MapNetwork(ctx, testVault, NetworkMapping{
			SourceFabricID: src.FabricID,
			TargetFabricID: dst.FabricID,
			TargetSubnetID: "pmk-vnet-west/subnets/workloads",
		})
		require.NoError(t, err)
		return m, nm
	}

	m1, n1 := build()
	m2, n2 := build()
	assert.Equal(t, *m1, *m2, "a fresh registry reproduces the same ids")
	assert.Equal(t, n1.ID, n2.ID)

	assert.NotEqual(t, StableID("pmk-rsv", "fabric", "eastus"), StableID("other", "fabric", "eastus"))
	assert.NotEqual(t, StableID("pmk-rsv", "fabric", "eastus"), StableID("pmk-rsv", "container", "eastus"))
}

func TestRegistry_MapNetwork(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(zap.NewNop())
	src, dst := setupPair(t, r)

	nm, err := r.MapNetwork(ctx, testVault, NetworkMapping{
		SourceFabricID:  src.FabricID,
		TargetFabricID:  dst.FabricID,
		SourceNetworkID: "source-vnet",
		TargetNetworkID: "target-vnet",
		TargetSubnetID:  "target-subnet",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, nm.ID)

	got, ok := r.NetworkFor(testVault, src.FabricID, dst.FabricID)
	require.True(t, ok)
	assert.Equal(t, "target-subnet", got.TargetSubnetID)

	_, ok = r.NetworkFor(testVault, dst.FabricID, src.FabricID)
	assert.False(t, ok)
}
