package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FairForge/siterecovery/internal/fabric"
	"github.com/FairForge/siterecovery/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, StagingLocal, cfg.Staging.Type)
	assert.Equal(t, ProviderSimulated, cfg.Provider.Type)
	assert.Equal(t, DatabaseMemory, cfg.Database.Type)

	require.Len(t, cfg.Topology.Policies, 1)
	p := cfg.Topology.Policies[0]
	assert.Equal(t, "asr-pmk-policy", p.Name)
	assert.Equal(t, 240, p.AppConsistentFrequencyMinutes)
	assert.Equal(t, 5, p.CrashConsistentFrequencyMinutes)
	assert.Equal(t, 1440, p.RecoveryPointRetentionMinutes)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "siterecovery.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: ":9443"
engine:
  tick_interval: 30s
  supervisor_interval: 10s
  bandwidth_bytes_per_second: 1048576
staging:
  type: s3
  s3:
    endpoint: http://minio:9000
    bucket: dr-staging
log:
  level: debug
  format: text
topology:
  vault:
    id: prod-vault
    subscription_id: sub-prod
  fabrics:
    - region: northeurope
      containers: [ne-primary]
    - region: westeurope
      containers: [we-recovery]
  policies:
    - name: tier1
      app_consistent_frequency_minutes: 60
      crash_consistent_frequency_minutes: 5
      recovery_point_retention_minutes: 720
  mappings:
    - source_region: northeurope
      source_container: ne-primary
      target_region: westeurope
      target_container: we-recovery
      policy: tier1
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9443", cfg.Server.Address)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "unset fields keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 1048576, cfg.Engine.BandwidthBytesPerSecond)
	assert.Equal(t, 2*time.Minute, cfg.Engine.QuiesceTimeout)
	assert.Equal(t, StagingS3, cfg.Staging.Type)
	assert.Equal(t, "dr-staging", cfg.Staging.S3.Bucket)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Equal(t, "prod-vault", cfg.Topology.Vault.ID)
	require.Len(t, cfg.Topology.Fabrics, 2)
	require.Len(t, cfg.Topology.Policies, 1)
	assert.Equal(t, "tier1", cfg.Topology.Policies[0].Name)
	assert.Empty(t, cfg.Topology.Networks, "file topology replaces the default")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SITERECOVERY_SERVER_ADDRESS", ":7000")
	t.Setenv("SITERECOVERY_ENGINE_TICK_INTERVAL", "45s")
	t.Setenv("SITERECOVERY_DATABASE_TYPE", "postgres")
	t.Setenv("SITERECOVERY_DATABASE_POSTGRES_HOST", "db.internal")
	t.Setenv("SITERECOVERY_DATABASE_POSTGRES_PORT", "6432")
	t.Setenv("SITERECOVERY_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, 45*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, DatabasePostgres, cfg.Database.Type)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 6432, cfg.Database.Postgres.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Len(t, cfg.Topology.Fabrics, 2, "topology is not touched by the environment")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no address", func(c *Config) { c.Server.Address = "" }, "server.address"},
		{"zero tick", func(c *Config) { c.Engine.TickInterval = 0 }, "intervals"},
		{"tick at crash interval", func(c *Config) { c.Engine.TickInterval = 5 * time.Minute }, "tick_interval"},
		{"tick past crash interval", func(c *Config) { c.Engine.TickInterval = 12 * time.Minute }, "asr-pmk-policy"},
		{"negative bandwidth", func(c *Config) { c.Engine.BandwidthBytesPerSecond = -1 }, "bandwidth"},
		{"unknown staging", func(c *Config) { c.Staging.Type = "nfs" }, "staging type"},
		{"s3 without bucket", func(c *Config) { c.Staging.Type = StagingS3 }, "bucket"},
		{"azure without subscription", func(c *Config) { c.Provider.Type = ProviderAzure }, "subscription_id"},
		{"unknown provider", func(c *Config) { c.Provider.Type = "gcp" }, "provider type"},
		{"unknown database", func(c *Config) { c.Database.Type = "sqlite" }, "database type"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "level"},
		{"no vault", func(c *Config) { c.Topology.Vault.ID = "" }, "vault.id"},
		{"invalid policy", func(c *Config) {
			c.Topology.Policies[0].AppConsistentFrequencyMinutes = 2
		}, "asr-pmk-policy"},
		{"unknown container", func(c *Config) {
			c.Topology.Mappings[0].SourceContainer = "nope"
		}, "unknown container"},
		{"unknown policy", func(c *Config) { c.Topology.Mappings[0].Policy = "gold" }, "unknown policy"},
		{"duplicate region", func(c *Config) {
			c.Topology.Fabrics[1].Region = c.Topology.Fabrics[0].Region
		}, "twice"},
		{"network region", func(c *Config) { c.Topology.Networks[0].TargetRegion = "uksouth" }, "undeclared region"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestTopology_Apply(t *testing.T) {
	ctx := context.Background()
	reg := fabric.NewRegistry(zap.NewNop())
	policies := policy.NewStore(zap.NewNop())
	topo := DefaultTopology()

	applied, err := topo.Apply(ctx, reg, policies)
	require.NoError(t, err)

	require.Len(t, applied.Fabrics, 2)
	assert.Equal(t, "eastus", applied.Fabrics["eastus"].Region)
	require.Len(t, applied.Mappings, 2)
	require.Len(t, applied.Networks, 2)

	pol := applied.Policies["asr-pmk-policy"]
	require.NotNil(t, pol)
	assert.Equal(t, 240, pol.AppConsistentFrequencyMinutes)

	resolved, err := reg.Resolve(topo.Vault, applied.Mappings[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "eastus", resolved.SourceFabric.Region)
	assert.Equal(t, "westus2", resolved.TargetFabric.Region)
	assert.Equal(t, pol.ID, resolved.Mapping.PolicyID)

	nm, ok := reg.NetworkFor(topo.Vault, applied.Fabrics["eastus"].ID, applied.Fabrics["westus2"].ID)
	require.True(t, ok)
	assert.Equal(t, "target-vnet/subnets/target-subnet", nm.TargetSubnetID)

	srcID, ok := applied.Container("eastus", "source-container")
	require.True(t, ok)
	assert.Equal(t, resolved.SourceContainer.ID, srcID)

	// Applying again reuses everything.
	again, err := topo.Apply(ctx, reg, policies)
	require.NoError(t, err)
	assert.Equal(t, applied.Mappings[0].ID, again.Mappings[0].ID)
	assert.Equal(t, pol.ID, again.Policies["asr-pmk-policy"].ID)
	assert.Len(t, policies.List(), 1)

	t.Run("fresh process derives the same ids", func(t *testing.T) {
		next, err := topo.Apply(ctx, fabric.NewRegistry(zap.NewNop()), policy.NewStore(zap.NewNop()))
		require.NoError(t, err)
		assert.Equal(t, pol.ID, next.Policies["asr-pmk-policy"].ID)
		assert.Equal(t, applied.Fabrics["eastus"].ID, next.Fabrics["eastus"].ID)
		for i := range applied.Mappings {
			assert.Equal(t, applied.Mappings[i].ID, next.Mappings[i].ID)
		}
	})
}
