package config

import (
	"context"
	"fmt"

	"github.com/FairForge/siterecovery/internal/fabric"
	"github.com/FairForge/siterecovery/internal/policy"
)

// Topology declares the vault and the replication topology registered at
// startup. Fabrics are referenced by region, containers by name and policies
// by name.
type Topology struct {
	Vault    fabric.Vault    `yaml:"vault"`
	Fabrics  []FabricDecl    `yaml:"fabrics"`
	Policies []policy.Params `yaml:"policies"`
	Mappings []MappingDecl   `yaml:"mappings"`
	Networks []NetworkDecl   `yaml:"networks"`
}

type FabricDecl struct {
	ID            string   `yaml:"id"`
	Region        string   `yaml:"region"`
	ResourceGroup string   `yaml:"resource_group"`
	Containers    []string `yaml:"containers"`
}

type MappingDecl struct {
	SourceRegion    string `yaml:"source_region"`
	SourceContainer string `yaml:"source_container"`
	TargetRegion    string `yaml:"target_region"`
	TargetContainer string `yaml:"target_container"`
	Policy          string `yaml:"policy"`
}

type NetworkDecl struct {
	SourceRegion    string `yaml:"source_region"`
	TargetRegion    string `yaml:"target_region"`
	SourceNetworkID string `yaml:"source_network_id"`
	TargetNetworkID string `yaml:"target_network_id"`
	TargetSubnetID  string `yaml:"target_subnet_id"`
}

// Applied is the registered topology with generated ids.
type Applied struct {
	Vault    fabric.Vault
	Fabrics  map[string]*fabric.Fabric
	Policies map[string]*policy.ReplicationPolicy
	Mappings []*fabric.ContainerMapping
	Networks []*fabric.NetworkMapping

	containers map[string]*fabric.ProtectionContainer
}

// Container returns the id of a declared container.
func (a *Applied) Container(region, name string) (string, bool) {
	c, ok := a.containers[region+"/"+name]
	if !ok {
		return "", false
	}
	return c.ID, true
}

// DefaultTopology is the reference deployment: an eastus workload protected
// into westus2 with the asr-pmk-policy cadence, plus the reverse mapping
// used by reprotect.
func DefaultTopology() Topology {
	return Topology{
		Vault: fabric.Vault{
			ID:            "pmk-recovery-vault",
			ResourceGroup: "pmk-recovery-rg",
		},
		Fabrics: []FabricDecl{
			{Region: "eastus", ResourceGroup: "pmk-source-rg", Containers: []string{"source-container"}},
			{Region: "westus2", ResourceGroup: "pmk-target-rg", Containers: []string{"target-container"}},
		},
		Policies: []policy.Params{{
			Name:                            "asr-pmk-policy",
			AppConsistentFrequencyMinutes:   240,
			CrashConsistentFrequencyMinutes: 5,
			RecoveryPointRetentionMinutes:   1440,
		}},
		Mappings: []MappingDecl{
			{SourceRegion: "eastus", SourceContainer: "source-container", TargetRegion: "westus2", TargetContainer: "target-container", Policy: "asr-pmk-policy"},
			{SourceRegion: "westus2", SourceContainer: "target-container", TargetRegion: "eastus", TargetContainer: "source-container", Policy: "asr-pmk-policy"},
		},
		Networks: []NetworkDecl{
			{SourceRegion: "eastus", TargetRegion: "westus2", SourceNetworkID: "source-vnet", TargetNetworkID: "target-vnet", TargetSubnetID: "target-vnet/subnets/target-subnet"},
			{SourceRegion: "westus2", TargetRegion: "eastus", SourceNetworkID: "target-vnet", TargetNetworkID: "source-vnet", TargetSubnetID: "source-vnet/subnets/source-subnet"},
		},
	}
}

// Validate checks that every reference in the topology resolves.
func (t Topology) Validate() error {
	if t.Vault.ID == "" {
		return fmt.Errorf("topology.vault.id is required")
	}

	containers := make(map[string]bool)
	regions := make(map[string]bool)
	for _, f := range t.Fabrics {
		if f.Region == "" {
			return fmt.Errorf("topology fabric without region")
		}
		if regions[f.Region] {
			return fmt.Errorf("topology declares region %s twice", f.Region)
		}
		regions[f.Region] = true
		for _, c := range f.Containers {
			containers[f.Region+"/"+c] = true
		}
	}

	policies := make(map[string]bool)
	for _, p := range t.Policies {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("topology policy %s: %w", p.Name, err)
		}
		policies[p.Name] = true
	}

	for _, m := range t.Mappings {
		if !containers[m.SourceRegion+"/"+m.SourceContainer] {
			return fmt.Errorf("topology mapping references unknown container %s/%s", m.SourceRegion, m.SourceContainer)
		}
		if !containers[m.TargetRegion+"/"+m.TargetContainer] {
			return fmt.Errorf("topology mapping references unknown container %s/%s", m.TargetRegion, m.TargetContainer)
		}
		if !policies[m.Policy] {
			return fmt.Errorf("topology mapping references unknown policy %s", m.Policy)
		}
	}
	for _, n := range t.Networks {
		if !regions[n.SourceRegion] || !regions[n.TargetRegion] {
			return fmt.Errorf("topology network %s -> %s references an undeclared region", n.SourceRegion, n.TargetRegion)
		}
	}
	return nil
}

// Apply registers the topology through the registry and policy store. It is
// idempotent: fabrics, containers and mappings that already exist are reused.
func (t Topology) Apply(ctx context.Context, reg *fabric.Registry, policies *policy.Store) (*Applied, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	out := &Applied{
		Vault:      t.Vault,
		Fabrics:    make(map[string]*fabric.Fabric),
		Policies:   make(map[string]*policy.ReplicationPolicy),
		containers: make(map[string]*fabric.ProtectionContainer),
	}

	for _, f := range t.Fabrics {
		fab, err := reg.RegisterFabric(ctx, t.Vault, fabric.FabricSpec{
			ID:            f.ID,
			Region:        f.Region,
			ResourceGroup: f.ResourceGroup,
		})
		if err != nil {
			return nil, fmt.Errorf("register fabric %s: %w", f.Region, err)
		}
		out.Fabrics[f.Region] = fab
		for _, name := range f.Containers {
			c, err := reg.CreateContainer(ctx, t.Vault, fab.ID, name)
			if err != nil {
				return nil, fmt.Errorf("create container %s/%s: %w", f.Region, name, err)
			}
			out.containers[f.Region+"/"+name] = c
		}
	}

	existing := make(map[string]*policy.ReplicationPolicy)
	for _, p := range policies.List() {
		existing[p.Name] = p
	}
	for _, params := range t.Policies {
		if p, ok := existing[params.Name]; ok {
			out.Policies[params.Name] = p
			continue
		}
		if params.ID == "" {
			params.ID = fabric.StableID(t.Vault.ID, "policy", params.Name)
		}
		p, err := policies.Define(params)
		if err != nil {
			return nil, fmt.Errorf("define policy %s: %w", params.Name, err)
		}
		out.Policies[params.Name] = p
	}

	for _, m := range t.Mappings {
		src := out.containers[m.SourceRegion+"/"+m.SourceContainer]
		dst := out.containers[m.TargetRegion+"/"+m.TargetContainer]
		cm, err := reg.CreateMapping(ctx, t.Vault, src.ID, dst.ID, out.Policies[m.Policy].ID)
		if err != nil {
			return nil, fmt.Errorf("map %s/%s -> %s/%s: %w",
				m.SourceRegion, m.SourceContainer, m.TargetRegion, m.TargetContainer, err)
		}
		out.Mappings = append(out.Mappings, cm)
	}

	for _, n := range t.Networks {
		nm, err := reg.MapNetwork(ctx, t.Vault, fabric.NetworkMapping{
			SourceFabricID:  out.Fabrics[n.SourceRegion].ID,
			TargetFabricID:  out.Fabrics[n.TargetRegion].ID,
			SourceNetworkID: n.SourceNetworkID,
			TargetNetworkID: n.TargetNetworkID,
			TargetSubnetID:  n.TargetSubnetID,
		})
		if err != nil {
			return nil, fmt.Errorf("map network %s -> %s: %w", n.SourceRegion, n.TargetRegion, err)
		}
		out.Networks = append(out.Networks, nm)
	}
	return out, nil
}
