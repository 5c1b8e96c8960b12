// Package fabric tracks replication fabrics (one per region per vault), their
// protection containers, and the mappings that pair containers across regions.
package fabric

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Vault is the explicit scope every registry operation runs in.
type Vault struct {
	ID             string `json:"id" yaml:"id"`
	SubscriptionID string `json:"subscription_id" yaml:"subscription_id"`
	ResourceGroup  string `json:"resource_group" yaml:"resource_group"`
}

// Fabric is a region-scoped replication domain.
type Fabric struct {
	ID            string                `json:"id"`
	VaultID       string                `json:"vault_id"`
	Region        string                `json:"region"`
	ResourceGroup string                `json:"resource_group,omitempty"`
	Containers    []ProtectionContainer `json:"containers"`
	CreatedAt     time.Time             `json:"created_at"`
}

// ProtectionContainer groups protected items inside a fabric.
type ProtectionContainer struct {
	ID       string `json:"id"`
	FabricID string `json:"fabric_id"`
	Name     string `json:"name"`
}

// ContainerMapping pairs a source container with a target container under a policy.
type ContainerMapping struct {
	ID                string `json:"id"`
	SourceContainerID string `json:"source_container_id"`
	TargetContainerID string `json:"target_container_id"`
	PolicyID          string `json:"policy_id"`
}

// NetworkMapping tells failover where to place recovered NICs.
type NetworkMapping struct {
	ID              string `json:"id"`
	SourceFabricID  string `json:"source_fabric_id"`
	TargetFabricID  string `json:"target_fabric_id"`
	SourceNetworkID string `json:"source_network_id"`
	TargetNetworkID string `json:"target_network_id"`
	TargetSubnetID  string `json:"target_subnet_id"`
}

// FabricSpec describes a fabric registration. ID is optional.
type FabricSpec struct {
	ID            string
	Region        string
	ResourceGroup string
}

// ResolvedMapping is a container mapping with both sides expanded.
type ResolvedMapping struct {
	Mapping         ContainerMapping
	SourceContainer ProtectionContainer
	TargetContainer ProtectionContainer
	SourceFabric    Fabric
	TargetFabric    Fabric
}

type fabricRecord struct {
	fabric     Fabric
	containers map[string]*ProtectionContainer
}

// vaultState holds one vault's topology. mu is the single-writer lock.
type vaultState struct {
	mu         sync.RWMutex
	fabrics    map[string]*fabricRecord
	byRegion   map[string]string
	containers map[string]*ProtectionContainer
	mappings   map[string]*ContainerMapping
	networks   map[string]*NetworkMapping
}

// Registry is the fabric registry for any number of vaults.
type Registry struct {
	mu     sync.Mutex
	vaults map[string]*vaultState
	logger *zap.Logger
	now    func() time.Time
}

// StableID derives a name-based id from an object's natural key, so the same
// topology registers under the same ids on every start.
func StableID(vaultID, kind string, key ...string) string {
	name := "siterecovery:" + vaultID + "/" + kind + "/" + strings.Join(key, "/")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		vaults: make(map[string]*vaultState),
		logger: logger.Named("fabric"),
		now:    time.Now,
	}
}

func (r *Registry) vault(v Vault) (*vaultState, error) {
	if v.ID == "" {
		return nil, drerrors.ErrNotFound("vault", "<empty>")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	vs, ok := r.vaults[v.ID]
	if !ok {
		vs = &vaultState{
			fabrics:    make(map[string]*fabricRecord),
			byRegion:   make(map[string]string),
			containers: make(map[string]*ProtectionContainer),
			mappings:   make(map[string]*ContainerMapping),
			networks:   make(map[string]*NetworkMapping),
		}
		r.vaults[v.ID] = vs
	}
	return vs, nil
}

// RegisterFabric registers the fabric for a region, or returns the existing one.
func (r *Registry) RegisterFabric(ctx context.Context, v Vault, spec FabricSpec) (*Fabric, error) {
	if spec.Region == "" {
		return nil, fmt.Errorf("%w: fabric region is required", drerrors.ErrInvalidInput)
	}
	vs, err := r.vault(v)
	if err != nil {
		return nil, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if spec.ID != "" {
		if rec, ok := vs.fabrics[spec.ID]; ok {
			if rec.fabric.Region != spec.Region {
				return nil, drerrors.ErrConflict("fabric", spec.ID,
					"already registered in region "+rec.fabric.Region)
			}
			return rec.snapshot(), nil
		}
	}

	if id, ok := vs.byRegion[spec.Region]; ok {
		if spec.ID != "" && spec.ID != id {
			return nil, drerrors.ErrConflict("fabric", spec.ID,
				"region "+spec.Region+" already has fabric "+id)
		}
		return vs.fabrics[id].snapshot(), nil
	}

	id := spec.ID
	if id == "" {
		id = StableID(v.ID, "fabric", spec.Region)
	}
	rec := &fabricRecord{
		fabric: Fabric{
			ID:            id,
			VaultID:       v.ID,
			Region:        spec.Region,
			ResourceGroup: spec.ResourceGroup,
			CreatedAt:     r.now().UTC(),
		},
		containers: make(map[string]*ProtectionContainer),
	}
	vs.fabrics[id] = rec
	vs.byRegion[spec.Region] = id

	r.logger.Info("fabric registered",
		zap.String("vault", v.ID),
		zap.String("fabric_id", id),
		zap.String("region", spec.Region))

	return rec.snapshot(), nil
}

// CreateContainer creates a protection container, idempotent by name within the fabric.
func (r *Registry) CreateContainer(ctx context.Context, v Vault, fabricID, name string) (*ProtectionContainer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: container name is required", drerrors.ErrInvalidInput)
	}
	vs, err := r.vault(v)
	if err != nil {
		return nil, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	rec, ok := vs.fabrics[fabricID]
	if !ok {
		return nil, drerrors.ErrNotFound("fabric", fabricID)
	}
	for _, c := range rec.containers {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}

	c := &ProtectionContainer{
		ID:       StableID(v.ID, "container", fabricID, name),
		FabricID: fabricID,
		Name:     name,
	}
	rec.containers[c.ID] = c
	vs.containers[c.ID] = c

	r.logger.Info("protection container created",
		zap.String("vault", v.ID),
		zap.String("fabric_id", fabricID),
		zap.String("container_id", c.ID),
		zap.String("name", name))

	cp := *c
	return &cp, nil
}

// CreateMapping pairs two containers in different fabrics.
func (r *Registry) CreateMapping(ctx context.Context, v Vault, sourceID, targetID, policyID string) (*ContainerMapping, error) {
	vs, err := r.vault(v)
	if err != nil {
		return nil, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	src, ok := vs.containers[sourceID]
	if !ok {
		return nil, drerrors.ErrNotFound("container", sourceID)
	}
	dst, ok := vs.containers[targetID]
	if !ok {
		return nil, drerrors.ErrNotFound("container", targetID)
	}
	if src.FabricID == dst.FabricID {
		return nil, drerrors.ErrConflict("mapping", sourceID+"->"+targetID,
			"source and target containers are in the same fabric")
	}

	for _, m := range vs.mappings {
		if m.SourceContainerID == sourceID && m.TargetContainerID == targetID && m.PolicyID == policyID {
			cp := *m
			return &cp, nil
		}
	}

	m := &ContainerMapping{
		ID:                StableID(v.ID, "mapping", sourceID, targetID, policyID),
		SourceContainerID: sourceID,
		TargetContainerID: targetID,
		PolicyID:          policyID,
	}
	vs.mappings[m.ID] = m

	r.logger.Info("container mapping created",
		zap.String("vault", v.ID),
		zap.String("mapping_id", m.ID),
		zap.String("source", sourceID),
		zap.String("target", targetID),
		zap.String("policy_id", policyID))

	cp := *m
	return &cp, nil
}

// MapNetwork records the target network for recovered workloads of a fabric pair.
func (r *Registry) MapNetwork(ctx context.Context, v Vault, nm NetworkMapping) (*NetworkMapping, error) {
	vs, err := r.vault(v)
	if err != nil {
		return nil, err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if _, ok := vs.fabrics[nm.SourceFabricID]; !ok {
		return nil, drerrors.ErrNotFound("fabric", nm.SourceFabricID)
	}
	if _, ok := vs.fabrics[nm.TargetFabricID]; !ok {
		return nil, drerrors.ErrNotFound("fabric", nm.TargetFabricID)
	}
	if nm.SourceFabricID == nm.TargetFabricID {
		return nil, drerrors.ErrConflict("network mapping", nm.SourceNetworkID, "source and target fabric are the same")
	}
	for _, existing := range vs.networks {
		if existing.SourceFabricID == nm.SourceFabricID && existing.TargetFabricID == nm.TargetFabricID {
			existing.SourceNetworkID = nm.SourceNetworkID
			existing.TargetNetworkID = nm.TargetNetworkID
			existing.TargetSubnetID = nm.TargetSubnetID
			cp := *existing
			return &cp, nil
		}
	}
	if nm.ID == "" {
		nm.ID = StableID(v.ID, "network", nm.SourceFabricID, nm.TargetFabricID)
	}
	stored := nm
	vs.networks[nm.ID] = &stored
	return &nm, nil
}

// NetworkFor returns the network mapping for a fabric pair, if any.
func (r *Registry) NetworkFor(v Vault, sourceFabricID, targetFabricID string) (*NetworkMapping, bool) {
	vs, err := r.vault(v)
	if err != nil {
		return nil, false
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	for _, nm := range vs.networks {
		if nm.SourceFabricID == sourceFabricID && nm.TargetFabricID == targetFabricID {
			cp := *nm
			return &cp, true
		}
	}
	return nil, false
}

// RemoveFabric tears down a fabric and its containers.
func (r *Registry) RemoveFabric(ctx context.Context, v Vault, fabricID string) error {
	vs, err := r.vault(v)
	if err != nil {
		return err
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	rec, ok := vs.fabrics[fabricID]
	if !ok {
		return drerrors.ErrNotFound("fabric", fabricID)
	}
	for _, m := range vs.mappings {
		if _, ok := rec.containers[m.SourceContainerID]; ok {
			return drerrors.ErrConflict("fabric", fabricID, "container "+m.SourceContainerID+" is mapped by "+m.ID)
		}
		if _, ok := rec.containers[m.TargetContainerID]; ok {
			return drerrors.ErrConflict("fabric", fabricID, "container "+m.TargetContainerID+" is mapped by "+m.ID)
		}
	}

	for id := range rec.containers {
		delete(vs.containers, id)
	}
	for id, nm := range vs.networks {
		if nm.SourceFabricID == fabricID || nm.TargetFabricID == fabricID {
			delete(vs.networks, id)
		}
	}
	delete(vs.byRegion, rec.fabric.Region)
	delete(vs.fabrics, fabricID)

	r.logger.Info("fabric removed",
		zap.String("vault", v.ID),
		zap.String("fabric_id", fabricID),
		zap.String("region", rec.fabric.Region))
	return nil
}

// Fabric returns a fabric by id.
func (r *Registry) Fabric(v Vault, fabricID string) (*Fabric, error) {
	vs, err := r.vault(v)
	if err != nil {
		return nil, err
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	rec, ok := vs.fabrics[fabricID]
	if !ok {
		return nil, drerrors.ErrNotFound("fabric", fabricID)
	}
	return rec.snapshot(), nil
}

// Fabrics lists a vault's fabrics ordered by region.
func (r *Registry) Fabrics(v Vault) []Fabric {
	vs, err := r.vault(v)
	if err != nil {
		return nil
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	out := make([]Fabric, 0, len(vs.fabrics))
	for _, rec := range vs.fabrics {
		out = append(out, *rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// Container returns a protection container by id.
func (r *Registry) Container(v Vault, containerID string) (*ProtectionContainer, error) {
	vs, err := r.vault(v)
	if err != nil {
		return nil, err
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	c, ok := vs.containers[containerID]
	if !ok {
		return nil, drerrors.ErrNotFound("container", containerID)
	}
	cp := *c
	return &cp, nil
}

// Mapping returns a container mapping by id.
func (r *Registry) Mapping(v Vault, mappingID string) (*ContainerMapping, error) {
	vs, err := r.vault(v)
	if err != nil {
		return nil, err
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	m, ok := vs.mappings[mappingID]
	if !ok {
		return nil, drerrors.ErrNotFound("mapping", mappingID)
	}
	cp := *m
	return &cp, nil
}

// Resolve expands a mapping into its containers and fabrics.
func (r *Registry) Resolve(v Vault, mappingID string) (*ResolvedMapping, error) {
	vs, err := r.vault(v)
	if err != nil {
		return nil, err
	}
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	m, ok := vs.mappings[mappingID]
	if !ok {
		return nil, drerrors.ErrNotFound("mapping", mappingID)
	}
	src, ok := vs.containers[m.SourceContainerID]
	if !ok {
		return nil, drerrors.ErrNotFound("container", m.SourceContainerID)
	}
	dst, ok := vs.containers[m.TargetContainerID]
	if !ok {
		return nil, drerrors.ErrNotFound("container", m.TargetContainerID)
	}

	return &ResolvedMapping{
		Mapping:         *m,
		SourceContainer: *src,
		TargetContainer: *dst,
		SourceFabric:    *vs.fabrics[src.FabricID].snapshot(),
		TargetFabric:    *vs.fabrics[dst.FabricID].snapshot(),
	}, nil
}

func (rec *fabricRecord) snapshot() *Fabric {
	f := rec.fabric
	f.Containers = make([]ProtectionContainer, 0, len(rec.containers))
	for _, c := range rec.containers {
		f.Containers = append(f.Containers, *c)
	}
	sort.Slice(f.Containers, func(i, j int) bool { return f.Containers[i].Name < f.Containers[j].Name })
	return &f
}
