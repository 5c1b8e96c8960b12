// Package failover recreates protected workloads in their target region from
// a recovery point, and reverses replication afterwards.
package failover

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/FairForge/siterecovery/internal/drivers"
	"github.com/FairForge/siterecovery/internal/fabric"
	"github.com/FairForge/siterecovery/internal/metrics"
	"github.com/FairForge/siterecovery/internal/protection"
	"github.com/FairForge/siterecovery/internal/provider"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds coordinator configuration
type Config struct {
	VMSize string `yaml:"vm_size" env:"VM_SIZE"`
	// Timeout bounds one failover attempt, rollback excluded.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		VMSize:  "Standard_D2s_v3",
		Timeout: 30 * time.Minute,
	}
}

// Coordinator performs failover and reprotect for protected items.
type Coordinator struct {
	tracker     *protection.Tracker
	provisioner provider.Provisioner
	staging     drivers.StagingStore
	metrics     *metrics.Metrics
	logger      *zap.Logger
	config      *Config
}

// Result describes a completed failover.
type Result struct {
	Item          protection.ProtectedItem `json:"item"`
	RecoveryPoint protection.RecoveryPoint `json:"recovery_point"`
	VMID          string                   `json:"vm_id"`
	DiskIDs       []string                 `json:"disk_ids"`
}

// ReprotectRequest re-establishes replication from the recovered workload.
type ReprotectRequest struct {
	// MappingID must pair a container in the failed-over region with one in
	// the region to protect into.
	MappingID string `json:"mapping_id"`
	// PolicyID defaults to the mapping's policy and must match it when set.
	PolicyID string                   `json:"policy_id,omitempty"`
	Disks    []protection.DiskMapping `json:"disks"`
}

// NewCoordinator creates a failover coordinator
func NewCoordinator(tracker *protection.Tracker, provisioner provider.Provisioner, staging drivers.StagingStore, m *metrics.Metrics, config *Config, logger *zap.Logger) (*Coordinator, error) {
	if tracker == nil {
		return nil, fmt.Errorf("tracker required")
	}
	if provisioner == nil {
		return nil, fmt.Errorf("provisioner required")
	}
	if staging == nil {
		return nil, fmt.Errorf("staging store required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		tracker:     tracker,
		provisioner: provisioner,
		staging:     staging,
		metrics:     m,
		logger:      logger.Named("failover"),
		config:      config,
	}, nil
}

// InitiateFailover activates an item in its target region from the given
// recovery point, or from the latest one when recoveryPointID is empty.
// A retry of an item left in Error by a failed failover defaults to the
// point of that attempt.
//
// The transition is all-or-nothing: if any disk or the VM cannot be created,
// every disk created so far is deleted and the item moves to Error.
func (c *Coordinator) InitiateFailover(ctx context.Context, itemID, recoveryPointID string) (*Result, error) {
	start := time.Now()

	lease, err := c.tracker.Acquire(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	item := lease.Item()
	switch item.State {
	case protection.StateReplicating, protection.StateReadyForFailover:
	case protection.StateError:
		if item.ErrorCause != protection.CauseFailover {
			return nil, drerrors.ErrInvalidState(itemID, string(item.State), string(protection.StateFailingOver))
		}
		if recoveryPointID == "" {
			recoveryPointID = item.FailoverPointID
		}
	default:
		return nil, drerrors.ErrInvalidState(itemID, string(item.State), string(protection.StateFailingOver))
	}

	rp, err := lease.Point(recoveryPointID)
	if err != nil {
		c.metrics.ObserveFailover("rejected", time.Since(start))
		return nil, err
	}

	resolved, err := c.tracker.Registry().Resolve(c.tracker.Vault(), item.MappingID)
	if err != nil {
		return nil, fmt.Errorf("resolve mapping of %s: %w", itemID, err)
	}

	from := item.State
	if _, err := lease.Transition(ctx, protection.StateFailingOver, func(it *protection.ProtectedItem) {
		it.FailoverPointID = rp.ID
		it.ErrorCause = protection.CauseNone
		it.ErrorMessage = ""
	}); err != nil {
		return nil, err
	}
	lease.CancelSync()

	logger := c.logger.With(
		zap.String("item_id", itemID),
		zap.String("recovery_point_id", rp.ID),
		zap.String("target_region", resolved.TargetFabric.Region))
	logger.Info("failover started", zap.String("from_state", string(from)))
	c.tracker.RecordEvent(protection.EventFailoverStarted, itemID,
		fmt.Sprintf("failing over to %s from point %d", resolved.TargetFabric.Region, rp.SequenceNumber),
		map[string]string{"recovery_point_id": rp.ID})

	vm, diskIDs, err := c.provision(ctx, item, rp, lease.Chain(*rp), resolved)
	if err != nil {
		ferr := &drerrors.FailoverError{
			ItemID:          itemID,
			RecoveryPointID: rp.ID,
			From:            string(from),
			To:              string(protection.StateFailedOver),
			Err:             err,
		}
		// The lease still holds the item; the transition must not be
		// abandoned because the caller went away.
		if _, terr := lease.Transition(context.WithoutCancel(ctx), protection.StateError, func(it *protection.ProtectedItem) {
			it.ErrorCause = protection.CauseFailover
			it.ErrorMessage = err.Error()
		}); terr != nil {
			logger.Error("failed to record failover error", zap.Error(terr))
		}
		logger.Error("failover failed, target resources rolled back", zap.Error(err))
		c.tracker.RecordEvent(protection.EventFailoverFailed, itemID, err.Error(),
			map[string]string{"recovery_point_id": rp.ID})
		c.metrics.ObserveFailover("failed", time.Since(start))
		return nil, ferr
	}

	next, err := lease.Transition(context.WithoutCancel(ctx), protection.StateFailedOver, func(it *protection.ProtectedItem) {
		it.TargetVMID = vm.ID
	})
	if err != nil {
		return nil, err
	}

	took := time.Since(start)
	logger.Info("failover completed",
		zap.String("vm_id", vm.ID),
		zap.Int("disks", len(diskIDs)),
		zap.Duration("duration", took))
	c.tracker.RecordEvent(protection.EventFailoverCompleted, itemID, "recovered as "+vm.Name,
		map[string]string{"recovery_point_id": rp.ID, "vm_id": vm.ID})
	c.metrics.ObserveFailover("succeeded", took)

	return &Result{Item: next, RecoveryPoint: *rp, VMID: vm.ID, DiskIDs: diskIDs}, nil
}

// provision assembles each disk's image at rp, creates the target disks in
// parallel and then the VM. On any error the disks created so far and the
// staged images are deleted before returning.
func (c *Coordinator) provision(ctx context.Context, item protection.ProtectedItem, rp *protection.RecoveryPoint, chains map[string][]string, resolved *fabric.ResolvedMapping) (*provider.VM, []string, error) {
	if len(rp.Disks) == 0 {
		return nil, nil, fmt.Errorf("recovery point %s has no disks", rp.ID)
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	region := resolved.TargetFabric.Region
	resourceGroup := resolved.TargetFabric.ResourceGroup
	if resourceGroup == "" {
		resourceGroup = c.tracker.Vault().ResourceGroup
	}
	accountTypes := make(map[string]string, len(item.Disks))
	for _, d := range item.Disks {
		accountTypes[d.SourceDiskID] = d.TargetDiskAccountType
	}

	created := make([]*provider.Disk, len(rp.Disks))
	images := make([]protection.DiskSnapshot, len(rp.Disks))
	g, gctx := errgroup.WithContext(ctx)
	for i, snap := range rp.Disks {
		g.Go(func() error {
			ref, err := c.stageImage(gctx, snap, chains[snap.SourceDiskID], rp)
			if err != nil {
				return fmt.Errorf("assemble image of %s: %w", snap.SourceDiskID, err)
			}
			images[i] = protection.DiskSnapshot{StagingStorageID: snap.StagingStorageID, Ref: ref}
			disk, err := c.provisioner.CreateDisk(gctx, provider.DiskSpec{
				Name:             snap.SourceDiskID + "-asr",
				Region:           region,
				ResourceGroup:    resourceGroup,
				AccountType:      accountTypes[snap.SourceDiskID],
				SourceURI:        c.staging.Locate(snap.StagingStorageID, ref),
				StagingStorageID: snap.StagingStorageID,
				OSDisk:           i == 0,
			})
			if err != nil {
				return fmt.Errorf("create disk for %s: %w", snap.SourceDiskID, err)
			}
			created[i] = disk
			return nil
		})
	}
	err := g.Wait()

	diskIDs := make([]string, 0, len(created))
	for _, d := range created {
		if d != nil {
			diskIDs = append(diskIDs, d.ID)
		}
	}
	if err != nil {
		return nil, nil, errors.Join(err, c.rollback(diskIDs, images))
	}

	spec := provider.VMSpec{
		Name:          item.SourceWorkloadID + "-asr",
		Region:        region,
		ResourceGroup: resourceGroup,
		Size:          c.config.VMSize,
		OSDiskID:      diskIDs[0],
		DataDiskIDs:   diskIDs[1:],
	}
	if nm, ok := c.tracker.Registry().NetworkFor(c.tracker.Vault(), resolved.SourceFabric.ID, resolved.TargetFabric.ID); ok {
		spec.SubnetID = nm.TargetSubnetID
	}
	vm, err := c.provisioner.CreateVirtualMachine(ctx, spec)
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("create virtual machine: %w", err), c.rollback(diskIDs, images))
	}
	return vm, diskIDs, nil
}

// stageImage overlays a disk's chain of staged sets, base first, and writes
// the result as a disk image beside the point's delta.
func (c *Coordinator) stageImage(ctx context.Context, snap protection.DiskSnapshot, chain []string, rp *protection.RecoveryPoint) (string, error) {
	if len(chain) == 0 {
		chain = []string{snap.Base, snap.Ref}
	}
	layers := make([][]drivers.Block, 0, len(chain))
	for _, ref := range chain {
		if ref == "" {
			continue
		}
		blocks, err := c.staging.ReadBlocks(ctx, snap.StagingStorageID, ref)
		if err != nil {
			return "", err
		}
		layers = append(layers, blocks)
	}

	ref := fmt.Sprintf("%s/image-%d", path.Dir(snap.Ref), rp.SequenceNumber)
	img := drivers.NewImage(rp.Timestamp, layers...)
	if err := c.staging.WriteImage(ctx, snap.StagingStorageID, ref, img); err != nil {
		return "", err
	}
	c.logger.Debug("disk image staged",
		zap.String("disk_id", snap.SourceDiskID),
		zap.String("ref", ref),
		zap.Int("layers", len(layers)),
		zap.Int64("disk_size", img.DiskSize()))
	return ref, nil
}

// rollback deletes created disks and staged images. It runs detached from
// the failover context so a timed out attempt still cleans up.
func (c *Coordinator) rollback(diskIDs []string, images []protection.DiskSnapshot) error {
	var errs []error
	for _, id := range diskIDs {
		if err := c.provisioner.DeleteDisk(context.Background(), id); err != nil {
			c.logger.Error("failed to delete disk during rollback", zap.String("disk_id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("rollback disk %s: %w", id, err))
		}
	}
	for _, img := range images {
		if img.Ref == "" {
			continue
		}
		if err := c.staging.DeleteImage(context.Background(), img.StagingStorageID, img.Ref); err != nil {
			c.logger.Warn("failed to delete staged image", zap.String("ref", img.Ref), zap.Error(err))
		}
	}
	return errors.Join(errs...)
}

// Reprotect starts replicating a failed-over item back through a new
// mapping. The recovered VM becomes the source workload.
func (c *Coordinator) Reprotect(ctx context.Context, itemID string, req ReprotectRequest) (*protection.ProtectedItem, error) {
	lease, err := c.tracker.Acquire(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	item := lease.Item()
	if item.State != protection.StateFailedOver {
		return nil, drerrors.ErrInvalidState(itemID, string(item.State), string(protection.StateInitializing))
	}

	vault := c.tracker.Vault()
	current, err := c.tracker.Registry().Resolve(vault, item.MappingID)
	if err != nil {
		return nil, fmt.Errorf("resolve current mapping: %w", err)
	}
	next, err := c.tracker.Registry().Resolve(vault, req.MappingID)
	if err != nil {
		return nil, err
	}
	if next.SourceFabric.Region != current.TargetFabric.Region {
		return nil, fmt.Errorf("%w: mapping %s replicates from %s, item runs in %s",
			drerrors.ErrInvalidInput, req.MappingID, next.SourceFabric.Region, current.TargetFabric.Region)
	}

	policyID := req.PolicyID
	if policyID == "" {
		policyID = next.Mapping.PolicyID
	}
	if policyID != next.Mapping.PolicyID {
		return nil, drerrors.ErrConflict("mapping", req.MappingID,
			"mapping is bound to policy "+next.Mapping.PolicyID)
	}

	out, err := lease.Rebind(ctx, protection.Binding{
		WorkloadID:   item.TargetVMID,
		SourceRegion: next.SourceFabric.Region,
		MappingID:    req.MappingID,
		PolicyID:     policyID,
		Disks:        req.Disks,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("item reprotected",
		zap.String("item_id", itemID),
		zap.String("source_region", next.SourceFabric.Region),
		zap.String("target_region", next.TargetFabric.Region))
	c.tracker.RecordEvent(protection.EventReprotected, itemID,
		fmt.Sprintf("replicating %s -> %s", next.SourceFabric.Region, next.TargetFabric.Region),
		map[string]string{"mapping_id": req.MappingID})
	return &out, nil
}
