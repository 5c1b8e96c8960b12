// Package replication drives continuous block synchronization for protected
// items and commits recovery points on each item's policy cadence.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/FairForge/siterecovery/internal/drivers"
	"github.com/FairForge/siterecovery/internal/metrics"
	"github.com/FairForge/siterecovery/internal/protection"
	"github.com/FairForge/siterecovery/internal/provider"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Config holds engine configuration
type Config struct {
	// TickInterval is how often each item's worker runs a cycle. Points are
	// only committed when the policy cadence is due.
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	// SupervisorInterval is how often workers are reconciled with the tracker.
	SupervisorInterval time.Duration `yaml:"supervisor_interval" env:"SUPERVISOR_INTERVAL"`
	// BandwidthBytesPerSecond limits staging writes per item. Zero is unlimited.
	BandwidthBytesPerSecond int           `yaml:"bandwidth_bytes_per_second" env:"BANDWIDTH_BYTES_PER_SECOND"`
	QuiesceTimeout          time.Duration `yaml:"quiesce_timeout" env:"QUIESCE_TIMEOUT"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		TickInterval:       time.Minute,
		SupervisorInterval: 30 * time.Second,
		QuiesceTimeout:     2 * time.Minute,
	}
}

// Action describes what a cycle did.
type Action string

const (
	ActionNone        Action = "none"
	ActionInitialSync Action = "initial-sync"
	ActionNotDue      Action = "not-due"
	ActionCommitted   Action = "committed"
	ActionStale       Action = "stale"
)

// CycleResult reports the outcome of one cycle.
type CycleResult struct {
	ItemID      string
	Action      Action
	State       protection.State
	Point       *protection.RecoveryPoint
	Degraded    bool
	Pruned      int
	DisksSynced int
}

// Options wires an engine to its collaborators.
type Options struct {
	Tracker  *protection.Tracker
	Source   provider.BlockSource
	Staging  drivers.StagingStore
	Quiescer provider.Quiescer
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Logger   *zap.Logger
	Config   *Config
}

// Engine is the replication engine.
type Engine struct {
	tracker  *protection.Tracker
	source   provider.BlockSource
	staging  drivers.StagingStore
	quiescer provider.Quiescer
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *zap.Logger
	config   *Config

	mu       sync.Mutex
	throttle map[string]*drivers.ThrottledStaging
	workers  map[string]*worker
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a replication engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("tracker required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("block source required")
	}
	if opts.Staging == nil {
		return nil, fmt.Errorf("staging store required")
	}
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = opts.Tracker.Clock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Engine{
		tracker:  opts.Tracker,
		source:   opts.Source,
		staging:  opts.Staging,
		quiescer: opts.Quiescer,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("replication"),
		config:   opts.Config,
		throttle: make(map[string]*drivers.ThrottledStaging),
		workers:  make(map[string]*worker),
	}, nil
}

// RunCycle performs one replication cycle for an item. Items outside the
// syncable states are a no-op. A drerrors.BusyError means another operation
// holds the item and the cycle should be retried on the next tick.
func (e *Engine) RunCycle(ctx context.Context, itemID string) (CycleResult, error) {
	res, err := e.runCycle(ctx, itemID)
	switch {
	case err == nil:
		e.metrics.ObserveCycle(string(res.Action))
	case drerrors.IsBusy(err):
		e.metrics.ObserveCycle("busy")
	case errors.Is(err, protection.ErrSyncCancelled):
		e.metrics.ObserveCycle("cancelled")
	default:
		e.metrics.ObserveCycle("failed")
	}
	return res, err
}

func (e *Engine) runCycle(ctx context.Context, itemID string) (CycleResult, error) {
	res := CycleResult{ItemID: itemID, Action: ActionNone}

	item, err := e.tracker.Get(itemID)
	if err != nil {
		return res, err
	}
	res.State = item.State
	if !item.State.Syncable() {
		return res, nil
	}

	pol, err := e.tracker.Policies().Get(item.PolicyID)
	if err != nil {
		return res, fmt.Errorf("policy of %s: %w", itemID, err)
	}
	now := e.clock.Now().UTC()

	if item.State != protection.StateInitializing && !item.LastSyncAt.IsZero() {
		if behind := now.Sub(item.LastSyncAt); behind > 2*pol.CrashInterval() {
			reason := fmt.Sprintf("last successful sync %s ago exceeds twice the %s crash-consistent interval",
				behind.Round(time.Second), pol.CrashInterval())
			if err := e.tracker.MarkStale(ctx, itemID, reason); err != nil {
				return res, err
			}
			e.metrics.ForgetItem(itemID)
			res.Action = ActionStale
			res.State = protection.StateError
			return res, nil
		}
	}

	cycle, err := e.tracker.BeginSync(ctx, itemID)
	if errors.Is(err, protection.ErrNotSyncable) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer e.tracker.AbortSync(cycle)

	if cycle.Item.State == protection.StateInitializing {
		return e.initialSync(cycle, res)
	}
	return e.incrementalSync(cycle, pol.CrashInterval(), pol.AppInterval(), pol.Retention(), res)
}

// initialSync copies the full image of every disk not yet synced.
func (e *Engine) initialSync(c *protection.SyncCycle, res CycleResult) (CycleResult, error) {
	item := c.Item
	res.Action = ActionInitialSync
	staging := e.stagingFor(item.ID)

	for _, d := range item.Disks {
		if item.DiskSynced(d.SourceDiskID) {
			continue
		}
		blocks, err := e.source.FullImage(c.Ctx, item.SourceWorkloadID, d.SourceDiskID)
		if err != nil {
			return res, fmt.Errorf("read full image of %s: %w", d.SourceDiskID, err)
		}
		ref := baseRef(item, d.SourceDiskID)
		n, err := staging.WriteBlocks(c.Ctx, d.StagingStorageID, ref, blocks)
		if err != nil {
			return res, fmt.Errorf("stage full image of %s: %w", d.SourceDiskID, err)
		}
		e.metrics.ObserveStaged(n)

		next, err := e.tracker.MarkDiskSynced(c, d.SourceDiskID)
		if err != nil {
			return res, err
		}
		res.DisksSynced++
		res.State = next.State
	}

	e.logger.Info("initial sync progressed",
		zap.String("item_id", item.ID),
		zap.Int("disks_synced", res.DisksSynced),
		zap.String("state", string(res.State)))
	return res, nil
}

// incrementalSync stages changed blocks and commits a point when the crash
// cadence is due.
func (e *Engine) incrementalSync(c *protection.SyncCycle, crash, app, retention time.Duration, res CycleResult) (CycleResult, error) {
	item := c.Item
	now := e.clock.Now().UTC()

	dropped, err := e.tracker.Prune(c, retention, e.fold)
	if err != nil {
		e.logger.Warn("prune skipped", zap.String("item_id", item.ID), zap.Error(err))
	}
	res.Pruned = len(dropped)
	e.metrics.ObservePruned(len(dropped))

	if now.Sub(item.LastSyncAt) < crash {
		res.Action = ActionNotDue
		return res, nil
	}

	consistency := protection.CrashConsistent
	appBase := item.LastAppPointAt
	if appBase.IsZero() {
		appBase = item.ReplicatingSince
	}
	if appBase.IsZero() {
		appBase = item.CreatedAt
	}
	if now.Sub(appBase) >= app {
		if err := e.quiesce(c.Ctx, item.SourceWorkloadID); err != nil {
			res.Degraded = true
			e.metrics.ObserveDegraded()
			e.logger.Warn("SyncDegraded: quiesce failed, recording crash-consistent point",
				zap.String("item_id", item.ID),
				zap.String("workload_id", item.SourceWorkloadID),
				zap.Error(err))
			e.tracker.RecordEvent(protection.EventSyncDegraded, item.ID,
				"quiesce failed, app-consistent point missed", map[string]string{"error": err.Error()})
		} else {
			consistency = protection.AppConsistent
		}
	}

	staging := e.stagingFor(item.ID)
	stamp := now.UnixNano()
	snapshots := make([]protection.DiskSnapshot, 0, len(item.Disks))
	written := make([]protection.DiskSnapshot, 0, len(item.Disks))
	var stagedBytes int64

	for _, d := range item.Disks {
		blocks, err := e.source.ChangedBlocks(c.Ctx, item.SourceWorkloadID, d.SourceDiskID, item.LastSyncAt)
		if err != nil {
			e.discard(written)
			return res, fmt.Errorf("read changed blocks of %s: %w", d.SourceDiskID, err)
		}
		ref := deltaRef(item, d.SourceDiskID, stamp)
		n, err := staging.WriteBlocks(c.Ctx, d.StagingStorageID, ref, blocks)
		if err != nil {
			e.discard(written)
			return res, fmt.Errorf("stage changed blocks of %s: %w", d.SourceDiskID, err)
		}
		snap := protection.DiskSnapshot{
			SourceDiskID:     d.SourceDiskID,
			StagingStorageID: d.StagingStorageID,
			Base:             baseRef(item, d.SourceDiskID),
			Ref:              ref,
			Bytes:            n,
		}
		written = append(written, snap)
		snapshots = append(snapshots, snap)
		stagedBytes += n
	}

	rp, err := e.tracker.CommitSync(c, protection.PointDraft{Consistency: consistency, Disks: snapshots})
	if err != nil {
		e.discard(written)
		return res, err
	}
	res.Action = ActionCommitted
	res.Point = rp
	e.metrics.ObservePoint(string(rp.Consistency))
	e.metrics.ObserveStaged(stagedBytes)

	if cur, err := e.tracker.Get(item.ID); err == nil {
		res.State = cur.State
	}

	e.logger.Debug("recovery point committed",
		zap.String("item_id", item.ID),
		zap.String("recovery_point_id", rp.ID),
		zap.Uint64("sequence", rp.SequenceNumber),
		zap.String("consistency", string(rp.Consistency)),
		zap.Int("pruned", res.Pruned))
	return res, nil
}

func (e *Engine) quiesce(ctx context.Context, workloadID string) error {
	if e.quiescer == nil {
		return fmt.Errorf("no quiescer configured")
	}
	if e.config.QuiesceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.QuiesceTimeout)
		defer cancel()
	}
	return e.quiescer.Quiesce(ctx, workloadID)
}

// fold merges the deltas of pruned points into their disk bases, oldest
// first, and then deletes the merged deltas. Once started it runs to
// completion so a base is never left half merged.
func (e *Engine) fold(ctx context.Context, dropped []protection.RecoveryPoint) error {
	ctx = context.WithoutCancel(ctx)

	type base struct{ stagingID, ref string }
	var order []base
	layers := make(map[base][][]drivers.Block)
	var merged []protection.DiskSnapshot
	for _, p := range dropped {
		for _, d := range p.Disks {
			merged = append(merged, d)
			if d.Base == "" {
				continue
			}
			blocks, err := e.staging.ReadBlocks(ctx, d.StagingStorageID, d.Ref)
			if errors.Is(err, drivers.ErrRefNotFound) {
				// Merged by an earlier fold that did not finish deleting.
				continue
			}
			if err != nil {
				return fmt.Errorf("read delta %s: %w", d.Ref, err)
			}
			k := base{d.StagingStorageID, d.Base}
			if _, ok := layers[k]; !ok {
				order = append(order, k)
			}
			layers[k] = append(layers[k], blocks)
		}
	}

	for _, k := range order {
		current, err := e.staging.ReadBlocks(ctx, k.stagingID, k.ref)
		if err != nil {
			return fmt.Errorf("read base %s: %w", k.ref, err)
		}
		next := drivers.Overlay(append([][]drivers.Block{current}, layers[k]...)...)
		if _, err := e.staging.WriteBlocks(ctx, k.stagingID, k.ref, next); err != nil {
			return fmt.Errorf("write base %s: %w", k.ref, err)
		}
		e.logger.Debug("deltas merged into base",
			zap.String("staging_id", k.stagingID),
			zap.String("base", k.ref),
			zap.Int("deltas", len(layers[k])))
	}

	e.discard(merged)
	return nil
}

// discard removes staged sets that no committed point references.
func (e *Engine) discard(snaps []protection.DiskSnapshot) {
	for _, s := range snaps {
		if err := e.staging.DeleteRef(context.Background(), s.StagingStorageID, s.Ref); err != nil {
			e.logger.Warn("failed to delete staged set",
				zap.String("staging_id", s.StagingStorageID),
				zap.String("ref", s.Ref),
				zap.Error(err))
		}
	}
}

func (e *Engine) stagingFor(itemID string) drivers.StagingStore {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.throttle[itemID]
	if !ok {
		t = drivers.NewThrottledStaging(e.staging, e.config.BandwidthBytesPerSecond, e.logger)
		e.throttle[itemID] = t
	}
	return t
}

func baseRef(item protection.ProtectedItem, diskID string) string {
	return fmt.Sprintf("%s/g%d/%s/base", item.ID, item.Generation, diskID)
}

func deltaRef(item protection.ProtectedItem, diskID string, stamp int64) string {
	return fmt.Sprintf("%s/g%d/%s/%d", item.ID, item.Generation, diskID, stamp)
}
