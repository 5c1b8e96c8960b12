// Package protection tracks protected items: their replication state, disk
// mappings, container bindings and committed recovery points.
//
// Every item owns an operation lock. State transitions and recovery point
// commits for one item are serialized through it; items never share locks.
package protection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/FairForge/siterecovery/internal/fabric"
	"github.com/FairForge/siterecovery/internal/policy"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// TrackerConfig wires a tracker to the registries it validates against.
type TrackerConfig struct {
	Vault    fabric.Vault
	Registry *fabric.Registry
	Policies *policy.Store
	Store    Store
	Clock    clock.Clock
	Logger   *zap.Logger

	// MaxEvents bounds the in-memory event history.
	MaxEvents int
}

// EnrollRequest enrolls a workload for replication.
type EnrollRequest struct {
	WorkloadID   string        `json:"workload_id"`
	SourceRegion string        `json:"source_region"`
	MappingID    string        `json:"mapping_id"`
	PolicyID     string        `json:"policy_id"`
	Disks        []DiskMapping `json:"disks"`
}

type entry struct {
	// lock is the item's operation lock: a one-slot semaphore so that
	// waiters can give up when their context ends.
	lock chan struct{}

	// mu guards the fields below for readers that do not take lock.
	mu     sync.RWMutex
	item   ProtectedItem
	points []RecoveryPoint

	syncToken  uint64
	cancelSync context.CancelFunc
	// leased is set while a Lease holds lock.
	leased bool
}

func newEntry(item ProtectedItem) *entry {
	return &entry{
		lock: make(chan struct{}, 1),
		item: item,
	}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) tryAcquire() bool {
	select {
	case e.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) release() {
	<-e.lock
}

// acquireUnleased takes lock, waiting out the short holds of sync steps but
// not a lease, whose holder may keep the item for a whole failover.
func (e *entry) acquireUnleased(ctx context.Context, to State) error {
	for {
		if e.tryAcquire() {
			return nil
		}
		e.mu.RLock()
		leased, cur := e.leased, e.item
		e.mu.RUnlock()
		if leased {
			if cur.State == StateFailingOver {
				return drerrors.ErrInvalidState(cur.ID, string(cur.State), string(to))
			}
			return drerrors.BusyError{ItemID: cur.ID}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (e *entry) snapshot() ProtectedItem {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.item.clone()
}

// Tracker is the protected item tracker for one vault.
type Tracker struct {
	vault    fabric.Vault
	registry *fabric.Registry
	policies *policy.Store
	store    Store
	clock    clock.Clock
	logger   *zap.Logger

	mu    sync.RWMutex
	items map[string]*entry

	events    *eventLog
	syncSeq   uint64
	syncSeqMu sync.Mutex
}

// NewTracker creates a tracker. Registry and Policies are required.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("fabric registry required")
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("policy store required")
	}
	if cfg.Vault.ID == "" {
		return nil, fmt.Errorf("vault id required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1000
	}

	return &Tracker{
		vault:    cfg.Vault,
		registry: cfg.Registry,
		policies: cfg.Policies,
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("protection"),
		items:    make(map[string]*entry),
		events:   newEventLog(cfg.MaxEvents),
	}, nil
}

// Vault returns the vault the tracker serves.
func (t *Tracker) Vault() fabric.Vault {
	return t.vault
}

// Registry returns the fabric registry the tracker validates against.
func (t *Tracker) Registry() *fabric.Registry {
	return t.registry
}

// Policies returns the policy store.
func (t *Tracker) Policies() *policy.Store {
	return t.policies
}

// Clock returns the tracker's clock.
func (t *Tracker) Clock() clock.Clock {
	return t.clock
}

// Enroll creates a protected item in StateInitializing.
func (t *Tracker) Enroll(ctx context.Context, req EnrollRequest) (*ProtectedItem, error) {
	if req.WorkloadID == "" {
		return nil, fmt.Errorf("%w: workload id is required", drerrors.ErrInvalidInput)
	}
	if err := validateDisks(req.Disks); err != nil {
		return nil, err
	}

	resolved, err := t.registry.Resolve(t.vault, req.MappingID)
	if err != nil {
		return nil, err
	}
	if resolved.SourceFabric.Region != req.SourceRegion {
		return nil, drerrors.ErrConflict("mapping", req.MappingID, fmt.Sprintf(
			"source container is in region %s, workload is in %s",
			resolved.SourceFabric.Region, req.SourceRegion))
	}
	policyID := req.PolicyID
	if policyID == "" {
		policyID = resolved.Mapping.PolicyID
	}
	if _, err := t.policies.Get(policyID); err != nil {
		return nil, err
	}
	if resolved.Mapping.PolicyID != policyID {
		return nil, drerrors.ErrConflict("mapping", req.MappingID,
			"mapping is bound to policy "+resolved.Mapping.PolicyID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkWorkloadFree(req.WorkloadID, ""); err != nil {
		return nil, err
	}

	if err := t.policies.Acquire(policyID); err != nil {
		return nil, err
	}

	now := t.clock.Now().UTC()
	item := ProtectedItem{
		ID:               uuid.NewString(),
		VaultID:          t.vault.ID,
		SourceWorkloadID: req.WorkloadID,
		SourceRegion:     req.SourceRegion,
		PolicyID:         policyID,
		MappingID:        req.MappingID,
		Disks:            append([]DiskMapping(nil), req.Disks...),
		State:            StateInitializing,
		Generation:       1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := t.persistItem(ctx, item); err != nil {
		t.policies.Release(policyID)
		return nil, err
	}
	t.items[item.ID] = newEntry(item)

	t.logger.Info("workload enrolled",
		zap.String("item_id", item.ID),
		zap.String("workload_id", item.SourceWorkloadID),
		zap.String("mapping_id", item.MappingID),
		zap.String("policy_id", item.PolicyID),
		zap.Int("disks", len(item.Disks)))
	t.emit(EventEnrolled, item.ID, "workload "+item.SourceWorkloadID+" enrolled", nil)

	out := item.clone()
	return &out, nil
}

func validateDisks(disks []DiskMapping) error {
	if len(disks) == 0 {
		return fmt.Errorf("%w: at least one disk is required", drerrors.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(disks))
	for i, d := range disks {
		if d.SourceDiskID == "" {
			return fmt.Errorf("%w: disk %d has no source disk id", drerrors.ErrInvalidInput, i)
		}
		if d.StagingStorageID == "" {
			return fmt.Errorf("%w: disk %s has no staging storage id", drerrors.ErrInvalidInput, d.SourceDiskID)
		}
		if seen[d.SourceDiskID] {
			return fmt.Errorf("%w: disk %s listed twice", drerrors.ErrInvalidInput, d.SourceDiskID)
		}
		seen[d.SourceDiskID] = true
	}
	return nil
}

// checkWorkloadFree must be called with t.mu held.
func (t *Tracker) checkWorkloadFree(workloadID, exceptItem string) error {
	for id, e := range t.items {
		if id == exceptItem {
			continue
		}
		it := e.snapshot()
		if it.SourceWorkloadID == workloadID && it.State != StateDisabled {
			return drerrors.ErrConflict("workload", workloadID, "already protected by item "+it.ID)
		}
	}
	return nil
}

func (t *Tracker) entry(id string) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.items[id]
	if !ok {
		return nil, drerrors.ErrNotFound("protected item", id)
	}
	return e, nil
}

// Get returns a copy of a protected item.
func (t *Tracker) Get(id string) (*ProtectedItem, error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, err
	}
	it := e.snapshot()
	return &it, nil
}

// List returns copies of all items, including tombstones, ordered by creation.
func (t *Tracker) List() []ProtectedItem {
	t.mu.RLock()
	out := make([]ProtectedItem, 0, len(t.items))
	for _, e := range t.items {
		out = append(out, e.snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Points returns an item's committed recovery points, oldest first.
func (t *Tracker) Points(id string) ([]RecoveryPoint, error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]RecoveryPoint(nil), e.points...), nil
}

// LatestPoint returns the most recent committed recovery point.
func (t *Tracker) LatestPoint(id string) (*RecoveryPoint, error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.points) == 0 {
		return nil, drerrors.NoRecoveryPointError{ItemID: id}
	}
	rp := e.points[len(e.points)-1]
	return &rp, nil
}

// Disable tombstones an item. It is refused while a failover is in progress,
// and returns drerrors.BusyError while another lease holds the item.
func (t *Tracker) Disable(ctx context.Context, id string) error {
	e, err := t.entry(id)
	if err != nil {
		return err
	}

	if st := e.snapshot().State; st == StateFailingOver {
		return drerrors.ErrInvalidState(id, string(st), string(StateDisabled))
	}

	// An in-flight sync must not commit once disable has been requested.
	t.cancelSync(e)

	if err := e.acquireUnleased(ctx, StateDisabled); err != nil {
		return err
	}
	defer e.release()

	cur := e.snapshot()
	if cur.State == StateDisabled {
		return nil
	}
	if !CanTransition(cur.State, StateDisabled) {
		return drerrors.ErrInvalidState(id, string(cur.State), string(StateDisabled))
	}
	t.cancelSync(e)

	next := cur.clone()
	next.State = StateDisabled
	next.ErrorCause = CauseNone
	next.ErrorMessage = ""
	next.UpdatedAt = t.clock.Now().UTC()

	if err := t.persistItem(ctx, next); err != nil {
		return err
	}
	e.mu.Lock()
	e.item = next
	e.mu.Unlock()
	t.dropPoints(ctx, e, id)

	if cur.ErrorCause != CauseUnresolved {
		t.policies.Release(cur.PolicyID)
	}

	t.logger.Info("protection disabled",
		zap.String("item_id", id),
		zap.String("previous_state", string(cur.State)))
	t.emit(EventStateChanged, id, fmt.Sprintf("%s -> %s", cur.State, StateDisabled), nil)
	return nil
}

// Resume clears an Error state so replication can continue.
func (t *Tracker) Resume(ctx context.Context, id string) (*ProtectedItem, error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, err
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	defer e.release()

	cur := e.snapshot()
	if cur.State != StateError {
		return nil, drerrors.ErrInvalidState(id, string(cur.State), string(StateReplicating))
	}

	if cur.ErrorCause == CauseUnresolved {
		if err := t.checkReferences(cur); err != nil {
			return nil, err
		}
		if err := t.policies.Acquire(cur.PolicyID); err != nil {
			return nil, err
		}
	}

	to := StateReplicating
	if !cur.allDisksSynced() {
		to = StateInitializing
	}
	next, err := t.apply(ctx, e, to, func(it *ProtectedItem) {
		it.ErrorCause = CauseNone
		it.ErrorMessage = ""
		it.FailoverPointID = ""
		// The staleness window restarts from the resume.
		it.LastSyncAt = t.clock.Now().UTC()
	})
	if err != nil {
		if cur.ErrorCause == CauseUnresolved {
			t.policies.Release(cur.PolicyID)
		}
		return nil, err
	}
	t.logger.Info("protection resumed", zap.String("item_id", id), zap.String("state", string(to)))
	return &next, nil
}

// apply validates and performs a state transition. The caller holds e's lock.
func (t *Tracker) apply(ctx context.Context, e *entry, to State, mutate func(*ProtectedItem)) (ProtectedItem, error) {
	cur := e.snapshot()
	if cur.State != to && !CanTransition(cur.State, to) {
		return cur, drerrors.ErrInvalidState(cur.ID, string(cur.State), string(to))
	}

	next := cur.clone()
	next.State = to
	if mutate != nil {
		mutate(&next)
	}
	next.UpdatedAt = t.clock.Now().UTC()

	if err := t.persistItem(ctx, next); err != nil {
		return cur, err
	}

	e.mu.Lock()
	e.item = next
	e.mu.Unlock()

	if cur.State != to {
		t.logger.Info("protected item state changed",
			zap.String("item_id", cur.ID),
			zap.String("from", string(cur.State)),
			zap.String("to", string(to)))
		t.emit(EventStateChanged, cur.ID, fmt.Sprintf("%s -> %s", cur.State, to), map[string]string{
			"from": string(cur.State),
			"to":   string(to),
		})
	}
	return next.clone(), nil
}

func (t *Tracker) persistItem(ctx context.Context, item ProtectedItem) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveItem(ctx, item); err != nil {
		return fmt.Errorf("persist protected item %s: %w", item.ID, err)
	}
	return nil
}

// Restore reloads items and recovery points from the store. Items that were
// mid-failover when the process stopped are moved to Error so the failover
// can be retried. Items whose mapping or policy no longer resolves are moved
// to Error with CauseUnresolved.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	items, err := t.store.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("load protected items: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, item := range items {
		if item.VaultID != "" && item.VaultID != t.vault.ID {
			continue
		}
		points, err := t.store.LoadPoints(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("load recovery points of %s: %w", item.ID, err)
		}
		sort.Slice(points, func(i, j int) bool { return points[i].SequenceNumber < points[j].SequenceNumber })

		if item.State == StateFailingOver {
			item.State = StateError
			item.ErrorCause = CauseFailover
			item.ErrorMessage = "failover interrupted by restart"
		}
		if item.State != StateDisabled && item.ErrorCause != CauseUnresolved {
			if err := t.checkReferences(item); err != nil {
				item.State = StateError
				item.ErrorCause = CauseUnresolved
				item.ErrorMessage = err.Error()
				item.UpdatedAt = t.clock.Now().UTC()
				if err := t.persistItem(ctx, item); err != nil {
					return err
				}
				t.logger.Warn("restored item references are unresolved",
					zap.String("item_id", item.ID),
					zap.String("mapping_id", item.MappingID),
					zap.String("policy_id", item.PolicyID),
					zap.Error(err))
			} else if err := t.policies.Acquire(item.PolicyID); err != nil {
				return fmt.Errorf("acquire policy of %s: %w", item.ID, err)
			}
		}

		e := newEntry(item)
		e.points = points
		t.items[item.ID] = e
	}

	t.logger.Info("protected items restored", zap.Int("count", len(items)))
	return nil
}

// checkReferences verifies that an item's mapping and policy still resolve.
func (t *Tracker) checkReferences(item ProtectedItem) error {
	if _, err := t.registry.Resolve(t.vault, item.MappingID); err != nil {
		return err
	}
	_, err := t.policies.Get(item.PolicyID)
	return err
}

// ErrNotSyncable is returned by BeginSync for items the engine must skip.
var ErrNotSyncable = errors.New("protected item is not in a syncable state")

// ErrSyncCancelled is returned when a sync cycle was interrupted before commit.
var ErrSyncCancelled = errors.New("sync cycle cancelled")

func (t *Tracker) cancelSync(e *entry) {
	e.mu.Lock()
	cancel := e.cancelSync
	e.cancelSync = nil
	e.syncToken = 0
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Tracker) nextSyncToken() uint64 {
	t.syncSeqMu.Lock()
	defer t.syncSeqMu.Unlock()
	t.syncSeq++
	return t.syncSeq
}

// now is shorthand used by the sync protocol.
func (t *Tracker) now() time.Time {
	return t.clock.Now().UTC()
}
