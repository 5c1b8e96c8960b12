package protection

import (
	"context"
	"fmt"
	"time"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// SyncCycle is one replication pass over an item. Ctx is cancelled when the
// item is disabled or failed over while the cycle is running.
type SyncCycle struct {
	Ctx  context.Context
	Item ProtectedItem

	entry  *entry
	token  uint64
	cancel context.CancelFunc
}

// PointDraft is a recovery point before a sequence number is assigned.
type PointDraft struct {
	Consistency Consistency
	Disks       []DiskSnapshot
}

// BeginSync registers a sync cycle for an item. It never waits: if another
// operation holds the item lock it returns drerrors.BusyError.
func (t *Tracker) BeginSync(ctx context.Context, id string) (*SyncCycle, error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, err
	}
	if !e.tryAcquire() {
		return nil, drerrors.BusyError{ItemID: id}
	}
	defer e.release()

	item := e.snapshot()
	if !item.State.Syncable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotSyncable, id, item.State)
	}

	// A previous cycle that was never ended is superseded.
	t.cancelSync(e)

	cycleCtx, cancel := context.WithCancel(ctx)
	token := t.nextSyncToken()

	e.mu.Lock()
	e.syncToken = token
	e.cancelSync = cancel
	e.mu.Unlock()

	return &SyncCycle{
		Ctx:    cycleCtx,
		Item:   item,
		entry:  e,
		token:  token,
		cancel: cancel,
	}, nil
}

// AbortSync ends a cycle and releases its context. It is safe to call after commit.
func (t *Tracker) AbortSync(c *SyncCycle) {
	c.cancel()
	c.entry.mu.Lock()
	if c.entry.syncToken == c.token {
		c.entry.syncToken = 0
		c.entry.cancelSync = nil
	}
	c.entry.mu.Unlock()
}

// lockCycle takes the item lock on behalf of a cycle and verifies the cycle
// is still the current one.
func (t *Tracker) lockCycle(c *SyncCycle) error {
	if err := c.entry.acquire(c.Ctx); err != nil {
		return ErrSyncCancelled
	}
	c.entry.mu.RLock()
	current := c.entry.syncToken == c.token
	c.entry.mu.RUnlock()
	if !current || c.Ctx.Err() != nil {
		c.entry.release()
		return ErrSyncCancelled
	}
	return nil
}

// MarkDiskSynced records completion of a disk's initial full sync. When the
// last disk completes, the item moves to StateReplicating.
func (t *Tracker) MarkDiskSynced(c *SyncCycle, diskID string) (*ProtectedItem, error) {
	if err := t.lockCycle(c); err != nil {
		return nil, err
	}
	defer c.entry.release()

	cur := c.entry.snapshot()
	if cur.State != StateInitializing {
		return nil, drerrors.ErrInvalidState(cur.ID, string(cur.State), string(StateReplicating))
	}
	known := false
	for _, d := range cur.Disks {
		if d.SourceDiskID == diskID {
			known = true
			break
		}
	}
	if !known {
		return nil, drerrors.ErrNotFound("disk", diskID)
	}
	if cur.DiskSynced(diskID) {
		return &cur, nil
	}

	synced := append(append([]string(nil), cur.SyncedDisks...), diskID)
	candidate := cur
	candidate.SyncedDisks = synced
	to := StateInitializing
	if candidate.allDisksSynced() {
		to = StateReplicating
	}

	next, err := t.apply(c.Ctx, c.entry, to, func(it *ProtectedItem) {
		it.SyncedDisks = synced
		if to == StateReplicating {
			it.LastSyncAt = t.now()
			it.ReplicatingSince = it.LastSyncAt
		}
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debug("initial sync of disk complete",
		zap.String("item_id", cur.ID),
		zap.String("disk_id", diskID),
		zap.Int("synced", len(synced)),
		zap.Int("disks", len(cur.Disks)))
	return &next, nil
}

// CommitSync appends a recovery point for the cycle under the item lock and
// assigns its sequence number. Nothing is persisted if the cycle was cancelled.
func (t *Tracker) CommitSync(c *SyncCycle, draft PointDraft) (*RecoveryPoint, error) {
	if err := t.lockCycle(c); err != nil {
		return nil, err
	}
	defer c.entry.release()

	cur := c.entry.snapshot()
	if cur.State != StateReplicating && cur.State != StateReadyForFailover {
		return nil, drerrors.ErrInvalidState(cur.ID, string(cur.State), "commit")
	}

	now := t.now()
	rp := RecoveryPoint{
		ID:              ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ProtectedItemID: cur.ID,
		Timestamp:       now,
		Consistency:     draft.Consistency,
		SequenceNumber:  cur.LastSequence + 1,
		Disks:           append([]DiskSnapshot(nil), draft.Disks...),
	}

	if t.store != nil {
		if err := t.store.SavePoint(c.Ctx, rp); err != nil {
			return nil, fmt.Errorf("persist recovery point: %w", err)
		}
	}

	to := cur.State
	if rp.Consistency == AppConsistent && cur.State == StateReplicating {
		to = StateReadyForFailover
	}
	if _, err := t.apply(c.Ctx, c.entry, to, func(it *ProtectedItem) {
		it.LastSequence = rp.SequenceNumber
		it.LastSyncAt = now
		if rp.Consistency == AppConsistent {
			it.LastAppPointAt = now
		}
	}); err != nil {
		if t.store != nil {
			_ = t.store.DeletePoints(context.Background(), cur.ID, []string{rp.ID})
		}
		return nil, err
	}

	c.entry.mu.Lock()
	c.entry.points = append(c.entry.points, rp)
	c.entry.mu.Unlock()

	t.emit(EventPointCommitted, cur.ID, fmt.Sprintf("%s point %d", rp.Consistency, rp.SequenceNumber), map[string]string{
		"recovery_point_id": rp.ID,
		"consistency":       string(rp.Consistency),
	})

	out := rp
	return &out, nil
}

// Prune drops the cycle item's recovery points older than retention, oldest
// first. fold runs with the item lock held before the points are dropped, so
// their staged deltas can be merged into the disk bases without a failover
// observing a half-merged chain. When fold fails nothing is dropped.
func (t *Tracker) Prune(c *SyncCycle, retention time.Duration, fold func(ctx context.Context, dropped []RecoveryPoint) error) ([]RecoveryPoint, error) {
	if err := t.lockCycle(c); err != nil {
		return nil, err
	}
	defer c.entry.release()

	cutoff := t.now().Add(-retention)

	c.entry.mu.RLock()
	var dropped []RecoveryPoint
	for _, p := range c.entry.points {
		if p.Timestamp.Before(cutoff) {
			dropped = append(dropped, p)
		}
	}
	c.entry.mu.RUnlock()
	if len(dropped) == 0 {
		return nil, nil
	}

	if fold != nil {
		if err := fold(c.Ctx, dropped); err != nil {
			return nil, fmt.Errorf("fold pruned points: %w", err)
		}
	}

	c.entry.mu.Lock()
	keep := c.entry.points[:0:0]
	for _, p := range c.entry.points {
		if !p.Timestamp.Before(cutoff) {
			keep = append(keep, p)
		}
	}
	c.entry.points = keep
	c.entry.mu.Unlock()

	if t.store != nil {
		ids := make([]string, len(dropped))
		for i, p := range dropped {
			ids[i] = p.ID
		}
		if err := t.store.DeletePoints(c.Ctx, c.Item.ID, ids); err != nil {
			t.logger.Warn("failed to delete pruned recovery points",
				zap.String("item_id", c.Item.ID), zap.Error(err))
		}
	}
	return dropped, nil
}

// MarkStale moves an item whose replication has fallen too far behind into
// StateError. Busy items are left alone and checked again later.
func (t *Tracker) MarkStale(ctx context.Context, id, reason string) error {
	e, err := t.entry(id)
	if err != nil {
		return err
	}
	if !e.tryAcquire() {
		return drerrors.BusyError{ItemID: id}
	}
	defer e.release()

	if !e.snapshot().State.Syncable() {
		return nil
	}
	t.cancelSync(e)

	_, err = t.apply(ctx, e, StateError, func(it *ProtectedItem) {
		it.ErrorCause = CauseSyncStale
		it.ErrorMessage = reason
	})
	if err == nil {
		t.logger.Warn("replication stalled, manual resume required",
			zap.String("item_id", id),
			zap.String("reason", reason))
	}
	return err
}
