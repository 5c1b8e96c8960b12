package protection

import (
	"context"
	"time"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"go.uber.org/zap"
)

// Lease is exclusive ownership of an item's operation lock for a multi-step
// transition such as failover. While a lease is held, sync cycles cannot
// begin or commit for the item.
type Lease struct {
	t        *Tracker
	e        *entry
	released bool
}

// Binding is the replication source and target set on an item by reprotect.
type Binding struct {
	WorkloadID   string
	SourceRegion string
	MappingID    string
	PolicyID     string
	Disks        []DiskMapping
}

// Acquire waits for an item's operation lock until ctx ends.
func (t *Tracker) Acquire(ctx context.Context, id string) (*Lease, error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, err
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.leased = true
	e.mu.Unlock()
	return &Lease{t: t, e: e}, nil
}

// Item returns the current item state.
func (l *Lease) Item() ProtectedItem {
	return l.e.snapshot()
}

// Point returns the recovery point with the given id, or the latest point
// when id is empty.
func (l *Lease) Point(id string) (*RecoveryPoint, error) {
	l.e.mu.RLock()
	defer l.e.mu.RUnlock()

	itemID := l.e.item.ID
	if len(l.e.points) == 0 {
		return nil, drerrors.NoRecoveryPointError{ItemID: itemID, RecoveryPointID: id}
	}
	if id == "" {
		rp := l.e.points[len(l.e.points)-1]
		return &rp, nil
	}
	for _, p := range l.e.points {
		if p.ID == id {
			rp := p
			return &rp, nil
		}
	}
	return nil, drerrors.NoRecoveryPointError{ItemID: itemID, RecoveryPointID: id}
}

// Chain returns, per source disk of rp, the staged refs whose overlay is the
// disk's content at rp: the disk base followed by the deltas of every retained
// point up to rp, oldest first.
func (l *Lease) Chain(rp RecoveryPoint) map[string][]string {
	l.e.mu.RLock()
	defer l.e.mu.RUnlock()

	chains := make(map[string][]string, len(rp.Disks))
	for _, d := range rp.Disks {
		chains[d.SourceDiskID] = []string{d.Base}
	}
	for _, p := range l.e.points {
		if p.SequenceNumber > rp.SequenceNumber {
			continue
		}
		for _, d := range p.Disks {
			if refs, ok := chains[d.SourceDiskID]; ok {
				chains[d.SourceDiskID] = append(refs, d.Ref)
			}
		}
	}
	return chains
}

// CancelSync interrupts any sync cycle in flight for the item.
func (l *Lease) CancelSync() {
	l.t.cancelSync(l.e)
}

// Transition moves the item to a new state.
func (l *Lease) Transition(ctx context.Context, to State, mutate func(*ProtectedItem)) (ProtectedItem, error) {
	return l.t.apply(ctx, l.e, to, mutate)
}

// Rebind points a failed-over item at a new source, moving it back to
// StateInitializing. Recovery points of the previous direction are dropped and
// the generation increments. Sequence numbers keep counting up.
func (l *Lease) Rebind(ctx context.Context, b Binding) (ProtectedItem, error) {
	cur := l.e.snapshot()
	if cur.State != StateFailedOver {
		return cur, drerrors.ErrInvalidState(cur.ID, string(cur.State), string(StateInitializing))
	}
	if err := validateDisks(b.Disks); err != nil {
		return cur, err
	}

	l.t.mu.RLock()
	err := l.t.checkWorkloadFree(b.WorkloadID, cur.ID)
	l.t.mu.RUnlock()
	if err != nil {
		return cur, err
	}

	if err := l.t.policies.Acquire(b.PolicyID); err != nil {
		return cur, err
	}

	next, err := l.t.apply(ctx, l.e, StateInitializing, func(it *ProtectedItem) {
		it.SourceWorkloadID = b.WorkloadID
		it.SourceRegion = b.SourceRegion
		it.MappingID = b.MappingID
		it.PolicyID = b.PolicyID
		it.Disks = append([]DiskMapping(nil), b.Disks...)
		it.SyncedDisks = nil
		it.LastSyncAt = l.t.now()
		it.LastAppPointAt = time.Time{}
		it.ReplicatingSince = time.Time{}
		it.FailoverPointID = ""
		it.TargetVMID = ""
		it.ErrorCause = CauseNone
		it.ErrorMessage = ""
		it.Generation = cur.Generation + 1
	})
	if err != nil {
		l.t.policies.Release(b.PolicyID)
		return cur, err
	}
	l.t.policies.Release(cur.PolicyID)
	l.t.dropPoints(ctx, l.e, cur.ID)

	l.t.logger.Info("protected item rebound",
		zap.String("item_id", cur.ID),
		zap.String("workload_id", b.WorkloadID),
		zap.String("mapping_id", b.MappingID),
		zap.Int("generation", next.Generation))
	return next, nil
}

// Release gives up the lease. Calling it more than once is harmless.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	l.e.mu.Lock()
	l.e.leased = false
	l.e.mu.Unlock()
	l.e.release()
}

// dropPoints discards an item's recovery points. The caller holds e's lock.
func (t *Tracker) dropPoints(ctx context.Context, e *entry, itemID string) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.points))
	for _, p := range e.points {
		ids = append(ids, p.ID)
	}
	e.points = nil
	e.mu.Unlock()

	if t.store == nil || len(ids) == 0 {
		return
	}
	if err := t.store.DeletePoints(ctx, itemID, ids); err != nil {
		t.logger.Warn("failed to delete recovery points",
			zap.String("item_id", itemID), zap.Error(err))
	}
}
