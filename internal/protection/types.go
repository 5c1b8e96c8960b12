package protection

import (
	"context"
	"time"
)

// State is the replication lifecycle state of a protected item.
type State string

const (
	StateInitializing     State = "Initializing"
	StateReplicating      State = "Replicating"
	StateReadyForFailover State = "ReadyForFailover"
	StateFailingOver      State = "FailingOver"
	StateFailedOver       State = "FailedOver"
	StateError            State = "Error"
	StateDisabled         State = "Disabled"
)

// Syncable reports whether the replication engine may work on an item in this state.
func (s State) Syncable() bool {
	switch s {
	case StateInitializing, StateReplicating, StateReadyForFailover:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StateInitializing:     {StateReplicating, StateError, StateDisabled},
	StateReplicating:      {StateReadyForFailover, StateFailingOver, StateError, StateDisabled},
	StateReadyForFailover: {StateFailingOver, StateError, StateDisabled},
	StateFailingOver:      {StateFailedOver, StateError},
	StateFailedOver:       {StateInitializing, StateDisabled},
	StateError:            {StateInitializing, StateReplicating, StateFailingOver, StateDisabled},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorCause records why an item entered StateError.
type ErrorCause string

const (
	CauseNone      ErrorCause = ""
	CauseSyncStale ErrorCause = "sync-stale"
	CauseFailover  ErrorCause = "failover"
	// CauseUnresolved marks a restored item whose mapping or policy no
	// longer exists. It holds no policy reference.
	CauseUnresolved ErrorCause = "unresolved-reference"
)

// Consistency is the kind of recovery point.
type Consistency string

const (
	CrashConsistent Consistency = "CrashConsistent"
	AppConsistent   Consistency = "AppConsistent"
)

// DiskMapping binds a source disk to its staging storage and target disk type.
type DiskMapping struct {
	SourceDiskID          string `json:"source_disk_id"`
	StagingStorageID      string `json:"staging_storage_id"`
	TargetDiskAccountType string `json:"target_disk_account_type"`
}

// DiskSnapshot is one disk's staged block state inside a recovery point.
// Ref holds only the blocks changed since the previous point; the disk's
// content at the point is Base overlaid with the Ref of every retained point
// up to and including this one.
type DiskSnapshot struct {
	SourceDiskID     string `json:"source_disk_id"`
	StagingStorageID string `json:"staging_storage_id"`
	Base             string `json:"base"`
	Ref              string `json:"ref"`
	Bytes            int64  `json:"bytes"`
}

// RecoveryPoint is a committed, consistent snapshot usable for failover.
type RecoveryPoint struct {
	ID              string         `json:"id"`
	ProtectedItemID string         `json:"protected_item_id"`
	Timestamp       time.Time      `json:"timestamp"`
	Consistency     Consistency    `json:"consistency"`
	SequenceNumber  uint64         `json:"sequence_number"`
	Disks           []DiskSnapshot `json:"disks"`
}

// ProtectedItem is a workload enrolled for continuous replication.
type ProtectedItem struct {
	ID               string        `json:"id"`
	VaultID          string        `json:"vault_id"`
	SourceWorkloadID string        `json:"source_workload_id"`
	SourceRegion     string        `json:"source_region"`
	PolicyID         string        `json:"policy_id"`
	MappingID        string        `json:"mapping_id"`
	Disks            []DiskMapping `json:"disks"`
	State            State         `json:"state"`
	ErrorCause       ErrorCause    `json:"error_cause,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	SyncedDisks      []string      `json:"synced_disks,omitempty"`
	LastSyncAt       time.Time     `json:"last_sync_at"`
	ReplicatingSince time.Time     `json:"replicating_since"`
	LastAppPointAt   time.Time     `json:"last_app_point_at"`
	LastSequence     uint64        `json:"last_sequence"`
	FailoverPointID  string        `json:"failover_point_id,omitempty"`
	TargetVMID       string        `json:"target_vm_id,omitempty"`
	Generation       int           `json:"generation"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (it ProtectedItem) clone() ProtectedItem {
	cp := it
	cp.Disks = append([]DiskMapping(nil), it.Disks...)
	cp.SyncedDisks = append([]string(nil), it.SyncedDisks...)
	return cp
}

// DiskSynced reports whether the initial full sync of a disk completed.
func (it ProtectedItem) DiskSynced(diskID string) bool {
	for _, d := range it.SyncedDisks {
		if d == diskID {
			return true
		}
	}
	return false
}

func (it ProtectedItem) allDisksSynced() bool {
	for _, d := range it.Disks {
		if !it.DiskSynced(d.SourceDiskID) {
			return false
		}
	}
	return true
}

// Store persists tracker state. Implementations live in internal/store.
type Store interface {
	SaveItem(ctx context.Context, item ProtectedItem) error
	SavePoint(ctx context.Context, point RecoveryPoint) error
	DeletePoints(ctx context.Context, itemID string, pointIDs []string) error
	LoadItems(ctx context.Context) ([]ProtectedItem, error)
	LoadPoints(ctx context.Context, itemID string) ([]RecoveryPoint, error)
}
