// Package provider defines the compute, disk and guest-agent collaborators
// the orchestrator drives, with a simulated implementation for tests and
// local runs.
package provider

import (
	"context"
	"time"

	"github.com/FairForge/siterecovery/internal/drivers"
)

// DiskSpec describes a managed disk to create in the target region.
type DiskSpec struct {
	Name          string
	Region        string
	ResourceGroup string
	AccountType   string
	// SourceURI is the staged set the disk is imported from.
	SourceURI string
	// StagingStorageID is the storage account holding SourceURI.
	StagingStorageID string
	OSDisk           bool
}

// Disk is a created managed disk.
type Disk struct {
	ID   string
	Name string
}

// VMSpec describes the compute instance recovered from a set of disks.
type VMSpec struct {
	Name          string
	Region        string
	ResourceGroup string
	Size          string
	OSDiskID      string
	DataDiskIDs   []string
	SubnetID      string
}

// VM is a created virtual machine.
type VM struct {
	ID   string
	Name string
}

// Provisioner creates and removes resources in the target region.
type Provisioner interface {
	CreateDisk(ctx context.Context, spec DiskSpec) (*Disk, error)
	DeleteDisk(ctx context.Context, diskID string) error
	CreateVirtualMachine(ctx context.Context, spec VMSpec) (*VM, error)
}

// BlockSource reads disk contents of a source workload.
type BlockSource interface {
	// FullImage returns every written block of a disk.
	FullImage(ctx context.Context, workloadID, diskID string) ([]drivers.Block, error)
	// ChangedBlocks returns blocks written after since.
	ChangedBlocks(ctx context.Context, workloadID, diskID string, since time.Time) ([]drivers.Block, error)
}

// Quiescer asks a workload's guest agent to flush application state so the
// next snapshot is application consistent.
type Quiescer interface {
	Quiesce(ctx context.Context, workloadID string) error
}
