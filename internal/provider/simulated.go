package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FairForge/siterecovery/internal/drivers"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Simulated is an in-memory Provisioner, BlockSource and Quiescer. Failures
// can be injected per operation.
type Simulated struct {
	clock clock.Clock

	mu      sync.Mutex
	writes  map[string][]simWrite
	disks   map[string]DiskSpec
	vms     map[string]VMSpec
	calls   map[string]int
	deleted []string

	// Injected failures. CreateDiskErr fails the Nth CreateDisk call when
	// FailDiskAfter is positive, otherwise every call.
	CreateDiskErr error
	FailDiskAfter int
	CreateVMErr   error
	DeleteDiskErr error
	QuiesceErr    error
	ReadErr       error
}

type simWrite struct {
	at    time.Time
	block drivers.Block
}

var (
	_ Provisioner = (*Simulated)(nil)
	_ BlockSource = (*Simulated)(nil)
	_ Quiescer    = (*Simulated)(nil)
)

// NewSimulated creates an empty simulated provider.
func NewSimulated(clk clock.Clock) *Simulated {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Simulated{
		clock:  clk,
		writes: make(map[string][]simWrite),
		disks:  make(map[string]DiskSpec),
		vms:    make(map[string]VMSpec),
		calls:  make(map[string]int),
	}
}

func diskKey(workloadID, diskID string) string {
	return workloadID + "/" + diskID
}

// Write records a guest write to a source disk at the current clock time.
func (s *Simulated) Write(workloadID, diskID string, offset int64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := diskKey(workloadID, diskID)
	s.writes[k] = append(s.writes[k], simWrite{
		at:    s.clock.Now(),
		block: drivers.Block{Offset: offset, Data: append([]byte(nil), data...)},
	})
}

// FullImage returns the latest contents of every written offset.
func (s *Simulated) FullImage(ctx context.Context, workloadID, diskID string) ([]drivers.Block, error) {
	return s.read(ctx, "FullImage", workloadID, diskID, time.Time{})
}

// ChangedBlocks returns the latest contents of offsets written after since.
func (s *Simulated) ChangedBlocks(ctx context.Context, workloadID, diskID string, since time.Time) ([]drivers.Block, error) {
	return s.read(ctx, "ChangedBlocks", workloadID, diskID, since)
}

func (s *Simulated) read(ctx context.Context, op, workloadID, diskID string, since time.Time) ([]drivers.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}

	latest := make(map[int64]drivers.Block)
	for _, w := range s.writes[diskKey(workloadID, diskID)] {
		if !since.IsZero() && !w.at.After(since) {
			continue
		}
		latest[w.block.Offset] = w.block
	}
	out := make([]drivers.Block, 0, len(latest))
	for _, b := range latest {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out, nil
}

// Quiesce succeeds unless QuiesceErr is set.
func (s *Simulated) Quiesce(ctx context.Context, workloadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["Quiesce"]++
	return s.QuiesceErr
}

// CreateDisk records a disk.
func (s *Simulated) CreateDisk(ctx context.Context, spec DiskSpec) (*Disk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["CreateDisk"]++
	if s.CreateDiskErr != nil && (s.FailDiskAfter <= 0 || s.calls["CreateDisk"] == s.FailDiskAfter) {
		return nil, s.CreateDiskErr
	}
	if spec.SourceURI == "" {
		return nil, fmt.Errorf("disk %s has no source", spec.Name)
	}
	id := "/subscriptions/sim/resourceGroups/" + spec.ResourceGroup + "/providers/Microsoft.Compute/disks/" + spec.Name + "-" + uuid.NewString()[:8]
	s.disks[id] = spec
	return &Disk{ID: id, Name: spec.Name}, nil
}

// DeleteDisk removes a disk.
func (s *Simulated) DeleteDisk(ctx context.Context, diskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["DeleteDisk"]++
	if s.DeleteDiskErr != nil {
		return s.DeleteDiskErr
	}
	delete(s.disks, diskID)
	s.deleted = append(s.deleted, diskID)
	return nil
}

// CreateVirtualMachine records a VM. Every referenced disk must exist.
func (s *Simulated) CreateVirtualMachine(ctx context.Context, spec VMSpec) (*VM, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["CreateVirtualMachine"]++
	if s.CreateVMErr != nil {
		return nil, s.CreateVMErr
	}
	for _, id := range append([]string{spec.OSDiskID}, spec.DataDiskIDs...) {
		if _, ok := s.disks[id]; !ok {
			return nil, fmt.Errorf("disk %s does not exist", id)
		}
	}
	id := "/subscriptions/sim/resourceGroups/" + spec.ResourceGroup + "/providers/Microsoft.Compute/virtualMachines/" + spec.Name
	s.vms[id] = spec
	return &VM{ID: id, Name: spec.Name}, nil
}

// Calls returns how many times an operation was invoked.
func (s *Simulated) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ProvisionCalls returns the number of Provisioner calls made.
func (s *Simulated) ProvisionCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls["CreateDisk"] + s.calls["DeleteDisk"] + s.calls["CreateVirtualMachine"]
}

// Disks returns the specs of disks that currently exist.
func (s *Simulated) Disks() map[string]DiskSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]DiskSpec, len(s.disks))
	for k, v := range s.disks {
		out[k] = v
	}
	return out
}

// DeletedDisks returns the ids passed to DeleteDisk, in call order.
func (s *Simulated) DeletedDisks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// VMs returns the specs of created VMs.
func (s *Simulated) VMs() map[string]VMSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]VMSpec, len(s.vms))
	for k, v := range s.vms {
		out[k] = v
	}
	return out
}
