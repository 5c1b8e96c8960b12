// Package store persists protected items and recovery points.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/FairForge/siterecovery/internal/policy"
	"github.com/FairForge/siterecovery/internal/protection"
)

// Memory is an in-process store. State is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	items    map[string]protection.ProtectedItem
	points   map[string]map[string]protection.RecoveryPoint
	policies map[string]policy.ReplicationPolicy
}

var (
	_ protection.Store = (*Memory)(nil)
	_ policy.Persister = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		items:    make(map[string]protection.ProtectedItem),
		points:   make(map[string]map[string]protection.RecoveryPoint),
		policies: make(map[string]policy.ReplicationPolicy),
	}
}

// SaveItem upserts an item.
func (m *Memory) SaveItem(_ context.Context, item protection.ProtectedItem) error {
	item.Disks = append([]protection.DiskMapping(nil), item.Disks...)
	item.SyncedDisks = append([]string(nil), item.SyncedDisks...)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

// SavePoint stores a recovery point.
func (m *Memory) SavePoint(_ context.Context, p protection.RecoveryPoint) error {
	p.Disks = append([]protection.DiskSnapshot(nil), p.Disks...)

	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.points[p.ProtectedItemID]
	if !ok {
		byID = make(map[string]protection.RecoveryPoint)
		m.points[p.ProtectedItemID] = byID
	}
	byID[p.ID] = p
	return nil
}

// DeletePoints removes recovery points of an item. Unknown ids are ignored.
func (m *Memory) DeletePoints(_ context.Context, itemID string, pointIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.points[itemID]
	for _, id := range pointIDs {
		delete(byID, id)
	}
	return nil
}

// LoadItems returns every stored item.
func (m *Memory) LoadItems(_ context.Context) ([]protection.ProtectedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protection.ProtectedItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LoadPoints returns an item's recovery points ordered by sequence number.
func (m *Memory) LoadPoints(_ context.Context, itemID string) ([]protection.RecoveryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protection.RecoveryPoint, 0, len(m.points[itemID]))
	for _, p := range m.points[itemID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

// SavePolicy upserts a replication policy.
func (m *Memory) SavePolicy(_ context.Context, p policy.ReplicationPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[p.ID] = p
	return nil
}

// DeletePolicy removes a replication policy. Unknown ids are ignored.
func (m *Memory) DeletePolicy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, id)
	return nil
}

// LoadPolicies returns every stored policy ordered by name.
func (m *Memory) LoadPolicies(_ context.Context) ([]policy.ReplicationPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]policy.ReplicationPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
