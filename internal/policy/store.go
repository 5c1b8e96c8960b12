// Package policy holds named replication policies. Published policies are
// immutable; readers load the current snapshot without locking.
package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReplicationPolicy defines snapshot cadence and retention for protected items.
type ReplicationPolicy struct {
	ID                              string    `json:"id"`
	Name                            string    `json:"name"`
	AppConsistentFrequencyMinutes   int       `json:"app_consistent_frequency_minutes"`
	CrashConsistentFrequencyMinutes int       `json:"crash_consistent_frequency_minutes"`
	RecoveryPointRetentionMinutes   int       `json:"recovery_point_retention_minutes"`
	MultiVMSync                     bool      `json:"multi_vm_sync"`
	Version                         int       `json:"version"`
	UpdatedAt                       time.Time `json:"updated_at"`
}

// Params are the caller-supplied fields of a policy.
type Params struct {
	ID                              string `json:"id,omitempty" yaml:"id"`
	Name                            string `json:"name" yaml:"name"`
	AppConsistentFrequencyMinutes   int    `json:"app_consistent_frequency_minutes" yaml:"app_consistent_frequency_minutes"`
	CrashConsistentFrequencyMinutes int    `json:"crash_consistent_frequency_minutes" yaml:"crash_consistent_frequency_minutes"`
	RecoveryPointRetentionMinutes   int    `json:"recovery_point_retention_minutes" yaml:"recovery_point_retention_minutes"`
	MultiVMSync                     bool   `json:"multi_vm_sync" yaml:"multi_vm_sync"`
}

// Validate checks the frequency and retention ordering.
func (p Params) Validate() error {
	if p.CrashConsistentFrequencyMinutes <= 0 {
		return drerrors.ErrInvalidPolicy("crash-consistent frequency must be positive, got %d",
			p.CrashConsistentFrequencyMinutes)
	}
	if p.AppConsistentFrequencyMinutes < p.CrashConsistentFrequencyMinutes {
		return drerrors.ErrInvalidPolicy("app-consistent frequency %d is below crash-consistent frequency %d",
			p.AppConsistentFrequencyMinutes, p.CrashConsistentFrequencyMinutes)
	}
	if p.RecoveryPointRetentionMinutes < p.AppConsistentFrequencyMinutes {
		return drerrors.ErrInvalidPolicy("retention %d is below app-consistent frequency %d",
			p.RecoveryPointRetentionMinutes, p.AppConsistentFrequencyMinutes)
	}
	return nil
}

// CrashInterval returns the crash-consistent cadence.
func (p *ReplicationPolicy) CrashInterval() time.Duration {
	return time.Duration(p.CrashConsistentFrequencyMinutes) * time.Minute
}

// AppInterval returns the app-consistent cadence.
func (p *ReplicationPolicy) AppInterval() time.Duration {
	return time.Duration(p.AppConsistentFrequencyMinutes) * time.Minute
}

// Retention returns how long recovery points are kept.
func (p *ReplicationPolicy) Retention() time.Duration {
	return time.Duration(p.RecoveryPointRetentionMinutes) * time.Minute
}

type snapshot map[string]*ReplicationPolicy

// Persister keeps published policies across restarts.
type Persister interface {
	SavePolicy(ctx context.Context, p ReplicationPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	LoadPolicies(ctx context.Context) ([]ReplicationPolicy, error)
}

// Store is the replication policy store.
type Store struct {
	current atomic.Pointer[snapshot]

	// writeMu serializes publishers and guards refs.
	writeMu   sync.Mutex
	refs      map[string]int
	persister Persister
	logger    *zap.Logger
	now       func() time.Time
}

// NewStore creates an empty policy store
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		refs:   make(map[string]int),
		logger: logger.Named("policy"),
		now:    time.Now,
	}
	empty := snapshot{}
	s.current.Store(&empty)
	return s
}

// SetPersister makes every later Define, Update and Delete durable.
func (s *Store) SetPersister(p Persister) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.persister = p
}

// Load publishes the persisted policies. It runs before anything references
// a policy.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.persister == nil {
		return nil
	}
	stored, err := s.persister.LoadPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	cur := *s.current.Load()
	next := make(snapshot, len(cur)+len(stored))
	for k, v := range cur {
		next[k] = v
	}
	for i := range stored {
		p := stored[i]
		next[p.ID] = &p
	}
	s.current.Store(&next)
	s.logger.Info("replication policies loaded", zap.Int("count", len(stored)))
	return nil
}

func (s *Store) save(p *ReplicationPolicy) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SavePolicy(context.Background(), *p); err != nil {
		return fmt.Errorf("persist policy %s: %w", p.ID, err)
	}
	return nil
}

// Define validates and publishes a new policy. Defining an existing id with
// identical parameters returns the published policy.
func (s *Store) Define(params Params) (*ReplicationPolicy, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.current.Load()
	if params.ID != "" {
		if existing, ok := cur[params.ID]; ok {
			if sameParams(existing, params) {
				return existing, nil
			}
			return nil, drerrors.ErrConflict("policy", params.ID, "already defined with different parameters")
		}
	}

	p := s.build(params, 1)
	if err := s.save(p); err != nil {
		return nil, err
	}
	s.publish(cur, p)

	s.logger.Info("replication policy defined",
		zap.String("policy_id", p.ID),
		zap.String("name", p.Name),
		zap.Int("app_minutes", p.AppConsistentFrequencyMinutes),
		zap.Int("crash_minutes", p.CrashConsistentFrequencyMinutes),
		zap.Int("retention_minutes", p.RecoveryPointRetentionMinutes))
	return p, nil
}

// Update replaces an unreferenced policy.
func (s *Store) Update(id string, params Params) (*ReplicationPolicy, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.current.Load()
	existing, ok := cur[id]
	if !ok {
		return nil, drerrors.ErrNotFound("policy", id)
	}
	if n := s.refs[id]; n > 0 {
		return nil, drerrors.PolicyInUseError{PolicyID: id, Refs: n}
	}

	params.ID = id
	if params.Name == "" {
		params.Name = existing.Name
	}
	p := s.build(params, existing.Version+1)
	if err := s.save(p); err != nil {
		return nil, err
	}
	s.publish(cur, p)

	s.logger.Info("replication policy updated",
		zap.String("policy_id", id),
		zap.Int("version", p.Version))
	return p, nil
}

// Delete removes an unreferenced policy.
func (s *Store) Delete(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.current.Load()
	if _, ok := cur[id]; !ok {
		return drerrors.ErrNotFound("policy", id)
	}
	if n := s.refs[id]; n > 0 {
		return drerrors.PolicyInUseError{PolicyID: id, Refs: n}
	}
	if s.persister != nil {
		if err := s.persister.DeletePolicy(context.Background(), id); err != nil {
			return fmt.Errorf("delete persisted policy %s: %w", id, err)
		}
	}

	next := make(snapshot, len(cur))
	for k, v := range cur {
		if k != id {
			next[k] = v
		}
	}
	s.current.Store(&next)
	delete(s.refs, id)
	return nil
}

// Get returns a published policy.
func (s *Store) Get(id string) (*ReplicationPolicy, error) {
	p, ok := (*s.current.Load())[id]
	if !ok {
		return nil, drerrors.ErrNotFound("policy", id)
	}
	return p, nil
}

// List returns every published policy ordered by name.
func (s *Store) List() []*ReplicationPolicy {
	cur := *s.current.Load()
	out := make([]*ReplicationPolicy, 0, len(cur))
	for _, p := range cur {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Acquire records that an active item references the policy.
func (s *Store) Acquire(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, ok := (*s.current.Load())[id]; !ok {
		return drerrors.ErrNotFound("policy", id)
	}
	s.refs[id]++
	return nil
}

// Release drops a reference taken with Acquire.
func (s *Store) Release(id string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.refs[id] > 0 {
		s.refs[id]--
	}
	if s.refs[id] == 0 {
		delete(s.refs, id)
	}
}

// Refs returns the number of active references to a policy.
func (s *Store) Refs(id string) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.refs[id]
}

func (s *Store) build(params Params, version int) *ReplicationPolicy {
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := params.Name
	if name == "" {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		name = fmt.Sprintf("policy-%s", short)
	}
	return &ReplicationPolicy{
		ID:                              id,
		Name:                            name,
		AppConsistentFrequencyMinutes:   params.AppConsistentFrequencyMinutes,
		CrashConsistentFrequencyMinutes: params.CrashConsistentFrequencyMinutes,
		RecoveryPointRetentionMinutes:   params.RecoveryPointRetentionMinutes,
		MultiVMSync:                     params.MultiVMSync,
		Version:                         version,
		UpdatedAt:                       s.now().UTC(),
	}
}

// publish must be called with writeMu held.
func (s *Store) publish(cur snapshot, p *ReplicationPolicy) {
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[p.ID] = p
	s.current.Store(&next)
}

func sameParams(p *ReplicationPolicy, params Params) bool {
	return p.AppConsistentFrequencyMinutes == params.AppConsistentFrequencyMinutes &&
		p.CrashConsistentFrequencyMinutes == params.CrashConsistentFrequencyMinutes &&
		p.RecoveryPointRetentionMinutes == params.RecoveryPointRetentionMinutes &&
		p.MultiVMSync == params.MultiVMSync &&
		(params.Name == "" || params.Name == p.Name)
}
