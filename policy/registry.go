package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/types"
)

// Snapshot is an immutable, versioned view of the registry. Evaluations hold
// one snapshot for their whole lifetime.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	policies []*Policy
	byID     map[string]*Policy
}

func newSnapshot(version uint64, policies []*Policy) *Snapshot {
	sorted := make([]*Policy, len(policies))
	copy(sorted, policies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]*Policy, len(sorted))
	for _, p := range sorted {
		byID[p.ID] = p
	}
	return &Snapshot{version: version, loadedAt: time.Now(), policies: sorted, byID: byID}
}

func (s *Snapshot) Version() uint64     { return s.version }
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }
func (s *Snapshot) Len() int            { return len(s.policies) }

// Policies returns the policies ordered by id. The slice must not be modified.
func (s *Snapshot) Policies() []*Policy {
	return s.policies
}

// Get looks up a policy by id.
func (s *Snapshot) Get(id string) (*Policy, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// InScope returns the active policies whose selector matches the resource.
func (s *Snapshot) InScope(r *types.Resource, now time.Time) []*Policy {
	var out []*Policy
	for _, p := range s.policies {
		if p.IsActive(now) && p.Selector.Matches(r) {
			out = append(out, p)
		}
	}
	return out
}

// Registry holds the current policy snapshot behind a single atomic swap
// point. Writers are serialized; readers never block.
type Registry struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	logger  *telemetry.Logger
}

// NewRegistry creates an empty registry at version 0.
func NewRegistry() *Registry {
	r := &Registry{logger: telemetry.NewLogger("policy-registry")}
	r.current.Store(newSnapshot(0, nil))
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Replace validates the full set and swaps it in atomically. On any error the
// current snapshot is left untouched.
func (r *Registry) Replace(ctx context.Context, policies []*Policy) (*Snapshot, error) {
	if err := validateSet(policies); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	next := newSnapshot(prev.version+1, policies)
	r.current.Store(next)

	r.logger.WithContext(ctx).Info().
		Uint64("version", next.version).
		Int("policies", next.Len()).
		Msg("policy registry replaced")
	return next, nil
}

// Upsert adds or replaces one policy.
func (r *Registry) Upsert(ctx context.Context, p *Policy) (*Snapshot, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	policies := make([]*Policy, 0, len(prev.policies)+1)
	for _, existing := range prev.policies {
		if existing.ID != p.ID {
			policies = append(policies, existing)
		}
	}
	policies = append(policies, p)
	next := newSnapshot(prev.version+1, policies)
	r.current.Store(next)

	r.logger.WithContext(ctx).Info().
		Str("policy_id", p.ID).
		Uint64("version", next.version).
		Msg("policy upserted")
	return next, nil
}

// Remove deletes a policy by id. It reports false when the id is unknown.
func (r *Registry) Remove(ctx context.Context, id string) (*Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	if _, ok := prev.byID[id]; !ok {
		return prev, false
	}
	policies := make([]*Policy, 0, len(prev.policies)-1)
	for _, existing := range prev.policies {
		if existing.ID != id {
			policies = append(policies, existing)
		}
	}
	next := newSnapshot(prev.version+1, policies)
	r.current.Store(next)

	r.logger.WithContext(ctx).Info().
		Str("policy_id", id).
		Uint64("version", next.version).
		Msg("policy removed")
	return next, true
}

func validateSet(policies []*Policy) error {
	seen := make(map[string]bool, len(policies))
	for _, p := range policies {
		if p == nil {
			return &ValidationError{Problems: []string{"nil policy"}}
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return &ValidationError{PolicyID: p.ID, Problems: []string{fmt.Sprintf("duplicate policy id %q", p.ID)}}
		}
		seen[p.ID] = true
	}
	return nil
}
