package storage

import (
	"context"
	"time"

	"github.com/yairfalse/argus/types"
)

// SchemaManager prepares the backing store.
type SchemaManager interface {
	InitializeSchema(ctx context.Context) error
}

// GraphWriter versions nodes and edges. Writes whose content equals the
// current version, or that are older than it, are no-ops and return the
// current version.
type GraphWriter interface {
	UpsertResource(ctx context.Context, r *types.Resource) (*types.Resource, error)
	UpsertIdentity(ctx context.Context, i *types.Identity) (*types.Identity, error)
	RecordEvent(ctx context.Context, e *types.Event) error
	HasEvent(ctx context.Context, id string) (bool, error)
	CreateRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error)
}

// GraphReader queries the current graph and its history.
type GraphReader interface {
	GetResource(ctx context.Context, id string) (*types.Resource, error)
	GetIdentity(ctx context.Context, id string) (*types.Identity, error)
	// GetLineage returns up to depth versions, newest first.
	GetLineage(ctx context.Context, id string, depth int) ([]*types.Resource, error)
	// GetIdentityLineage is GetLineage for identities.
	GetIdentityLineage(ctx context.Context, id string, depth int) ([]*types.Identity, error)
	GetRelationships(ctx context.Context, id string, relTypes ...types.RelType) ([]*types.Relationship, error)
	// FindPaths returns at most MaxPaths current paths in ascending length.
	FindPaths(ctx context.Context, sourceID, targetID string, maxDepth int) ([]types.Path, error)
}

// PathMatcher answers compiled graph conditions.
type PathMatcher interface {
	MatchPath(ctx context.Context, q *PathQuery) (bool, error)
}

// AccessAnalyzer flags identities whose recent activity is unusual.
type AccessAnalyzer interface {
	DetectAnomalousAccess(ctx context.Context, window time.Duration, th AnomalyThresholds) ([]AccessAnomaly, error)
}

// ViolationWriter persists violations and their lifecycle.
type ViolationWriter interface {
	// CreateViolation reports created=false when the id already exists.
	CreateViolation(ctx context.Context, v *types.Violation) (created bool, err error)
	AdvanceViolation(ctx context.Context, id string, state types.ViolationState, remediation types.RemediationState) (*types.Violation, error)
	ResolveViolation(ctx context.Context, id string, status types.ViolationStatus, notes string) (*types.Violation, error)
}

// ViolationReader queries violations.
type ViolationReader interface {
	GetViolation(ctx context.Context, id string) (*types.Violation, error)
	ListViolations(ctx context.Context, filter types.ViolationFilter) ([]*types.Violation, error)
}

// StorageStats provides operational counts.
type StorageStats interface {
	Stats(ctx context.Context) (*Stats, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Store is the complete temporal graph store.
type Store interface {
	SchemaManager
	GraphWriter
	GraphReader
	PathMatcher
	AccessAnalyzer
	ViolationWriter
	ViolationReader
	StorageStats
	Lifecycle
}

// Stats summarizes the current graph.
type Stats struct {
	Resources            int                    `json:"resources"`
	ResourcesByCloud     map[string]int         `json:"resources_by_cloud"`
	ResourcesByType      map[string]int         `json:"resources_by_type"`
	Identities           int                    `json:"identities"`
	Events               int                    `json:"events"`
	Relationships        int                    `json:"relationships"`
	Violations           int                    `json:"violations"`
	OpenViolations       int                    `json:"open_violations"`
	OpenBySeverity       map[types.Severity]int `json:"open_by_severity"`
	DBSizeBytes          int64                  `json:"db_size_bytes,omitempty"`
	SchemaVersion        int                    `json:"schema_version"`
	LastEventTime        *time.Time             `json:"last_event_time,omitempty"`
	LastViolationCreated *time.Time             `json:"last_violation_created,omitempty"`
}

func newStats() *Stats {
	return &Stats{
		ResourcesByCloud: map[string]int{},
		ResourcesByType:  map[string]int{},
		OpenBySeverity:   map[types.Severity]int{},
	}
}

const (
	// DefaultLineageDepth applies when GetLineage is called with depth <= 0.
	DefaultLineageDepth = 10
	// MaxPaths caps FindPaths results.
	MaxPaths = 10
	// MaxTraversalDepth bounds every path search.
	MaxTraversalDepth = 50
	// SchemaVersion is bumped whenever the stored layout changes.
	SchemaVersion = 1
)
