package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/types"
)

// Bucket names in bbolt
var (
	bucketNodes      = []byte("nodes")
	bucketHeads      = []byte("heads")
	bucketEdges      = []byte("edges")
	bucketEdgeHeads  = []byte("edge_heads")
	bucketEvents     = []byte("events")
	bucketActions    = []byte("actions")
	bucketViolations = []byte("violations")
	bucketMeta       = []byte("meta")

	keySchemaVersion = []byte("schema_version")
)

var allBuckets = [][]byte{
	bucketNodes, bucketHeads, bucketEdges, bucketEdgeHeads,
	bucketEvents, bucketActions, bucketViolations, bucketMeta,
}

// DefaultPathDepth applies when FindPaths is called with maxDepth <= 0.
const DefaultPathDepth = 5

// maxFrontier bounds the partial paths held by one FindPaths search.
const maxFrontier = 100_000

// MVCCStore is the embedded temporal graph store. Every node and edge version
// is kept in bbolt; the current graph is indexed in memory and rebuilt on open.
type MVCCStore struct {
	mu sync.RWMutex

	// Current versions
	resources  *btree.BTreeG[*types.Resource]
	identities *btree.BTreeG[*types.Identity]
	out        map[string]map[string]*types.Relationship
	in         map[string]map[string]*types.Relationship
	actions    *btree.BTreeG[actionRecord]

	// Per-id writer serialization
	locks *keyedMutex

	db     *bbolt.DB
	dir    string
	now    func() time.Time
	logger *telemetry.Logger
}

// actionRecord is one PERFORMED_ACTION_ON edge, kept in time order for
// anomaly windows.
type actionRecord struct {
	At           time.Time `json:"at"`
	EventID      string    `json:"event_id"`
	IdentityID   string    `json:"identity_id"`
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	Operation    string    `json:"operation"`
}

func actionLess(a, b actionRecord) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.EventID < b.EventID
}

// MVCCOption configures an MVCCStore.
type MVCCOption func(*MVCCStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) MVCCOption {
	return func(s *MVCCStore) {
		s.now = now
	}
}

// NewMVCCStore opens (or creates) the store in dir.
func NewMVCCStore(dir string, opts ...MVCCOption) (*MVCCStore, error) {
	dbPath := filepath.Join(dir, "argus.db")

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, newError("open", KindUnavailable, dbPath, err)
	}

	s := &MVCCStore{
		resources: btree.NewG[*types.Resource](32, func(a, b *types.Resource) bool {
			return a.ID < b.ID
		}),
		identities: btree.NewG[*types.Identity](32, func(a, b *types.Identity) bool {
			return a.ID < b.ID
		}),
		out:     make(map[string]map[string]*types.Relationship),
		in:      make(map[string]map[string]*types.Relationship),
		actions: btree.NewG[actionRecord](32, actionLess),
		locks:   newKeyedMutex(),
		db:      db,
		dir:     dir,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  telemetry.NewLogger("storage"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.InitializeSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, wrapError("rebuild_index", "", err)
	}
	return s, nil
}

// InitializeSchema creates the buckets and records the schema version. It is
// safe to call repeatedly.
func (s *MVCCStore) InitializeSchema(ctx context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get(keySchemaVersion); data != nil {
			if v := bytesToInt64(data); v > SchemaVersion {
				return invalid("initialize_schema", "", "store schema %d is newer than supported %d", v, SchemaVersion)
			}
		}
		return meta.Put(keySchemaVersion, int64ToBytes(SchemaVersion))
	})
	return wrapError("initialize_schema", "", err)
}

// UpsertResource stores r as the new current version unless its content
// equals the current version or it was last modified before it.
func (s *MVCCStore) UpsertResource(ctx context.Context, r *types.Resource) (*types.Resource, error) {
	const op = "upsert_resource"
	if r == nil || r.ID == "" {
		return nil, invalid(op, "", "resource id is required")
	}
	if r.Type == "" {
		return nil, invalid(op, r.ID, "resource type is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapError(op, r.ID, err)
	}

	head := headKey(LabelResource, r.ID)
	unlock := s.locks.Lock(string(head))
	defer unlock()

	s.mu.RLock()
	cur, _ := s.resources.Get(&types.Resource{ID: r.ID})
	s.mu.RUnlock()

	if cur != nil && (cur.SameContent(r) || stale(r.LastModified, cur.LastModified)) {
		return cur.Clone(), nil
	}

	now := s.now()
	next := r.Clone()
	next.ValidFrom = now
	next.ValidTo = nil
	next.Version = 1
	if next.LastModified.IsZero() {
		next.LastModified = now
	}

	var expected int64
	var closed *types.Resource
	if cur != nil {
		expected = cur.Version
		next.Version = cur.Version + 1
		if next.CreatedAt.IsZero() {
			next.CreatedAt = cur.CreatedAt
		}
		closed = cur.Clone()
		closed.ValidTo = &now
	} else if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := casHead(tx.Bucket(bucketHeads), head, expected, next.Version); err != nil {
			return err
		}
		nodes := tx.Bucket(bucketNodes)
		if closed != nil {
			if err := putJSON(nodes, nodeKey(LabelResource, closed.ID, closed.Version), closed); err != nil {
				return err
			}
		}
		return putJSON(nodes, nodeKey(LabelResource, next.ID, next.Version), next)
	})
	if err != nil {
		s.logger.LogStorageError(ctx, op, err)
		return nil, wrapError(op, r.ID, err)
	}

	s.mu.Lock()
	s.resources.ReplaceOrInsert(next)
	s.mu.Unlock()

	s.logger.WithContext(ctx).Debug().
		Str("resource_id", next.ID).
		Int64("version", next.Version).
		Msg("resource version created")
	return next.Clone(), nil
}

// UpsertIdentity versions an identity. Newer activity is a change like any
// other. Older activity, or equal activity with the same content, is a no-op.
func (s *MVCCStore) UpsertIdentity(ctx context.Context, i *types.Identity) (*types.Identity, error) {
	const op = "upsert_identity"
	if i == nil || i.ID == "" {
		return nil, invalid(op, "", "identity id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapError(op, i.ID, err)
	}
	normalized := *i
	if normalized.Type == "" {
		normalized.Type = types.IdentityUser
	}
	i = &normalized

	head := headKey(LabelIdentity, i.ID)
	unlock := s.locks.Lock(string(head))
	defer unlock()

	s.mu.RLock()
	cur, _ := s.identities.Get(&types.Identity{ID: i.ID})
	s.mu.RUnlock()

	if cur != nil && (stale(i.LastActivity, cur.LastActivity) ||
		cur.SameContent(i) && !i.LastActivity.After(cur.LastActivity)) {
		c := *cur
		return &c, nil
	}

	now := s.now()
	next := *i
	next.ValidFrom = now
	next.ValidTo = nil
	next.Version = 1

	var expected int64
	var closed *types.Identity
	if cur != nil {
		expected = cur.Version
		next.Version = cur.Version + 1
		if next.CreatedAt.IsZero() {
			next.CreatedAt = cur.CreatedAt
		}
		c := *cur
		c.ValidTo = &now
		closed = &c
	} else if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := casHead(tx.Bucket(bucketHeads), head, expected, next.Version); err != nil {
			return err
		}
		nodes := tx.Bucket(bucketNodes)
		if closed != nil {
			if err := putJSON(nodes, nodeKey(LabelIdentity, closed.ID, closed.Version), closed); err != nil {
				return err
			}
		}
		return putJSON(nodes, nodeKey(LabelIdentity, next.ID, next.Version), &next)
	})
	if err != nil {
		s.logger.LogStorageError(ctx, op, err)
		return nil, wrapError(op, i.ID, err)
	}

	s.mu.Lock()
	s.identities.ReplaceOrInsert(&next)
	s.mu.Unlock()

	out := next
	return &out, nil
}

// CreateRelationship versions an edge between two current nodes. An edge
// whose properties equal the current version is left untouched.
func (s *MVCCStore) CreateRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error) {
	const op = "create_relationship"
	if rel == nil || rel.FromID == "" || rel.ToID == "" {
		return nil, invalid(op, "", "relationship endpoints are required")
	}
	switch rel.Type {
	case "":
		return nil, invalid(op, rel.Key(), "relationship type is required")
	case types.RelPreviousVersion, types.RelHasViolation, types.RelDetectedOn:
		return nil, invalid(op, rel.Key(), "%s edges are managed by the store", rel.Type)
	}
	if err := ctx.Err(); err != nil {
		return nil, wrapError(op, rel.Key(), err)
	}

	key := rel.Key()
	unlock := s.locks.Lock("edge\x00" + key)
	defer unlock()

	s.mu.RLock()
	fromOK := s.nodeExists(rel.FromID)
	toOK := s.nodeExists(rel.ToID)
	cur := s.out[rel.FromID][key]
	s.mu.RUnlock()

	if !fromOK {
		return nil, notFound(op, rel.FromID)
	}
	if !toOK {
		return nil, notFound(op, rel.ToID)
	}
	if cur != nil && cur.Properties.Equal(rel.Properties) {
		return cloneRel(cur), nil
	}

	now := s.now()
	next := cloneRel(rel)
	next.ValidFrom = now
	next.ValidTo = nil
	next.Version = 1

	var expected int64
	var closed *types.Relationship
	if cur != nil {
		expected = cur.Version
		next.Version = cur.Version + 1
		closed = cloneRel(cur)
		closed.ValidTo = &now
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := casHead(tx.Bucket(bucketEdgeHeads), []byte(key), expected, next.Version); err != nil {
			return err
		}
		edges := tx.Bucket(bucketEdges)
		if closed != nil {
			if err := putJSON(edges, edgeKey(key, closed.Version), closed); err != nil {
				return err
			}
		}
		return putJSON(edges, edgeKey(key, next.Version), next)
	})
	if err != nil {
		s.logger.LogStorageError(ctx, op, err)
		return nil, wrapError(op, key, err)
	}

	s.mu.Lock()
	s.link(next)
	s.mu.Unlock()
	return cloneRel(next), nil
}

// RecordEvent stores an immutable event and, when it names a principal, a
// PERFORMED_ACTION_ON edge from the principal to the resource. Recording the
// same event id twice is a no-op.
func (s *MVCCStore) RecordEvent(ctx context.Context, e *types.Event) error {
	const op = "record_event"
	if e == nil {
		return invalid(op, "", "event is required")
	}
	if err := e.Validate(); err != nil {
		return newError(op, KindInvalid, e.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return wrapError(op, e.ID, err)
	}

	unlock := s.locks.Lock("event\x00" + e.ID)
	defer unlock()

	var action *actionRecord
	var edge *types.Relationship
	if e.Principal.ID != "" {
		s.mu.RLock()
		_, identityOK := s.identities.Get(&types.Identity{ID: e.Principal.ID})
		res, resourceOK := s.resources.Get(&types.Resource{ID: e.Resource.ID})
		s.mu.RUnlock()
		if !identityOK {
			return notFound(op, e.Principal.ID)
		}
		if !resourceOK {
			return notFound(op, e.Resource.ID)
		}

		now := s.now()
		action = &actionRecord{
			At:           e.EventTime.UTC(),
			EventID:      e.ID,
			IdentityID:   e.Principal.ID,
			ResourceID:   res.ID,
			ResourceType: res.Type,
			Operation:    e.Operation,
		}
		edge = &types.Relationship{
			Type:    types.RelPerformedActionOn,
			FromID:  e.Principal.ID,
			ToID:    res.ID,
			EventID: e.ID,
			Properties: types.Properties{
				"operation":  types.String(e.Operation),
				"event_time": types.String(e.EventTime.UTC().Format(time.RFC3339Nano)),
			},
			ValidFrom: now,
			Version:   1,
		}
	}

	duplicate := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		events := tx.Bucket(bucketEvents)
		if events.Get([]byte(e.ID)) != nil {
			duplicate = true
			return nil
		}
		if err := putJSON(events, []byte(e.ID), e); err != nil {
			return err
		}
		if action == nil {
			return nil
		}
		if err := putJSON(tx.Bucket(bucketActions), []byte(e.ID), action); err != nil {
			return err
		}
		key := edge.Key()
		if err := casHead(tx.Bucket(bucketEdgeHeads), []byte(key), 0, 1); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketEdges), edgeKey(key, 1), edge)
	})
	if err != nil {
		s.logger.LogStorageError(ctx, op, err)
		return wrapError(op, e.ID, err)
	}
	if duplicate {
		s.logger.WithContext(ctx).Debug().Str("event_id", e.ID).Msg("event already recorded")
		return nil
	}

	if action != nil {
		s.mu.Lock()
		s.actions.ReplaceOrInsert(*action)
		s.link(edge)
		s.mu.Unlock()
	}
	return nil
}

// HasEvent reports whether an event id was already recorded.
func (s *MVCCStore) HasEvent(ctx context.Context, id string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketEvents).Get([]byte(id)) != nil
		return nil
	})
	if err != nil {
		return false, wrapError("has_event", id, err)
	}
	return found, nil
}

// GetResource returns the current version of a resource.
func (s *MVCCStore) GetResource(ctx context.Context, id string) (*types.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources.Get(&types.Resource{ID: id})
	if !ok {
		return nil, notFound("get_resource", id)
	}
	return r.Clone(), nil
}

// GetIdentity returns the current version of an identity.
func (s *MVCCStore) GetIdentity(ctx context.Context, id string) (*types.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.identities.Get(&types.Identity{ID: id})
	if !ok {
		return nil, notFound("get_identity", id)
	}
	c := *i
	return &c, nil
}

// GetLineage walks the version chain of a resource, newest first.
func (s *MVCCStore) GetLineage(ctx context.Context, id string, depth int) ([]*types.Resource, error) {
	var lineage []*types.Resource
	err := s.walkVersions("get_lineage", LabelResource, id, depth, func(v []byte) error {
		var r types.Resource
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		lineage = append(lineage, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lineage, nil
}

// GetIdentityLineage walks the version chain of an identity, newest first.
func (s *MVCCStore) GetIdentityLineage(ctx context.Context, id string, depth int) ([]*types.Identity, error) {
	var lineage []*types.Identity
	err := s.walkVersions("get_identity_lineage", LabelIdentity, id, depth, func(v []byte) error {
		var i types.Identity
		if err := json.Unmarshal(v, &i); err != nil {
			return err
		}
		lineage = append(lineage, &i)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lineage, nil
}

// walkVersions feeds up to depth stored versions of label/id to fn, newest
// first.
func (s *MVCCStore) walkVersions(op, label, id string, depth int, fn func([]byte) error) error {
	if depth <= 0 {
		depth = DefaultLineageDepth
	}

	prefix := nodePrefix(label, id)
	seen := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketNodes).Cursor()

		k, v := c.Seek(append(append([]byte{}, prefix...), 0xff))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && seen < depth; k, v = c.Prev() {
			if err := fn(v); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			seen++
		}
		return nil
	})
	if err != nil {
		return wrapError(op, id, err)
	}
	if seen == 0 {
		return notFound(op, id)
	}
	return nil
}

// GetRelationships returns the current edges touching id, optionally
// restricted to the given types.
func (s *MVCCStore) GetRelationships(ctx context.Context, id string, relTypes ...types.RelType) ([]*types.Relationship, error) {
	want := make(map[types.RelType]bool, len(relTypes))
	for _, t := range relTypes {
		want[t] = true
	}

	s.mu.RLock()
	var rels []*types.Relationship
	for _, adj := range []map[string]*types.Relationship{s.out[id], s.in[id]} {
		for _, rel := range adj {
			if len(want) > 0 && !want[rel.Type] {
				continue
			}
			rels = append(rels, cloneRel(rel))
		}
	}
	s.mu.RUnlock()

	sort.Slice(rels, func(i, j int) bool {
		return rels[i].Key() < rels[j].Key()
	})
	return rels, nil
}

// FindPaths runs a breadth-first search over current traversable edges and
// returns up to MaxPaths simple paths, shortest first.
func (s *MVCCStore) FindPaths(ctx context.Context, sourceID, targetID string, maxDepth int) ([]types.Path, error) {
	const op = "find_paths"
	if maxDepth <= 0 {
		maxDepth = DefaultPathDepth
	}
	if maxDepth > MaxTraversalDepth {
		return nil, invalid(op, sourceID, "max depth %d exceeds %d", maxDepth, MaxTraversalDepth)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.nodeExists(sourceID) {
		return nil, notFound(op, sourceID)
	}
	if !s.nodeExists(targetID) {
		return nil, notFound(op, targetID)
	}
	if sourceID == targetID {
		return nil, nil
	}

	var found []types.Path
	queue := []types.Path{{NodeIDs: []string{sourceID}}}
	for steps := 0; len(queue) > 0 && len(found) < MaxPaths; steps++ {
		if steps%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, wrapError(op, sourceID, err)
			}
		}
		p := queue[0]
		queue = queue[1:]
		if p.Len() >= maxDepth {
			continue
		}

		last := p.NodeIDs[len(p.NodeIDs)-1]
		for _, hop := range s.neighbors(last, types.DirectionOutgoing, types.TraversableRelTypes) {
			if containsID(p.NodeIDs, hop.id) {
				continue
			}
			next := types.Path{
				NodeIDs: append(append(make([]string, 0, len(p.NodeIDs)+1), p.NodeIDs...), hop.id),
				Rels:    append(append(make([]types.RelType, 0, len(p.Rels)+1), p.Rels...), hop.rel),
			}
			if hop.id == targetID {
				found = append(found, next)
				if len(found) == MaxPaths {
					break
				}
				continue
			}
			if len(queue) < maxFrontier {
				queue = append(queue, next)
			}
		}
	}
	return found, nil
}

// MatchPath reports whether any current path satisfies q. The search starts
// from the anchored endpoint.
func (s *MVCCStore) MatchPath(ctx context.Context, q *PathQuery) (bool, error) {
	const op = "match_path"
	if q == nil {
		return false, invalid(op, "", "query is required")
	}
	if err := q.Validate(); err != nil {
		return false, newError(op, KindInvalid, "", err)
	}

	start, end := q.From, q.To
	dir := q.direction()
	reversed := !q.From.Anchored()
	if reversed {
		start, end = q.To, q.From
		dir = reverseDirection(dir)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	startLabel, startDoc, ok := s.nodeDoc(start.ID)
	if !ok || !start.matches(startLabel, startDoc) {
		return false, nil
	}

	relTypes := q.relTypes()
	visited := map[string]bool{start.ID: true}
	frontier := []string{start.ID}
	for depth := 1; depth <= q.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return false, wrapError(op, start.ID, err)
		}
		var next []string
		for _, id := range frontier {
			for _, hop := range s.neighbors(id, dir, relTypes) {
				if visited[hop.id] {
					continue
				}
				visited[hop.id] = true
				next = append(next, hop.id)

				label, doc, ok := s.nodeDoc(hop.id)
				if !ok || !end.matches(label, doc) {
					continue
				}
				fromDoc, toDoc := startDoc, doc
				if reversed {
					fromDoc, toDoc = doc, startDoc
				}
				if EvalPredicate(q.Where, fromDoc, toDoc) {
					return true, nil
				}
			}
		}
		frontier = next
	}
	return false, nil
}

// DetectAnomalousAccess aggregates PERFORMED_ACTION_ON edges whose event time
// falls inside the window and scores each identity.
func (s *MVCCStore) DetectAnomalousAccess(ctx context.Context, window time.Duration, th AnomalyThresholds) ([]AccessAnomaly, error) {
	if window <= 0 {
		return nil, invalid("detect_anomalous_access", "", "window must be positive")
	}
	start := s.now().Add(-window)

	type agg struct {
		actions   int
		types     map[string]struct{}
		resources map[string]struct{}
	}
	byIdentity := map[string]*agg{}

	s.mu.RLock()
	s.actions.AscendGreaterOrEqual(actionRecord{At: start}, func(a actionRecord) bool {
		g, ok := byIdentity[a.IdentityID]
		if !ok {
			g = &agg{types: map[string]struct{}{}, resources: map[string]struct{}{}}
			byIdentity[a.IdentityID] = g
		}
		g.actions++
		g.types[a.ResourceType] = struct{}{}
		g.resources[a.ResourceID] = struct{}{}
		return true
	})
	s.mu.RUnlock()

	activity := make([]IdentityActivity, 0, len(byIdentity))
	for id, g := range byIdentity {
		activity = append(activity, IdentityActivity{
			IdentityID:    id,
			Actions:       g.actions,
			ResourceTypes: len(g.types),
			Resources:     len(g.resources),
		})
	}
	return scoreActivity(activity, th, window, start), nil
}

// CreateViolation stores v with HAS_VIOLATION and DETECTED_ON edges to its
// resource. An existing id is left untouched and reported as not created.
func (s *MVCCStore) CreateViolation(ctx context.Context, v *types.Violation) (bool, error) {
	const op = "create_violation"
	if err := validateViolation(op, v); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, wrapError(op, v.ID, err)
	}

	unlock := s.locks.Lock("violation\x00" + v.ID)
	defer unlock()

	s.mu.RLock()
	resourceOK := s.nodeExists(v.ResourceID)
	s.mu.RUnlock()
	if !resourceOK {
		return false, notFound(op, v.ResourceID)
	}

	now := s.now()
	stored := newViolationRecord(v, now)
	edges := []*types.Relationship{
		{Type: types.RelHasViolation, FromID: stored.ResourceID, ToID: stored.ID, ValidFrom: now, Version: 1},
		{Type: types.RelDetectedOn, FromID: stored.ID, ToID: stored.ResourceID, ValidFrom: now, Version: 1},
	}

	created := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketViolations)
		if b.Get([]byte(stored.ID)) != nil {
			return nil
		}
		created = true
		if err := putJSON(b, []byte(stored.ID), &stored); err != nil {
			return err
		}
		for _, e := range edges {
			if err := casHead(tx.Bucket(bucketEdgeHeads), []byte(e.Key()), 0, 1); err != nil {
				return err
			}
			if err := putJSON(tx.Bucket(bucketEdges), edgeKey(e.Key(), 1), e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.LogStorageError(ctx, op, err)
		return false, wrapError(op, v.ID, err)
	}
	if !created {
		return false, nil
	}

	s.mu.Lock()
	for _, e := range edges {
		s.link(e)
	}
	s.mu.Unlock()

	*v = stored
	return true, nil
}

// GetViolation loads one violation.
func (s *MVCCStore) GetViolation(ctx context.Context, id string) (*types.Violation, error) {
	var v *types.Violation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		v, err = loadViolation(tx, id)
		return err
	})
	if err != nil {
		return nil, wrapError("get_violation", id, err)
	}
	return v, nil
}

// AdvanceViolation moves the lifecycle forward and records the remediation
// state. Backward or skipping moves are conflicts.
func (s *MVCCStore) AdvanceViolation(ctx context.Context, id string, state types.ViolationState, remediation types.RemediationState) (*types.Violation, error) {
	return s.updateViolation(ctx, "advance_violation", id, func(v *types.Violation) error {
		return applyAdvance(v, state, remediation)
	})
}

// ResolveViolation closes an open violation as resolved or false positive.
func (s *MVCCStore) ResolveViolation(ctx context.Context, id string, status types.ViolationStatus, notes string) (*types.Violation, error) {
	if _, err := resolutionState(status); err != nil {
		return nil, newError("resolve_violation", KindInvalid, id, err)
	}
	return s.updateViolation(ctx, "resolve_violation", id, func(v *types.Violation) error {
		return applyResolve(v, status, notes, s.now())
	})
}

func (s *MVCCStore) updateViolation(ctx context.Context, op, id string, mutate func(*types.Violation) error) (*types.Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapError(op, id, err)
	}
	unlock := s.locks.Lock("violation\x00" + id)
	defer unlock()

	var out *types.Violation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		v, err := loadViolation(tx, id)
		if err != nil {
			return err
		}
		if err := mutate(v); err != nil {
			return err
		}
		out = v
		return putJSON(tx.Bucket(bucketViolations), []byte(id), v)
	})
	if err != nil {
		return nil, wrapError(op, id, err)
	}
	return out, nil
}

// ListViolations returns matching violations, newest first.
func (s *MVCCStore) ListViolations(ctx context.Context, filter types.ViolationFilter) ([]*types.Violation, error) {
	var out []*types.Violation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketViolations).ForEach(func(k, data []byte) error {
			var v types.Violation
			if err := json.Unmarshal(data, &v); err != nil {
				return fmt.Errorf("decode violation %s: %w", k, err)
			}
			if filter.Matches(&v) {
				out = append(out, &v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapError("list_violations", "", err)
	}

	sortViolations(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Stats summarizes the store.
func (s *MVCCStore) Stats(ctx context.Context) (*Stats, error) {
	st := newStats()

	s.mu.RLock()
	st.Resources = s.resources.Len()
	s.resources.Ascend(func(r *types.Resource) bool {
		st.ResourcesByCloud[r.Cloud]++
		st.ResourcesByType[r.Type]++
		return true
	})
	st.Identities = s.identities.Len()
	for _, adj := range s.out {
		st.Relationships += len(adj)
	}
	if last, ok := s.actions.Max(); ok {
		at := last.At
		st.LastEventTime = &at
	}
	s.mu.RUnlock()

	err := s.db.View(func(tx *bbolt.Tx) error {
		st.Events = tx.Bucket(bucketEvents).Stats().KeyN
		st.DBSizeBytes = tx.Size()
		st.SchemaVersion = int(bytesToInt64(tx.Bucket(bucketMeta).Get(keySchemaVersion)))
		return tx.Bucket(bucketViolations).ForEach(func(_, data []byte) error {
			var v types.Violation
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			st.Violations++
			if v.IsOpen() {
				st.OpenViolations++
				st.OpenBySeverity[v.Severity]++
			}
			if st.LastViolationCreated == nil || v.DetectedAt.After(*st.LastViolationCreated) {
				at := v.DetectedAt
				st.LastViolationCreated = &at
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapError("stats", "", err)
	}
	return st, nil
}

// Close closes the storage
func (s *MVCCStore) Close() error {
	return s.db.Close()
}

func (s *MVCCStore) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		nodes := tx.Bucket(bucketNodes)
		err := tx.Bucket(bucketHeads).ForEach(func(k, v []byte) error {
			label, id, ok := splitHeadKey(k)
			if !ok {
				return fmt.Errorf("malformed head key %q", k)
			}
			data := nodes.Get(nodeKey(label, id, bytesToInt64(v)))
			if data == nil {
				return fmt.Errorf("head %q points at a missing version", k)
			}
			switch label {
			case LabelResource:
				var r types.Resource
				if err := json.Unmarshal(data, &r); err != nil {
					return err
				}
				s.resources.ReplaceOrInsert(&r)
			case LabelIdentity:
				var i types.Identity
				if err := json.Unmarshal(data, &i); err != nil {
					return err
				}
				s.identities.ReplaceOrInsert(&i)
			}
			return nil
		})
		if err != nil {
			return err
		}

		edges := tx.Bucket(bucketEdges)
		err = tx.Bucket(bucketEdgeHeads).ForEach(func(k, v []byte) error {
			data := edges.Get(edgeKey(string(k), bytesToInt64(v)))
			if data == nil {
				return fmt.Errorf("edge head %q points at a missing version", k)
			}
			var rel types.Relationship
			if err := json.Unmarshal(data, &rel); err != nil {
				return err
			}
			if rel.IsCurrent() {
				s.link(&rel)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return tx.Bucket(bucketActions).ForEach(func(_, v []byte) error {
			var a actionRecord
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			s.actions.ReplaceOrInsert(a)
			return nil
		})
	})
}

// link indexes a current edge. Callers hold s.mu.
func (s *MVCCStore) link(rel *types.Relationship) {
	key := rel.Key()
	if s.out[rel.FromID] == nil {
		s.out[rel.FromID] = make(map[string]*types.Relationship)
	}
	if s.in[rel.ToID] == nil {
		s.in[rel.ToID] = make(map[string]*types.Relationship)
	}
	s.out[rel.FromID][key] = rel
	s.in[rel.ToID][key] = rel
}

// nodeExists reports whether id has a current Resource or Identity version.
// Callers hold s.mu.
func (s *MVCCStore) nodeExists(id string) bool {
	if s.resources.Has(&types.Resource{ID: id}) {
		return true
	}
	return s.identities.Has(&types.Identity{ID: id})
}

func (s *MVCCStore) nodeDoc(id string) (string, types.Value, bool) {
	if r, ok := s.resources.Get(&types.Resource{ID: id}); ok {
		return LabelResource, r.Document(), true
	}
	if i, ok := s.identities.Get(&types.Identity{ID: id}); ok {
		return LabelIdentity, i.Document(), true
	}
	return "", types.Value{}, false
}

type hop struct {
	id  string
	rel types.RelType
}

// neighbors lists graph nodes one hop from id, sorted for deterministic
// traversal. Parallel edges of one type collapse to a single hop.
func (s *MVCCStore) neighbors(id string, dir types.Direction, relTypes []types.RelType) []hop {
	allowed := make(map[types.RelType]bool, len(relTypes))
	for _, t := range relTypes {
		allowed[t] = true
	}

	seen := map[hop]bool{}
	var hops []hop
	add := func(h hop) {
		if !seen[h] && s.nodeExists(h.id) {
			seen[h] = true
			hops = append(hops, h)
		}
	}
	if dir == types.DirectionOutgoing || dir == types.DirectionBoth {
		for _, rel := range s.out[id] {
			if allowed[rel.Type] {
				add(hop{id: rel.ToID, rel: rel.Type})
			}
		}
	}
	if dir == types.DirectionIncoming || dir == types.DirectionBoth {
		for _, rel := range s.in[id] {
			if allowed[rel.Type] {
				add(hop{id: rel.FromID, rel: rel.Type})
			}
		}
	}

	sort.Slice(hops, func(i, j int) bool {
		if hops[i].id != hops[j].id {
			return hops[i].id < hops[j].id
		}
		return hops[i].rel < hops[j].rel
	})
	return hops
}

func reverseDirection(d types.Direction) types.Direction {
	switch d {
	case types.DirectionOutgoing:
		return types.DirectionIncoming
	case types.DirectionIncoming:
		return types.DirectionOutgoing
	}
	return d
}

func loadViolation(tx *bbolt.Tx, id string) (*types.Violation, error) {
	data := tx.Bucket(bucketViolations).Get([]byte(id))
	if data == nil {
		return nil, notFound("get_violation", id)
	}
	var v types.Violation
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode violation %s: %w", id, err)
	}
	return &v, nil
}

func cloneRel(r *types.Relationship) *types.Relationship {
	c := *r
	c.Properties = maps.Clone(r.Properties)
	if r.ValidTo != nil {
		t := *r.ValidTo
		c.ValidTo = &t
	}
	return &c
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// stale reports whether a write stamped at is older than the current
// version's stamp. Unstamped writes are never stale.
func stale(at, current time.Time) bool {
	return !at.IsZero() && at.Before(current)
}

// casHead advances a version head, failing if another writer moved it.
func casHead(b *bbolt.Bucket, key []byte, expected, next int64) error {
	var cur int64
	if data := b.Get(key); data != nil {
		cur = bytesToInt64(data)
	}
	if cur != expected {
		return newError("cas_head", KindConflict, string(key), fmt.Errorf("head at version %d, expected %d", cur, expected))
	}
	return b.Put(key, int64ToBytes(next))
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.Put(key, data)
}

// Keys separate their parts with NUL so ARNs and paths never collide.

func headKey(label, id string) []byte {
	return []byte(label + "\x00" + id)
}

func nodePrefix(label, id string) []byte {
	return []byte(label + "\x00" + id + "\x00")
}

func nodeKey(label, id string, version int64) []byte {
	return []byte(fmt.Sprintf("%s\x00%s\x00%016d", label, id, version))
}

func splitHeadKey(k []byte) (label, id string, ok bool) {
	i := bytes.IndexByte(k, 0)
	if i < 0 {
		return "", "", false
	}
	return string(k[:i]), string(k[i+1:]), true
}

func edgeKey(key string, version int64) []byte {
	return []byte(fmt.Sprintf("%s\x00%016d", key, version))
}

func int64ToBytes(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}

func bytesToInt64(b []byte) int64 {
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}

var _ Store = (*MVCCStore)(nil)
