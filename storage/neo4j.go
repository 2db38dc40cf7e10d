package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/types"
)

// Neo4jConfig configures the graph database backend.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
	// TxTimeout bounds write transactions. Reads use the caller's deadline.
	TxTimeout time.Duration
}

// Neo4jStore is the Store backed by a Neo4j database. Every node version is
// its own node; versions of one id are chained by PREVIOUS_VERSION edges and
// the current version is the one without valid_to.
type Neo4jStore struct {
	driver    neo4j.DriverWithContext
	database  string
	txTimeout time.Duration
	now       func() time.Time
	logger    *telemetry.Logger
	tracer    trace.Tracer
}

// errNoChange rolls back a write transaction that found nothing to do.
var errNoChange = errors.New("no change")

// migratedRelTypes follow a node to its new version.
var migratedRelTypes = []types.RelType{
	types.RelDependsOn, types.RelLocatedIn, types.RelMemberOf, types.RelUses,
	types.RelCanAccess, types.RelPerformedActionOn, types.RelHasViolation, types.RelDetectedOn,
}

// NewNeo4jStore connects and verifies connectivity. Call InitializeSchema
// before first use.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, newError("connect", KindUnavailable, cfg.URI, fmt.Errorf("creating neo4j driver: %w", err))
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, newError("connect", KindUnavailable, cfg.URI, fmt.Errorf("verifying neo4j connectivity: %w", err))
	}

	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Neo4jStore{
		driver:    driver,
		database:  cfg.Database,
		txTimeout: timeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    telemetry.NewLogger("storage-neo4j"),
		tracer:    otel.Tracer("storage-neo4j"),
	}, nil
}

var schemaStatements = []string{
	"CREATE CONSTRAINT resource_version IF NOT EXISTS FOR (n:Resource) REQUIRE (n.id, n.version) IS UNIQUE",
	"CREATE CONSTRAINT identity_version IF NOT EXISTS FOR (n:Identity) REQUIRE (n.id, n.version) IS UNIQUE",
	"CREATE CONSTRAINT event_id IF NOT EXISTS FOR (n:Event) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT violation_id IF NOT EXISTS FOR (n:Violation) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT resource_head_id IF NOT EXISTS FOR (n:ResourceHead) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT identity_head_id IF NOT EXISTS FOR (n:IdentityHead) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT edge_head_key IF NOT EXISTS FOR (n:EdgeHead) REQUIRE n.key IS UNIQUE",
	"CREATE INDEX resource_id IF NOT EXISTS FOR (n:Resource) ON (n.id)",
	"CREATE INDEX resource_type IF NOT EXISTS FOR (n:Resource) ON (n.type)",
	"CREATE INDEX resource_cloud IF NOT EXISTS FOR (n:Resource) ON (n.cloud)",
	"CREATE INDEX identity_id IF NOT EXISTS FOR (n:Identity) ON (n.id)",
	"CREATE INDEX event_time IF NOT EXISTS FOR (n:Event) ON (n.event_time)",
	"CREATE INDEX violation_policy IF NOT EXISTS FOR (n:Violation) ON (n.policy_id)",
	"CREATE INDEX violation_status IF NOT EXISTS FOR (n:Violation) ON (n.status)",
}

// InitializeSchema creates constraints and indexes. Every statement is
// idempotent.
func (s *Neo4jStore) InitializeSchema(ctx context.Context) error {
	const op = "initialize_schema"
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	for _, stmt := range schemaStatements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return classifyNeo4j(op, "", fmt.Errorf("%s: %w", stmt, err))
		}
	}
	_, err := session.Run(ctx, "MERGE (m:StoreMeta {key: 'schema'}) SET m.version = $version",
		map[string]any{"version": SchemaVersion})
	if err != nil {
		return classifyNeo4j(op, "", err)
	}
	s.logger.WithContext(ctx).Info().Int("statements", len(schemaStatements)).Msg("neo4j schema initialized")
	return nil
}

// UpsertResource creates a new version unless content is unchanged or the
// write is older than the current version. Writers on the same id serialize
// on the ResourceHead lock node.
func (s *Neo4jStore) UpsertResource(ctx context.Context, r *types.Resource) (*types.Resource, error) {
	const op = "upsert_resource"
	if r == nil || r.ID == "" {
		return nil, invalid(op, "", "resource id is required")
	}
	if r.Type == "" {
		return nil, invalid(op, r.ID, "resource type is required")
	}

	var result *types.Resource
	err := s.write(ctx, op, r.ID, func(tx neo4j.ExplicitTransaction) error {
		head, err := lockHead(ctx, tx, LabelResource, r.ID)
		if err != nil {
			return err
		}
		props, found, err := currentNode(ctx, tx, LabelResource, r.ID)
		if err != nil {
			return err
		}
		var cur *types.Resource
		if found {
			if cur, err = resourceFromProps(props); err != nil {
				return err
			}
			if cur.Version != head {
				return newError(op, KindConflict, r.ID, fmt.Errorf("head at %d, current version %d", head, cur.Version))
			}
			if cur.SameContent(r) || stale(r.LastModified, cur.LastModified) {
				result = cur
				return errNoChange
			}
		}

		now := s.now()
		next := r.Clone()
		next.ValidFrom = now
		next.ValidTo = nil
		next.Version = head + 1
		if next.LastModified.IsZero() {
			next.LastModified = now
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
			if cur != nil {
				next.CreatedAt = cur.CreatedAt
			}
		}
		nextProps, err := resourceProps(next)
		if err != nil {
			return err
		}
		if err := s.advanceNode(ctx, tx, LabelResource, r.ID, head, nextProps, now); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertIdentity versions an identity. Newer activity closes the current
// version like any other change.
func (s *Neo4jStore) UpsertIdentity(ctx context.Context, i *types.Identity) (*types.Identity, error) {
	const op = "upsert_identity"
	if i == nil || i.ID == "" {
		return nil, invalid(op, "", "identity id is required")
	}
	in := *i
	if in.Type == "" {
		in.Type = types.IdentityUser
	}

	var result *types.Identity
	err := s.write(ctx, op, in.ID, func(tx neo4j.ExplicitTransaction) error {
		head, err := lockHead(ctx, tx, LabelIdentity, in.ID)
		if err != nil {
			return err
		}
		props, found, err := currentNode(ctx, tx, LabelIdentity, in.ID)
		if err != nil {
			return err
		}
		var cur *types.Identity
		if found {
			cur = identityFromProps(props)
			if stale(in.LastActivity, cur.LastActivity) ||
				cur.SameContent(&in) && !in.LastActivity.After(cur.LastActivity) {
				result = cur
				return errNoChange
			}
		}

		now := s.now()
		next := in
		next.ValidFrom = now
		next.ValidTo = nil
		next.Version = head + 1
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
			if cur != nil {
				next.CreatedAt = cur.CreatedAt
			}
		}
		if err := s.advanceNode(ctx, tx, LabelIdentity, in.ID, head, identityProps(&next), now); err != nil {
			return err
		}
		result = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// advanceNode closes the current version, creates the next one, links them
// by PREVIOUS_VERSION and moves current edges onto the new version.
func (s *Neo4jStore) advanceNode(ctx context.Context, tx neo4j.ExplicitTransaction, label, id string, prev int64, props map[string]any, now time.Time) error {
	next := prev + 1
	params := map[string]any{"id": id, "prev": prev, "next": next, "now": now, "props": props}

	if err := run(ctx, tx, fmt.Sprintf("CREATE (n:%s) SET n = $props", label), params); err != nil {
		return err
	}
	if prev > 0 {
		link := fmt.Sprintf(`
			MATCH (old:%[1]s {id: $id, version: $prev})
			MATCH (n:%[1]s {id: $id, version: $next})
			SET old.valid_to = $now
			CREATE (n)-[:PREVIOUS_VERSION {valid_from: $now}]->(old)`, label)
		if err := run(ctx, tx, link, params); err != nil {
			return err
		}
		for _, t := range migratedRelTypes {
			outgoing := fmt.Sprintf(`
				MATCH (old:%[1]s {id: $id, version: $prev})-[r:%[2]s]->(m)
				WHERE r.valid_to IS NULL AND m <> old
				MATCH (n:%[1]s {id: $id, version: $next})
				CREATE (n)-[r2:%[2]s]->(m)
				SET r2 = properties(r), r2.valid_from = $now, r2.version = coalesce(r.version, 1) + 1, r.valid_to = $now`, label, t)
			incoming := fmt.Sprintf(`
				MATCH (m)-[r:%[2]s]->(old:%[1]s {id: $id, version: $prev})
				WHERE r.valid_to IS NULL AND m <> old
				MATCH (n:%[1]s {id: $id, version: $next})
				CREATE (m)-[r2:%[2]s]->(n)
				SET r2 = properties(r), r2.valid_from = $now, r2.version = coalesce(r.version, 1) + 1, r.valid_to = $now`, label, t)
			if err := run(ctx, tx, outgoing, params); err != nil {
				return err
			}
			if err := run(ctx, tx, incoming, params); err != nil {
				return err
			}
		}
	}
	return run(ctx, tx, fmt.Sprintf("MATCH (h:%sHead {id: $id}) SET h.version = $next", label), params)
}

// CreateRelationship versions an edge between the current versions of two
// nodes.
func (s *Neo4jStore) CreateRelationship(ctx context.Context, rel *types.Relationship) (*types.Relationship, error) {
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
	if !knownRelType(rel.Type) {
		return nil, invalid(op, rel.Key(), "unknown relationship type %q", rel.Type)
	}
	key := rel.Key()

	var result *types.Relationship
	err := s.write(ctx, op, key, func(tx neo4j.ExplicitTransaction) error {
		recs, err := collect(ctx, tx,
			"MERGE (h:EdgeHead {key: $key}) SET h.lock = coalesce(h.lock, 0) + 1 RETURN coalesce(h.version, 0) AS version",
			map[string]any{"key": key})
		if err != nil {
			return err
		}
		head := intValue(recs[0], "version")

		for _, id := range []string{rel.FromID, rel.ToID} {
			ok, err := nodeIsCurrent(ctx, tx, id)
			if err != nil {
				return err
			}
			if !ok {
				return notFound(op, id)
			}
		}

		params := map[string]any{"from": rel.FromID, "to": rel.ToID, "event_id": rel.EventID}
		recs, err = collect(ctx, tx, fmt.Sprintf(`
			MATCH (a:Resource|Identity {id: $from})-[r:%s]->(b:Resource|Identity {id: $to})
			WHERE a.valid_to IS NULL AND b.valid_to IS NULL AND r.valid_to IS NULL
			  AND coalesce(r.event_id, '') = $event_id
			RETURN properties(r) AS props`, rel.Type), params)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			props, _ := recs[0].Get("props")
			cur, err := relationshipFromProps(rel.Type, rel.FromID, rel.ToID, asMap(props))
			if err != nil {
				return err
			}
			if cur.Properties.Equal(rel.Properties) {
				result = cur
				return errNoChange
			}
		}

		now := s.now()
		next := cloneRel(rel)
		next.ValidFrom = now
		next.ValidTo = nil
		next.Version = head + 1
		props, err := relationshipProps(next)
		if err != nil {
			return err
		}
		params["now"] = now
		params["props"] = props
		params["version"] = next.Version
		params["key"] = key
		err = run(ctx, tx, fmt.Sprintf(`
			MATCH (a:Resource|Identity {id: $from})-[r:%s]->(b:Resource|Identity {id: $to})
			WHERE a.valid_to IS NULL AND b.valid_to IS NULL AND r.valid_to IS NULL
			  AND coalesce(r.event_id, '') = $event_id
			SET r.valid_to = $now`, rel.Type), params)
		if err != nil {
			return err
		}
		err = run(ctx, tx, fmt.Sprintf(`
			MATCH (a:Resource|Identity {id: $from}) WHERE a.valid_to IS NULL
			MATCH (b:Resource|Identity {id: $to}) WHERE b.valid_to IS NULL
			CREATE (a)-[r:%s]->(b)
			SET r = $props
			WITH r
			MATCH (h:EdgeHead {key: $key}) SET h.version = $version`, rel.Type), params)
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RecordEvent merges the event node and links principal to resource.
func (s *Neo4jStore) RecordEvent(ctx context.Context, e *types.Event) error {
	const op = "record_event"
	if e == nil {
		return invalid(op, "", "event is required")
	}
	if err := e.Validate(); err != nil {
		return newError(op, KindInvalid, e.ID, err)
	}
	props, err := eventProps(e)
	if err != nil {
		return newError(op, KindInvalid, e.ID, err)
	}

	return s.write(ctx, op, e.ID, func(tx neo4j.ExplicitTransaction) error {
		withPrincipal := e.Principal.ID != ""
		if withPrincipal {
			for _, id := range []string{e.Principal.ID, e.Resource.ID} {
				ok, err := nodeIsCurrent(ctx, tx, id)
				if err != nil {
					return err
				}
				if !ok {
					return notFound(op, id)
				}
			}
		}

		recs, err := collect(ctx, tx, `
			MERGE (e:Event {id: $id})
			ON CREATE SET e += $props, e._created = true
			WITH e, coalesce(e._created, false) AS created
			REMOVE e._created
			RETURN created`, map[string]any{"id": e.ID, "props": props})
		if err != nil {
			return err
		}
		created, _ := recs[0].Get("created")
		if isNew, _ := created.(bool); !isNew {
			return errNoChange
		}
		if !withPrincipal {
			return nil
		}
		return run(ctx, tx, `
			MATCH (i:Identity {id: $principal}) WHERE i.valid_to IS NULL
			MATCH (r:Resource {id: $resource}) WHERE r.valid_to IS NULL
			CREATE (i)-[:PERFORMED_ACTION_ON {
				event_id: $id, operation: $operation, event_time: $event_time,
				valid_from: $now, version: 1, _properties: '{}'
			}]->(r)`,
			map[string]any{
				"id":         e.ID,
				"principal":  e.Principal.ID,
				"resource":   e.Resource.ID,
				"operation":  e.Operation,
				"event_time": e.EventTime.UTC(),
				"now":        s.now(),
			})
	})
}

// HasEvent reports whether an event node exists.
func (s *Neo4jStore) HasEvent(ctx context.Context, id string) (bool, error) {
	found := false
	err := s.read(ctx, "has_event", id, func(tx neo4j.ExplicitTransaction) error {
		recs, err := collect(ctx, tx, "MATCH (e:Event {id: $id}) RETURN count(e) > 0 AS found", map[string]any{"id": id})
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			v, _ := recs[0].Get("found")
			found, _ = v.(bool)
		}
		return nil
	})
	return found, err
}

// GetResource returns the current version.
func (s *Neo4jStore) GetResource(ctx context.Context, id string) (*types.Resource, error) {
	const op = "get_resource"
	var result *types.Resource
	err := s.read(ctx, op, id, func(tx neo4j.ExplicitTransaction) error {
		props, found, err := currentNode(ctx, tx, LabelResource, id)
		if err != nil {
			return err
		}
		if !found {
			return notFound(op, id)
		}
		result, err = resourceFromProps(props)
		return err
	})
	return result, err
}

// GetIdentity returns the current version.
func (s *Neo4jStore) GetIdentity(ctx context.Context, id string) (*types.Identity, error) {
	const op = "get_identity"
	var result *types.Identity
	err := s.read(ctx, op, id, func(tx neo4j.ExplicitTransaction) error {
		props, found, err := currentNode(ctx, tx, LabelIdentity, id)
		if err != nil {
			return err
		}
		if !found {
			return notFound(op, id)
		}
		result = identityFromProps(props)
		return nil
	})
	return result, err
}

// GetLineage follows PREVIOUS_VERSION back from the current version.
func (s *Neo4jStore) GetLineage(ctx context.Context, id string, depth int) ([]*types.Resource, error) {
	var lineage []*types.Resource
	err := s.walkVersions(ctx, "get_lineage", LabelResource, id, depth, func(props map[string]any) error {
		r, err := resourceFromProps(props)
		if err != nil {
			return err
		}
		lineage = append(lineage, r)
		return nil
	})
	return lineage, err
}

// GetIdentityLineage follows PREVIOUS_VERSION back from the current identity.
func (s *Neo4jStore) GetIdentityLineage(ctx context.Context, id string, depth int) ([]*types.Identity, error) {
	var lineage []*types.Identity
	err := s.walkVersions(ctx, "get_identity_lineage", LabelIdentity, id, depth, func(props map[string]any) error {
		lineage = append(lineage, identityFromProps(props))
		return nil
	})
	return lineage, err
}

func (s *Neo4jStore) walkVersions(ctx context.Context, op, label, id string, depth int, fn func(map[string]any) error) error {
	if depth <= 0 {
		depth = DefaultLineageDepth
	}
	return s.read(ctx, op, id, func(tx neo4j.ExplicitTransaction) error {
		recs, err := collect(ctx, tx, fmt.Sprintf(`
			MATCH (n:%[1]s {id: $id}) WHERE n.valid_to IS NULL
			MATCH (n)-[:PREVIOUS_VERSION*0..%[2]d]->(v:%[1]s)
			RETURN DISTINCT v
			ORDER BY v.version DESC
			LIMIT $depth`, label, depth-1), map[string]any{"id": id, "depth": depth})
		if err != nil {
			return err
		}
		seen := 0
		for _, rec := range recs {
			props, ok := nodeProps(rec, "v")
			if !ok {
				continue
			}
			if err := fn(props); err != nil {
				return err
			}
			seen++
		}
		if seen == 0 {
			return notFound(op, id)
		}
		return nil
	})
}

// GetRelationships returns the current edges touching id.
func (s *Neo4jStore) GetRelationships(ctx context.Context, id string, relTypes ...types.RelType) ([]*types.Relationship, error) {
	const op = "get_relationships"
	names := make([]string, 0, len(relTypes))
	for _, t := range relTypes {
		names = append(names, string(t))
	}

	var rels []*types.Relationship
	err := s.read(ctx, op, id, func(tx neo4j.ExplicitTransaction) error {
		recs, err := collect(ctx, tx, `
			MATCH (n {id: $id})
			WHERE (n:Resource OR n:Identity OR n:Violation) AND n.valid_to IS NULL
			MATCH (n)-[r]-()
			WHERE r.valid_to IS NULL AND type(r) <> 'PREVIOUS_VERSION'
			  AND (size($types) = 0 OR type(r) IN $types)
			RETURN DISTINCT type(r) AS type, startNode(r).id AS from, endNode(r).id AS to, properties(r) AS props`,
			map[string]any{"id": id, "types": names})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			rel, err := relationshipFromProps(
				types.RelType(stringValue(rec, "type")),
				stringValue(rec, "from"),
				stringValue(rec, "to"),
				asMap(mustGet(rec, "props")),
			)
			if err != nil {
				return err
			}
			rels = append(rels, rel)
		}
		return nil
	})
	return rels, err
}

// FindPaths returns up to MaxPaths current paths, shortest first.
func (s *Neo4jStore) FindPaths(ctx context.Context, sourceID, targetID string, maxDepth int) ([]types.Path, error) {
	const op = "find_paths"
	if maxDepth <= 0 {
		maxDepth = DefaultPathDepth
	}
	if maxDepth > MaxTraversalDepth {
		return nil, invalid(op, sourceID, "max depth %d exceeds %d", maxDepth, MaxTraversalDepth)
	}

	var paths []types.Path
	err := s.read(ctx, op, sourceID, func(tx neo4j.ExplicitTransaction) error {
		for _, id := range []string{sourceID, targetID} {
			ok, err := nodeIsCurrent(ctx, tx, id)
			if err != nil {
				return err
			}
			if !ok {
				return notFound(op, id)
			}
		}
		if sourceID == targetID {
			return nil
		}

		recs, err := collect(ctx, tx, fmt.Sprintf(`
			MATCH (s:Resource|Identity {id: $source}) WHERE s.valid_to IS NULL
			MATCH (t:Resource|Identity {id: $target}) WHERE t.valid_to IS NULL
			MATCH p = (s)-[:%s*1..%d]->(t)
			WHERE all(r IN relationships(p) WHERE r.valid_to IS NULL)
			  AND all(x IN nodes(p) WHERE x.valid_to IS NULL)
			RETURN [x IN nodes(p) | x.id] AS ids, [r IN relationships(p) | type(r)] AS rels
			ORDER BY length(p) ASC
			LIMIT $limit`, relTypeAlternation(types.TraversableRelTypes), maxDepth),
			map[string]any{"source": sourceID, "target": targetID, "limit": MaxPaths})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			var p types.Path
			for _, v := range asList(mustGet(rec, "ids")) {
				id, _ := v.(string)
				p.NodeIDs = append(p.NodeIDs, id)
			}
			for _, v := range asList(mustGet(rec, "rels")) {
				t, _ := v.(string)
				p.Rels = append(p.Rels, types.RelType(t))
			}
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

// MatchPath runs the compiled path query. The read transaction inherits the
// caller's deadline.
func (s *Neo4jStore) MatchPath(ctx context.Context, q *PathQuery) (bool, error) {
	const op = "match_path"
	if q == nil {
		return false, invalid(op, "", "query is required")
	}
	cq, err := renderPathQuery(q)
	if err != nil {
		return false, newError(op, KindInvalid, "", err)
	}

	ctx, span := s.tracer.Start(ctx, "neo4j.match_path",
		trace.WithAttributes(attribute.Int("max_depth", q.MaxDepth)))
	defer span.End()

	matched := false
	err = s.read(ctx, op, "", func(tx neo4j.ExplicitTransaction) error {
		result, err := tx.Run(ctx, cq.text, cq.params)
		if err != nil {
			return err
		}
		matched = result.Next(ctx)
		return result.Err()
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("matched", matched))
	return matched, nil
}

// DetectAnomalousAccess aggregates current PERFORMED_ACTION_ON edges in the
// window and scores each identity.
func (s *Neo4jStore) DetectAnomalousAccess(ctx context.Context, window time.Duration, th AnomalyThresholds) ([]AccessAnomaly, error) {
	const op = "detect_anomalous_access"
	if window <= 0 {
		return nil, invalid(op, "", "window must be positive")
	}
	start := s.now().Add(-window)

	var activity []IdentityActivity
	err := s.read(ctx, op, "", func(tx neo4j.ExplicitTransaction) error {
		recs, err := collect(ctx, tx, `
			MATCH (i:Identity)-[a:PERFORMED_ACTION_ON]->(r:Resource)
			WHERE a.valid_to IS NULL AND a.event_time >= $since
			RETURN i.id AS identity, count(a) AS actions,
			       count(DISTINCT r.type) AS types, count(DISTINCT r.id) AS resources`,
			map[string]any{"since": start})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			activity = append(activity, IdentityActivity{
				IdentityID:    stringValue(rec, "identity"),
				Actions:       int(intValue(rec, "actions")),
				ResourceTypes: int(intValue(rec, "types")),
				Resources:     int(intValue(rec, "resources")),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scoreActivity(activity, th, window, start), nil
}

// CreateViolation merges the violation node and links it to the current
// resource version.
func (s *Neo4jStore) CreateViolation(ctx context.Context, v *types.Violation) (bool, error) {
	const op = "create_violation"
	if err := validateViolation(op, v); err != nil {
		return false, err
	}
	now := s.now()
	stored := newViolationRecord(v, now)
	props, err := violationProps(&stored)
	if err != nil {
		return false, newError(op, KindInvalid, v.ID, err)
	}

	created := false
	err = s.write(ctx, op, v.ID, func(tx neo4j.ExplicitTransaction) error {
		recs, err := collect(ctx, tx, `
			MATCH (r:Resource|Identity {id: $resource_id}) WHERE r.valid_to IS NULL
			MERGE (v:Violation {id: $id})
			ON CREATE SET v += $props, v._created = true
			WITH r, v, coalesce(v._created, false) AS created
			REMOVE v._created
			FOREACH (_ IN CASE WHEN created THEN [1] ELSE [] END |
				CREATE (v)-[:DETECTED_ON {valid_from: $now, version: 1, _properties: '{}'}]->(r)
				CREATE (r)-[:HAS_VIOLATION {valid_from: $now, version: 1, _properties: '{}'}]->(v))
			RETURN created`,
			map[string]any{"id": stored.ID, "resource_id": stored.ResourceID, "props": props, "now": now})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return notFound(op, stored.ResourceID)
		}
		c, _ := recs[0].Get("created")
		created, _ = c.(bool)
		if !created {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		*v = stored
	}
	return created, nil
}

// GetViolation loads one violation.
func (s *Neo4jStore) GetViolation(ctx context.Context, id string) (*types.Violation, error) {
	const op = "get_violation"
	var result *types.Violation
	err := s.read(ctx, op, id, func(tx neo4j.ExplicitTransaction) error {
		var err error
		result, err = loadNeo4jViolation(ctx, tx, id, false)
		return err
	})
	return result, err
}

// AdvanceViolation moves the lifecycle forward.
func (s *Neo4jStore) AdvanceViolation(ctx context.Context, id string, state types.ViolationState, remediation types.RemediationState) (*types.Violation, error) {
	return s.updateViolation(ctx, "advance_violation", id, func(v *types.Violation) error {
		return applyAdvance(v, state, remediation)
	})
}

// ResolveViolation closes an open violation.
func (s *Neo4jStore) ResolveViolation(ctx context.Context, id string, status types.ViolationStatus, notes string) (*types.Violation, error) {
	if _, err := resolutionState(status); err != nil {
		return nil, newError("resolve_violation", KindInvalid, id, err)
	}
	return s.updateViolation(ctx, "resolve_violation", id, func(v *types.Violation) error {
		return applyResolve(v, status, notes, s.now())
	})
}

func (s *Neo4jStore) updateViolation(ctx context.Context, op, id string, mutate func(*types.Violation) error) (*types.Violation, error) {
	var result *types.Violation
	err := s.write(ctx, op, id, func(tx neo4j.ExplicitTransaction) error {
		v, err := loadNeo4jViolation(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := mutate(v); err != nil {
			return err
		}
		props, err := violationProps(v)
		if err != nil {
			return err
		}
		result = v
		return run(ctx, tx, "MATCH (v:Violation {id: $id}) SET v += $props",
			map[string]any{"id": id, "props": props})
	})
	return result, err
}

// ListViolations filters in the database, newest first.
func (s *Neo4jStore) ListViolations(ctx context.Context, filter types.ViolationFilter) ([]*types.Violation, error) {
	const op = "list_violations"
	var (
		conds  []string
		params = map[string]any{}
	)
	if filter.PolicyID != "" {
		conds = append(conds, "v.policy_id = $policy_id")
		params["policy_id"] = filter.PolicyID
	}
	if filter.ResourceID != "" {
		conds = append(conds, "v.resource_id = $resource_id")
		params["resource_id"] = filter.ResourceID
	}
	if filter.Status != "" {
		conds = append(conds, "v.status = $status")
		params["status"] = string(filter.Status)
	}
	if filter.Severity != "" {
		conds = append(conds, "v.severity = $severity")
		params["severity"] = string(filter.Severity)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "v.detected_at >= $since")
		params["since"] = filter.Since.UTC()
	}

	query := "MATCH (v:Violation)\n"
	if len(conds) > 0 {
		query += "WHERE " + strings.Join(conds, " AND ") + "\n"
	}
	query += "RETURN v ORDER BY v.detected_at DESC, v.id ASC"
	if filter.Limit > 0 {
		query += "\nLIMIT $limit"
		params["limit"] = filter.Limit
	}

	var out []*types.Violation
	err := s.read(ctx, op, "", func(tx neo4j.ExplicitTransaction) error {
		recs, err := collect(ctx, tx, query, params)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			props, ok := nodeProps(rec, "v")
			if !ok {
				continue
			}
			v, err := violationFromProps(props)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// Stats counts current nodes and edges.
func (s *Neo4jStore) Stats(ctx context.Context) (*Stats, error) {
	st := newStats()
	err := s.read(ctx, "stats", "", func(tx neo4j.ExplicitTransaction) error {
		recs, err := collect(ctx, tx, `
			MATCH (n:Resource) WHERE n.valid_to IS NULL
			RETURN n.cloud AS cloud, n.type AS type, count(*) AS c`, nil)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			c := int(intValue(rec, "c"))
			st.Resources += c
			st.ResourcesByCloud[stringValue(rec, "cloud")] += c
			st.ResourcesByType[stringValue(rec, "type")] += c
		}

		if st.Identities, err = count(ctx, tx, "MATCH (n:Identity) WHERE n.valid_to IS NULL RETURN count(n) AS c"); err != nil {
			return err
		}
		if st.Relationships, err = count(ctx, tx,
			"MATCH ()-[r]->() WHERE r.valid_to IS NULL AND type(r) <> 'PREVIOUS_VERSION' RETURN count(r) AS c"); err != nil {
			return err
		}

		recs, err = collect(ctx, tx, "MATCH (e:Event) RETURN count(e) AS c, max(e.event_time) AS last", nil)
		if err != nil {
			return err
		}
		st.Events = int(intValue(recs[0], "c"))
		if last, ok := mustGet(recs[0], "last").(time.Time); ok {
			st.LastEventTime = &last
		}

		recs, err = collect(ctx, tx, `
			MATCH (v:Violation)
			RETURN v.status AS status, v.severity AS severity, count(*) AS c, max(v.detected_at) AS last`, nil)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			c := int(intValue(rec, "c"))
			st.Violations += c
			if types.ViolationStatus(stringValue(rec, "status")) == types.StatusOpen {
				st.OpenViolations += c
				st.OpenBySeverity[types.Severity(stringValue(rec, "severity"))] += c
			}
			if last, ok := mustGet(rec, "last").(time.Time); ok {
				if st.LastViolationCreated == nil || last.After(*st.LastViolationCreated) {
					st.LastViolationCreated = &last
				}
			}
		}

		recs, err = collect(ctx, tx, "OPTIONAL MATCH (m:StoreMeta {key: 'schema'}) RETURN m.version AS version", nil)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			st.SchemaVersion = int(intValue(recs[0], "version"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Close closes the driver.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

func (s *Neo4jStore) write(ctx context.Context, op, id string, fn func(neo4j.ExplicitTransaction) error) error {
	return s.transact(ctx, neo4j.AccessModeWrite, op, id, fn)
}

func (s *Neo4jStore) read(ctx context.Context, op, id string, fn func(neo4j.ExplicitTransaction) error) error {
	return s.transact(ctx, neo4j.AccessModeRead, op, id, fn)
}

// transact runs fn in one explicit transaction. There are no internal
// retries; classified errors tell the caller whether to try again.
func (s *Neo4jStore) transact(ctx context.Context, mode neo4j.AccessMode, op, id string, fn func(neo4j.ExplicitTransaction) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: mode})
	defer session.Close(ctx)

	timeout := s.txTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return newError(op, KindTimeout, id, context.DeadlineExceeded)
	}

	tx, err := session.BeginTransaction(ctx, neo4j.WithTxTimeout(timeout))
	if err != nil {
		return classifyNeo4j(op, id, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, errNoChange) {
			return nil
		}
		if mode == neo4j.AccessModeWrite {
			s.logger.LogStorageError(ctx, op, err)
		}
		return classifyNeo4j(op, id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyNeo4j(op, id, err)
	}
	return nil
}

func classifyNeo4j(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(op, KindTimeout, id, err)
	}
	if neo4j.IsConnectivityError(err) {
		return newError(op, KindUnavailable, id, err)
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		switch {
		case strings.Contains(nerr.Code, "TransactionTimedOut"):
			return newError(op, KindTimeout, id, err)
		case strings.Contains(nerr.Code, "ConstraintValidationFailed"),
			strings.HasPrefix(nerr.Code, "Neo.TransientError"):
			return newError(op, KindConflict, id, err)
		case strings.HasPrefix(nerr.Code, "Neo.ClientError.Statement"):
			return newError(op, KindInvalid, id, err)
		}
	}
	return newError(op, KindInternal, id, err)
}

// lockHead takes the write lock on the per-id head node and returns the head
// version, zero for a new id.
func lockHead(ctx context.Context, tx neo4j.ExplicitTransaction, label, id string) (int64, error) {
	recs, err := collect(ctx, tx, fmt.Sprintf(
		"MERGE (h:%sHead {id: $id}) SET h.lock = coalesce(h.lock, 0) + 1 RETURN coalesce(h.version, 0) AS version", label),
		map[string]any{"id": id})
	if err != nil {
		return 0, err
	}
	return intValue(recs[0], "version"), nil
}

func currentNode(ctx context.Context, tx neo4j.ExplicitTransaction, label, id string) (map[string]any, bool, error) {
	recs, err := collect(ctx, tx,
		fmt.Sprintf("MATCH (n:%s {id: $id}) WHERE n.valid_to IS NULL RETURN n", label),
		map[string]any{"id": id})
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	props, ok := nodeProps(recs[0], "n")
	return props, ok, nil
}

func nodeIsCurrent(ctx context.Context, tx neo4j.ExplicitTransaction, id string) (bool, error) {
	n, err := count(ctx, tx,
		"MATCH (n:Resource|Identity {id: $id}) WHERE n.valid_to IS NULL RETURN count(n) AS c",
		map[string]any{"id": id})
	return n > 0, err
}

func loadNeo4jViolation(ctx context.Context, tx neo4j.ExplicitTransaction, id string, lock bool) (*types.Violation, error) {
	query := "MATCH (v:Violation {id: $id}) RETURN v"
	if lock {
		query = "MATCH (v:Violation {id: $id}) SET v._lock = coalesce(v._lock, 0) + 1 RETURN v"
	}
	recs, err := collect(ctx, tx, query, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, notFound("get_violation", id)
	}
	props, _ := nodeProps(recs[0], "v")
	return violationFromProps(props)
}

func run(ctx context.Context, tx neo4j.ExplicitTransaction, query string, params map[string]any) error {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}

func collect(ctx context.Context, tx neo4j.ExplicitTransaction, query string, params map[string]any) ([]*neo4j.Record, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

func count(ctx context.Context, tx neo4j.ExplicitTransaction, query string, params ...map[string]any) (int, error) {
	var p map[string]any
	if len(params) > 0 {
		p = params[0]
	}
	recs, err := collect(ctx, tx, query, p)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	return int(intValue(recs[0], "c")), nil
}

func nodeProps(rec *neo4j.Record, key string) (map[string]any, bool) {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil, false
	}
	n, ok := v.(neo4j.Node)
	if !ok {
		return nil, false
	}
	return n.Props, true
}

func mustGet(rec *neo4j.Record, key string) any {
	v, _ := rec.Get(key)
	return v
}

func stringValue(rec *neo4j.Record, key string) string {
	s, _ := mustGet(rec, key).(string)
	return s
}

func intValue(rec *neo4j.Record, key string) int64 {
	n, _ := mustGet(rec, key).(int64)
	return n
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func knownRelType(t types.RelType) bool {
	for _, known := range migratedRelTypes {
		if t == known {
			return true
		}
	}
	return false
}

var _ Store = (*Neo4jStore)(nil)
