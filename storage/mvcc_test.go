package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/argus/types"
)

// stepClock advances one second per call so versions get distinct times.
type stepClock struct {
	base  time.Time
	ticks atomic.Int64
}

func (c *stepClock) Now() time.Time {
	return c.base.Add(time.Duration(c.ticks.Add(1)) * time.Second)
}

func newTestStore(t *testing.T) (*MVCCStore, *stepClock) {
	t.Helper()
	clock := &stepClock{base: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s, err := NewMVCCStore(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func bucket(id string, public bool) *types.Resource {
	return &types.Resource{
		ID:         id,
		Type:       "aws:s3:bucket",
		Cloud:      "aws",
		Region:     "us-east-1",
		Tags:       map[string]string{"env": "prod"},
		Properties: types.Properties{"public_read": types.Bool(public)},
	}
}

func resource(id, typ string, props types.Properties) *types.Resource {
	return &types.Resource{ID: id, Type: typ, Cloud: "aws", Properties: props}
}

func TestMVCCStore_UpsertResourceVersions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	v1, err := s.UpsertResource(ctx, bucket("b1", false))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)
	assert.True(t, v1.IsCurrent())

	same, err := s.UpsertResource(ctx, bucket("b1", false))
	require.NoError(t, err)
	assert.Equal(t, int64(1), same.Version, "unchanged content must not create a version")

	v2, err := s.UpsertResource(ctx, bucket("b1", true))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.Equal(t, v1.CreatedAt, v2.CreatedAt)

	lineage, err := s.GetLineage(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, int64(2), lineage[0].Version)
	assert.Nil(t, lineage[0].ValidTo)
	require.NotNil(t, lineage[1].ValidTo)
	assert.Equal(t, lineage[0].ValidFrom, *lineage[1].ValidTo, "closing time equals successor start")

	cur, err := s.GetResource(ctx, "b1")
	require.NoError(t, err)
	pub, _ := cur.Properties["public_read"].Boolean()
	assert.True(t, pub)
}

func TestMVCCStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.GetResource(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetLineage(ctx, "nope", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetViolation(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMVCCStore_ConcurrentUpsertsSameID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertResource(ctx, resource("r", "aws:ec2:instance", types.Properties{"n": types.Int(int64(i))}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	lineage, err := s.GetLineage(ctx, "r", MaxTraversalDepth)
	require.NoError(t, err)
	require.Len(t, lineage, writers)

	current := 0
	for i, r := range lineage {
		assert.Equal(t, int64(writers-i), r.Version, "versions are contiguous")
		if r.IsCurrent() {
			current++
		}
	}
	assert.Equal(t, 1, current, "exactly one current version")
}

func TestMVCCStore_UpsertResourceStaleWrite(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := bucket("b1", false)
	r.LastModified = at
	_, err := s.UpsertResource(ctx, r)
	require.NoError(t, err)

	old := bucket("b1", true)
	old.LastModified = at.Add(-time.Minute)
	cur, err := s.UpsertResource(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)
	assert.Equal(t, types.Bool(false), cur.Properties["public_read"])

	seen, err := s.HasEvent(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMVCCStore_UpsertIdentityActivity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	id := &types.Identity{ID: "alice", ARN: "arn:aws:iam::1:user/alice", Cloud: "aws", LastActivity: at}
	v1, err := s.UpsertIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.IdentityUser, v1.Type)

	id.LastActivity = at.Add(-time.Hour)
	same, err := s.UpsertIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), same.Version, "older activity is a no-op")

	id.LastActivity = at.Add(time.Hour)
	v2, err := s.UpsertIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)
	assert.Equal(t, at.Add(time.Hour), v2.LastActivity)

	id.Name = "Alice"
	v3, err := s.UpsertIdentity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v3.Version)

	lineage, err := s.GetIdentityLineage(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, []int64{3, 2, 1}, []int64{lineage[0].Version, lineage[1].Version, lineage[2].Version})
	assert.Equal(t, at, lineage[2].LastActivity, "earlier activity stays in history")
	require.NotNil(t, lineage[2].ValidTo)
	assert.Nil(t, lineage[0].ValidTo)

	_, err = s.GetIdentityLineage(ctx, "bob", 0)
	assert.True(t, IsNotFound(err))
}

func TestMVCCStore_CreateRelationship(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.UpsertResource(ctx, resource("vm", "aws:ec2:instance", nil))
	require.NoError(t, err)

	rel := &types.Relationship{Type: types.RelDependsOn, FromID: "vm", ToID: "db"}
	_, err = s.CreateRelationship(ctx, rel)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.UpsertResource(ctx, resource("db", "aws:rds:instance", nil))
	require.NoError(t, err)

	created, err := s.CreateRelationship(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	again, err := s.CreateRelationship(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Version)

	rel.Properties = types.Properties{"port": types.Int(5432)}
	updated, err := s.CreateRelationship(ctx, rel)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	rels, err := s.GetRelationships(ctx, "db")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, int64(2), rels[0].Version)

	_, err = s.CreateRelationship(ctx, &types.Relationship{Type: types.RelPreviousVersion, FromID: "vm", ToID: "db"})
	assert.ErrorIs(t, err, ErrInvalid)

	// Edges attach to logical ids and survive new node versions.
	_, err = s.UpsertResource(ctx, resource("db", "aws:rds:instance", types.Properties{"engine": types.String("postgres")}))
	require.NoError(t, err)
	rels, err = s.GetRelationships(ctx, "vm", types.RelDependsOn)
	require.NoError(t, err)
	assert.Len(t, rels, 1)
}

func testEvent(id, principal, resourceID string, at time.Time) *types.Event {
	return &types.Event{
		ID:        id,
		Cloud:     "aws",
		EventType: "AwsApiCall",
		EventTime: at,
		Operation: "PutBucketAcl",
		Principal: types.PrincipalRef{ID: principal},
		Resource:  types.ResourceRef{ID: resourceID, Type: "aws:s3:bucket"},
	}
}

func TestMVCCStore_RecordEvent(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	_, err := s.UpsertResource(ctx, bucket("b1", false))
	require.NoError(t, err)

	ev := testEvent("e1", "alice", "b1", clock.base)
	require.ErrorIs(t, s.RecordEvent(ctx, ev), ErrNotFound, "principal must exist")

	_, err = s.UpsertIdentity(ctx, &types.Identity{ID: "alice", Cloud: "aws"})
	require.NoError(t, err)
	require.NoError(t, s.RecordEvent(ctx, ev))
	require.NoError(t, s.RecordEvent(ctx, ev), "redelivery is a no-op")

	rels, err := s.GetRelationships(ctx, "alice", types.RelPerformedActionOn)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "e1", rels[0].EventID)

	require.NoError(t, s.RecordEvent(ctx, testEvent("e2", "alice", "b1", clock.base)))
	rels, err = s.GetRelationships(ctx, "alice", types.RelPerformedActionOn)
	require.NoError(t, err)
	assert.Len(t, rels, 2, "one edge per event")

	assert.ErrorIs(t, s.RecordEvent(ctx, &types.Event{ID: "bad"}), ErrInvalid)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Events)
}

// buildAttackGraph wires igw -> vm -> db and vm -> role -> db.
func buildAttackGraph(t *testing.T, s *MVCCStore) {
	t.Helper()
	ctx := context.Background()
	nodes := []*types.Resource{
		resource("igw", "aws:ec2:internet-gateway", types.Properties{"internet_facing": types.Bool(true)}),
		resource("vm", "aws:ec2:instance", nil),
		resource("role", "aws:iam:role", nil),
		resource("db", "aws:rds:instance", types.Properties{"encrypted": types.Bool(false)}),
	}
	for _, n := range nodes {
		_, err := s.UpsertResource(ctx, n)
		require.NoError(t, err)
	}
	edges := []*types.Relationship{
		{Type: types.RelUses, FromID: "igw", ToID: "vm"},
		{Type: types.RelDependsOn, FromID: "vm", ToID: "db"},
		{Type: types.RelUses, FromID: "vm", ToID: "role"},
		{Type: types.RelCanAccess, FromID: "role", ToID: "db"},
	}
	for _, e := range edges {
		_, err := s.CreateRelationship(ctx, e)
		require.NoError(t, err)
	}
}

func TestMVCCStore_FindPaths(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	buildAttackGraph(t, s)

	paths, err := s.FindPaths(ctx, "igw", "db", 5)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, []string{"igw", "vm", "db"}, paths[0].NodeIDs)
	assert.Equal(t, []types.RelType{types.RelUses, types.RelDependsOn}, paths[0].Rels)
	assert.Equal(t, []string{"igw", "vm", "role", "db"}, paths[1].NodeIDs)

	paths, err = s.FindPaths(ctx, "igw", "db", 1)
	require.NoError(t, err)
	assert.Empty(t, paths)

	_, err = s.FindPaths(ctx, "igw", "missing", 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMVCCStore_MatchPath(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	buildAttackGraph(t, s)

	igw := types.MustCompileTypePattern("aws:ec2:internet-gateway")
	anyEC2 := types.MustCompileTypePattern("aws:ec2:*")

	tests := []struct {
		name string
		q    PathQuery
		want bool
	}{
		{
			name: "reachable from internet gateway",
			q: PathQuery{
				From:     NodeMatch{Label: LabelResource, Type: &igw},
				To:       NodeMatch{Label: LabelResource, ID: "db"},
				MaxDepth: 3,
				Where:    FieldPredicate{Endpoint: EndpointFrom, Path: "properties.internet_facing", Op: types.OpEq, Value: types.Bool(true)},
			},
			want: true,
		},
		{
			name: "too shallow",
			q: PathQuery{
				From:     NodeMatch{Type: &igw},
				To:       NodeMatch{ID: "db"},
				MaxDepth: 1,
			},
			want: false,
		},
		{
			name: "filter on target fails",
			q: PathQuery{
				From:     NodeMatch{Type: &igw},
				To:       NodeMatch{ID: "db"},
				MaxDepth: 3,
				Where:    FieldPredicate{Endpoint: EndpointTo, Path: "properties.encrypted", Op: types.OpEq, Value: types.Bool(true)},
			},
			want: false,
		},
		{
			name: "negated missing field holds",
			q: PathQuery{
				From:     NodeMatch{ID: "igw"},
				To:       NodeMatch{Type: &anyEC2},
				MaxDepth: 2,
				Where:    NotOf{Pred: FieldPredicate{Endpoint: EndpointTo, Path: "properties.public_ip", Op: types.OpExists}},
			},
			want: true,
		},
		{
			name: "restricted relationship types",
			q: PathQuery{
				From:     NodeMatch{ID: "igw"},
				To:       NodeMatch{ID: "db"},
				RelTypes: []types.RelType{types.RelUses},
				MaxDepth: 5,
			},
			want: false,
		},
		{
			name: "incoming direction",
			q: PathQuery{
				From:      NodeMatch{ID: "db"},
				To:        NodeMatch{Type: &igw},
				Direction: types.DirectionIncoming,
				MaxDepth:  3,
			},
			want: true,
		},
		{
			name: "wrong direction",
			q: PathQuery{
				From:     NodeMatch{ID: "db"},
				To:       NodeMatch{Type: &igw},
				MaxDepth: 3,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.MatchPath(ctx, &tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.MatchPath(ctx, &PathQuery{From: NodeMatch{Type: &igw}, To: NodeMatch{Type: &anyEC2}, MaxDepth: 2})
	assert.ErrorIs(t, err, ErrInvalid, "one endpoint must be anchored")
}

func TestMVCCStore_MatchPathCancelled(t *testing.T) {
	s, _ := newTestStore(t)
	buildAttackGraph(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.MatchPath(ctx, &PathQuery{From: NodeMatch{ID: "igw"}, To: NodeMatch{ID: "db"}, MaxDepth: 3})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMVCCStore_DetectAnomalousAccess(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	typesByIdx := []string{"aws:s3:bucket", "aws:ec2:instance", "aws:rds:instance", "aws:iam:role"}
	for i, typ := range typesByIdx {
		_, err := s.UpsertResource(ctx, resource(fmt.Sprintf("r%d", i), typ, nil))
		require.NoError(t, err)
	}
	for _, who := range []string{"quiet", "busy"} {
		_, err := s.UpsertIdentity(ctx, &types.Identity{ID: who, Cloud: "aws"})
		require.NoError(t, err)
	}

	n := 0
	record := func(who string, res int, at time.Time) {
		n++
		require.NoError(t, s.RecordEvent(ctx, testEvent(fmt.Sprintf("e%d", n), who, fmt.Sprintf("r%d", res), at)))
	}
	now := clock.base
	record("quiet", 0, now)
	for i := 0; i < 8; i++ {
		record("busy", i%4, now)
	}
	// Outside the window.
	for i := 0; i < 50; i++ {
		record("quiet", 0, now.Add(-48*time.Hour))
	}

	anomalies, err := s.DetectAnomalousAccess(ctx, time.Hour, AnomalyThresholds{MaxActions: 5, MaxResourceTypes: 3})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "busy", anomalies[0].IdentityID)
	assert.Equal(t, 8, anomalies[0].Actions)
	assert.Equal(t, 4, anomalies[0].ResourceTypes)
	assert.ElementsMatch(t, []string{ReasonActionVolume, ReasonTypeDiversity}, anomalies[0].Reasons)

	_, err = s.DetectAnomalousAccess(ctx, 0, AnomalyThresholds{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMVCCStore_ViolationLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	v := &types.Violation{ID: "v1", PolicyID: "p1", ResourceID: "b1", Severity: types.SeverityHigh}
	_, err := s.CreateViolation(ctx, v)
	require.ErrorIs(t, err, ErrNotFound, "resource must be current")

	_, err = s.UpsertResource(ctx, bucket("b1", true))
	require.NoError(t, err)

	created, err := s.CreateViolation(ctx, v)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.StateDetected, v.State)
	assert.Equal(t, types.StatusOpen, v.Status)

	created, err = s.CreateViolation(ctx, &types.Violation{ID: "v1", PolicyID: "p1", ResourceID: "b1"})
	require.NoError(t, err)
	assert.False(t, created)

	rels, err := s.GetRelationships(ctx, "b1", types.RelHasViolation)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "v1", rels[0].ToID)

	got, err := s.AdvanceViolation(ctx, "v1", types.StateNotified, types.RemediationPending)
	require.NoError(t, err)
	assert.Equal(t, types.StateNotified, got.State)
	assert.Equal(t, types.RemediationPending, got.Remediation)

	_, err = s.AdvanceViolation(ctx, "v1", types.StateAudited, "")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.AdvanceViolation(ctx, "v1", types.StateDetected, "")
	assert.ErrorIs(t, err, ErrConflict, "lifecycle never moves backwards")

	got, err = s.ResolveViolation(ctx, "v1", types.StatusFalsePositive, "expected public bucket")
	require.NoError(t, err)
	assert.Equal(t, types.StateFalsePositive, got.State)
	require.NotNil(t, got.ResolvedAt)

	_, err = s.ResolveViolation(ctx, "v1", types.StatusResolved, "")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.ResolveViolation(ctx, "v1", types.StatusOpen, "")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMVCCStore_ListViolations(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)

	_, err := s.UpsertResource(ctx, bucket("b1", true))
	require.NoError(t, err)
	for i, sev := range []types.Severity{types.SeverityLow, types.SeverityHigh, types.SeverityHigh} {
		_, err := s.CreateViolation(ctx, &types.Violation{
			ID:         fmt.Sprintf("v%d", i),
			PolicyID:   fmt.Sprintf("p%d", i%2),
			ResourceID: "b1",
			Severity:   sev,
			DetectedAt: clock.base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	all, err := s.ListViolations(ctx, types.ViolationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "v2", all[0].ID, "newest first")

	high, err := s.ListViolations(ctx, types.ViolationFilter{Severity: types.SeverityHigh, Limit: 1})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "v2", high[0].ID)

	byPolicy, err := s.ListViolations(ctx, types.ViolationFilter{PolicyID: "p0"})
	require.NoError(t, err)
	assert.Len(t, byPolicy, 2)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.OpenViolations)
	assert.Equal(t, 2, st.OpenBySeverity[types.SeverityHigh])
	assert.Equal(t, 1, st.Resources)
	assert.Equal(t, 1, st.ResourcesByType["aws:s3:bucket"])
	assert.Equal(t, SchemaVersion, st.SchemaVersion)
}

func TestMVCCStore_ReopenRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewMVCCStore(dir)
	require.NoError(t, err)
	buildAttackGraph(t, s)
	_, err = s.UpsertResource(ctx, resource("db", "aws:rds:instance", types.Properties{"encrypted": types.Bool(true)}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewMVCCStore(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	db, err := reopened.GetResource(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, int64(2), db.Version)

	paths, err := reopened.FindPaths(ctx, "igw", "db", 5)
	require.NoError(t, err)
	assert.Len(t, paths, 2)

	require.NoError(t, reopened.InitializeSchema(ctx), "schema init is idempotent")
}
