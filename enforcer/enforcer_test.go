package enforcer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/argus/evaluator"
	"github.com/yairfalse/argus/executor"
	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/types"
	"github.com/yairfalse/argus/wal"
)

// recordingConnector accepts every action type and remembers the calls.
type recordingConnector struct {
	mu    sync.Mutex
	calls []policy.ActionType
	fail  map[policy.ActionType]error
}

func (c *recordingConnector) Name() string { return "recording" }

func (c *recordingConnector) Execute(_ context.Context, action policy.Action, _ *types.Violation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, action.Type)
	return c.fail[action.Type]
}

func (c *recordingConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newEngine(t *testing.T, conn *recordingConnector) *executor.Engine {
	t.Helper()
	reg := executor.NewRegistry()
	reg.Register(conn,
		policy.ActionNotify, policy.ActionTag, policy.ActionStop, policy.ActionDisable,
		policy.ActionDelete, policy.ActionQuarantine, policy.ActionEscalate, policy.ActionBlock)
	e, err := executor.NewEngine(reg, executor.Options{ActionTimeout: time.Second, AllowDestructive: true})
	require.NoError(t, err)
	return e
}

// fakeStore keeps violations in memory and can fail the first creates.
type fakeStore struct {
	mu         sync.Mutex
	violations map[string]*types.Violation
	createErrs []error
	creates    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{violations: map[string]*types.Violation{}}
}

func (f *fakeStore) CreateViolation(_ context.Context, v *types.Violation) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return false, err
	}
	if _, ok := f.violations[v.ID]; ok {
		return false, nil
	}
	stored := *v
	f.violations[v.ID] = &stored
	return true, nil
}

func (f *fakeStore) AdvanceViolation(_ context.Context, id string, state types.ViolationState, remediation types.RemediationState) (*types.Violation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.violations[id]
	if !ok {
		return nil, &storage.StoreError{Op: "advance_violation", Kind: storage.KindNotFound, ID: id}
	}
	if state != "" && state != v.State {
		if !v.State.CanAdvanceTo(state) {
			return nil, &storage.StoreError{Op: "advance_violation", Kind: storage.KindConflict, ID: id}
		}
		v.State = state
	}
	if remediation != "" {
		v.Remediation = remediation
	}
	out := *v
	return &out, nil
}

func (f *fakeStore) get(id string) *types.Violation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.violations[id]
}

type fakeScheduler struct {
	jobs []any
	err  error
}

func (s *fakeScheduler) Push(_ context.Context, v any) error {
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, v)
	return nil
}

type fakeDenier struct {
	calls int
	err   error
}

func (d *fakeDenier) Deny(context.Context, *types.Violation, *types.Event) error {
	d.calls++
	return d.err
}

func testPolicy(mode policy.Mode, actions ...policy.ActionType) *policy.Policy {
	p := &policy.Policy{
		ID:          "s3-public-read",
		Name:        "S3 bucket allows public read",
		Version:     "3",
		Severity:    types.SeverityHigh,
		Enabled:     true,
		Selector:    policy.ResourceSelector{Cloud: "aws", ResourceTypes: []string{"aws:s3:bucket"}},
		Condition:   policy.Field("resource.properties.public_read", types.OpEq, types.Bool(true)),
		Enforcement: policy.Enforcement{Runtime: mode},
	}
	for _, a := range actions {
		p.Actions = append(p.Actions, policy.Action{Type: a})
	}
	return p
}

func bucketEvent(id string, publicRead bool) *types.Event {
	return &types.Event{
		ID:        id,
		Cloud:     "aws",
		EventType: "AwsApiCall",
		EventTime: time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC),
		Operation: "PutBucketAcl",
		Principal: types.PrincipalRef{ID: "user/alice", Type: types.IdentityUser},
		Resource: types.ResourceRef{
			ID:         "arn:aws:s3:::logs",
			Type:       "aws:s3:bucket",
			Region:     "us-east-1",
			Properties: types.Properties{"public_read": types.Bool(publicRead)},
		},
	}
}

func TestViolationID_Deterministic(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC)

	a := ViolationID("p", "r", at, time.Hour)
	assert.Equal(t, a, ViolationID("p", "r", at.Add(30*time.Minute), time.Hour), "same window")
	assert.NotEqual(t, a, ViolationID("p", "r", at.Add(time.Hour), time.Hour), "next window")
	assert.NotEqual(t, a, ViolationID("p", "r2", at, time.Hour))
	assert.NotEqual(t, a, ViolationID("p2", "r", at, time.Hour))
	assert.Equal(t, a, ViolationID("p", "r", at.In(time.FixedZone("x", 3600)), time.Hour), "zone independent")
}

func TestDispatch_PostEvent(t *testing.T) {
	store := newFakeStore()
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModePostEvent, policy.ActionTag, policy.ActionNotify), bucketEvent("e-1", true))
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.Equal(t, policy.ModePostEvent, out.Mode)
	assert.Equal(t, []policy.ActionType{policy.ActionTag, policy.ActionNotify}, conn.calls)

	stored := store.get(out.Violation.ID)
	require.NotNil(t, stored)
	assert.Equal(t, types.StateRemediated, stored.State)
	assert.Equal(t, types.RemediationCompleted, stored.Remediation)
	assert.Equal(t, "s3-public-read", stored.PolicyID)
	assert.Equal(t, "3", stored.PolicyVersion)
	assert.Equal(t, "e-1", stored.EventID)
	assert.Equal(t, "post-event", stored.Mode)
}

func TestDispatch_FailingActionDoesNotBlockOthers(t *testing.T) {
	store := newFakeStore()
	conn := &recordingConnector{fail: map[policy.ActionType]error{policy.ActionTag: errors.New("throttled")}}
	d := New(store, newEngine(t, conn))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModePostEvent, policy.ActionTag, policy.ActionNotify), bucketEvent("e-1", true))
	require.NoError(t, err)

	assert.Equal(t, 2, conn.count())
	assert.Equal(t, 1, out.Execution.FailedCount)
	assert.Equal(t, 1, out.Execution.SuccessfulCount)
	stored := store.get(out.Violation.ID)
	assert.Equal(t, types.StateNotified, stored.State)
	assert.Equal(t, types.RemediationPartial, stored.Remediation)
}

func TestDispatch_AuditOnly(t *testing.T) {
	store := newFakeStore()
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModeAuditOnly, policy.ActionDelete), bucketEvent("e-1", true))
	require.NoError(t, err)

	assert.True(t, out.Created)
	assert.Zero(t, conn.count())
	assert.Nil(t, out.Execution)
	assert.Equal(t, types.StateAudited, store.get(out.Violation.ID).State)
}

func TestDispatch_InlineDeny(t *testing.T) {
	store := newFakeStore()
	conn := &recordingConnector{}
	denier := &fakeDenier{}
	d := New(store, newEngine(t, conn), WithDenier(denier))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModeInlineDeny, policy.ActionNotify), bucketEvent("e-1", true))
	require.NoError(t, err)

	assert.True(t, out.Denied)
	assert.Equal(t, 1, denier.calls)
	assert.Equal(t, 1, conn.count())
}

func TestDispatch_InlineDenyFailureStillRunsActions(t *testing.T) {
	conn := &recordingConnector{}
	denier := &fakeDenier{err: errors.New("bus down")}
	d := New(newFakeStore(), newEngine(t, conn), WithDenier(denier))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModeInlineDeny, policy.ActionTag), bucketEvent("e-1", true))
	require.NoError(t, err)

	assert.False(t, out.Denied)
	assert.Equal(t, 1, conn.count())
}

func TestDispatch_InlineDenyWithoutDenier(t *testing.T) {
	conn := &recordingConnector{}
	d := New(newFakeStore(), newEngine(t, conn))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModeInlineDeny, policy.ActionTag), bucketEvent("e-1", true))
	require.NoError(t, err)
	assert.False(t, out.Denied)
	assert.Equal(t, 1, conn.count())
}

func TestDispatch_Scheduled(t *testing.T) {
	store := newFakeStore()
	conn := &recordingConnector{}
	sched := &fakeScheduler{}
	d := New(store, newEngine(t, conn), WithScheduler(sched))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModeScheduled, policy.ActionStop), bucketEvent("e-1", true))
	require.NoError(t, err)

	assert.True(t, out.Scheduled)
	assert.Zero(t, conn.count(), "scheduled actions run later")
	require.Len(t, sched.jobs, 1)
	job := sched.jobs[0].(ScheduledJob)
	assert.Equal(t, out.Violation.ID, job.Violation.ID)
	assert.Equal(t, []policy.Action{{Type: policy.ActionStop}}, job.Actions)
	assert.Equal(t, types.RemediationScheduled, store.get(out.Violation.ID).Remediation)
}

func TestDispatch_ScheduledWithoutScheduler(t *testing.T) {
	d := New(newFakeStore(), newEngine(t, &recordingConnector{}))
	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModeScheduled, policy.ActionStop), bucketEvent("e-1", true))
	assert.Error(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Created, "the violation is recorded even when scheduling fails")
}

func TestDispatch_RedeliveryIsIdempotent(t *testing.T) {
	store := newFakeStore()
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn))
	p := testPolicy(policy.ModePostEvent, policy.ActionTag)
	event := bucketEvent("e-1", true)

	first, err := d.Dispatch(context.Background(), p, event)
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), p, event)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Violation.ID, second.Violation.ID)
	assert.Len(t, store.violations, 1)
	assert.Equal(t, 1, conn.count(), "actions run once per occurrence")
}

func TestDispatch_RetriesRetryableStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.createErrs = []error{
		&storage.StoreError{Op: "create_violation", Kind: storage.KindUnavailable},
		&storage.StoreError{Op: "create_violation", Kind: storage.KindConflict},
	}
	d := New(store, newEngine(t, &recordingConnector{}))
	d.retryBase = time.Millisecond

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModeAuditOnly), bucketEvent("e-1", true))
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, 3, store.creates)
}

func TestDispatch_DoesNotRetryPermanentStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.createErrs = []error{&storage.StoreError{Op: "create_violation", Kind: storage.KindNotFound, ID: "arn:aws:s3:::logs"}}
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModePostEvent, policy.ActionTag), bucketEvent("e-1", true))
	assert.Nil(t, out)
	assert.True(t, storage.IsNotFound(err))
	assert.Equal(t, 1, store.creates)
	assert.Zero(t, conn.count())
}

func TestDispatch_GivesUpAfterRetries(t *testing.T) {
	store := newFakeStore()
	for range 5 {
		store.createErrs = append(store.createErrs, &storage.StoreError{Op: "create_violation", Kind: storage.KindTimeout})
	}
	d := New(store, newEngine(t, &recordingConnector{}), WithStoreRetries(2))
	d.retryBase = time.Millisecond

	_, err := d.Dispatch(context.Background(), testPolicy(policy.ModePostEvent), bucketEvent("e-1", true))
	assert.True(t, storage.IsRetryable(err))
	assert.Equal(t, 2, store.creates)
}

func TestDispatch_RejectsPreDeploymentAtRuntime(t *testing.T) {
	d := New(newFakeStore(), nil)
	p := testPolicy("")
	p.Enforcement.Runtime = policy.ModePreDeployment
	_, err := d.Dispatch(context.Background(), p, bucketEvent("e-1", true))
	assert.Error(t, err)
}

func TestDispatch_RefusesPolicyMissingFromRegistry(t *testing.T) {
	ctx := context.Background()
	reg := policy.NewRegistry()
	_, err := reg.Replace(ctx, []*policy.Policy{testPolicy(policy.ModePostEvent, policy.ActionTag)})
	require.NoError(t, err)

	store := newFakeStore()
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn), WithPolicies(reg))

	stray := testPolicy(policy.ModePostEvent, policy.ActionTag)
	stray.ID = "not-loaded"
	_, err = d.Dispatch(ctx, stray, bucketEvent("e-1", true))
	assert.ErrorIs(t, err, ErrUnknownPolicy)
	assert.Zero(t, store.creates)
	assert.Empty(t, conn.calls)

	out, err := d.Dispatch(ctx, testPolicy(policy.ModePostEvent, policy.ActionTag), bucketEvent("e-1", true))
	require.NoError(t, err)
	assert.True(t, out.Created)
}

func TestDispatch_WritesAuditTrail(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir)
	require.NoError(t, err)

	d := New(newFakeStore(), newEngine(t, &recordingConnector{}), WithWAL(w))
	p := testPolicy(policy.ModePostEvent, policy.ActionTag)
	_, err = d.Dispatch(context.Background(), p, bucketEvent("e-1", true))
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), p, bucketEvent("e-1", true))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var seen []wal.EntryType
	require.NoError(t, wal.Replay(dir, time.Time{}, func(e *wal.Entry) error {
		seen = append(seen, e.Type)
		return nil
	}))
	assert.Equal(t, []wal.EntryType{wal.EntryDetected, wal.EntryDuplicate}, seen)
}

func TestDispatchAll_ContinuesPastErrors(t *testing.T) {
	store := newFakeStore()
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn))

	broken := testPolicy(policy.ModeScheduled, policy.ActionTag)
	broken.ID = "needs-scheduler"
	ok := testPolicy(policy.ModePostEvent, policy.ActionTag)

	outcomes, err := d.DispatchAll(context.Background(), []*policy.Policy{broken, ok}, bucketEvent("e-1", true))
	assert.Error(t, err)
	assert.Len(t, outcomes, 2)
	assert.Equal(t, 1, conn.count())
}

func TestVerdict(t *testing.T) {
	d := New(newFakeStore(), nil)
	event := bucketEvent("plan-1", true)

	high := testPolicy("")
	low := testPolicy("")
	low.ID, low.Severity = "low", types.SeverityLow
	audit := testPolicy("")
	audit.ID, audit.Severity = "audit", types.SeverityCritical
	audit.Enforcement.CICD = policy.ModeAuditOnly
	strict := testPolicy("")
	strict.ID, strict.Severity = "strict", types.SeverityLow
	strict.Enforcement.BlockOn = types.SeverityLow

	tests := []struct {
		name    string
		matches []*policy.Policy
		want    VerdictOutcome
	}{
		{"no matches", nil, VerdictPass},
		{"high blocks by default", []*policy.Policy{high}, VerdictBlock},
		{"below threshold warns", []*policy.Policy{low}, VerdictWarn},
		{"audit-only never blocks", []*policy.Policy{audit}, VerdictWarn},
		{"custom threshold", []*policy.Policy{strict}, VerdictBlock},
		{"block wins", []*policy.Policy{low, high}, VerdictBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := d.Verdict(context.Background(), tt.matches, event)
			assert.Equal(t, tt.want, v.Outcome)
			assert.Len(t, v.Findings, len(tt.matches))
			assert.Equal(t, tt.want == VerdictBlock, v.Blocked())
		})
	}
}

func TestVerdict_RecordsNothing(t *testing.T) {
	store := newFakeStore()
	d := New(store, nil)
	d.Verdict(context.Background(), []*policy.Policy{testPolicy("")}, bucketEvent("plan-1", true))
	assert.Zero(t, store.creates)
}

func TestRunScheduled(t *testing.T) {
	store := newFakeStore()
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn), WithScheduler(&fakeScheduler{}))

	out, err := d.Dispatch(context.Background(), testPolicy(policy.ModeScheduled, policy.ActionStop), bucketEvent("e-1", true))
	require.NoError(t, err)

	job := &ScheduledJob{Violation: *out.Violation, Actions: []policy.Action{{Type: policy.ActionStop}}}
	res, err := d.RunScheduled(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SuccessfulCount)

	stored := store.get(out.Violation.ID)
	assert.Equal(t, types.StateRemediated, stored.State)
	assert.Equal(t, types.RemediationCompleted, stored.Remediation)
}

// Scenarios A and B run the full evaluate-then-dispatch path on the
// embedded store.
func setupScenario(t *testing.T) (*storage.MVCCStore, *policy.Snapshot) {
	t.Helper()
	store, err := storage.NewMVCCStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	doc := policy.Document{
		ID:       "s3-public-read",
		Name:     "S3 bucket allows public read",
		Severity: "high",
		Selector: policy.ResourceSelector{Cloud: "aws", ResourceTypes: []string{"aws:s3:bucket"}},
		Condition: &policy.ConditionDoc{Field: &policy.FieldDoc{
			Field:    "resource.properties.public_read",
			Operator: "eq",
			Value:    ptr(types.Bool(true)),
		}},
		Enforcement: policy.Enforcement{Runtime: policy.ModePostEvent},
		Actions:     []policy.Action{{Type: policy.ActionTag}},
	}
	p, err := policy.Build(doc)
	require.NoError(t, err)

	snap, err := policy.NewRegistry().Replace(context.Background(), []*policy.Policy{p})
	require.NoError(t, err)
	return store, snap
}

func ptr[T any](v T) *T { return &v }

func runScenario(t *testing.T, store *storage.MVCCStore, snap *policy.Snapshot, d *Dispatcher, event *types.Event) {
	t.Helper()
	ctx := context.Background()
	_, err := store.UpsertResource(ctx, event.ResourceSnapshot())
	require.NoError(t, err)

	matches := evaluator.Matches(evaluator.New(store).EvaluateEvent(ctx, snap, event))
	_, err = d.DispatchAll(ctx, matches, event)
	require.NoError(t, err)
}

func TestScenarioA_PublicBucketViolates(t *testing.T) {
	store, snap := setupScenario(t)
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn))

	runScenario(t, store, snap, d, bucketEvent("e-1", true))

	vs, err := store.ListViolations(context.Background(), types.ViolationFilter{})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "s3-public-read", vs[0].PolicyID)
	assert.Equal(t, []policy.ActionType{policy.ActionTag}, conn.calls)
}

func TestScenarioB_PrivateBucketPasses(t *testing.T) {
	store, snap := setupScenario(t)
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn))

	runScenario(t, store, snap, d, bucketEvent("e-1", false))

	vs, err := store.ListViolations(context.Background(), types.ViolationFilter{})
	require.NoError(t, err)
	assert.Empty(t, vs)
	assert.Zero(t, conn.count())
}

func TestScenario_RedeliveryOnStore(t *testing.T) {
	store, snap := setupScenario(t)
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn))

	event := bucketEvent("e-1", true)
	runScenario(t, store, snap, d, event)
	runScenario(t, store, snap, d, event)

	vs, err := store.ListViolations(context.Background(), types.ViolationFilter{})
	require.NoError(t, err)
	assert.Len(t, vs, 1)
	assert.Equal(t, 1, conn.count())
}
