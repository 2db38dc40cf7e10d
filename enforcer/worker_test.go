package enforcer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/queue"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/types"
)

func setupQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := queue.Connect(context.Background(), queue.Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return queue.New(client, "argus:scheduled")
}

func TestWorker_ExecutesScheduledJob(t *testing.T) {
	ctx := context.Background()
	q := setupQueue(t)
	store := newFakeStore()
	conn := &recordingConnector{}
	d := New(store, newEngine(t, conn), WithScheduler(q))

	out, err := d.Dispatch(ctx, testPolicy(policy.ModeScheduled, policy.ActionTag), bucketEvent("e-1", true))
	require.NoError(t, err)
	assert.Zero(t, conn.count())

	w := NewWorker(q, d, 100*time.Millisecond)
	took, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, took)
	assert.Equal(t, 1, conn.count())

	stored := store.get(out.Violation.ID)
	assert.Equal(t, types.StateRemediated, stored.State)
	assert.Equal(t, types.RemediationCompleted, stored.Remediation)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Depth{}, depth)
}

func TestWorker_EmptyQueue(t *testing.T) {
	w := NewWorker(setupQueue(t), New(newFakeStore(), nil), 50*time.Millisecond)
	took, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, took)
}

func TestWorker_DropsUndecodableJob(t *testing.T) {
	ctx := context.Background()
	q := setupQueue(t)
	require.NoError(t, q.PushRaw(ctx, []byte("{broken")))

	w := NewWorker(q, New(newFakeStore(), nil), 50*time.Millisecond)
	took, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, took)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Depth{}, depth)
}

func TestWorker_RequeuesRetryableFailure(t *testing.T) {
	ctx := context.Background()
	q := setupQueue(t)
	// The store has never seen this violation, so advancing it fails. A
	// not-found is permanent and the job is dropped.
	job := ScheduledJob{
		Violation: types.Violation{ID: "v-missing", PolicyID: "p", ResourceID: "r", Status: types.StatusOpen, State: types.StateDetected},
		Actions:   []policy.Action{{Type: policy.ActionTag}},
	}
	require.NoError(t, q.Push(ctx, job))

	w := NewWorker(q, New(newFakeStore(), newEngine(t, &recordingConnector{})), 50*time.Millisecond)
	_, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Depth{}, depth)

	// An unavailable store puts the job back.
	require.NoError(t, q.Push(ctx, job))
	store := &unavailableStore{}
	w = NewWorker(q, New(store, newEngine(t, &recordingConnector{})), 50*time.Millisecond)
	_, err = w.ProcessOne(ctx)
	require.NoError(t, err)
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Depth{Pending: 1}, depth)
}

type unavailableStore struct{}

func (unavailableStore) CreateViolation(context.Context, *types.Violation) (bool, error) {
	return false, &storage.StoreError{Op: "create_violation", Kind: storage.KindUnavailable}
}

func (unavailableStore) AdvanceViolation(_ context.Context, id string, _ types.ViolationState, _ types.RemediationState) (*types.Violation, error) {
	return nil, &storage.StoreError{Op: "advance_violation", Kind: storage.KindUnavailable, ID: id}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(setupQueue(t), New(newFakeStore(), nil), 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
