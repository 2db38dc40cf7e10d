package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID string `json:"id"`
}

func setupTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := Connect(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "argus:test"), mr
}

func TestQueue_FIFO(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, item{ID: id}))
	}

	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, d)
		var got item
		require.NoError(t, d.Decode(&got))
		assert.Equal(t, want, got.ID)
		require.NoError(t, q.Ack(ctx, d))
	}

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{}, depth)
}

func TestQueue_PopTimeout(t *testing.T) {
	q, _ := setupTestQueue(t)
	d, err := q.Pop(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestQueue_UnackedStaysInProcessing(t *testing.T) {
	q, mr := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, item{ID: "a"}))
	require.NoError(t, q.Push(ctx, item{ID: "b"}))
	_, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Pending: 1, Processing: 1}, depth)

	processing, err := mr.List("argus:test:processing")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":"a"}`}, processing)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	var got item
	require.NoError(t, d.Decode(&got))
	assert.Equal(t, "a", got.ID, "recovered item is next")
}

func TestQueue_Nack(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, item{ID: "a"}))
	require.NoError(t, q.Push(ctx, item{ID: "b"}))

	d, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Pending: 2}, depth)

	d, err = q.Pop(ctx, time.Second)
	require.NoError(t, err)
	var got item
	require.NoError(t, d.Decode(&got))
	assert.Equal(t, "b", got.ID)
}

func TestQueue_DecodeError(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.PushRaw(ctx, []byte("not json")))

	d, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	var got item
	assert.Error(t, d.Decode(&got))
}

func TestConnect_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = Connect(context.Background(), Config{Addr: addr})
	assert.Error(t, err)
}

func TestQueue_ClosedClient(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, client.Close())

	err = New(client, "k").Push(context.Background(), item{ID: "x"})
	assert.Error(t, err)
}
