// Package queue is a reliable Redis list queue. Pop moves an item atomically
// into a processing list; it leaves that list only on Ack, so a crash between
// Pop and Ack never loses work. Recover returns abandoned items to the queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Queue is one named list plus its processing list.
type Queue struct {
	client     redis.Cmdable
	key        string
	processing string
}

// New returns a queue on key. Items in flight live under key:processing.
func New(client redis.Cmdable, key string) *Queue {
	return &Queue{client: client, key: key, processing: key + ":processing"}
}

// Key returns the pending list name.
func (q *Queue) Key() string {
	return q.key
}

// Delivery is an item taken from the queue and not yet acknowledged.
type Delivery struct {
	Payload []byte
	raw     string
}

// Decode unmarshals the JSON payload.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Payload, v); err != nil {
		return fmt.Errorf("decoding queue item: %w", err)
	}
	return nil
}

// Push appends v as JSON.
func (q *Queue) Push(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling queue item: %w", err)
	}
	return q.PushRaw(ctx, data)
}

// PushRaw appends an already encoded item.
func (q *Queue) PushRaw(ctx context.Context, data []byte) error {
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueueing to %s: %w", q.key, err)
	}
	return nil
}

// Pop waits up to timeout for the oldest item. It returns nil, nil when the
// wait expires.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing from %s: %w", q.key, err)
	}
	return &Delivery{Payload: []byte(raw), raw: raw}, nil
}

// Ack removes a finished delivery from the processing list.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("acknowledging on %s: %w", q.key, err)
	}
	return nil
}

// Nack returns a delivery to the back of the queue.
func (q *Queue) Nack(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, d.raw)
		p.LPush(ctx, q.key, d.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeueing on %s: %w", q.key, err)
	}
	return nil
}

// Recover moves every item left in the processing list back to the queue.
// Call it once at startup before consumers run.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.key, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recovering %s: %w", q.processing, err)
		}
		n++
	}
}

// Depth counts pending and in-flight items.
type Depth struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

// Depth reports the current queue sizes.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	var pending, processing *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, q.key)
		processing = p.LLen(ctx, q.processing)
		return nil
	})
	if err != nil {
		return Depth{}, fmt.Errorf("reading depth of %s: %w", q.key, err)
	}
	return Depth{Pending: pending.Val(), Processing: processing.Val()}, nil
}
