package pipeline

import (
	"context"
	"time"

	"github.com/yairfalse/argus/queue"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/types"
)

// EventSource is a reliable queue of JSON events.
type EventSource interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery) error
}

// Intake feeds queued events into a pipeline. Delivery is at least once:
// an event whose processing fails with a retryable store error is put back
// and will be evaluated again.
type Intake struct {
	source   EventSource
	pipeline *Pipeline
	wait     time.Duration
}

// NewIntake creates an intake that blocks up to wait per Pop.
func NewIntake(source EventSource, p *Pipeline, wait time.Duration) *Intake {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Intake{source: source, pipeline: p, wait: wait}
}

// Run consumes events until ctx is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	log := in.pipeline.logger
	log.Info().Dur("wait", in.wait).Msg("event intake started")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("event intake stopped")
			return nil
		}
		if _, err := in.Next(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("event intake error")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// Next processes at most one queued event and reports whether one was taken.
func (in *Intake) Next(ctx context.Context) (bool, error) {
	d, err := in.source.Pop(ctx, in.wait)
	if err != nil || d == nil {
		return false, err
	}

	var event types.Event
	if err := d.Decode(&event); err != nil {
		in.pipeline.metrics.RecordEventIngested(ctx, "", StatusRejected)
		in.pipeline.logger.Error().Err(err).Msg("dropping undecodable event")
		return true, in.source.Ack(ctx, d)
	}

	if _, err := in.pipeline.Ingest(ctx, &event); err != nil {
		if storage.IsRetryable(err) {
			in.pipeline.logger.Warn().Err(err).Str("event_id", event.ID).Msg("requeueing event")
			return true, in.source.Nack(ctx, d)
		}
		in.pipeline.logger.Error().Err(err).Str("event_id", event.ID).Msg("event dropped")
	}
	return true, in.source.Ack(ctx, d)
}
