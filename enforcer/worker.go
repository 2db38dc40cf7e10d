package enforcer

import (
	"context"
	"time"

	"github.com/yairfalse/argus/queue"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/telemetry"
)

// JobSource is the deferred queue as seen by the worker.
type JobSource interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery) error
}

// Worker drains scheduled jobs and runs them through the dispatcher.
type Worker struct {
	source     JobSource
	dispatcher *Dispatcher
	wait       time.Duration
	logger     *telemetry.Logger
}

// NewWorker creates a worker that blocks up to wait per Pop.
func NewWorker(source JobSource, d *Dispatcher, wait time.Duration) *Worker {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Worker{
		source:     source,
		dispatcher: d,
		wait:       wait,
		logger:     telemetry.NewLogger("scheduled-worker"),
	}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("wait", w.wait).Msg("scheduled worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("scheduled worker stopped")
			return nil
		}
		if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("scheduled job failed")
			// Avoid spinning on a broken connection.
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOne handles at most one job. It reports whether a job was taken.
// Undecodable jobs and non-retryable failures are acknowledged and dropped;
// retryable store failures go back on the queue.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	d, err := w.source.Pop(ctx, w.wait)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}

	var job ScheduledJob
	if err := d.Decode(&job); err != nil {
		w.logger.Error().Err(err).Msg("dropping undecodable scheduled job")
		return true, w.source.Ack(ctx, d)
	}

	log := w.logger.WithContext(ctx)
	res, err := w.dispatcher.RunScheduled(ctx, &job)
	if err != nil {
		if storage.IsRetryable(err) {
			log.Warn().Err(err).Str("violation_id", job.Violation.ID).Msg("requeueing scheduled job")
			return true, w.source.Nack(ctx, d)
		}
		log.Error().Err(err).Str("violation_id", job.Violation.ID).Msg("scheduled job finished with errors")
		return true, w.source.Ack(ctx, d)
	}

	ev := log.Info().Str("violation_id", job.Violation.ID).Dur("queued_for", time.Since(job.EnqueuedAt))
	if res != nil {
		ev = ev.Int("succeeded", res.SuccessfulCount).Int("failed", res.FailedCount)
	}
	ev.Msg("scheduled job executed")
	return true, w.source.Ack(ctx, d)
}
