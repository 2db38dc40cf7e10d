// Package pipeline carries inbound events through the decision core: graph
// update, evaluation and enforcement.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/argus/enforcer"
	"github.com/yairfalse/argus/evaluator"
	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/types"
)

// Ingest statuses recorded on the events counter.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// PolicySource hands out the current policy snapshot.
type PolicySource interface {
	Snapshot() *policy.Snapshot
}

// Result summarizes one event.
type Result struct {
	EventID          string              `json:"event_id"`
	Evaluated        int                 `json:"evaluated"`
	Matched          []string            `json:"matched,omitempty"`
	EvaluationErrors int                 `json:"evaluation_errors,omitempty"`
	Outcomes         []*enforcer.Outcome `json:"outcomes,omitempty"`
	Verdict          *enforcer.Verdict   `json:"verdict,omitempty"`
	Errors           []string            `json:"errors,omitempty"`
	Duration         time.Duration       `json:"duration"`
}

// Pipeline runs events through the store, the evaluator and the dispatcher.
type Pipeline struct {
	store      storage.GraphWriter
	evaluator  *evaluator.Evaluator
	dispatcher *enforcer.Dispatcher
	policies   PolicySource
	context    policy.Context
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithContext selects runtime enforcement or CI/CD verdicts.
func WithContext(c policy.Context) Option {
	return func(p *Pipeline) { p.context = c }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline for the runtime context.
func New(store storage.GraphWriter, ev *evaluator.Evaluator, d *enforcer.Dispatcher, policies PolicySource, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:      store,
		evaluator:  ev,
		dispatcher: d,
		policies:   policies,
		context:    policy.ContextRuntime,
		logger:     telemetry.NewLogger("pipeline"),
		metrics:    telemetry.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest processes one event. In the runtime context the referenced
// resource and principal are versioned, the event is recorded, and matches
// are dispatched. In the CI/CD context the graph is read but never written
// and the result carries a verdict.
//
// An error means the event was not fully processed and may be redelivered.
// Per-policy evaluation failures are reported in the result, not as errors.
func (p *Pipeline) Ingest(ctx context.Context, event *types.Event) (*Result, error) {
	start := time.Now()
	result := &Result{EventID: event.ID}

	if err := event.Validate(); err != nil {
		p.metrics.RecordEventIngested(ctx, event.Cloud, StatusRejected)
		result.Errors = append(result.Errors, err.Error())
		return result, fmt.Errorf("invalid event %q: %w", event.ID, err)
	}

	if p.context == policy.ContextRuntime {
		if err := p.updateGraph(ctx, event); err != nil {
			p.metrics.RecordEventIngested(ctx, event.Cloud, StatusFailed)
			result.Errors = append(result.Errors, err.Error())
			return p.finish(ctx, result, start), err
		}
	}

	snap := p.policies.Snapshot()
	results := p.evaluator.EvaluateEvent(ctx, snap, event)
	result.Evaluated = len(results)
	for _, r := range results {
		if r.Err != nil {
			result.EvaluationErrors++
		}
	}
	matches := evaluator.Matches(results)
	for _, m := range matches {
		result.Matched = append(result.Matched, m.ID)
	}

	if p.context == policy.ContextCICD {
		result.Verdict = p.dispatcher.Verdict(ctx, matches, event)
		p.metrics.RecordEventIngested(ctx, event.Cloud, StatusAccepted)
		return p.finish(ctx, result, start), nil
	}

	outcomes, err := p.dispatcher.DispatchAll(ctx, matches, event)
	result.Outcomes = outcomes
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		p.metrics.RecordEventIngested(ctx, event.Cloud, StatusFailed)
		return p.finish(ctx, result, start), fmt.Errorf("dispatching event %s: %w", event.ID, err)
	}

	p.metrics.RecordEventIngested(ctx, event.Cloud, StatusAccepted)
	return p.finish(ctx, result, start), nil
}

// updateGraph versions the event's resource and principal and records the
// event. A redelivered event leaves the graph alone; evaluation and dispatch
// still run so a delivery that failed after recording is completed.
func (p *Pipeline) updateGraph(ctx context.Context, event *types.Event) error {
	seen, err := p.store.HasEvent(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("checking event %s: %w", event.ID, err)
	}
	if seen {
		p.logger.WithContext(ctx).Debug().Str("event_id", event.ID).Msg("event redelivered, graph unchanged")
		return nil
	}
	if _, err := p.store.UpsertResource(ctx, event.ResourceSnapshot()); err != nil {
		return fmt.Errorf("upserting resource %s: %w", event.Resource.ID, err)
	}
	if identity := event.PrincipalSnapshot(); identity != nil {
		if _, err := p.store.UpsertIdentity(ctx, identity); err != nil {
			return fmt.Errorf("upserting identity %s: %w", identity.ID, err)
		}
	}
	if err := p.store.RecordEvent(ctx, event); err != nil {
		return fmt.Errorf("recording event %s: %w", event.ID, err)
	}
	return nil
}

func (p *Pipeline) finish(ctx context.Context, result *Result, start time.Time) *Result {
	result.Duration = time.Since(start)

	p.logger.WithContext(ctx).Info().
		Str("event_id", result.EventID).
		Int("evaluated", result.Evaluated).
		Int("matched", len(result.Matched)).
		Int("evaluation_errors", result.EvaluationErrors).
		Int("outcomes", len(result.Outcomes)).
		Dur("duration", result.Duration).
		Msg("event processed")

	return result
}
