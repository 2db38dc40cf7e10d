// Package evaluator decides whether policies match events. Logical trees are
// interpreted in memory; graph conditions are compiled into one path query
// against the graph store. Undecidable conditions fail closed.
package evaluator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/types"
)

// DefaultConcurrency bounds parallel policy evaluations per event.
const DefaultConcurrency = 8

// Result is the outcome of one policy against one event.
type Result struct {
	Policy   *policy.Policy
	Matched  bool
	Err      error
	Duration time.Duration
}

// Evaluator is stateless per evaluation and safe for concurrent use.
type Evaluator struct {
	graph       storage.PathMatcher
	logger      *telemetry.Logger
	tracer      trace.Tracer
	metrics     *telemetry.Metrics
	now         func() time.Time
	concurrency int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Evaluator) { e.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithConcurrency sets how many policies evaluate in parallel per event.
func WithConcurrency(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// New creates an evaluator. graph may be nil when no policy uses a graph
// condition; graph policies then fail closed.
func New(graph storage.PathMatcher, opts ...Option) *Evaluator {
	e := &Evaluator{
		graph:       graph,
		logger:      telemetry.NewLogger("evaluator"),
		tracer:      otel.Tracer("evaluator"),
		metrics:     telemetry.NoopMetrics(),
		now:         time.Now,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Applicable reports whether p is active and selects the event's resource.
func Applicable(p *policy.Policy, event *types.Event, now time.Time) bool {
	if !p.IsActive(now) {
		return false
	}
	return p.Selector.Matches(event.ResourceSnapshot())
}

// Evaluate decides one policy against one event. A non-nil error is always an
// *EvaluationError and the returned match is then false.
func (e *Evaluator) Evaluate(ctx context.Context, p *policy.Policy, event *types.Event) (bool, error) {
	if !Applicable(p, event, e.now()) {
		e.metrics.RecordEvaluation(ctx, p.ID, telemetry.ResultNotApplied, 0)
		return false, nil
	}

	start := time.Now()
	ctx, span := telemetry.StartEvaluation(ctx, e.tracer, p.ID, event.ID, p.IsGraph())

	var (
		matched bool
		err     error
	)
	if p.IsGraph() {
		matched, err = e.evaluateGraph(ctx, p, event)
	} else {
		matched = EvaluateCondition(p.Condition, event.Document())
	}

	result := telemetry.ResultNoMatch
	switch {
	case err != nil:
		result = telemetry.ResultError
		matched = false
	case matched:
		result = telemetry.ResultMatch
	}
	telemetry.EndEvaluation(span, result, err)
	e.metrics.RecordEvaluation(ctx, p.ID, result, float64(time.Since(start).Microseconds())/1000)
	return matched, err
}

func (e *Evaluator) evaluateGraph(ctx context.Context, p *policy.Policy, event *types.Event) (bool, error) {
	fail := func(kind string, err error) (bool, error) {
		evalErr := &EvaluationError{PolicyID: p.ID, EventID: event.ID, Kind: kind, Err: err}
		e.metrics.RecordEvaluationError(ctx, p.ID, kind)
		e.logger.LogEvaluationError(ctx, p.ID, event.ID, evalErr)
		return false, evalErr
	}

	if e.graph == nil {
		return fail(KindNoGraph, errors.New("no graph store configured"))
	}

	q, err := CompileGraph(p.Graph, event.Document())
	if err != nil {
		return fail(KindCompile, err)
	}

	timeout := p.Graph.WithDefaults().Timeout
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	matched, err := e.graph.MatchPath(qctx, q)
	if err != nil {
		if errors.Is(err, storage.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || qctx.Err() != nil {
			return fail(KindTimeout, err)
		}
		return fail(KindQuery, err)
	}
	e.metrics.RecordGraphQuery(ctx, p.ID, matched, float64(time.Since(start).Microseconds())/1000)
	return matched, nil
}

// EvaluateEvent evaluates every policy of the snapshot that is in scope for
// the event. Policies run in parallel up to the configured concurrency; one
// failing or slow policy never affects the others. Results follow snapshot
// order.
func (e *Evaluator) EvaluateEvent(ctx context.Context, snap *policy.Snapshot, event *types.Event) []Result {
	inScope := snap.InScope(event.ResourceSnapshot(), e.now())
	results := make([]Result, len(inScope))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, p := range inScope {
		g.Go(func() error {
			start := time.Now()
			matched, err := e.Evaluate(gctx, p, event)
			results[i] = Result{Policy: p, Matched: matched, Err: err, Duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.WithContext(ctx).Debug().
		Str("event_id", event.ID).
		Int("in_scope", len(inScope)).
		Int("matched", countMatched(results)).
		Msg("event evaluated")
	return results
}

// Matches filters results down to matched policies.
func Matches(results []Result) []*policy.Policy {
	var out []*policy.Policy
	for _, r := range results {
		if r.Matched {
			out = append(out, r.Policy)
		}
	}
	return out
}

func countMatched(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Matched {
			n++
		}
	}
	return n
}
