package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Evaluation results recorded on the evaluations counter.
const (
	ResultMatch        = "match"
	ResultNoMatch      = "no_match"
	ResultNotApplied   = "not_applicable"
	ResultError        = "error"
	StatusSucceeded    = "succeeded"
	StatusFailed       = "failed"
	StatusSkipped      = "skipped"
	StatusUnconfigured = "unconfigured"
)

// Metrics holds the decision pipeline instruments.
type Metrics struct {
	// Counters
	Evaluations         metric.Int64Counter
	EvaluationErrors    metric.Int64Counter
	ViolationsCreated   metric.Int64Counter
	ViolationsDuplicate metric.Int64Counter
	ActionsExecuted     metric.Int64Counter
	Denials             metric.Int64Counter
	Scheduled           metric.Int64Counter
	Verdicts            metric.Int64Counter
	EventsIngested      metric.Int64Counter
	Anomalies           metric.Int64Counter

	// Gauges
	PoliciesLoaded metric.Int64Gauge

	// Histograms
	EvaluationDuration metric.Float64Histogram
	GraphQueryDuration metric.Float64Histogram
}

// NewMetrics creates all instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	if err := m.initCounters(meter); err != nil {
		return nil, err
	}

	if err := m.initGauges(meter); err != nil {
		return nil, err
	}

	if err := m.initHistograms(meter); err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

func (m *Metrics) initCounters(meter metric.Meter) error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.Evaluations, "argus.evaluations.total", "Policy evaluations by result", "evaluations"},
		{&m.EvaluationErrors, "argus.evaluation.errors.total", "Conditions that could not be evaluated and failed closed", "errors"},
		{&m.ViolationsCreated, "argus.violations.created.total", "Violations recorded", "violations"},
		{&m.ViolationsDuplicate, "argus.violations.duplicate.total", "Redelivered detections of an existing violation", "violations"},
		{&m.ActionsExecuted, "argus.actions.executed.total", "Enforcement actions by type and status", "actions"},
		{&m.Denials, "argus.denials.total", "Inline denial signals sent", "signals"},
		{&m.Scheduled, "argus.enforcement.scheduled.total", "Violations queued for deferred enforcement", "violations"},
		{&m.Verdicts, "argus.cicd.verdicts.total", "CI/CD verdicts by outcome", "verdicts"},
		{&m.EventsIngested, "argus.events.ingested.total", "Events accepted by the intake pipeline", "events"},
		{&m.Anomalies, "argus.access.anomalies.total", "Anomalous identities flagged by sweeps", "identities"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return err
		}
		*c.dst = counter
	}
	return nil
}

func (m *Metrics) initGauges(meter metric.Meter) error {
	var err error

	m.PoliciesLoaded, err = meter.Int64Gauge(
		"argus.policies.loaded",
		metric.WithDescription("Policies in the current registry snapshot"),
		metric.WithUnit("policies"),
	)
	return err
}

func (m *Metrics) initHistograms(meter metric.Meter) error {
	var err error

	m.EvaluationDuration, err = meter.Float64Histogram(
		"argus.evaluation.duration.ms",
		metric.WithDescription("Time taken to evaluate one policy against one event"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.GraphQueryDuration, err = meter.Float64Histogram(
		"argus.graph.query.duration.ms",
		metric.WithDescription("Time taken by compiled graph condition queries"),
		metric.WithUnit("ms"),
	)
	return err
}

// RecordEvaluation records one policy evaluation outcome
func (m *Metrics) RecordEvaluation(ctx context.Context, policyID, result string, durationMs float64) {
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("policy_id", policyID),
		attribute.String("result", result),
	))
	m.Evaluations.Add(ctx, 1, attrs)
	m.EvaluationDuration.Record(ctx, durationMs, attrs)
}

// RecordEvaluationError records a fail-closed evaluation
func (m *Metrics) RecordEvaluationError(ctx context.Context, policyID, kind string) {
	m.EvaluationErrors.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("policy_id", policyID),
			attribute.String("kind", kind),
		)),
	)
}

// RecordGraphQuery records a compiled graph query
func (m *Metrics) RecordGraphQuery(ctx context.Context, policyID string, matched bool, durationMs float64) {
	m.GraphQueryDuration.Record(ctx, durationMs,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("policy_id", policyID),
			attribute.Bool("matched", matched),
		)),
	)
}

// RecordViolation records a violation write
func (m *Metrics) RecordViolation(ctx context.Context, policyID, severity, mode string, created bool) {
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("policy_id", policyID),
		attribute.String("severity", severity),
		attribute.String("mode", mode),
	))
	if created {
		m.ViolationsCreated.Add(ctx, 1, attrs)
		return
	}
	m.ViolationsDuplicate.Add(ctx, 1, attrs)
}

// RecordActionExecuted records an action execution
func (m *Metrics) RecordActionExecuted(ctx context.Context, actionType, connector, status string) {
	m.ActionsExecuted.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("action_type", actionType),
			attribute.String("connector", connector),
			attribute.String("status", status),
		)),
	)
}

// RecordDenial records an inline denial signal
func (m *Metrics) RecordDenial(ctx context.Context, cloud, status string) {
	m.Denials.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("cloud", cloud),
			attribute.String("status", status),
		)),
	)
}

// RecordScheduled records a deferred enforcement
func (m *Metrics) RecordScheduled(ctx context.Context, policyID string) {
	m.Scheduled.Add(ctx, 1, metric.WithAttributes(attribute.String("policy_id", policyID)))
}

// RecordVerdict records a CI/CD verdict
func (m *Metrics) RecordVerdict(ctx context.Context, outcome string) {
	m.Verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEventIngested records an accepted event
func (m *Metrics) RecordEventIngested(ctx context.Context, cloud, status string) {
	m.EventsIngested.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String("cloud", cloud),
			attribute.String("status", status),
		)),
	)
}

// RecordAnomalies records a sweep result
func (m *Metrics) RecordAnomalies(ctx context.Context, count int) {
	m.Anomalies.Add(ctx, int64(count))
}

// RecordPoliciesLoaded records the registry size
func (m *Metrics) RecordPoliciesLoaded(ctx context.Context, count int, version uint64) {
	m.PoliciesLoaded.Record(ctx, int64(count),
		metric.WithAttributes(attribute.Int64("registry_version", int64(version))),
	)
}
