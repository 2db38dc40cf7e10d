// Package enforcer turns policy matches into violations and side effects
// according to each policy's enforcement mode.
//
// Inline denial is advisory. Most providers have already committed the call
// by the time its event arrives, so the deny signal only asks a downstream
// consumer to revert or fence it. Callers must not treat it as a guarantee.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/argus/executor"
	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/types"
	"github.com/yairfalse/argus/wal"
)

const (
	// DefaultDetectionWindow groups redelivered or repeated events for the
	// same policy and resource into one violation.
	DefaultDetectionWindow = time.Hour
	// DefaultStoreRetries bounds attempts for retryable store errors.
	DefaultStoreRetries = 3
)

// ErrUnknownPolicy is returned when a match names a policy the current
// snapshot does not hold.
var ErrUnknownPolicy = errors.New("unknown policy")

// violationNamespace scopes name-based violation ids.
var violationNamespace = uuid.MustParse("7d1f3a52-1c4e-5b8e-9f0a-2b6c8d4e0f11")

// Dispatcher is stateless per call and safe for concurrent use.
type Dispatcher struct {
	store     ViolationStore
	executor  ActionExecutor
	denier    executor.Denier
	scheduler Scheduler
	policies  PolicySource
	wal       *wal.WAL
	logger    *telemetry.Logger
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
	now       func() time.Time
	window    time.Duration
	retries   int
	retryBase time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDenier enables inline-deny signals.
func WithDenier(d executor.Denier) Option {
	return func(x *Dispatcher) { x.denier = d }
}

// WithScheduler enables scheduled enforcement.
func WithScheduler(s Scheduler) Option {
	return func(x *Dispatcher) { x.scheduler = s }
}

// WithPolicies makes Dispatch refuse policies missing from the current
// snapshot.
func WithPolicies(src PolicySource) Option {
	return func(x *Dispatcher) { x.policies = src }
}

func WithWAL(w *wal.WAL) Option {
	return func(x *Dispatcher) { x.wal = w }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(x *Dispatcher) { x.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(x *Dispatcher) { x.now = now }
}

// WithDetectionWindow sets the violation id bucket width.
func WithDetectionWindow(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.window = d
		}
	}
}

// WithStoreRetries sets how many times a retryable store write is attempted.
func WithStoreRetries(n int) Option {
	return func(x *Dispatcher) {
		if n > 0 {
			x.retries = n
		}
	}
}

// New creates a dispatcher. exec may be nil when only CI/CD verdicts are
// produced.
func New(store ViolationStore, exec ActionExecutor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		executor:  exec,
		logger:    telemetry.NewLogger("enforcer"),
		tracer:    otel.Tracer("enforcer"),
		metrics:   telemetry.NoopMetrics(),
		now:       func() time.Time { return time.Now().UTC() },
		window:    DefaultDetectionWindow,
		retries:   DefaultStoreRetries,
		retryBase: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ViolationID derives a stable id from the policy, the resource and the
// detection window containing at. Redelivered events map to the same id.
func ViolationID(policyID, resourceID string, at time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultDetectionWindow
	}
	start := at.UTC().Truncate(window)
	name := policyID + "\x00" + resourceID + "\x00" + start.Format(time.RFC3339)
	return uuid.NewSHA1(violationNamespace, []byte(name)).String()
}

// NewViolation builds the record for p matching event.
func (d *Dispatcher) NewViolation(p *policy.Policy, event *types.Event, mode policy.Mode) *types.Violation {
	at := event.EventTime
	if at.IsZero() {
		at = d.now()
	}
	return &types.Violation{
		ID:            ViolationID(p.ID, event.Resource.ID, at, d.window),
		PolicyID:      p.ID,
		PolicyVersion: p.Version,
		ResourceID:    event.Resource.ID,
		ResourceType:  event.Resource.Type,
		EventID:       event.ID,
		Severity:      p.Severity,
		Status:        types.StatusOpen,
		State:         types.StateDetected,
		Mode:          string(mode),
		DetectedAt:    at.UTC(),
		Evidence:      evidence(event),
		Remediation:   types.RemediationNone,
	}
}

func evidence(event *types.Event) types.Properties {
	ev := types.Properties{
		"operation":    types.String(event.Operation),
		"principal_id": types.String(event.Principal.ID),
	}
	if len(event.Resource.Properties) > 0 {
		ev["resource"] = event.Resource.Properties.Value()
	}
	if event.SourceIP != "" {
		ev["source_ip"] = types.String(event.SourceIP)
	}
	return ev
}

// Dispatch enforces one matched policy for a runtime event. A nil error
// with Created=false means the violation already existed and no side
// effects ran again.
func (d *Dispatcher) Dispatch(ctx context.Context, p *policy.Policy, event *types.Event) (*Outcome, error) {
	if d.policies != nil {
		if _, ok := d.policies.Snapshot().Get(p.ID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, p.ID)
		}
	}
	mode := p.Enforcement.ModeFor(policy.ContextRuntime)
	if mode == policy.ModePreDeployment {
		return nil, fmt.Errorf("policy %s: pre-deployment mode has no runtime dispatch", p.ID)
	}

	ctx, span := telemetry.StartDispatch(ctx, d.tracer, p.ID, event.Resource.ID, string(mode))
	out := &Outcome{Mode: mode}
	defer func() {
		var total, ok, failed int64
		if out.Execution != nil {
			total = int64(len(out.Execution.Results))
			ok = int64(out.Execution.SuccessfulCount)
			failed = int64(out.Execution.FailedCount)
		}
		telemetry.EndDispatch(span, out.Created, total, ok, failed)
	}()

	v := d.NewViolation(p, event, mode)
	created, err := d.createViolation(ctx, v)
	if err != nil {
		d.logger.LogStorageError(ctx, "create_violation", err)
		telemetry.RecordError(span, err.Error(), "store")
		return nil, fmt.Errorf("recording violation for policy %s on %s: %w", p.ID, v.ResourceID, err)
	}
	out.Violation = v
	out.Created = created

	d.metrics.RecordViolation(ctx, p.ID, string(p.Severity), string(mode), created)
	d.logger.LogViolation(ctx, v.ID, p.ID, v.ResourceID, string(mode), created)
	telemetry.RecordViolationEvent(span, v.ID, p.ID, v.ResourceID, string(p.Severity), created)

	if !created {
		d.audit(wal.EntryDuplicate, v.ID, v)
		return out, nil
	}
	d.audit(wal.EntryDetected, v.ID, v)

	switch mode {
	case policy.ModeAuditOnly:
		return out, d.advance(ctx, v, types.StateAudited, types.RemediationNone)
	case policy.ModeScheduled:
		return out, d.schedule(ctx, out, p)
	case policy.ModeInlineDeny:
		out.Denied = d.deny(ctx, v, event)
	}
	return out, d.execute(ctx, out, p.Actions)
}

// DispatchAll dispatches every match. One failing policy does not stop the
// rest; their errors are joined.
func (d *Dispatcher) DispatchAll(ctx context.Context, matches []*policy.Policy, event *types.Event) ([]*Outcome, error) {
	var (
		outcomes []*Outcome
		errs     []error
	)
	for _, p := range matches {
		out, err := d.Dispatch(ctx, p, event)
		if out != nil {
			outcomes = append(outcomes, out)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

func (d *Dispatcher) createViolation(ctx context.Context, v *types.Violation) (bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryBase
	return backoff.Retry(ctx, func() (bool, error) {
		created, err := d.store.CreateViolation(ctx, v)
		if err != nil && !storage.IsRetryable(err) {
			return false, backoff.Permanent(err)
		}
		return created, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(d.retries)))
}

func (d *Dispatcher) advance(ctx context.Context, v *types.Violation, state types.ViolationState, remediation types.RemediationState) error {
	updated, err := d.store.AdvanceViolation(ctx, v.ID, state, remediation)
	if err != nil {
		d.logger.LogStorageError(ctx, "advance_violation", err)
		return fmt.Errorf("advancing violation %s: %w", v.ID, err)
	}
	*v = *updated
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, out *Outcome, actions []policy.Action) error {
	if len(actions) == 0 {
		return nil
	}
	if d.executor == nil {
		return fmt.Errorf("violation %s: no action executor configured", out.Violation.ID)
	}
	res := d.executor.Execute(ctx, actions, out.Violation)
	out.Execution = res
	return d.advance(ctx, out.Violation, stateAfter(res), res.Remediation())
}

// stateAfter picks the lifecycle step reached by an execution. Only
// notification actions succeeding means notified; any other success means
// remediated; nothing succeeding leaves the state alone.
func stateAfter(res *executor.ExecutionResult) types.ViolationState {
	notified := false
	for _, r := range res.Results {
		if r.Status != executor.StatusSuccess {
			continue
		}
		switch r.Action.Type {
		case policy.ActionNotify, policy.ActionEscalate:
			notified = true
		default:
			return types.StateRemediated
		}
	}
	if notified {
		return types.StateNotified
	}
	return ""
}

func (d *Dispatcher) deny(ctx context.Context, v *types.Violation, event *types.Event) bool {
	log := d.logger.WithContext(ctx)
	if d.denier == nil {
		d.metrics.RecordDenial(ctx, event.Cloud, telemetry.StatusUnconfigured)
		log.Warn().Str("violation_id", v.ID).Str("cloud", event.Cloud).Msg("inline deny requested but no denier configured")
		return false
	}
	if err := d.denier.Deny(ctx, v, event); err != nil {
		d.metrics.RecordDenial(ctx, event.Cloud, telemetry.StatusFailed)
		log.Error().Err(err).Str("violation_id", v.ID).Str("cloud", event.Cloud).Msg("deny signal failed")
		if d.wal != nil {
			if werr := d.wal.AppendError(wal.EntryDenied, v.ID, event, err); werr != nil {
				log.Error().Err(werr).Msg("failed to write WAL entry")
			}
		}
		return false
	}
	d.metrics.RecordDenial(ctx, event.Cloud, telemetry.StatusSucceeded)
	d.audit(wal.EntryDenied, v.ID, event)
	return true
}

func (d *Dispatcher) schedule(ctx context.Context, out *Outcome, p *policy.Policy) error {
	if d.scheduler == nil {
		return fmt.Errorf("violation %s: scheduled mode without a scheduler", out.Violation.ID)
	}
	job := ScheduledJob{Violation: *out.Violation, Actions: p.Actions, EnqueuedAt: d.now()}
	if err := d.scheduler.Push(ctx, job); err != nil {
		return fmt.Errorf("scheduling violation %s: %w", out.Violation.ID, err)
	}
	out.Scheduled = true
	d.metrics.RecordScheduled(ctx, p.ID)
	d.audit(wal.EntryScheduled, out.Violation.ID, job)
	return d.advance(ctx, out.Violation, "", types.RemediationScheduled)
}

// RunScheduled executes a job taken from the deferred queue.
func (d *Dispatcher) RunScheduled(ctx context.Context, job *ScheduledJob) (*executor.ExecutionResult, error) {
	out := &Outcome{Violation: &job.Violation, Mode: policy.ModeScheduled, Created: true}
	if err := d.execute(ctx, out, job.Actions); err != nil {
		return out.Execution, err
	}
	if out.Execution == nil {
		return nil, d.advance(ctx, out.Violation, "", types.RemediationNone)
	}
	return out.Execution, nil
}

// Verdict decides a planned change for CI/CD. Nothing is recorded in the
// store and no action runs. A matched pre-deployment policy at or above its
// block threshold blocks; any other match warns.
func (d *Dispatcher) Verdict(ctx context.Context, matches []*policy.Policy, event *types.Event) *Verdict {
	v := &Verdict{Outcome: VerdictPass, EventID: event.ID, ResourceID: event.Resource.ID}
	for _, p := range matches {
		mode := p.Enforcement.ModeFor(policy.ContextCICD)
		blocking := mode == policy.ModePreDeployment &&
			p.Severity.Rank() >= p.Enforcement.BlockThreshold().Rank()
		v.Findings = append(v.Findings, Finding{
			PolicyID: p.ID,
			Name:     p.Name,
			Severity: p.Severity,
			Mode:     mode,
			Blocking: blocking,
		})
		switch {
		case blocking:
			v.Outcome = VerdictBlock
		case v.Outcome == VerdictPass:
			v.Outcome = VerdictWarn
		}
	}

	d.metrics.RecordVerdict(ctx, string(v.Outcome))
	d.audit(wal.EntryVerdict, event.ID, v)
	d.logger.WithContext(ctx).Info().
		Str("event_id", event.ID).
		Str("resource_id", event.Resource.ID).
		Str("verdict", string(v.Outcome)).
		Int("findings", len(v.Findings)).
		Msg("deployment verdict")
	return v
}

func (d *Dispatcher) audit(entryType wal.EntryType, subject string, data any) {
	if d.wal == nil {
		return
	}
	if err := d.wal.Append(entryType, subject, data); err != nil {
		d.logger.Error().Err(err).Str("subject", subject).Str("type", string(entryType)).Msg("failed to write WAL entry")
	}
}
