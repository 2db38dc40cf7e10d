// Package executor runs remediation actions through connectors. Actions are
// independent units: each is executed once, in policy order, and a failure
// is recorded without stopping the rest.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/types"
	"github.com/yairfalse/argus/wal"
)

// DefaultActionTimeout bounds one connector call.
const DefaultActionTimeout = 30 * time.Second

// Engine executes a violation's actions with safety checks and an audit
// trail.
type Engine struct {
	registry *Registry
	wal      *wal.WAL
	safety   SafetyChecker
	options  Options
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithWAL(w *wal.WAL) EngineOption {
	return func(e *Engine) { e.wal = w }
}

func WithSafetyChecker(sc SafetyChecker) EngineOption {
	return func(e *Engine) { e.safety = sc }
}

func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine. Without WithSafetyChecker the default checks
// built from options apply.
func NewEngine(registry *Registry, options Options, opts ...EngineOption) (*Engine, error) {
	if options.ActionTimeout <= 0 {
		options.ActionTimeout = DefaultActionTimeout
	}
	e := &Engine{
		registry: registry,
		options:  options,
		logger:   telemetry.NewLogger("executor"),
		metrics:  telemetry.NoopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.safety == nil {
		sc, err := NewDefaultSafetyChecker(options)
		if err != nil {
			return nil, err
		}
		e.safety = sc
	}
	return e, nil
}

// Execute runs actions in order for v. It never returns early on a failed
// action; failures are in the result as ActionErrors.
func (e *Engine) Execute(ctx context.Context, actions []policy.Action, v *types.Violation) *ExecutionResult {
	result := &ExecutionResult{
		ViolationID: v.ID,
		StartTime:   time.Now(),
		Results:     make([]ActionResult, 0, len(actions)),
	}

	for _, action := range actions {
		res := e.ExecuteSingle(ctx, action, v)
		switch res.Status {
		case StatusSuccess, StatusDryRun:
			result.SuccessfulCount++
		case StatusFailed:
			result.FailedCount++
		case StatusSkipped:
			result.SkippedCount++
		}
		result.Results = append(result.Results, res)
	}

	result.Duration = time.Since(result.StartTime)
	return result
}

// ExecuteSingle runs one action.
func (e *Engine) ExecuteSingle(ctx context.Context, action policy.Action, v *types.Violation) (res ActionResult) {
	res = ActionResult{Action: action, StartTime: time.Now()}
	defer func() { res.Duration = time.Since(res.StartTime) }()

	if check, blocked := blockingCheck(e.safety.CheckSafety(ctx, action, v)); blocked {
		res.Status = StatusSkipped
		res.SkipReason = check.Message
		e.audit(wal.EntryActionSkipped, v.ID, res, nil)
		e.metrics.RecordActionExecuted(ctx, string(action.Type), "", telemetry.StatusSkipped)
		e.logger.WithContext(ctx).Warn().
			Str("violation_id", v.ID).
			Str("action", string(action.Type)).
			Str("check", check.Name).
			Msg(check.Message)
		return res
	}

	connector, err := e.registry.Resolve(action)
	if err != nil {
		return e.fail(ctx, res, v, "", err)
	}
	res.Connector = connector.Name()

	if e.options.DryRun {
		res.Status = StatusDryRun
		e.audit(wal.EntryActionSkipped, v.ID, res, nil)
		e.logger.WithContext(ctx).Info().
			Str("violation_id", v.ID).
			Str("action", string(action.Type)).
			Str("connector", res.Connector).
			Msg("dry run, action not executed")
		return res
	}

	e.audit(wal.EntryActionStarted, v.ID, res, nil)

	actx, cancel := context.WithTimeout(ctx, e.options.ActionTimeout)
	defer cancel()
	if err := connector.Execute(actx, action, v); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.options.ActionTimeout, err)
		}
		return e.fail(ctx, res, v, res.Connector, err)
	}

	res.Status = StatusSuccess
	e.audit(wal.EntryActionExecuted, v.ID, res, nil)
	e.metrics.RecordActionExecuted(ctx, string(action.Type), res.Connector, telemetry.StatusSucceeded)
	e.logger.WithContext(ctx).Info().
		Str("violation_id", v.ID).
		Str("action", string(action.Type)).
		Str("connector", res.Connector).
		Msg("action executed")
	return res
}

func (e *Engine) fail(ctx context.Context, res ActionResult, v *types.Violation, connector string, err error) ActionResult {
	actionErr := &ActionError{ActionType: res.Action.Type, Connector: connector, ViolationID: v.ID, Err: err}
	res.Status = StatusFailed
	res.Err = actionErr
	res.Error = actionErr.Error()

	status := telemetry.StatusFailed
	if errors.Is(err, ErrNoConnector) {
		status = telemetry.StatusUnconfigured
	}
	e.audit(wal.EntryActionFailed, v.ID, res, actionErr)
	e.metrics.RecordActionExecuted(ctx, string(res.Action.Type), connector, status)
	e.logger.LogActionFailure(ctx, v.ID, string(res.Action.Type), actionErr)
	return res
}

// audit writes to the WAL when one is configured. A WAL failure is logged,
// never returned.
func (e *Engine) audit(entryType wal.EntryType, violationID string, res ActionResult, cause error) {
	if e.wal == nil {
		return
	}
	var err error
	if cause != nil {
		err = e.wal.AppendError(entryType, violationID, res, cause)
	} else {
		err = e.wal.Append(entryType, violationID, res)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("violation_id", violationID).Msg("failed to write WAL entry")
	}
}
