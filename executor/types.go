package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/types"
)

// Connector executes one remediation action against a violation. Execute is
// synchronous and must be idempotent; callers never retry.
type Connector interface {
	Name() string
	Execute(ctx context.Context, action policy.Action, v *types.Violation) error
}

// ErrNoConnector is returned when no connector handles an action.
var ErrNoConnector = errors.New("no connector for action")

// ErrUnsupported is returned by a connector for a resource type it cannot act on.
var ErrUnsupported = errors.New("action not supported for resource type")

// ActionError reports a failed action. It never blocks violation recording
// or the remaining actions.
type ActionError struct {
	ActionType  policy.ActionType
	Connector   string
	ViolationID string
	Err         error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s via %s for violation %s: %v", e.ActionType, e.Connector, e.ViolationID, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// ExecutionStatus is the outcome of one action.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusSkipped ExecutionStatus = "skipped"
	StatusDryRun  ExecutionStatus = "dry_run"
)

// ActionResult is the outcome of a single action.
type ActionResult struct {
	Action     policy.Action   `json:"action"`
	Connector  string          `json:"connector,omitempty"`
	Status     ExecutionStatus `json:"status"`
	StartTime  time.Time       `json:"start_time"`
	Duration   time.Duration   `json:"duration"`
	Error      string          `json:"error,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty"`
	Err        error           `json:"-"`
}

// ExecutionResult is the outcome of running a violation's actions in order.
type ExecutionResult struct {
	ViolationID     string         `json:"violation_id"`
	StartTime       time.Time      `json:"start_time"`
	Duration        time.Duration  `json:"duration"`
	SuccessfulCount int            `json:"successful_count"`
	FailedCount     int            `json:"failed_count"`
	SkippedCount    int            `json:"skipped_count"`
	Results         []ActionResult `json:"results"`
}

// Remediation summarizes the run for the violation record.
func (r *ExecutionResult) Remediation() types.RemediationState {
	switch {
	case len(r.Results) == 0:
		return types.RemediationNone
	case r.FailedCount == 0 && r.SuccessfulCount > 0:
		return types.RemediationCompleted
	case r.SuccessfulCount > 0:
		return types.RemediationPartial
	case r.FailedCount > 0:
		return types.RemediationFailed
	}
	return types.RemediationNone
}

// Errors returns the ActionErrors of failed actions.
func (r *ExecutionResult) Errors() []error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}

// Options configure the engine.
type Options struct {
	DryRun             bool          `json:"dry_run"`
	ActionTimeout      time.Duration `json:"action_timeout"`
	AllowDestructive   bool          `json:"allow_destructive"`
	ProtectedResources []string      `json:"protected_resources,omitempty"`
}

// BlockSeverity indicates how critical a failed safety check is.
type BlockSeverity string

const (
	SeverityWarning  BlockSeverity = "warning"
	SeverityError    BlockSeverity = "error"
	SeverityCritical BlockSeverity = "critical"
)

// SafetyCheck is one pre-execution validation.
type SafetyCheck struct {
	Name     string        `json:"name"`
	Severity BlockSeverity `json:"severity"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
}

// SafetyChecker validates actions before execution.
type SafetyChecker interface {
	CheckSafety(ctx context.Context, action policy.Action, v *types.Violation) []SafetyCheck
}
