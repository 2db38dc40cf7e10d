package enforcer

import (
	"context"
	"time"

	"github.com/yairfalse/argus/executor"
	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/types"
)

// ViolationStore is the part of the graph store the dispatcher writes to.
type ViolationStore interface {
	CreateViolation(ctx context.Context, v *types.Violation) (bool, error)
	AdvanceViolation(ctx context.Context, id string, state types.ViolationState, remediation types.RemediationState) (*types.Violation, error)
}

// ActionExecutor runs a violation's actions in order.
type ActionExecutor interface {
	Execute(ctx context.Context, actions []policy.Action, v *types.Violation) *executor.ExecutionResult
}

// PolicySource hands out the current policy snapshot.
type PolicySource interface {
	Snapshot() *policy.Snapshot
}

// Scheduler accepts jobs for the deferred executor.
type Scheduler interface {
	Push(ctx context.Context, v any) error
}

// Outcome is what one runtime dispatch did.
type Outcome struct {
	Violation *types.Violation          `json:"violation"`
	Mode      policy.Mode               `json:"mode"`
	Created   bool                      `json:"created"`
	Denied    bool                      `json:"denied,omitempty"`
	Scheduled bool                      `json:"scheduled,omitempty"`
	Execution *executor.ExecutionResult `json:"execution,omitempty"`
}

// ScheduledJob is the queue payload for scheduled enforcement.
type ScheduledJob struct {
	Violation  types.Violation `json:"violation"`
	Actions    []policy.Action `json:"actions"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// VerdictOutcome is the CI/CD decision.
type VerdictOutcome string

const (
	VerdictPass  VerdictOutcome = "pass"
	VerdictWarn  VerdictOutcome = "warn"
	VerdictBlock VerdictOutcome = "block"
)

// Finding is one matched policy in a CI/CD verdict.
type Finding struct {
	PolicyID string         `json:"policy_id"`
	Name     string         `json:"name"`
	Severity types.Severity `json:"severity"`
	Mode     policy.Mode    `json:"mode"`
	Blocking bool           `json:"blocking"`
}

// Verdict is the pre-deployment answer for one planned change.
type Verdict struct {
	Outcome    VerdictOutcome `json:"outcome"`
	EventID    string         `json:"event_id"`
	ResourceID string         `json:"resource_id"`
	Findings   []Finding      `json:"findings,omitempty"`
}

// Blocked reports whether the change must not be deployed.
func (v *Verdict) Blocked() bool {
	return v.Outcome == VerdictBlock
}
