package executor

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/types"
)

// SafetyCheckFunc is a single safety check.
type SafetyCheckFunc func(ctx context.Context, action policy.Action, v *types.Violation) SafetyCheck

// DefaultSafetyChecker guards destructive actions and protected resources.
type DefaultSafetyChecker struct {
	checks []SafetyCheckFunc
}

// NewDefaultSafetyChecker builds the standard checks. Protected patterns are
// globs over resource ids where '*' does not cross ':' or '/'.
func NewDefaultSafetyChecker(opts Options) (*DefaultSafetyChecker, error) {
	protected := make([]glob.Glob, 0, len(opts.ProtectedResources))
	for _, p := range opts.ProtectedResources {
		g, err := glob.Compile(p, ':', '/')
		if err != nil {
			return nil, fmt.Errorf("protected resource pattern %q: %w", p, err)
		}
		protected = append(protected, g)
	}

	return &DefaultSafetyChecker{
		checks: []SafetyCheckFunc{
			checkDestructiveAllowed(opts.AllowDestructive),
			checkProtectedResource(protected),
			checkViolationOpen,
		},
	}, nil
}

// CheckSafety runs every check.
func (sc *DefaultSafetyChecker) CheckSafety(ctx context.Context, action policy.Action, v *types.Violation) []SafetyCheck {
	results := make([]SafetyCheck, 0, len(sc.checks))
	for _, check := range sc.checks {
		results = append(results, check(ctx, action, v))
	}
	return results
}

func checkDestructiveAllowed(allowed bool) SafetyCheckFunc {
	return func(_ context.Context, action policy.Action, v *types.Violation) SafetyCheck {
		check := SafetyCheck{Name: "destructive_action_check", Severity: SeverityCritical, Passed: true}
		if action.Type.IsDestructive() && !allowed {
			check.Passed = false
			check.Message = fmt.Sprintf("destructive action %s on %s is disabled", action.Type, v.ResourceID)
		}
		return check
	}
}

func checkProtectedResource(protected []glob.Glob) SafetyCheckFunc {
	return func(_ context.Context, action policy.Action, v *types.Violation) SafetyCheck {
		check := SafetyCheck{Name: "protected_resource_check", Severity: SeverityCritical, Passed: true}
		if action.Type == policy.ActionNotify || action.Type == policy.ActionEscalate {
			return check
		}
		for _, g := range protected {
			if g.Match(v.ResourceID) {
				check.Passed = false
				check.Message = fmt.Sprintf("resource %s is protected from %s", v.ResourceID, action.Type)
				break
			}
		}
		return check
	}
}

// checkViolationOpen warns when acting on a resolved violation, which only
// happens when scheduled work runs after an operator closed it.
func checkViolationOpen(_ context.Context, action policy.Action, v *types.Violation) SafetyCheck {
	check := SafetyCheck{Name: "violation_open_check", Severity: SeverityCritical, Passed: true}
	if v.Status != "" && !v.IsOpen() {
		check.Passed = false
		check.Message = fmt.Sprintf("violation %s is %s", v.ID, v.Status)
	}
	return check
}

// blockingCheck returns the first failed critical check.
func blockingCheck(checks []SafetyCheck) (SafetyCheck, bool) {
	for _, c := range checks {
		if !c.Passed && c.Severity == SeverityCritical {
			return c, true
		}
	}
	return SafetyCheck{}, false
}
