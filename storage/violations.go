package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/yairfalse/argus/types"
)

// newViolationRecord fills lifecycle defaults on a copy of v.
func newViolationRecord(v *types.Violation, now time.Time) types.Violation {
	stored := *v
	if stored.Status == "" {
		stored.Status = types.StatusOpen
	}
	if stored.State == "" {
		stored.State = types.StateDetected
	}
	if stored.Remediation == "" {
		stored.Remediation = types.RemediationNone
	}
	if stored.DetectedAt.IsZero() {
		stored.DetectedAt = now
	}
	return stored
}

// applyAdvance moves v forward. Backward or skipping moves are conflicts.
func applyAdvance(v *types.Violation, state types.ViolationState, remediation types.RemediationState) error {
	if state != "" && state != v.State {
		if !v.State.CanAdvanceTo(state) {
			return newError("advance_violation", KindConflict, v.ID, fmt.Errorf("cannot advance from %s to %s", v.State, state))
		}
		v.State = state
	}
	if remediation != "" {
		v.Remediation = remediation
	}
	return nil
}

// applyResolve closes an open violation.
func applyResolve(v *types.Violation, status types.ViolationStatus, notes string, now time.Time) error {
	state, err := resolutionState(status)
	if err != nil {
		return newError("resolve_violation", KindInvalid, v.ID, err)
	}
	if !v.IsOpen() {
		return newError("resolve_violation", KindConflict, v.ID, fmt.Errorf("violation already %s", v.Status))
	}
	v.Status = status
	v.State = state
	v.ResolvedAt = &now
	v.ResolutionNotes = notes
	return nil
}

func resolutionState(status types.ViolationStatus) (types.ViolationState, error) {
	switch status {
	case types.StatusResolved:
		return types.StateResolved, nil
	case types.StatusFalsePositive:
		return types.StateFalsePositive, nil
	}
	return "", fmt.Errorf("cannot resolve with status %q", status)
}

// sortViolations orders newest first.
func sortViolations(vs []*types.Violation) {
	sort.Slice(vs, func(i, j int) bool {
		if !vs[i].DetectedAt.Equal(vs[j].DetectedAt) {
			return vs[i].DetectedAt.After(vs[j].DetectedAt)
		}
		return vs[i].ID < vs[j].ID
	})
}

func validateViolation(op string, v *types.Violation) error {
	if v == nil || v.ID == "" {
		return invalid(op, "", "violation id is required")
	}
	if v.PolicyID == "" || v.ResourceID == "" {
		return invalid(op, v.ID, "policy_id and resource_id are required")
	}
	return nil
}
