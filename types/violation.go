package types

import (
	"fmt"
	"strings"
	"time"
)

// Severity ranks policy findings.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities, higher is worse. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// ParseSeverity normalizes case.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// ViolationStatus is the externally visible resolution status.
type ViolationStatus string

const (
	StatusOpen          ViolationStatus = "open"
	StatusResolved      ViolationStatus = "resolved"
	StatusFalsePositive ViolationStatus = "false_positive"
)

// ViolationState is the enforcement lifecycle position.
type ViolationState string

const (
	StateDetected      ViolationState = "detected"
	StateNotified      ViolationState = "notified"
	StateRemediated    ViolationState = "remediated"
	StateAudited       ViolationState = "audited"
	StateResolved      ViolationState = "resolved"
	StateFalsePositive ViolationState = "false_positive"
)

var stateTransitions = map[ViolationState][]ViolationState{
	StateDetected: {StateNotified, StateRemediated, StateAudited},
	StateNotified: {StateRemediated},
}

// CanAdvanceTo reports whether next is a forward lifecycle step from s.
// Resolution is handled separately by the resolve operation.
func (s ViolationState) CanAdvanceTo(next ViolationState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further lifecycle change is possible.
func (s ViolationState) IsTerminal() bool {
	return s == StateResolved || s == StateFalsePositive
}

// RemediationState summarizes action execution for a violation.
type RemediationState string

const (
	RemediationNone      RemediationState = "none"
	RemediationPending   RemediationState = "pending"
	RemediationScheduled RemediationState = "scheduled"
	RemediationPartial   RemediationState = "partial"
	RemediationCompleted RemediationState = "completed"
	RemediationFailed    RemediationState = "failed"
)

// Violation records that a resource failed a policy.
type Violation struct {
	ID              string           `json:"id"`
	PolicyID        string           `json:"policy_id"`
	PolicyVersion   string           `json:"policy_version,omitempty"`
	ResourceID      string           `json:"resource_id"`
	ResourceType    string           `json:"resource_type,omitempty"`
	EventID         string           `json:"event_id,omitempty"`
	Severity        Severity         `json:"severity"`
	Status          ViolationStatus  `json:"status"`
	State           ViolationState   `json:"state"`
	Mode            string           `json:"mode,omitempty"`
	DetectedAt      time.Time        `json:"detected_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
	Evidence        Properties       `json:"evidence,omitempty"`
	Remediation     RemediationState `json:"remediation_state"`
}

// IsOpen reports whether the violation still awaits resolution.
func (v *Violation) IsOpen() bool {
	return v.Status == StatusOpen
}

// ViolationFilter narrows violation listings. Zero fields match everything.
type ViolationFilter struct {
	PolicyID   string
	ResourceID string
	Status     ViolationStatus
	Severity   Severity
	Since      time.Time
	Limit      int
}

// Matches applies the filter to one violation.
func (f ViolationFilter) Matches(v *Violation) bool {
	if f.PolicyID != "" && v.PolicyID != f.PolicyID {
		return false
	}
	if f.ResourceID != "" && v.ResourceID != f.ResourceID {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.Severity != "" && v.Severity != f.Severity {
		return false
	}
	if !f.Since.IsZero() && v.DetectedAt.Before(f.Since) {
		return false
	}
	return true
}
