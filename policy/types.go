package policy

// Context is where a policy is being enforced.
type Context string

const (
	ContextRuntime Context = "runtime"
	ContextCICD    Context = "cicd"
)

// Mode controls when and how a match triggers side effects.
type Mode string

const (
	ModeAuditOnly     Mode = "audit-only"
	ModePostEvent     Mode = "post-event"
	ModeInlineDeny    Mode = "inline-deny"
	ModeScheduled     Mode = "scheduled"
	ModePreDeployment Mode = "pre-deployment"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuditOnly, ModePostEvent, ModeInlineDeny, ModeScheduled, ModePreDeployment:
		return true
	}
	return false
}

// ActionType names a remediation unit executed by a connector.
type ActionType string

const (
	ActionNotify     ActionType = "NOTIFY"
	ActionTag        ActionType = "TAG"
	ActionStop       ActionType = "STOP"
	ActionDisable    ActionType = "DISABLE"
	ActionDelete     ActionType = "DELETE"
	ActionQuarantine ActionType = "QUARANTINE"
	ActionEscalate   ActionType = "ESCALATE"
	ActionBlock      ActionType = "BLOCK"
)

// IsDestructive reports whether the action removes or disables the resource.
func (a ActionType) IsDestructive() bool {
	return a == ActionDelete || a == ActionStop || a == ActionDisable
}

// Action is one remediation step. Parameters are connector specific.
type Action struct {
	Type       ActionType        `yaml:"type" json:"type" validate:"required,oneof=NOTIFY TAG STOP DISABLE DELETE QUARANTINE ESCALATE BLOCK"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Target     string            `yaml:"target,omitempty" json:"target,omitempty"`
	Connector  string            `yaml:"connector,omitempty" json:"connector,omitempty"`
}
