package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yairfalse/argus/types"
)

// ErrInvalid is matched by every ValidationError.
var ErrInvalid = errors.New("invalid policy")

// ValidationError reports a malformed policy. Loads containing one are
// rejected as a whole.
type ValidationError struct {
	PolicyID string
	Source   string
	Problems []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid policy")
	if e.PolicyID != "" {
		fmt.Fprintf(&b, " %q", e.PolicyID)
	}
	if e.Source != "" {
		fmt.Fprintf(&b, " (%s)", e.Source)
	}
	b.WriteString(": ")
	b.WriteString(strings.Join(e.Problems, "; "))
	return b.String()
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// Enforcement selects the mode per context. Empty modes take the context
// default: post-event at runtime, pre-deployment in CI/CD.
type Enforcement struct {
	Runtime Mode           `yaml:"runtime,omitempty" json:"runtime,omitempty" validate:"omitempty,oneof=audit-only post-event inline-deny scheduled"`
	CICD    Mode           `yaml:"cicd,omitempty" json:"cicd,omitempty" validate:"omitempty,oneof=audit-only pre-deployment"`
	BlockOn types.Severity `yaml:"block_on,omitempty" json:"block_on,omitempty" validate:"omitempty,oneof=critical high medium low info"`
}

// ModeFor returns the effective mode for a context.
func (e Enforcement) ModeFor(c Context) Mode {
	switch c {
	case ContextCICD:
		if e.CICD != "" {
			return e.CICD
		}
		return ModePreDeployment
	default:
		if e.Runtime != "" {
			return e.Runtime
		}
		return ModePostEvent
	}
}

// BlockThreshold is the lowest severity that blocks a deployment.
func (e Enforcement) BlockThreshold() types.Severity {
	if e.BlockOn != "" {
		return e.BlockOn
	}
	return types.SeverityHigh
}

// Document is the serialized form of a policy.
type Document struct {
	ID          string           `yaml:"id" json:"id" validate:"required,max=128"`
	Name        string           `yaml:"name" json:"name" validate:"required"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string           `yaml:"version,omitempty" json:"version,omitempty"`
	Severity    string           `yaml:"severity" json:"severity" validate:"required,oneof=critical high medium low info"`
	Enabled     *bool            `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Selector    ResourceSelector `yaml:"selector,omitempty" json:"selector,omitempty"`
	Condition   *ConditionDoc    `yaml:"condition,omitempty" json:"condition,omitempty"`
	Graph       *GraphDoc        `yaml:"graph,omitempty" json:"graph,omitempty"`
	Enforcement Enforcement      `yaml:"enforcement,omitempty" json:"enforcement,omitempty"`
	Actions     []Action         `yaml:"actions,omitempty" json:"actions,omitempty" validate:"dive"`
	ExpiresAt   *time.Time       `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
	ReviewAt    *time.Time       `yaml:"review_at,omitempty" json:"review_at,omitempty"`
}

// Policy is a validated, immutable policy. Treat registered policies as
// read-only; replace them through the Registry.
type Policy struct {
	ID          string
	Name        string
	Description string
	Version     string
	Severity    types.Severity
	Selector    ResourceSelector
	Condition   Condition
	Graph       *GraphCondition
	Enforcement Enforcement
	Actions     []Action
	Enabled     bool
	ExpiresAt   *time.Time
	ReviewAt    *time.Time
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Build converts a document into a validated policy.
func Build(doc Document) (*Policy, error) {
	doc.ID = strings.TrimSpace(doc.ID)
	doc.Severity = strings.ToLower(strings.TrimSpace(doc.Severity))
	for i := range doc.Actions {
		doc.Actions[i].Type = ActionType(strings.ToUpper(string(doc.Actions[i].Type)))
	}

	verr := &ValidationError{PolicyID: doc.ID}
	if err := structValidator().Struct(doc); err != nil {
		verr.Problems = append(verr.Problems, describeValidation(err)...)
	}

	p := &Policy{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
		Severity:    types.Severity(doc.Severity),
		Selector:    doc.Selector,
		Enforcement: doc.Enforcement,
		Actions:     doc.Actions,
		Enabled:     doc.Enabled == nil || *doc.Enabled,
		ExpiresAt:   doc.ExpiresAt,
		ReviewAt:    doc.ReviewAt,
	}

	switch {
	case doc.Condition != nil && doc.Graph != nil:
		verr.Problems = append(verr.Problems, "condition and graph are mutually exclusive")
	case doc.Condition != nil:
		c, err := doc.Condition.Build("condition")
		if err != nil {
			verr.Problems = append(verr.Problems, err.Error())
		}
		p.Condition = c
	case doc.Graph != nil:
		g, err := doc.Graph.Build()
		if err != nil {
			verr.Problems = append(verr.Problems, err.Error())
		}
		p.Graph = g
	default:
		verr.Problems = append(verr.Problems, "one of condition or graph is required")
	}

	verr.Problems = append(verr.Problems, p.checkRest()...)
	if len(verr.Problems) > 0 {
		return nil, verr
	}
	return p, nil
}

// Validate checks a policy built in code and compiles its selector. Build
// already validates decoded policies.
func (p *Policy) Validate() error {
	verr := &ValidationError{PolicyID: p.ID}
	doc := p.Doc()
	if err := structValidator().Struct(doc); err != nil {
		verr.Problems = append(verr.Problems, describeValidation(err)...)
	}
	switch {
	case p.Condition != nil && p.Graph != nil:
		verr.Problems = append(verr.Problems, "condition and graph are mutually exclusive")
	case p.Condition != nil:
		if err := ValidateCondition(p.Condition); err != nil {
			verr.Problems = append(verr.Problems, err.Error())
		}
	case p.Graph != nil:
		if err := p.Graph.Validate(); err != nil {
			verr.Problems = append(verr.Problems, err.Error())
		}
	default:
		verr.Problems = append(verr.Problems, "one of condition or graph is required")
	}
	verr.Problems = append(verr.Problems, p.checkRest()...)
	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func (p *Policy) checkRest() []string {
	var problems []string
	if err := p.Selector.Compile(); err != nil {
		problems = append(problems, err.Error())
	}
	if p.ExpiresAt != nil && p.ReviewAt != nil && p.ReviewAt.After(*p.ExpiresAt) {
		problems = append(problems, "review_at must not be after expires_at")
	}
	return problems
}

func describeValidation(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Document.")
		if fe.Param() != "" {
			out = append(out, fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			out = append(out, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return out
}

// IsActive reports whether the policy is enabled and unexpired at now.
func (p *Policy) IsActive(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}

// NeedsReview reports whether the review date has passed.
func (p *Policy) NeedsReview(now time.Time) bool {
	return p.ReviewAt != nil && !now.Before(*p.ReviewAt)
}

// IsGraph reports whether the policy uses a graph condition.
func (p *Policy) IsGraph() bool {
	return p.Graph != nil
}

// Doc converts the policy back into document form.
func (p *Policy) Doc() Document {
	enabled := p.Enabled
	doc := Document{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Version:     p.Version,
		Severity:    string(p.Severity),
		Enabled:     &enabled,
		Selector:    p.Selector,
		Enforcement: p.Enforcement,
		Actions:     p.Actions,
		ExpiresAt:   p.ExpiresAt,
		ReviewAt:    p.ReviewAt,
	}
	if p.Condition != nil {
		c := DocOf(p.Condition)
		doc.Condition = &c
	}
	if p.Graph != nil {
		g := p.Graph.Doc()
		doc.Graph = &g
	}
	return doc
}

func (p *Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Doc())
}
