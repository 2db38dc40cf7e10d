package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yairfalse/argus/types"
)

const (
	DefaultGraphTimeout = 30 * time.Second
	MinGraphTimeout     = 1 * time.Second
	MaxGraphTimeout     = 300 * time.Second
	MaxPathDepth        = 50
)

// Node labels a path endpoint may select.
const (
	LabelResource = "Resource"
	LabelIdentity = "Identity"
)

// NodeSelector picks one end of a path. ID fixes a literal node id; Ref
// resolves the id from the triggering event (for example "resource.id").
type NodeSelector struct {
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	Type  string `yaml:"type,omitempty" json:"type,omitempty"`
	ID    string `yaml:"id,omitempty" json:"id,omitempty"`
	Ref   string `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// Anchored reports whether the selector pins a single node.
func (n NodeSelector) Anchored() bool {
	return n.ID != "" || n.Ref != ""
}

// PathSpec describes the traversal a graph condition requires.
type PathSpec struct {
	From      NodeSelector    `yaml:"from" json:"from"`
	To        NodeSelector    `yaml:"to" json:"to"`
	Via       []types.RelType `yaml:"via,omitempty" json:"via,omitempty"`
	Direction types.Direction `yaml:"direction,omitempty" json:"direction,omitempty"`
	MaxDepth  int             `yaml:"max_depth" json:"max_depth"`
}

// GraphCondition matches when at least one path satisfying Path exists whose
// endpoints satisfy Where. Where field paths start with "from." or "to.".
type GraphCondition struct {
	Path    PathSpec
	Where   Condition
	Timeout time.Duration
}

// GraphDoc is the serialized form of a graph condition.
type GraphDoc struct {
	Path    PathSpec      `yaml:"path" json:"path"`
	Where   *ConditionDoc `yaml:"where,omitempty" json:"where,omitempty"`
	Timeout string        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Build validates the document and applies defaults.
func (d *GraphDoc) Build() (*GraphCondition, error) {
	gc := &GraphCondition{Path: d.Path}
	if d.Where != nil {
		where, err := d.Where.Build("graph.where")
		if err != nil {
			return nil, err
		}
		gc.Where = where
	}
	timeout, err := parseTimeout(d.Timeout)
	if err != nil {
		return nil, fmt.Errorf("graph.timeout: %w", err)
	}
	gc.Timeout = timeout
	gc.applyDefaults()
	if err := gc.Validate(); err != nil {
		return nil, err
	}
	return gc, nil
}

// parseTimeout accepts Go durations ("45s") or bare seconds ("45").
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func (g *GraphCondition) applyDefaults() {
	if g.Timeout == 0 {
		g.Timeout = DefaultGraphTimeout
	}
	if g.Path.Direction == "" {
		g.Path.Direction = types.DirectionOutgoing
	}
	if g.Path.From.Label == "" {
		g.Path.From.Label = LabelResource
	}
	if g.Path.To.Label == "" {
		g.Path.To.Label = LabelResource
	}
}

// WithDefaults returns a copy with empty settings replaced by defaults.
func (g *GraphCondition) WithDefaults() GraphCondition {
	out := *g
	out.applyDefaults()
	return out
}

// Validate checks structural constraints.
func (g *GraphCondition) Validate() error {
	eff := g.WithDefaults()
	p := eff.Path
	if p.MaxDepth < 1 || p.MaxDepth > MaxPathDepth {
		return fmt.Errorf("graph.path.max_depth must be in [1,%d], got %d", MaxPathDepth, p.MaxDepth)
	}
	if eff.Timeout < MinGraphTimeout || eff.Timeout > MaxGraphTimeout {
		return fmt.Errorf("graph.timeout must be in [%s,%s], got %s", MinGraphTimeout, MaxGraphTimeout, eff.Timeout)
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("graph.path.direction %q is invalid", p.Direction)
	}
	for _, rel := range p.Via {
		if !rel.Traversable() {
			return fmt.Errorf("graph.path.via: relationship %q cannot be traversed", rel)
		}
	}
	if !p.From.Anchored() && !p.To.Anchored() {
		return fmt.Errorf("graph.path: at least one endpoint needs an id or ref")
	}
	for name, sel := range map[string]NodeSelector{"from": p.From, "to": p.To} {
		if sel.Label != LabelResource && sel.Label != LabelIdentity {
			return fmt.Errorf("graph.path.%s.label %q is invalid", name, sel.Label)
		}
		if sel.ID != "" && sel.Ref != "" {
			return fmt.Errorf("graph.path.%s: id and ref are mutually exclusive", name)
		}
		if sel.Type != "" {
			if _, err := types.CompileTypePattern(sel.Type); err != nil {
				return fmt.Errorf("graph.path.%s.type: %w", name, err)
			}
		}
	}
	if g.Where != nil {
		if err := validateTree("graph.where", g.Where); err != nil {
			return err
		}
		if err := checkEndpointFields(g.Where); err != nil {
			return fmt.Errorf("graph.where: %w", err)
		}
	}
	return nil
}

func checkEndpointFields(c Condition) error {
	switch n := c.(type) {
	case AllCondition:
		return checkEndpointList(n.Conditions)
	case AnyCondition:
		return checkEndpointList(n.Conditions)
	case NotCondition:
		return checkEndpointFields(n.Condition)
	case FieldCondition:
		if !strings.HasPrefix(n.Field, "from.") && !strings.HasPrefix(n.Field, "to.") {
			return fmt.Errorf("field %q must start with from. or to.", n.Field)
		}
	}
	return nil
}

func checkEndpointList(cs []Condition) error {
	for _, c := range cs {
		if err := checkEndpointFields(c); err != nil {
			return err
		}
	}
	return nil
}

// Doc converts the graph condition back into document form.
func (g *GraphCondition) Doc() GraphDoc {
	d := GraphDoc{Path: g.Path, Timeout: g.Timeout.String()}
	if g.Where != nil {
		w := DocOf(g.Where)
		d.Where = &w
	}
	return d
}
