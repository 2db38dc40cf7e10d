package storage

import (
	"fmt"

	"github.com/yairfalse/argus/types"
)

// Node labels understood by path queries.
const (
	LabelResource = "Resource"
	LabelIdentity = "Identity"
)

// NodeMatch selects the nodes at one end of a path. An empty ID leaves the
// end unanchored.
type NodeMatch struct {
	Label string
	ID    string
	Type  *types.TypePattern
}

// Anchored reports whether the match names one node.
func (m NodeMatch) Anchored() bool {
	return m.ID != ""
}

func (m NodeMatch) matches(label string, doc types.Value) bool {
	if m.Label != "" && m.Label != label {
		return false
	}
	if m.ID != "" {
		id, _ := doc.Lookup("id")
		if s, _ := id.Str(); s != m.ID {
			return false
		}
	}
	if m.Type != nil {
		t, _ := doc.Lookup("type")
		s, _ := t.Str()
		if !m.Type.Match(s) {
			return false
		}
	}
	return true
}

// PathQuery asks whether any current path of 1..MaxDepth hops joins a node
// matching From to a node matching To with Where holding on the endpoints.
type PathQuery struct {
	From      NodeMatch
	To        NodeMatch
	RelTypes  []types.RelType
	Direction types.Direction
	MaxDepth  int
	Where     Predicate
}

// Validate checks the query before it reaches a backend.
func (q *PathQuery) Validate() error {
	if q.MaxDepth < 1 || q.MaxDepth > MaxTraversalDepth {
		return fmt.Errorf("max depth %d outside [1, %d]", q.MaxDepth, MaxTraversalDepth)
	}
	if !q.From.Anchored() && !q.To.Anchored() {
		return fmt.Errorf("path query needs at least one anchored endpoint")
	}
	if q.Direction != "" && !q.Direction.Valid() {
		return fmt.Errorf("unknown direction %q", q.Direction)
	}
	for _, m := range []NodeMatch{q.From, q.To} {
		if m.Label != "" && m.Label != LabelResource && m.Label != LabelIdentity {
			return fmt.Errorf("unknown label %q", m.Label)
		}
	}
	for _, t := range q.RelTypes {
		if !t.Traversable() {
			return fmt.Errorf("relationship %s cannot be traversed", t)
		}
	}
	return nil
}

func (q *PathQuery) relTypes() []types.RelType {
	if len(q.RelTypes) == 0 {
		return types.TraversableRelTypes
	}
	return q.RelTypes
}

func (q *PathQuery) direction() types.Direction {
	if q.Direction == "" {
		return types.DirectionOutgoing
	}
	return q.Direction
}

// Endpoint names which end of a path a predicate field reads.
type Endpoint string

const (
	EndpointFrom Endpoint = "from"
	EndpointTo   Endpoint = "to"
)

// Predicate is a filter over the two endpoints of a path.
type Predicate interface {
	predicate()
}

type (
	// AllOf holds when every predicate holds.
	AllOf []Predicate
	// AnyOf holds when some predicate holds.
	AnyOf []Predicate
	// NotOf negates its predicate.
	NotOf struct{ Pred Predicate }
	// FieldPredicate applies one operator to a field of one endpoint's
	// document. Path is relative to the node, e.g. "properties.public".
	FieldPredicate struct {
		Endpoint Endpoint
		Path     string
		Op       types.Operator
		Value    types.Value
	}
)

func (AllOf) predicate()          {}
func (AnyOf) predicate()          {}
func (NotOf) predicate()          {}
func (FieldPredicate) predicate() {}

// EvalPredicate evaluates p against the endpoint documents. A nil predicate
// holds.
func EvalPredicate(p Predicate, from, to types.Value) bool {
	switch p := p.(type) {
	case nil:
		return true
	case AllOf:
		for _, c := range p {
			if !EvalPredicate(c, from, to) {
				return false
			}
		}
		return true
	case AnyOf:
		for _, c := range p {
			if EvalPredicate(c, from, to) {
				return true
			}
		}
		return false
	case NotOf:
		return !EvalPredicate(p.Pred, from, to)
	case FieldPredicate:
		doc := from
		if p.Endpoint == EndpointTo {
			doc = to
		}
		actual, found := doc.Lookup(p.Path)
		return p.Op.Apply(actual, found, p.Value)
	}
	return false
}
