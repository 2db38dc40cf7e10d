package types

import (
	"fmt"
	"time"
)

// RelType names a relationship in the graph.
type RelType string

const (
	RelDependsOn         RelType = "DEPENDS_ON"
	RelLocatedIn         RelType = "LOCATED_IN"
	RelMemberOf          RelType = "MEMBER_OF"
	RelUses              RelType = "USES"
	RelPreviousVersion   RelType = "PREVIOUS_VERSION"
	RelHasViolation      RelType = "HAS_VIOLATION"
	RelCanAccess         RelType = "CAN_ACCESS"
	RelPerformedActionOn RelType = "PERFORMED_ACTION_ON"
	RelDetectedOn        RelType = "DETECTED_ON"
)

// TraversableRelTypes are the relationships path searches may follow.
var TraversableRelTypes = []RelType{
	RelDependsOn, RelLocatedIn, RelMemberOf, RelUses, RelCanAccess, RelPerformedActionOn,
}

// Traversable reports whether path searches may follow t.
func (t RelType) Traversable() bool {
	for _, known := range TraversableRelTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Direction controls which way path searches follow edges.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

func (d Direction) Valid() bool {
	return d == DirectionOutgoing || d == DirectionIncoming || d == DirectionBoth
}

// Relationship is one version of an edge between two current nodes. Its
// logical identity is (type, from, to), plus the event id for edges recorded
// per event.
type Relationship struct {
	Type       RelType    `json:"type"`
	FromID     string     `json:"from_id"`
	ToID       string     `json:"to_id"`
	EventID    string     `json:"event_id,omitempty"`
	Properties Properties `json:"properties,omitempty"`

	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	Version   int64      `json:"version"`
}

// Key is the logical identity of the edge across versions.
func (r *Relationship) Key() string {
	key := RelationshipKey(r.Type, r.FromID, r.ToID)
	if r.EventID != "" {
		key += "|" + r.EventID
	}
	return key
}

// Other returns the endpoint opposite id.
func (r *Relationship) Other(id string) string {
	if r.FromID == id {
		return r.ToID
	}
	return r.FromID
}

func (r *Relationship) IsCurrent() bool {
	return r.ValidTo == nil
}

// RelationshipKey formats the logical edge identity.
func RelationshipKey(t RelType, from, to string) string {
	return fmt.Sprintf("%s|%s|%s", t, from, to)
}

// Path is an ordered walk through the current graph.
type Path struct {
	NodeIDs []string  `json:"node_ids"`
	Rels    []RelType `json:"rels"`
}

// Len is the number of hops.
func (p Path) Len() int {
	return len(p.Rels)
}
