package evaluator

import (
	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/types"
)

// EvaluateCondition interprets a logical tree against a document. Children of
// all and any are visited left to right and stop at the first decisive one.
func EvaluateCondition(c policy.Condition, doc types.Value) bool {
	switch n := c.(type) {
	case policy.AllCondition:
		for _, child := range n.Conditions {
			if !EvaluateCondition(child, doc) {
				return false
			}
		}
		return true
	case policy.AnyCondition:
		for _, child := range n.Conditions {
			if EvaluateCondition(child, doc) {
				return true
			}
		}
		return false
	case policy.NotCondition:
		return !EvaluateCondition(n.Condition, doc)
	case policy.FieldCondition:
		actual, found := doc.Lookup(n.Field)
		return n.Operator.Apply(actual, found, n.Value)
	}
	return false
}
