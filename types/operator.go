package types

import (
	"regexp"
	"strings"
	"sync"
)

// Operator is a field comparison with fixed, storage-independent semantics.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpRegex      Operator = "regex"
	OpExists     Operator = "exists"
	OpNotExists  Operator = "not_exists"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpEq, OpNe, OpContains, OpStartsWith, OpEndsWith,
	OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn, OpRegex, OpExists, OpNotExists,
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	for _, known := range Operators {
		if o == known {
			return true
		}
	}
	return false
}

// RequiresList reports whether the operand must be a list.
func (o Operator) RequiresList() bool {
	return o == OpIn || o == OpNotIn
}

// TakesNoValue reports whether the operator must be used without an operand.
func (o Operator) TakesNoValue() bool {
	return o == OpExists || o == OpNotExists
}

// Apply evaluates the operator. found reports whether the field path resolved.
// Missing fields and kind mismatches yield false; only not_exists matches a
// missing field.
func (o Operator) Apply(actual Value, found bool, expected Value) bool {
	present := found && !actual.IsNull()

	switch o {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	}

	if !found {
		return false
	}

	switch o {
	case OpEq:
		return actual.Equal(expected)
	case OpNe:
		return actual.kind == expected.kind && !actual.Equal(expected)
	case OpContains:
		return contains(actual, expected)
	case OpStartsWith:
		a, ok1 := actual.Str()
		e, ok2 := expected.Str()
		return ok1 && ok2 && strings.HasPrefix(a, e)
	case OpEndsWith:
		a, ok1 := actual.Str()
		e, ok2 := expected.Str()
		return ok1 && ok2 && strings.HasSuffix(a, e)
	case OpGt:
		c, ok := compare(actual, expected)
		return ok && c > 0
	case OpGte:
		c, ok := compare(actual, expected)
		return ok && c >= 0
	case OpLt:
		c, ok := compare(actual, expected)
		return ok && c < 0
	case OpLte:
		c, ok := compare(actual, expected)
		return ok && c <= 0
	case OpIn:
		return present && member(actual, expected)
	case OpNotIn:
		_, isList := expected.Items()
		return present && isList && !member(actual, expected)
	case OpRegex:
		a, ok1 := actual.Str()
		pattern, ok2 := expected.Str()
		if !ok1 || !ok2 {
			return false
		}
		re, err := CompileRegex(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(a)
	}
	return false
}

func contains(actual, expected Value) bool {
	switch actual.kind {
	case KindString:
		e, ok := expected.Str()
		return ok && strings.Contains(actual.str, e)
	case KindList:
		for _, item := range actual.list {
			if item.Equal(expected) {
				return true
			}
		}
	}
	return false
}

func member(actual, list Value) bool {
	items, ok := list.Items()
	if !ok {
		return false
	}
	for _, item := range items {
		if item.Equal(actual) {
			return true
		}
	}
	return false
}

// compare orders numbers numerically and strings lexicographically.
func compare(a, b Value) (int, bool) {
	if a.kind != b.kind {
		return 0, false
	}
	switch a.kind {
	case KindNumber:
		switch {
		case a.num < b.num:
			return -1, true
		case a.num > b.num:
			return 1, true
		}
		return 0, true
	case KindString:
		return strings.Compare(a.str, b.str), true
	}
	return 0, false
}

var regexCache sync.Map

// CompileRegex compiles and caches an RE2 pattern. Matching is unanchored.
func CompileRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}
