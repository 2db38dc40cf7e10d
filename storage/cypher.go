package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yairfalse/argus/types"
)

// cypherQuery is a rendered statement and its parameters.
type cypherQuery struct {
	text   string
	params map[string]any
}

type cypherBuilder struct {
	params map[string]any
	next   int
}

func newCypherBuilder() *cypherBuilder {
	return &cypherBuilder{params: map[string]any{}}
}

// param binds v and returns its placeholder.
func (b *cypherBuilder) param(v any) string {
	name := "p" + strconv.Itoa(b.next)
	b.next++
	b.params[name] = v
	return "$" + name
}

// renderPathQuery compiles q into one bounded variable-length match. The
// anchored endpoint is matched first so the planner starts from an index
// seek.
func renderPathQuery(q *PathQuery) (cypherQuery, error) {
	if err := q.Validate(); err != nil {
		return cypherQuery{}, err
	}
	b := newCypherBuilder()

	rels := relTypeAlternation(q.relTypes())
	hops := fmt.Sprintf("[:%s*1..%d]", rels, q.MaxDepth)
	var pattern string
	switch q.direction() {
	case types.DirectionIncoming:
		pattern = "(a)<-" + hops + "-(b)"
	case types.DirectionBoth:
		pattern = "(a)-" + hops + "-(b)"
	default:
		pattern = "(a)-" + hops + "->(b)"
	}

	anchorVar, anchor := "a", q.From
	otherVar, other := "b", q.To
	if !q.From.Anchored() {
		anchorVar, anchor = "b", q.To
		otherVar, other = "a", q.From
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MATCH (%s%s {id: %s})\n", anchorVar, labelExpr(anchor.Label), b.param(anchor.ID))
	anchorWhere := []string{anchorVar + ".valid_to IS NULL"}
	if anchor.Type != nil {
		anchorWhere = append(anchorWhere, fmt.Sprintf("%s.type =~ %s", anchorVar, b.param(anchor.Type.AnchoredRegex())))
	}
	fmt.Fprintf(&sb, "WHERE %s\n", strings.Join(anchorWhere, " AND "))

	otherPattern := strings.Replace(pattern, "("+otherVar+")", "("+otherVar+labelExpr(other.Label)+")", 1)
	fmt.Fprintf(&sb, "MATCH p = %s\n", otherPattern)

	where := []string{
		otherVar + ".valid_to IS NULL",
		"all(r IN relationships(p) WHERE r.valid_to IS NULL)",
		"all(x IN nodes(p) WHERE x.valid_to IS NULL)",
	}
	if other.ID != "" {
		where = append(where, fmt.Sprintf("%s.id = %s", otherVar, b.param(other.ID)))
	}
	if other.Type != nil {
		where = append(where, fmt.Sprintf("%s.type =~ %s", otherVar, b.param(other.Type.AnchoredRegex())))
	}
	if q.Where != nil {
		pred, err := b.predicate(q.Where)
		if err != nil {
			return cypherQuery{}, err
		}
		where = append(where, pred)
	}
	fmt.Fprintf(&sb, "WHERE %s\n", strings.Join(where, "\n  AND "))
	sb.WriteString("RETURN 1 AS hit\nLIMIT 1")

	return cypherQuery{text: sb.String(), params: b.params}, nil
}

func (b *cypherBuilder) predicate(p Predicate) (string, error) {
	switch p := p.(type) {
	case AllOf:
		return b.join(p, " AND ", "true")
	case AnyOf:
		return b.join(p, " OR ", "false")
	case NotOf:
		inner, err := b.predicate(p.Pred)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case FieldPredicate:
		return b.leaf(p)
	}
	return "", fmt.Errorf("unsupported predicate %T", p)
}

func (b *cypherBuilder) join(preds []Predicate, sep, empty string) (string, error) {
	if len(preds) == 0 {
		return empty, nil
	}
	parts := make([]string, 0, len(preds))
	for _, c := range preds {
		s, err := b.predicate(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// leaf maps one operator onto Cypher with the same semantics as
// types.Operator.Apply. Every leaf is wrapped in coalesce so that a missing
// property never turns NOT into true.
func (b *cypherBuilder) leaf(p FieldPredicate) (string, error) {
	v := "a"
	if p.Endpoint == EndpointTo {
		v = "b"
	}
	x := propertyExpr(v, p.Path)
	_, isString := p.Value.Str()
	_, isNumber := p.Value.Num()

	var expr string
	switch p.Op {
	case types.OpExists:
		expr = x + " IS NOT NULL"
	case types.OpNotExists:
		expr = x + " IS NULL"
	case types.OpEq:
		expr = fmt.Sprintf("%s = %s", x, b.param(p.Value.Interface()))
	case types.OpNe:
		guard := typeGuard(x, p.Value)
		if guard == "" {
			expr = "false"
			break
		}
		expr = fmt.Sprintf("%s AND %s <> %s", guard, x, b.param(p.Value.Interface()))
	case types.OpContains:
		param := b.param(p.Value.Interface())
		listBranch := fmt.Sprintf("(%s IS :: LIST<ANY> NOT NULL AND %s IN %s)", x, param, x)
		if isString {
			expr = fmt.Sprintf("(%s IS :: STRING NOT NULL AND %s CONTAINS %s) OR %s", x, x, param, listBranch)
		} else {
			expr = listBranch
		}
	case types.OpStartsWith, types.OpEndsWith:
		if !isString {
			expr = "false"
			break
		}
		kw := "STARTS WITH"
		if p.Op == types.OpEndsWith {
			kw = "ENDS WITH"
		}
		expr = fmt.Sprintf("%s IS :: STRING NOT NULL AND %s %s %s", x, x, kw, b.param(p.Value.Interface()))
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		if !isString && !isNumber {
			expr = "false"
			break
		}
		expr = fmt.Sprintf("%s AND %s %s %s", typeGuard(x, p.Value), x, comparison[p.Op], b.param(p.Value.Interface()))
	case types.OpIn:
		expr = fmt.Sprintf("%s IN %s", x, b.param(p.Value.Interface()))
	case types.OpNotIn:
		expr = fmt.Sprintf("%s IS NOT NULL AND NOT %s IN %s", x, x, b.param(p.Value.Interface()))
	case types.OpRegex:
		pattern, ok := p.Value.Str()
		if !ok {
			expr = "false"
			break
		}
		expr = fmt.Sprintf("%s IS :: STRING NOT NULL AND %s =~ %s", x, x, b.param("(?s).*(?:"+pattern+").*"))
	default:
		return "", fmt.Errorf("unknown operator %q", p.Op)
	}
	return "coalesce(" + expr + ", false)", nil
}

var comparison = map[types.Operator]string{
	types.OpGt:  ">",
	types.OpGte: ">=",
	types.OpLt:  "<",
	types.OpLte: "<=",
}

// typeGuard restricts x to the kind of expected.
func typeGuard(x string, expected types.Value) string {
	switch expected.Kind() {
	case types.KindString:
		return fmt.Sprintf("%s IS :: STRING NOT NULL", x)
	case types.KindNumber:
		return fmt.Sprintf("(%s IS :: INTEGER NOT NULL OR %s IS :: FLOAT NOT NULL)", x, x)
	case types.KindBool:
		return fmt.Sprintf("%s IS :: BOOLEAN NOT NULL", x)
	case types.KindList:
		return fmt.Sprintf("%s IS :: LIST<ANY> NOT NULL", x)
	}
	return ""
}

// propertyExpr addresses a flattened document path on node v. A trailing
// numeric segment also indexes into a stored list.
func propertyExpr(v, path string) string {
	segs := strings.Split(path, ".")
	if len(segs) > 1 {
		if idx, err := strconv.Atoi(segs[len(segs)-1]); err == nil && idx >= 0 {
			prefix := v + "." + quoteIdent(strings.Join(segs[:len(segs)-1], "."))
			return fmt.Sprintf("coalesce(%s.%s, CASE WHEN %s IS :: LIST<ANY> NOT NULL THEN %s[%d] END)",
				v, quoteIdent(path), prefix, prefix, idx)
		}
	}
	return v + "." + quoteIdent(path)
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func labelExpr(label string) string {
	if label == "" {
		return ":" + LabelResource + "|" + LabelIdentity
	}
	return ":" + label
}

func relTypeAlternation(rels []types.RelType) string {
	names := make([]string, len(rels))
	for i, r := range rels {
		names[i] = string(r)
	}
	return strings.Join(names, "|")
}
