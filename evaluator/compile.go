package evaluator

import (
	"fmt"
	"strings"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/types"
)

// CompileGraph turns a graph condition into a single path query. Endpoint
// refs are resolved against the triggering event document.
func CompileGraph(g *policy.GraphCondition, doc types.Value) (*storage.PathQuery, error) {
	eff := g.WithDefaults()

	from, err := compileSelector(eff.Path.From, doc)
	if err != nil {
		return nil, fmt.Errorf("path.from: %w", err)
	}
	to, err := compileSelector(eff.Path.To, doc)
	if err != nil {
		return nil, fmt.Errorf("path.to: %w", err)
	}

	q := &storage.PathQuery{
		From:      from,
		To:        to,
		RelTypes:  eff.Path.Via,
		Direction: eff.Path.Direction,
		MaxDepth:  eff.Path.MaxDepth,
	}
	if eff.Where != nil {
		where, err := compileWhere(eff.Where)
		if err != nil {
			return nil, fmt.Errorf("where: %w", err)
		}
		q.Where = where
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return q, nil
}

func compileSelector(sel policy.NodeSelector, doc types.Value) (storage.NodeMatch, error) {
	m := storage.NodeMatch{Label: sel.Label, ID: sel.ID}
	if sel.Ref != "" {
		v, ok := doc.Lookup(sel.Ref)
		id, isStr := v.Str()
		if !ok || !isStr || id == "" {
			return m, fmt.Errorf("ref %q does not resolve to an id", sel.Ref)
		}
		m.ID = id
	}
	if sel.Type != "" {
		tp, err := types.CompileTypePattern(sel.Type)
		if err != nil {
			return m, err
		}
		m.Type = &tp
	}
	return m, nil
}

func compileWhere(c policy.Condition) (storage.Predicate, error) {
	switch n := c.(type) {
	case policy.AllCondition:
		preds, err := compileList(n.Conditions)
		if err != nil {
			return nil, err
		}
		return storage.AllOf(preds), nil
	case policy.AnyCondition:
		preds, err := compileList(n.Conditions)
		if err != nil {
			return nil, err
		}
		return storage.AnyOf(preds), nil
	case policy.NotCondition:
		inner, err := compileWhere(n.Condition)
		if err != nil {
			return nil, err
		}
		return storage.NotOf{Pred: inner}, nil
	case policy.FieldCondition:
		ep, path, ok := strings.Cut(n.Field, ".")
		endpoint := storage.Endpoint(ep)
		if !ok || (endpoint != storage.EndpointFrom && endpoint != storage.EndpointTo) {
			return nil, fmt.Errorf("field %q must start with from. or to.", n.Field)
		}
		return storage.FieldPredicate{Endpoint: endpoint, Path: path, Op: n.Operator, Value: n.Value}, nil
	}
	return nil, fmt.Errorf("unsupported condition %T", c)
}

func compileList(cs []policy.Condition) ([]storage.Predicate, error) {
	out := make([]storage.Predicate, 0, len(cs))
	for _, c := range cs {
		p, err := compileWhere(c)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
