package evaluator

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/types"
)

func testDoc() types.Value {
	return types.MustFromAny(map[string]any{
		"cloud": "aws",
		"resource": map[string]any{
			"id":   "bucket-1",
			"type": "aws:s3:bucket",
			"tags": map[string]any{"env": "prod"},
			"properties": map[string]any{
				"public_read": true,
				"versioning":  false,
				"size_gb":     120,
				"grants":      []any{map[string]any{"grantee": "AllUsers"}},
				"name":        "",
			},
		},
	})
}

func TestEvaluateCondition_Leaves(t *testing.T) {
	doc := testDoc()
	tests := []struct {
		name string
		cond policy.Condition
		want bool
	}{
		{"eq bool", policy.Field("resource.properties.public_read", types.OpEq, types.Bool(true)), true},
		{"eq missing", policy.Field("resource.properties.acl", types.OpEq, types.Bool(true)), false},
		{"ne missing is false", policy.Field("resource.properties.acl", types.OpNe, types.String("x")), false},
		{"ne type mismatch is false", policy.Field("resource.properties.size_gb", types.OpNe, types.String("x")), false},
		{"gt number", policy.Field("resource.properties.size_gb", types.OpGt, types.Int(100)), true},
		{"gt string vs number", policy.Field("resource.properties.size_gb", types.OpGt, types.String("1")), false},
		{"list index", policy.Field("resource.properties.grants.0.grantee", types.OpEq, types.String("AllUsers")), true},
		{"list index out of range", policy.Field("resource.properties.grants.3.grantee", types.OpExists, types.Null()), false},
		{"empty string starts_with empty", policy.Field("resource.properties.name", types.OpStartsWith, types.String("")), true},
		{"empty string contains x", policy.Field("resource.properties.name", types.OpContains, types.String("x")), false},
		{"not_exists missing", policy.Field("resource.properties.kms_key", types.OpNotExists, types.Null()), true},
		{"in list", policy.Field("resource.tags.env", types.OpIn, types.Strings("prod", "staging")), true},
		{"not_in missing", policy.Field("resource.tags.owner", types.OpNotIn, types.Strings("a")), false},
		{"regex", policy.Field("resource.id", types.OpRegex, types.String("^bucket-[0-9]+$")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateCondition(tt.cond, doc))
		})
	}
}

func TestEvaluateCondition_ShortCircuit(t *testing.T) {
	doc := testDoc()
	yes := policy.Field("cloud", types.OpEq, types.String("aws"))
	no := policy.Field("cloud", types.OpEq, types.String("gcp"))

	assert.True(t, EvaluateCondition(policy.All(yes, yes), doc))
	assert.False(t, EvaluateCondition(policy.All(yes, no), doc))
	assert.True(t, EvaluateCondition(policy.Any(no, yes), doc))
	assert.False(t, EvaluateCondition(policy.Any(no, no), doc))
	assert.True(t, EvaluateCondition(policy.Not(no), doc))
	assert.False(t, EvaluateCondition(nil, doc))
}

// randomTree builds a condition tree of bounded depth over the fields of
// testDoc plus some that are missing.
func randomTree(r *rand.Rand, depth int) policy.Condition {
	if depth == 0 || r.IntN(3) == 0 {
		return randomLeaf(r)
	}
	switch r.IntN(3) {
	case 0:
		return policy.All(randomChildren(r, depth)...)
	case 1:
		return policy.Any(randomChildren(r, depth)...)
	default:
		return policy.Not(randomTree(r, depth-1))
	}
}

func randomChildren(r *rand.Rand, depth int) []policy.Condition {
	n := 1 + r.IntN(3)
	out := make([]policy.Condition, n)
	for i := range out {
		out[i] = randomTree(r, depth-1)
	}
	return out
}

func randomLeaf(r *rand.Rand) policy.Condition {
	leaves := []policy.Condition{
		policy.Field("cloud", types.OpEq, types.String("aws")),
		policy.Field("cloud", types.OpNe, types.String("aws")),
		policy.Field("resource.properties.size_gb", types.OpGte, types.Int(int64(r.IntN(200)))),
		policy.Field("resource.properties.public_read", types.OpEq, types.Bool(r.IntN(2) == 0)),
		policy.Field("resource.tags.env", types.OpIn, types.Strings("prod", "dev")),
		policy.Field("resource.tags.missing", types.OpExists, types.Null()),
		policy.Field("resource.tags.missing", types.OpNotExists, types.Null()),
		policy.Field("resource.type", types.OpStartsWith, types.String("aws:s3")),
	}
	return leaves[r.IntN(len(leaves))]
}

func TestEvaluateCondition_BooleanAlgebra(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	doc := testDoc()

	for i := 0; i < 500; i++ {
		c1 := randomTree(r, 3)
		c2 := randomTree(r, 3)
		v1 := EvaluateCondition(c1, doc)
		v2 := EvaluateCondition(c2, doc)
		msg := fmt.Sprintf("iteration %d", i)

		assert.Equal(t, v1 && v2, EvaluateCondition(policy.All(c1, c2), doc), msg)
		assert.Equal(t, v1 || v2, EvaluateCondition(policy.Any(c1, c2), doc), msg)
		assert.Equal(t, !v1, EvaluateCondition(policy.Not(c1), doc), msg)
		assert.Equal(t, v1, EvaluateCondition(policy.Not(policy.Not(c1)), doc), msg)
		// De Morgan
		assert.Equal(t,
			EvaluateCondition(policy.Not(policy.All(c1, c2)), doc),
			EvaluateCondition(policy.Any(policy.Not(c1), policy.Not(c2)), doc), msg)
	}
}
