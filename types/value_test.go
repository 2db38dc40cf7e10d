package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValue_Lookup(t *testing.T) {
	doc := MustFromAny(map[string]any{
		"resource": map[string]any{
			"properties": map[string]any{
				"public_read": true,
				"grants": []any{
					map[string]any{"grantee": "AllUsers"},
					map[string]any{"grantee": "owner"},
				},
			},
		},
	})

	v, ok := doc.Lookup("resource.properties.public_read")
	require.True(t, ok)
	assert.True(t, v.Equal(Bool(true)))

	v, ok = doc.Lookup("resource.properties.grants.1.grantee")
	require.True(t, ok)
	assert.Equal(t, "owner", v.String())

	_, ok = doc.Lookup("resource.properties.grants.2.grantee")
	assert.False(t, ok)

	_, ok = doc.Lookup("resource.properties.grants.x")
	assert.False(t, ok)

	_, ok = doc.Lookup("resource.properties.public_read.deeper")
	assert.False(t, ok)
}

func TestValue_JSONRoundTrip(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"count": 3, "ratio": 0.5, "tags": ["a","b"], "nested": {"ok": true}, "none": null}`), &v))

	count, ok := v.Lookup("count")
	require.True(t, ok)
	n, isNum := count.Num()
	assert.True(t, isNum)
	assert.Equal(t, 3.0, n)

	none, ok := v.Lookup("none")
	assert.True(t, ok)
	assert.True(t, none.IsNull())

	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3,"ratio":0.5,"tags":["a","b"],"nested":{"ok":true},"none":null}`, string(data))
}

func TestValue_YAML(t *testing.T) {
	var holder struct {
		Value Value `yaml:"value"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("value: [prod, staging]\n"), &holder))
	assert.True(t, holder.Value.Equal(Strings("prod", "staging")))
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Null().Equal(Null()))
	assert.False(t, Null().Equal(String("")))
	assert.True(t, Map(map[string]Value{"a": Int(1)}).Equal(Map(map[string]Value{"a": Number(1)})))
	assert.False(t, List(Int(1), Int(2)).Equal(List(Int(2), Int(1))))
	assert.True(t, Properties(nil).Equal(Properties{}))
}

func TestFromAny_Unsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	assert.Error(t, err)
}
