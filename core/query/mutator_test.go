package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaidimu/go-docstore/core"
)

func TestApplyUpdate(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"_id":   "a",
			"count": 1,
			"ratio": 0.5,
			"tags":  []any{"x", "y"},
			"meta":  map[string]any{"level": 3},
		}
	}

	tests := []struct {
		name     string
		update   map[string]any
		field    string
		expected any
	}{
		{"set", map[string]any{"$set": map[string]any{"name": "n"}}, "name", "n"},
		{"set dotted", map[string]any{"$set": map[string]any{"meta.kind": "k"}}, "meta", map[string]any{"level": 3, "kind": "k"}},
		{"set creates parents", map[string]any{"$set": map[string]any{"deep.a.b": 1}}, "deep", map[string]any{"a": map[string]any{"b": 1}}},
		{"inc integers stay integral", map[string]any{"$inc": map[string]any{"count": 2}}, "count", int64(3)},
		{"inc floats", map[string]any{"$inc": map[string]any{"ratio": 1}}, "ratio", 1.5},
		{"inc missing field", map[string]any{"$inc": map[string]any{"fresh": 4}}, "fresh", 4},
		{"push", map[string]any{"$push": map[string]any{"tags": map[string]any{"$each": []any{"y", "z"}}}}, "tags", []any{"x", "y", "y", "z"}},
		{"add to set", map[string]any{"$addToSet": map[string]any{"tags": map[string]any{"$each": []any{"y", "z"}}}}, "tags", []any{"x", "y", "z"}},
		{"push onto missing", map[string]any{"$push": map[string]any{"list": map[string]any{"$each": []any{1}}}}, "list", []any{1}},
		{"pull all", map[string]any{"$pullAll": map[string]any{"tags": []any{"x", "q"}}}, "tags", []any{"y"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := base()
			require.NoError(t, ApplyUpdate(doc, tt.update))
			assert.Equal(t, tt.expected, doc[tt.field])
		})
	}

	t.Run("unset", func(t *testing.T) {
		doc := base()
		require.NoError(t, ApplyUpdate(doc, map[string]any{"$unset": map[string]any{"count": "", "meta.level": "", "nope.x": ""}}))
		assert.NotContains(t, doc, "count")
		assert.Equal(t, map[string]any{}, doc["meta"])
		assert.NotContains(t, doc, "nope")
	})

	errorTests := []struct {
		name   string
		update map[string]any
		code   core.ErrorCode
	}{
		{"inc non-number", map[string]any{"$inc": map[string]any{"count": "x"}}, core.InvalidJSON},
		{"inc string field", map[string]any{"$inc": map[string]any{"_id": 1}}, core.IncorrectType},
		{"push without each", map[string]any{"$push": map[string]any{"tags": "z"}}, core.InvalidJSON},
		{"push onto object", map[string]any{"$push": map[string]any{"meta": map[string]any{"$each": []any{1}}}}, core.IncorrectType},
		{"unknown operator", map[string]any{"$rename": map[string]any{"a": "b"}}, core.CommandUnavailable},
		{"bad section", map[string]any{"$set": 1}, core.InvalidJSON},
	}
	for _, tt := range errorTests {
		t.Run(tt.name, func(t *testing.T) {
			err := ApplyUpdate(base(), tt.update)
			require.Error(t, err)
			assert.Equal(t, tt.code, core.CodeOf(err))
		})
	}
}

func TestSeedFromQuery(t *testing.T) {
	seed := SeedFromQuery(map[string]any{
		"_id":       "abc",
		"name":      map[string]any{"$eq": "n"},
		"score":     map[string]any{"$gt": 3},
		"meta.kind": "k",
		"$or":       []any{map[string]any{"x": 1}},
	})
	assert.Equal(t, map[string]any{
		"_id":  "abc",
		"name": "n",
		"meta": map[string]any{"kind": "k"},
	}, seed)
}
