package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
)

func postClass() *schema.Class {
	return schema.WithDefaults(&schema.Class{
		ClassName: "Post",
		Fields: schema.NewFields(
			"title", schema.Of(schema.FieldTypeString),
			"owner", schema.Pointer("_User"),
			"tags", schema.Of(schema.FieldTypeArray),
			"location", schema.Of(schema.FieldTypeGeoPoint),
			"published", schema.Of(schema.FieldTypeDate),
			"likes", schema.Of(schema.FieldTypeNumber),
			"meta", schema.Of(schema.FieldTypeObject),
			"fans", schema.Relation("_User"),
		),
	})
}

func TestTransformWhere(t *testing.T) {
	class := postClass()

	tests := []struct {
		name     string
		where    map[string]any
		expected bson.M
	}{
		{
			name:     "pointer equality",
			where:    map[string]any{"owner": PointerValue("_User", "u1")},
			expected: bson.M{"_p_owner": "_User$u1"},
		},
		{
			name:     "scalar against an array field",
			where:    map[string]any{"tags": "go"},
			expected: bson.M{"tags": bson.M{"$all": []any{"go"}}},
		},
		{
			name:     "object id",
			where:    map[string]any{"objectId": "abc"},
			expected: bson.M{"_id": "abc"},
		},
		{
			name:     "created at string",
			where:    map[string]any{"createdAt": "2024-01-01T00:00:00.000Z"},
			expected: bson.M{"_created_at": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
		{
			name: "created at constraint",
			where: map[string]any{"createdAt": map[string]any{
				"$gt": map[string]any{"__type": "Date", "iso": "2024-01-01T00:00:00.000Z"},
			}},
			expected: bson.M{"_created_at": bson.M{"$gt": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}},
		},
		{
			name:  "or clauses recurse",
			where: map[string]any{"$or": []any{map[string]any{"title": "a"}, map[string]any{"title": "b"}}},
			expected: bson.M{"$or": []any{
				bson.M{"title": "a"},
				bson.M{"title": "b"},
			}},
		},
		{
			name:     "auth data id",
			where:    map[string]any{"authData.facebook.id": "123"},
			expected: bson.M{"_auth_data_facebook.id": "123"},
		},
		{
			name:     "dotted key",
			where:    map[string]any{"meta.count": 3},
			expected: bson.M{"meta.count": 3},
		},
		{
			name:  "contained by is hoisted into nor",
			where: map[string]any{"tags": map[string]any{"$containedBy": []any{"a", "b"}}},
			expected: bson.M{"$nor": []any{
				bson.M{"tags": bson.M{"$elemMatch": bson.M{"$nin": []any{"a", "b"}}}},
			}},
		},
		{
			name: "text is hoisted",
			where: map[string]any{"title": map[string]any{
				"$text": map[string]any{"$search": map[string]any{"$term": "go"}},
			}},
			expected: bson.M{"$text": bson.M{"$search": "go"}},
		},
		{
			name:     "session token",
			where:    map[string]any{"sessionToken": "r:abc"},
			expected: bson.M{"_session_token": "r:abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := TransformWhere(tt.where, class, false)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}

	t.Run("nor collisions are merged", func(t *testing.T) {
		out, err := TransformWhere(map[string]any{
			"$nor":  []any{map[string]any{"title": "x"}},
			"tags":  map[string]any{"$containedBy": []any{"a"}},
			"title": map[string]any{"$containedBy": []any{"b"}},
		}, class, false)
		require.NoError(t, err)
		nor, ok := out["$nor"].([]any)
		require.True(t, ok)
		assert.Len(t, nor, 3)
	})

	t.Run("count mode rewrites near sphere", func(t *testing.T) {
		out, err := TransformWhere(map[string]any{
			"location": map[string]any{"$nearSphere": geo(1, 2), "$maxDistance": 0.25},
		}, class, true)
		require.NoError(t, err)
		assert.Equal(t, bson.M{"location": bson.M{
			"$geoWithin": bson.M{"$centerSphere": []any{[]any{2.0, 1.0}, 0.25}},
		}}, out)
	})

	t.Run("untagged object is rejected", func(t *testing.T) {
		_, err := TransformWhere(map[string]any{"title": map[string]any{"nested": 1}}, class, false)
		assert.Equal(t, core.InvalidJSON, core.CodeOf(err))
	})

	t.Run("pointer without a schema", func(t *testing.T) {
		out, err := TransformWhere(map[string]any{"owner": PointerValue("_User", "u1")}, nil, false)
		require.NoError(t, err)
		assert.Equal(t, bson.M{"_p_owner": "_User$u1"}, out)
	})
}

func TestTransformSortAndKeys(t *testing.T) {
	class := postClass()

	assert.Equal(t, bson.D{
		{Key: "_created_at", Value: -1},
		{Key: "_p_owner", Value: 1},
		{Key: "title", Value: 1},
	}, TransformSort([]string{"-createdAt", "owner", "title"}, class))

	assert.Equal(t,
		[]string{"title", "_rperm", "_wperm", "_id", "_created_at", "_updated_at"},
		TransformKeys([]string{"title", "ACL"}, class))
}
