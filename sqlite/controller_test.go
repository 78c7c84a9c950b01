package sqlite_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/persistence"
	"github.com/asaidimu/go-docstore/core/query"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/sqlite"
)

func newController(t *testing.T) *persistence.Controller {
	t.Helper()
	logger := zaptest.NewLogger(t)
	adapter, err := sqlite.Open(context.Background(), ":memory:", sqlite.Options{Logger: logger})
	require.NoError(t, err)
	c, err := persistence.NewController(adapter, persistence.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func pointer(className, id string) map[string]any {
	return map[string]any{"__type": "Pointer", "className": className, "objectId": id}
}

func create(t *testing.T, c *persistence.Controller, className string, obj map[string]any) string {
	t.Helper()
	res, err := c.Create(context.Background(), className, obj, persistence.Master(), persistence.WriteOptions{})
	require.NoError(t, err)
	id, _ := res.Object["objectId"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestController_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	c := newController(t)

	res, err := c.Create(ctx, "GameScore", map[string]any{"score": 10, "player": "ann"}, persistence.Master(), persistence.WriteOptions{})
	require.NoError(t, err)
	assert.True(t, res.PrimaryCommitted)
	id := res.Object["objectId"].(string)
	assert.Len(t, id, 10)
	assert.NotEmpty(t, res.Object["createdAt"])

	create(t, c, "GameScore", map[string]any{"score": 3, "player": "bob"})

	t.Run("get", func(t *testing.T) {
		obj, err := c.Get(ctx, "GameScore", id, nil, persistence.Anonymous())
		require.NoError(t, err)
		assert.Equal(t, id, obj["objectId"])
		assert.Equal(t, "ann", obj["player"])
		assert.EqualValues(t, 10, obj["score"])
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := c.Get(ctx, "GameScore", "nope", nil, persistence.Anonymous())
		assert.True(t, errors.Is(err, core.ErrObjectNotFound))
	})

	t.Run("find with constraint and sort", func(t *testing.T) {
		rows, err := c.Find(ctx, "GameScore", query.Query{"score": map[string]any{"$gt": 1}},
			persistence.FindOptions{Sort: []string{"score"}}, persistence.Anonymous())
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "bob", rows[0]["player"])
		assert.Equal(t, "ann", rows[1]["player"])
	})

	t.Run("count", func(t *testing.T) {
		n, err := c.Count(ctx, "GameScore", query.Query{"player": "ann"}, persistence.Anonymous())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("missing class reads empty", func(t *testing.T) {
		rows, err := c.Find(ctx, "Nothing", nil, persistence.FindOptions{}, persistence.Anonymous())
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("schema grows on write", func(t *testing.T) {
		class, err := c.Schemas().GetOneSchema(ctx, "GameScore")
		require.NoError(t, err)
		assert.Equal(t, schema.FieldTypeNumber, class.FieldType("score"))
		assert.Equal(t, schema.FieldTypeString, class.FieldType("player"))
	})

	t.Run("type mismatch", func(t *testing.T) {
		_, err := c.Create(ctx, "GameScore", map[string]any{"score": "high"}, persistence.Master(), persistence.WriteOptions{})
		assert.Equal(t, core.IncorrectType, core.CodeOf(err))
	})

	t.Run("client class creation is forbidden", func(t *testing.T) {
		_, err := c.Create(ctx, "Secret", map[string]any{"a": 1}, persistence.Anonymous(), persistence.WriteOptions{})
		assert.True(t, errors.Is(err, core.ErrOperationForbidden))
	})
}

func TestController_ACL(t *testing.T) {
	ctx := context.Background()
	c := newController(t)

	create(t, c, "Note", map[string]any{
		"text": "private",
		"ACL":  map[string]any{"u1": map[string]any{"read": true, "write": true}},
	})
	create(t, c, "Note", map[string]any{"text": "public"})

	rows, err := c.Find(ctx, "Note", nil, persistence.FindOptions{}, persistence.User("u2"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "public", rows[0]["text"])

	rows, err = c.Find(ctx, "Note", nil, persistence.FindOptions{}, persistence.User("u1"))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	err = c.Destroy(ctx, "Note", query.Query{"text": "private"}, persistence.User("u2"))
	assert.True(t, errors.Is(err, core.ErrObjectNotFound))
	require.NoError(t, c.Destroy(ctx, "Note", query.Query{"text": "private"}, persistence.User("u1")))
}

func TestController_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	c := newController(t)
	require.NoError(t, c.PerformInitialization(ctx))

	create(t, c, schema.ClassUser, map[string]any{"username": "ann", "email": "ann@example.com"})
	_, err := c.Create(ctx, schema.ClassUser, map[string]any{"username": "bob", "email": "ann@example.com"},
		persistence.Master(), persistence.WriteOptions{})

	var derr *core.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, core.DuplicateValue, derr.Code)
	assert.Equal(t, "email", derr.Field)
}

func TestController_Update(t *testing.T) {
	ctx := context.Background()
	c := newController(t)
	id := create(t, c, "GameScore", map[string]any{"score": 1, "tags": []any{"a"}})

	t.Run("increment returns only the field", func(t *testing.T) {
		res, err := c.Update(ctx, "GameScore", query.Query{"objectId": id},
			map[string]any{"score": map[string]any{"__op": "Increment", "amount": 2}},
			persistence.Master(), persistence.WriteOptions{})
		require.NoError(t, err)
		require.Len(t, res.Object, 1)
		assert.EqualValues(t, 3, res.Object["score"])
	})

	t.Run("plain set returns nothing", func(t *testing.T) {
		res, err := c.Update(ctx, "GameScore", query.Query{"objectId": id},
			map[string]any{"title": "x"}, persistence.Master(), persistence.WriteOptions{})
		require.NoError(t, err)
		assert.Empty(t, res.Object)
	})

	t.Run("add unique", func(t *testing.T) {
		res, err := c.Update(ctx, "GameScore", query.Query{"objectId": id},
			map[string]any{"tags": map[string]any{"__op": "AddUnique", "objects": []any{"a", "b"}}},
			persistence.Master(), persistence.WriteOptions{})
		require.NoError(t, err)
		tags, ok := core.AsSlice(res.Object["tags"])
		require.True(t, ok)
		assert.Equal(t, []any{"a", "b"}, tags)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := c.Update(ctx, "GameScore", query.Query{"objectId": "missing"},
			map[string]any{"title": "x"}, persistence.Master(), persistence.WriteOptions{})
		assert.True(t, errors.Is(err, core.ErrObjectNotFound))
	})

	t.Run("invalid authData key", func(t *testing.T) {
		_, err := c.Update(ctx, "GameScore", query.Query{"objectId": id},
			map[string]any{"authData.facebook.id": "1"}, persistence.Master(), persistence.WriteOptions{})
		assert.True(t, errors.Is(err, core.ErrInvalidKeyName))
	})
}

func TestController_Relations(t *testing.T) {
	ctx := context.Background()
	c := newController(t)
	ann := create(t, c, schema.ClassUser, map[string]any{"username": "ann"})
	bob := create(t, c, schema.ClassUser, map[string]any{"username": "bob"})

	res, err := c.Create(ctx, "Team", map[string]any{
		"name": "red",
		"members": map[string]any{
			"__op":    "AddRelation",
			"objects": []any{pointer(schema.ClassUser, ann), pointer(schema.ClassUser, bob)},
		},
	}, persistence.Master(), persistence.WriteOptions{})
	require.NoError(t, err)
	assert.True(t, res.PrimaryCommitted)
	assert.False(t, res.RelationsPending)
	team := res.Object["objectId"].(string)
	create(t, c, "Team", map[string]any{"name": "blue"})

	t.Run("schema records the relation", func(t *testing.T) {
		class, err := c.Schemas().GetOneSchema(ctx, "Team")
		require.NoError(t, err)
		def := class.Field("members")
		require.NotNil(t, def)
		assert.Equal(t, schema.FieldTypeRelation, def.Type)
		assert.Equal(t, schema.ClassUser, def.TargetClass)
	})

	t.Run("related ids", func(t *testing.T) {
		ids, err := c.RelatedIds(ctx, "Team", "members", team, persistence.FindOptions{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{ann, bob}, ids)
	})

	t.Run("find by relation member", func(t *testing.T) {
		rows, err := c.Find(ctx, "Team", query.Query{"members": pointer(schema.ClassUser, ann)},
			persistence.FindOptions{}, persistence.Master())
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "red", rows[0]["name"])
	})

	t.Run("related to", func(t *testing.T) {
		rows, err := c.Find(ctx, schema.ClassUser, query.Query{
			"$relatedTo": map[string]any{"object": pointer("Team", team), "key": "members"},
		}, persistence.FindOptions{Sort: []string{"username"}}, persistence.Master())
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "ann", rows[0]["username"])
	})

	t.Run("batch remove", func(t *testing.T) {
		_, err := c.Update(ctx, "Team", query.Query{"objectId": team}, map[string]any{
			"members": map[string]any{"__op": "Batch", "ops": []any{
				map[string]any{"__op": "RemoveRelation", "objects": []any{pointer(schema.ClassUser, bob)}},
			}},
		}, persistence.Master(), persistence.WriteOptions{})
		require.NoError(t, err)

		ids, err := c.RelatedIds(ctx, "Team", "members", team, persistence.FindOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{ann}, ids)
	})

	t.Run("not in relation", func(t *testing.T) {
		rows, err := c.Find(ctx, "Team", query.Query{
			"members": map[string]any{"$nin": []any{pointer(schema.ClassUser, ann)}},
		}, persistence.FindOptions{}, persistence.Master())
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "blue", rows[0]["name"])
	})
}

func TestController_PointerPermissions(t *testing.T) {
	ctx := context.Background()
	c := newController(t)

	closed := func() *schema.OperationPermission {
		return &schema.OperationPermission{Subjects: map[string]bool{}}
	}
	_, err := c.Schemas().AddClass(ctx, &schema.Class{
		ClassName: "Msg",
		Fields: schema.NewFields(
			"owner", schema.Pointer(schema.ClassUser),
			"text", schema.Of(schema.FieldTypeString),
		),
		ClassLevelPermissions: &schema.ClassLevelPermissions{
			Operations: map[schema.Operation]*schema.OperationPermission{
				schema.OpGet:    closed(),
				schema.OpFind:   closed(),
				schema.OpCount:  closed(),
				schema.OpUpdate: closed(),
				schema.OpDelete: closed(),
			},
			ReadUserFields:  []string{"owner"},
			WriteUserFields: []string{"owner"},
		},
	})
	require.NoError(t, err)

	mine := create(t, c, "Msg", map[string]any{"owner": pointer(schema.ClassUser, "u1"), "text": "mine"})
	theirs := create(t, c, "Msg", map[string]any{"owner": pointer(schema.ClassUser, "u2"), "text": "theirs"})

	t.Run("owner reads own messages", func(t *testing.T) {
		rows, err := c.Find(ctx, "Msg", nil, persistence.FindOptions{}, persistence.User("u1"))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, mine, rows[0]["objectId"])
	})

	t.Run("anonymous reads nothing", func(t *testing.T) {
		rows, err := c.Find(ctx, "Msg", nil, persistence.FindOptions{}, persistence.Anonymous())
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("other owners are hidden on write", func(t *testing.T) {
		_, err := c.Update(ctx, "Msg", query.Query{"objectId": theirs}, map[string]any{"text": "x"},
			persistence.User("u1"), persistence.WriteOptions{})
		assert.True(t, errors.Is(err, core.ErrObjectNotFound))

		err = c.Destroy(ctx, "Msg", query.Query{"objectId": theirs}, persistence.User("u1"))
		assert.True(t, errors.Is(err, core.ErrObjectNotFound))
	})

	t.Run("owner writes", func(t *testing.T) {
		_, err := c.Update(ctx, "Msg", query.Query{"objectId": mine}, map[string]any{"text": "edited"},
			persistence.User("u1"), persistence.WriteOptions{})
		require.NoError(t, err)
		require.NoError(t, c.Destroy(ctx, "Msg", query.Query{"objectId": mine}, persistence.User("u1")))
	})
}

func TestController_SensitiveData(t *testing.T) {
	ctx := context.Background()
	c := newController(t)
	id := create(t, c, schema.ClassUser, map[string]any{"username": "ann", "password": "secret"})

	anon, err := c.Get(ctx, schema.ClassUser, id, nil, persistence.Anonymous())
	require.NoError(t, err)
	assert.NotContains(t, anon, "password")
	assert.Equal(t, "ann", anon["username"])

	self, err := c.Get(ctx, schema.ClassUser, id, nil, persistence.User(id))
	require.NoError(t, err)
	assert.Equal(t, "ann", self["username"])
}

func TestController_ClassLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newController(t)
	id := create(t, c, "Temp", map[string]any{"a": 1})

	err := c.DeleteClass(ctx, "Temp")
	assert.Equal(t, core.ClassNotEmpty, core.CodeOf(err))

	require.NoError(t, c.Destroy(ctx, "Temp", query.Query{"objectId": id}, persistence.Master()))
	require.NoError(t, c.DeleteClass(ctx, "Temp"))

	exists, err := c.Schemas().HasClass(ctx, "Temp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestController_Subscriptions(t *testing.T) {
	c := newController(t)

	var created atomic.Int32
	label := "count creates"
	id := c.RegisterSubscription(persistence.RegisterSubscriptionOptions{
		Event: persistence.DocumentCreateSuccess,
		Label: &label,
		Callback: func(ctx context.Context, ev persistence.PersistenceEvent) error {
			if ev.ClassName == "Thing" {
				created.Add(1)
			}
			return nil
		},
	})
	require.Len(t, c.Subscriptions(), 1)

	create(t, c, "Thing", map[string]any{"n": 1})
	assert.Eventually(t, func() bool { return created.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	c.UnregisterSubscription(id)
	assert.Empty(t, c.Subscriptions())
}

func TestController_InternalKeys(t *testing.T) {
	ctx := context.Background()
	c := newController(t)
	require.NoError(t, c.PerformInitialization(ctx))

	id := create(t, c, "Post", map[string]any{"title": "first"})
	user := persistence.User("u9")

	t.Run("unknown internal key on create", func(t *testing.T) {
		res, err := c.Create(ctx, "Post", map[string]any{"title": "x", "_evil": 1}, user, persistence.WriteOptions{})
		assert.True(t, errors.Is(err, core.ErrInvalidKeyName))
		assert.Nil(t, res)

		results, err := c.Find(ctx, "Post", query.Query{}, persistence.FindOptions{}, persistence.Anonymous())
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("permission columns on update", func(t *testing.T) {
		for _, update := range []map[string]any{
			{"_rperm": []any{"u9"}},
			{"_wperm": []any{"u9"}},
			{"_acl": map[string]any{}},
			{"_hashed_password": "pwn"},
			{"_auth_data_github": map[string]any{"id": "1"}},
		} {
			_, err := c.Update(ctx, "Post", query.Query{"objectId": id}, update, user, persistence.WriteOptions{})
			assert.True(t, errors.Is(err, core.ErrInvalidKeyName), "%v", update)
		}

		_, err := c.Update(ctx, "Post", query.Query{"objectId": id}, map[string]any{"_rperm": []any{"u9"}},
			persistence.Master(), persistence.WriteOptions{})
		assert.True(t, errors.Is(err, core.ErrInvalidKeyName))
	})

	t.Run("master may set internal user columns", func(t *testing.T) {
		uid := create(t, c, schema.ClassUser, map[string]any{"username": "ann"})
		_, err := c.Update(ctx, schema.ClassUser, query.Query{"objectId": uid},
			map[string]any{"_hashed_password": "h", "_failed_login_count": 2}, persistence.Master(), persistence.WriteOptions{})
		require.NoError(t, err)

		obj, err := c.Get(ctx, schema.ClassUser, uid, nil, persistence.Anonymous())
		require.NoError(t, err)
		assert.NotContains(t, obj, "password")
		assert.NotContains(t, obj, "_failed_login_count")
	})
}

func TestController_DistinctRestValues(t *testing.T) {
	ctx := context.Background()
	c := newController(t)

	date := func(iso string) map[string]any { return map[string]any{"__type": "Date", "iso": iso} }
	create(t, c, "Event", map[string]any{"at": date("2024-01-02T03:04:05.000Z"), "host": pointer(schema.ClassUser, "u1"), "kind": "a"})
	create(t, c, "Event", map[string]any{"at": date("2024-01-02T03:04:05.000Z"), "host": pointer(schema.ClassUser, "u2"), "kind": "b"})
	create(t, c, "Event", map[string]any{"at": date("2025-06-01T00:00:00.000Z"), "host": pointer(schema.ClassUser, "u1"), "kind": "a"})

	tests := []struct {
		field    string
		expected []any
	}{
		{"kind", []any{"a", "b"}},
		{"at", []any{date("2024-01-02T03:04:05.000Z"), date("2025-06-01T00:00:00.000Z")}},
		{"host", []any{pointer(schema.ClassUser, "u1"), pointer(schema.ClassUser, "u2")}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			values, err := c.Distinct(ctx, "Event", query.Query{}, tt.field, persistence.Master())
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.expected, values)
		})
	}
}
