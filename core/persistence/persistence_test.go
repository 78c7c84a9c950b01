package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/query"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

// fakeAdapter records what the controller sends. Methods a test does not
// exercise panic through the nil embedded interface.
type fakeAdapter struct {
	StorageAdapter

	mu            sync.Mutex
	classes       map[string]*schema.Class
	created       []bson.M
	queries       []bson.M
	rows          []bson.M
	upsertErr     error
	getClassCalls int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{classes: make(map[string]*schema.Class)}
}

func (f *fakeAdapter) GetClass(_ context.Context, className string) (*schema.Class, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getClassCalls++
	c, ok := f.classes[className]
	if !ok {
		return nil, core.NewError(core.ObjectNotFound, "no class %s", className)
	}
	return c.Clone(), nil
}

func (f *fakeAdapter) CreateClass(_ context.Context, className string, class *schema.Class) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes[className] = class.Clone()
	return nil
}

func (f *fakeAdapter) AddField(_ context.Context, className, fieldName string, def *schema.FieldDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classes[className].Fields.Set(fieldName, def)
	return nil
}

func (f *fakeAdapter) CreateObject(_ context.Context, _ string, _ *schema.Class, doc bson.M) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, doc)
	return nil
}

func (f *fakeAdapter) UpsertOneObject(context.Context, string, *schema.Class, bson.M, bson.M) error {
	return f.upsertErr
}

func (f *fakeAdapter) Find(_ context.Context, _ string, _ *schema.Class, q bson.M, _ QueryOptions) ([]bson.M, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.rows, nil
}

func (f *fakeAdapter) Close() error { return nil }

func newTestController(t *testing.T, adapter StorageAdapter) *Controller {
	t.Helper()
	c, err := NewController(adapter, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return c
}

func ptr(id string) map[string]any {
	return transform.PointerValue(schema.ClassUser, id)
}

func TestCollectRelationUpdates(t *testing.T) {
	add := map[string]any{"__op": "AddRelation", "objects": []any{ptr("a")}}
	remove := map[string]any{"__op": "RemoveRelation", "objects": []any{ptr("b")}}
	inc := map[string]any{"__op": "Increment", "amount": 1}

	t.Run("plain relation op", func(t *testing.T) {
		update := map[string]any{"members": add, "name": "x"}
		ops, err := collectRelationUpdates(update)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, "members", ops[0].key)
		assert.Equal(t, "AddRelation", ops[0].op)
		assert.Equal(t, map[string]any{"name": "x"}, update)
	})

	t.Run("batch of relation ops", func(t *testing.T) {
		update := map[string]any{"members": map[string]any{"__op": "Batch", "ops": []any{add, remove}}}
		ops, err := collectRelationUpdates(update)
		require.NoError(t, err)
		assert.Len(t, ops, 2)
		assert.Empty(t, update)
	})

	t.Run("batch keeps one other op", func(t *testing.T) {
		update := map[string]any{"members": map[string]any{"__op": "Batch", "ops": []any{add, inc}}}
		ops, err := collectRelationUpdates(update)
		require.NoError(t, err)
		assert.Len(t, ops, 1)
		assert.Equal(t, inc, update["members"])
	})

	t.Run("batch with two other ops", func(t *testing.T) {
		update := map[string]any{"members": map[string]any{"__op": "Batch", "ops": []any{inc, inc}}}
		_, err := collectRelationUpdates(update)
		assert.True(t, errors.Is(err, core.ErrInvalidJSON))
	})
}

func TestSanitizeResult(t *testing.T) {
	original := map[string]any{
		"score":      map[string]any{"__op": "Increment", "amount": 1},
		"meta.count": map[string]any{"__op": "Increment", "amount": 1},
		"tags":       map[string]any{"__op": "Delete"},
		"name":       "x",
	}
	result := map[string]any{
		"score": int64(3),
		"meta":  map[string]any{"count": int64(2), "other": 1},
		"name":  "x",
	}
	assert.Equal(t, core.Object{
		"score": int64(3),
		"meta":  map[string]any{"count": int64(2)},
	}, sanitizeResult(original, result))
}

func TestAddPointerPermissions(t *testing.T) {
	class := &schema.Class{
		ClassName: "Msg",
		Fields: schema.NewFields(
			"owner", schema.Pointer(schema.ClassUser),
			"editor", schema.Pointer(schema.ClassUser),
			"members", schema.Of(schema.FieldTypeArray),
		),
		ClassLevelPermissions: &schema.ClassLevelPermissions{
			Operations: map[schema.Operation]*schema.OperationPermission{
				schema.OpFind: {Subjects: map[string]bool{}},
			},
			ReadUserFields: []string{"owner"},
		},
	}

	t.Run("open operation is unchanged", func(t *testing.T) {
		where := query.Query{"a": 1}
		got, err := addPointerPermissions(class, schema.OpUpdate, where, []string{"u1"})
		require.NoError(t, err)
		assert.Equal(t, where, got)
	})

	t.Run("single user", func(t *testing.T) {
		got, err := addPointerPermissions(class, schema.OpFind, query.Query{"a": 1}, []string{"u1", "role:admin"})
		require.NoError(t, err)
		assert.Equal(t, query.Query{"a": 1, "owner": ptr("u1")}, got)
	})

	t.Run("no single user", func(t *testing.T) {
		got, err := addPointerPermissions(class, schema.OpFind, query.Query{}, []string{"role:admin"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("existing constraint is combined", func(t *testing.T) {
		got, err := addPointerPermissions(class, schema.OpFind, query.Query{"owner": ptr("u2")}, []string{"u1"})
		require.NoError(t, err)
		clauses, err := query.Clauses(got, "$and")
		require.NoError(t, err)
		assert.Len(t, clauses, 2)
	})

	t.Run("several fields", func(t *testing.T) {
		multi := class.Clone()
		multi.ClassLevelPermissions.ReadUserFields = []string{"owner", "members"}
		got, err := addPointerPermissions(multi, schema.OpFind, query.Query{}, []string{"u1"})
		require.NoError(t, err)
		clauses, err := query.Clauses(got, "$or")
		require.NoError(t, err)
		require.Len(t, clauses, 2)
		assert.Equal(t, query.Query{"owner": ptr("u1")}, clauses[0])
		assert.Equal(t, query.Query{"members": map[string]any{"$all": []any{ptr("u1")}}}, clauses[1])
	})
}

func TestFilterSensitiveData(t *testing.T) {
	user := func() core.Object {
		return core.Object{
			"objectId":                     "u1",
			"username":                     "ann",
			"password":                     "plain",
			"authData":                     map[string]any{"x": 1},
			"sessionToken":                 "tok",
			transform.KeyHashedPassword:    "hash",
			transform.KeyPerishableToken:   "p",
			transform.KeyFailedLoginCount:  2,
		}
	}

	t.Run("master", func(t *testing.T) {
		got := filterSensitiveData(Master(), schema.ClassUser, user())
		assert.Equal(t, "hash", got["password"])
		assert.Equal(t, "p", got[transform.KeyPerishableToken])
		assert.NotContains(t, got, transform.KeyHashedPassword)
		assert.NotContains(t, got, "sessionToken")
	})

	t.Run("self", func(t *testing.T) {
		got := filterSensitiveData(User("u1"), schema.ClassUser, user())
		assert.Equal(t, "hash", got["password"])
		assert.Contains(t, got, "authData")
		assert.NotContains(t, got, transform.KeyPerishableToken)
	})

	t.Run("other user", func(t *testing.T) {
		got := filterSensitiveData(User("u2"), schema.ClassUser, user())
		assert.Equal(t, core.Object{"objectId": "u1", "username": "ann"}, got)
	})

	t.Run("other class", func(t *testing.T) {
		got := filterSensitiveData(Anonymous(), "Post", core.Object{"password": "x", transform.KeyTombstone: true})
		assert.Equal(t, core.Object{"password": "x"}, got)
	})
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	class := &schema.Class{ClassName: "Post", Fields: schema.NewFields("title", schema.Of(schema.FieldTypeString))}

	t.Run("entries are copies", func(t *testing.T) {
		cache := NewMemoryCache(time.Minute)
		require.NoError(t, cache.Set(ctx, class))

		got, ok, err := cache.Get(ctx, "Post")
		require.NoError(t, err)
		require.True(t, ok)
		got.Fields.Set("extra", schema.Of(schema.FieldTypeNumber))

		again, ok, _ := cache.Get(ctx, "Post")
		require.True(t, ok)
		assert.Nil(t, again.Field("extra"))
	})

	t.Run("set replaces", func(t *testing.T) {
		cache := NewMemoryCache(time.Minute)
		require.NoError(t, cache.Set(ctx, class))
		changed := class.Clone()
		changed.Fields.Set("body", schema.Of(schema.FieldTypeString))
		require.NoError(t, cache.Set(ctx, changed))

		got, ok, _ := cache.Get(ctx, "Post")
		require.True(t, ok)
		assert.NotNil(t, got.Field("body"))
	})

	t.Run("del drops the class and the list", func(t *testing.T) {
		cache := NewMemoryCache(time.Minute)
		_, ok, _ := cache.Get(ctx, "Post")
		assert.False(t, ok)

		require.NoError(t, cache.Set(ctx, class))
		require.NoError(t, cache.SetAll(ctx, []*schema.Class{class}))
		all, ok, _ := cache.GetAll(ctx)
		require.True(t, ok)
		assert.Len(t, all, 1)

		require.NoError(t, cache.Del(ctx, "Post"))
		_, ok, _ = cache.Get(ctx, "Post")
		assert.False(t, ok)
		_, ok, _ = cache.GetAll(ctx)
		assert.False(t, ok)
	})

	t.Run("clear", func(t *testing.T) {
		cache := NewMemoryCache(time.Minute)
		require.NoError(t, cache.Set(ctx, class))
		require.NoError(t, cache.SetAll(ctx, []*schema.Class{class}))
		require.NoError(t, cache.Clear(ctx))
		_, ok, _ := cache.Get(ctx, "Post")
		assert.False(t, ok)
		_, ok, _ = cache.GetAll(ctx)
		assert.False(t, ok)
	})

	t.Run("expiry", func(t *testing.T) {
		cache := NewMemoryCache(20 * time.Millisecond)
		require.NoError(t, cache.Set(ctx, class))
		assert.Eventually(t, func() bool {
			_, ok, _ := cache.Get(ctx, "Post")
			return !ok
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("disabled", func(t *testing.T) {
		cache := NewMemoryCache(0)
		require.NoError(t, cache.Set(ctx, class))
		_, ok, _ := cache.Get(ctx, "Post")
		assert.False(t, ok)
		require.NoError(t, cache.SetAll(ctx, []*schema.Class{class}))
		_, ok, _ = cache.GetAll(ctx)
		assert.False(t, ok)
	})
}

func TestSchemaController(t *testing.T) {
	ctx := context.Background()

	t.Run("reads are cached until invalidated", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.classes["Post"] = &schema.Class{ClassName: "Post"}
		s := NewSchemaController(adapter, Options{})

		for i := 0; i < 3; i++ {
			class, err := s.GetOneSchema(ctx, "Post")
			require.NoError(t, err)
			assert.NotNil(t, class.Field("objectId"))
		}
		assert.Equal(t, 1, adapter.getClassCalls)

		s.Invalidate(ctx, "Post")
		_, err := s.GetOneSchema(ctx, "Post")
		require.NoError(t, err)
		assert.Equal(t, 2, adapter.getClassCalls)
	})

	t.Run("join classes need no storage", func(t *testing.T) {
		s := NewSchemaController(newFakeAdapter(), Options{})
		class, err := s.GetOneSchema(ctx, "_Join:members:Team")
		require.NoError(t, err)
		assert.Equal(t, schema.FieldTypeString, class.FieldType(transform.RelationOwningID))
	})

	t.Run("dotted write creates an object field", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.classes["Post"] = &schema.Class{ClassName: "Post"}
		s := NewSchemaController(adapter, Options{})
		class, err := s.EnforceFields(ctx, "Post", map[string]any{"meta.views": 1}, Master(), true)
		require.NoError(t, err)
		assert.Equal(t, schema.FieldTypeObject, class.FieldType("meta"))
	})

	t.Run("required field", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.classes["Post"] = &schema.Class{
			ClassName: "Post",
			Fields:    schema.NewFields("title", &schema.FieldDefinition{Type: schema.FieldTypeString, Required: true}),
		}
		s := NewSchemaController(adapter, Options{})
		_, err := s.EnforceFields(ctx, "Post", map[string]any{"body": "x"}, Master(), false)
		assert.True(t, errors.Is(err, core.ErrInvalidJSON))

		_, err = s.EnforceFields(ctx, "Post", map[string]any{"title": nil}, Master(), true)
		assert.True(t, errors.Is(err, core.ErrInvalidJSON))
	})

	t.Run("adding fields needs addField permission", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.classes["Post"] = &schema.Class{
			ClassName: "Post",
			ClassLevelPermissions: &schema.ClassLevelPermissions{
				Operations: map[schema.Operation]*schema.OperationPermission{
					schema.OpAddField: {Subjects: map[string]bool{}},
				},
			},
		}
		s := NewSchemaController(adapter, Options{})
		_, err := s.EnforceFields(ctx, "Post", map[string]any{"body": "x"}, User("u1"), false)
		assert.True(t, errors.Is(err, core.ErrOperationForbidden))
	})

	t.Run("invalid field name", func(t *testing.T) {
		adapter := newFakeAdapter()
		adapter.classes["Post"] = &schema.Class{ClassName: "Post"}
		s := NewSchemaController(adapter, Options{})
		_, err := s.EnforceFields(ctx, "Post", map[string]any{"bad-name": 1}, Master(), false)
		assert.True(t, errors.Is(err, core.ErrInvalidKeyName))
	})
}

func TestController_RelationFailureKeepsPrimaryWrite(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.upsertErr = errors.New("join table unavailable")
	c := newTestController(t, adapter)

	res, err := c.Create(context.Background(), "Team", map[string]any{
		"name":    "red",
		"members": map[string]any{"__op": "AddRelation", "objects": []any{ptr("u1")}},
	}, Master(), WriteOptions{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInternal))
	require.NotNil(t, res)
	assert.True(t, res.PrimaryCommitted)
	assert.True(t, res.RelationsPending)
	assert.Error(t, res.RelationErr)
	assert.Len(t, adapter.created, 1)
	assert.NotContains(t, adapter.created[0], "members")
}

func TestController_ValidateOnly(t *testing.T) {
	adapter := newFakeAdapter()
	c := newTestController(t, adapter)

	res, err := c.Create(context.Background(), "Team", map[string]any{"name": "red"}, Master(), WriteOptions{ValidateOnly: true})
	require.NoError(t, err)
	assert.False(t, res.PrimaryCommitted)
	assert.NotEmpty(t, res.Object["objectId"])
	assert.Empty(t, adapter.created)
}

func TestController_ReadPipeline(t *testing.T) {
	ctx := context.Background()
	adapter := newFakeAdapter()
	adapter.classes["Post"] = &schema.Class{
		ClassName: "Post",
		Fields:    schema.NewFields("owner", schema.Pointer(schema.ClassUser)),
	}
	c := newTestController(t, adapter)

	t.Run("acl and or flattening", func(t *testing.T) {
		_, err := c.Find(ctx, "Post", query.Query{
			"a":   1,
			"$or": []any{map[string]any{"b": 1}, map[string]any{"c": 1}},
		}, FindOptions{}, User("u1"))
		require.NoError(t, err)

		native := adapter.queries[len(adapter.queries)-1]
		assert.NotContains(t, native, "a")
		assert.NotContains(t, native, "_rperm")
		clauses, err := query.Clauses(query.Query(native), "$or")
		require.NoError(t, err)
		require.Len(t, clauses, 2)
		for _, clause := range clauses {
			assert.Equal(t, 1, clause["a"])
			assert.Contains(t, clause, "_rperm")
		}
	})

	t.Run("pointer constraint", func(t *testing.T) {
		_, err := c.Find(ctx, "Post", query.Query{"owner": ptr("u9")}, FindOptions{}, Master())
		require.NoError(t, err)
		native := adapter.queries[len(adapter.queries)-1]
		assert.Equal(t, bson.M{"_p_owner": "_User$u9"}, native)
	})

	t.Run("sorting by authData is rejected", func(t *testing.T) {
		_, err := c.Find(ctx, "Post", nil, FindOptions{Sort: []string{"-authData.x"}}, Master())
		assert.True(t, errors.Is(err, core.ErrInvalidKeyName))
	})

	t.Run("aggregate needs master", func(t *testing.T) {
		_, err := c.Aggregate(ctx, "Post", nil, Anonymous())
		assert.True(t, errors.Is(err, core.ErrOperationForbidden))
	})

	t.Run("rows are untransformed", func(t *testing.T) {
		adapter.rows = []bson.M{{"_id": "p1", "_p_owner": "_User$u1", "_created_at": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}
		defer func() { adapter.rows = nil }()

		rows, err := c.Find(ctx, "Post", nil, FindOptions{}, Master())
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "p1", rows[0]["objectId"])
		assert.Equal(t, ptr("u1"), rows[0]["owner"])
		assert.Equal(t, "2024-01-01T00:00:00.000Z", rows[0]["createdAt"])
	})
}

func TestValidateWriteKey(t *testing.T) {
	tests := []struct {
		key    string
		caller Caller
		valid  bool
	}{
		{"title", User("u1"), true},
		{"meta.count", User("u1"), true},
		{"ACL", User("u1"), true},
		{"bad-name", Master(), false},
		{"_evil", User("u1"), false},
		{"_evil", Master(), false},
		{"_rperm", Master(), false},
		{"_wperm", Master(), false},
		{"_acl", Master(), false},
		{"_hashed_password", User("u1"), false},
		{"_hashed_password", Master(), true},
		{"_failed_login_count", Master(), true},
		{"_perishable_token_expires_at", Master(), true},
		{"_auth_data_github", Master(), true},
		{"_auth_data_github", User("u1"), false},
		{"_auth_data_", Master(), false},
		{"_hashed_password.x", Master(), false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := validateWriteKey(tt.key, tt.caller)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, core.ErrInvalidKeyName))
		})
	}
}
