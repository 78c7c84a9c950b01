package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const msgClassJSON = `{
  "className": "Msg",
  "fields": {
    "text": {"type": "String", "required": true},
    "owner": {"type": "Pointer", "targetClass": "_User"},
    "likes": {"type": "Relation", "targetClass": "_User"},
    "at": {"type": "Date"}
  },
  "classLevelPermissions": {
    "find": {"readUserFields": ["owner"]},
    "create": {"*": true},
    "writeUserFields": ["owner"]
  },
  "indexes": [{"name": "text_idx", "fields": ["text"]}]
}`

func TestClassJSON(t *testing.T) {
	var c Class
	require.NoError(t, json.Unmarshal([]byte(msgClassJSON), &c))

	t.Run("fields keep declaration order", func(t *testing.T) {
		assert.Equal(t, []string{"text", "owner", "likes", "at"}, c.Fields.Names())
		assert.Equal(t, FieldTypePointer, c.FieldType("owner"))
		assert.Equal(t, "_User", c.Field("owner").TargetClass)
		assert.True(t, c.Field("text").Required)
		assert.Nil(t, c.Field("missing"))
	})

	t.Run("relation fields", func(t *testing.T) {
		assert.Equal(t, []string{"likes"}, c.RelationFields())
	})

	t.Run("permissions", func(t *testing.T) {
		clp := c.Permissions()
		assert.Equal(t, []string{"owner"}, clp.UserFields(OpFind))
		assert.Equal(t, []string{"owner"}, clp.UserFields(OpUpdate))
		assert.True(t, clp.TestPermissions(nil, OpCreate))
		assert.False(t, clp.TestPermissions([]string{"*", "U1"}, OpFind))
	})

	t.Run("validates", func(t *testing.T) {
		assert.NoError(t, c.Validate())
	})

	t.Run("marshal round trip", func(t *testing.T) {
		data, err := json.Marshal(&c)
		require.NoError(t, err)
		var back Class
		require.NoError(t, json.Unmarshal(data, &back))
		assert.Equal(t, c.Fields.Names(), back.Fields.Names())
		assert.Equal(t, c.Permissions().UserFields(OpFind), back.Permissions().UserFields(OpFind))
	})
}

func TestClassYAML(t *testing.T) {
	src := `
className: Person
fields:
  name: {type: String}
  email: {type: String}
  team: {type: Pointer, targetClass: Team}
classLevelPermissions:
  find: {"*": true}
  delete: {"role:admin": true}
indexes:
  - name: person_email
    fields: [email]
    unique: true
`
	var c Class
	require.NoError(t, yaml.Unmarshal([]byte(src), &c))
	assert.Equal(t, []string{"name", "email", "team"}, c.Fields.Names())
	assert.True(t, c.Indexes[0].Unique)
	assert.True(t, c.Permissions().TestPermissions([]string{"role:admin"}, OpDelete))
	assert.False(t, c.Permissions().TestPermissions([]string{"*"}, OpDelete))
	require.NoError(t, c.Validate())

	out, err := yaml.Marshal(&c)
	require.NoError(t, err)
	var back Class
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, c.Fields.Names(), back.Fields.Names())
}

func TestClassValidate(t *testing.T) {
	tests := []struct {
		name  string
		class *Class
	}{
		{"bad class name", &Class{ClassName: "1abc"}},
		{"pointer without target", &Class{ClassName: "A", Fields: NewFields("p", Of(FieldTypePointer))}},
		{"string with target", &Class{ClassName: "A", Fields: NewFields("s", &FieldDefinition{Type: FieldTypeString, TargetClass: "B"})}},
		{"unknown type", &Class{ClassName: "A", Fields: NewFields("s", Of(FieldType("Money")))}},
		{"bad field name", &Class{ClassName: "A", Fields: NewFields("_hidden", Of(FieldTypeString))}},
		{"index on unknown field", &Class{ClassName: "A", Indexes: []IndexDefinition{{Name: "i", Fields: []string{"x"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.class.Validate())
		})
	}
}

func TestWithDefaults(t *testing.T) {
	c := WithDefaults(&Class{ClassName: ClassUser, Fields: NewFields("nickname", Of(FieldTypeString))})
	names := c.Fields.Names()
	assert.Equal(t, []string{"objectId", "createdAt", "updatedAt", "ACL"}, names[:4])
	assert.Contains(t, names, "username")
	assert.Equal(t, "nickname", names[len(names)-1])
}

func TestNames(t *testing.T) {
	assert.True(t, ClassNameIsValid("_User"))
	assert.True(t, ClassNameIsValid("_Join:likes:Msg"))
	assert.False(t, ClassNameIsValid("_Secret"))
	assert.Equal(t, "_Join:likes:Msg", JoinTableName("Msg", "likes"))
	assert.Equal(t, "a", RootFieldName("a.b.c"))
}
