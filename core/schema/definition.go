package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// FieldType is the closed set of field kinds a class schema can declare.
type FieldType string

const (
	FieldTypeString   FieldType = "String"   // Scalar text
	FieldTypeNumber   FieldType = "Number"   // Scalar number
	FieldTypeBoolean  FieldType = "Boolean"  // Scalar true/false
	FieldTypeDate     FieldType = "Date"     // {__type: Date, iso}
	FieldTypeObject   FieldType = "Object"   // Free-form nested object
	FieldTypeArray    FieldType = "Array"    // Ordered list of interior atoms
	FieldTypeGeoPoint FieldType = "GeoPoint" // {__type: GeoPoint, latitude, longitude}
	FieldTypePolygon  FieldType = "Polygon"  // {__type: Polygon, coordinates: [[lat,lng]...]}
	FieldTypeBytes    FieldType = "Bytes"    // {__type: Bytes, base64}
	FieldTypeFile     FieldType = "File"     // {__type: File, name}
	FieldTypePointer  FieldType = "Pointer"  // Reference to one object of TargetClass
	FieldTypeRelation FieldType = "Relation" // Many-to-many edge set backed by a join collection
	FieldTypeACL      FieldType = "ACL"      // Per-object access list
)

// Valid reports whether t is a member of the closed set.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeString, FieldTypeNumber, FieldTypeBoolean, FieldTypeDate,
		FieldTypeObject, FieldTypeArray, FieldTypeGeoPoint, FieldTypePolygon,
		FieldTypeBytes, FieldTypeFile, FieldTypePointer, FieldTypeRelation, FieldTypeACL:
		return true
	default:
		return false
	}
}

// IsScalar reports whether t is one of the plain scalar kinds.
func (t FieldType) IsScalar() bool {
	return t == FieldTypeString || t == FieldTypeNumber || t == FieldTypeBoolean
}

// NeedsTarget reports whether t must carry a TargetClass.
func (t FieldType) NeedsTarget() bool {
	return t == FieldTypePointer || t == FieldTypeRelation
}

// FieldDefinition describes a single field of a class.
type FieldDefinition struct {
	Type FieldType `json:"type" yaml:"type"`
	// TargetClass is set for Pointer and Relation fields only.
	TargetClass  string `json:"targetClass,omitempty" yaml:"targetClass,omitempty"`
	Required     bool   `json:"required,omitempty" yaml:"required,omitempty"`
	DefaultValue any    `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
}

// Pointer returns a Pointer field definition targeting class.
func Pointer(class string) *FieldDefinition {
	return &FieldDefinition{Type: FieldTypePointer, TargetClass: class}
}

// Relation returns a Relation field definition targeting class.
func Relation(class string) *FieldDefinition {
	return &FieldDefinition{Type: FieldTypeRelation, TargetClass: class}
}

// Of returns a field definition of a type that carries no target class.
func Of(t FieldType) *FieldDefinition {
	return &FieldDefinition{Type: t}
}

// SameType reports whether two definitions describe the same storage type.
func (f *FieldDefinition) SameType(o *FieldDefinition) bool {
	if f == nil || o == nil {
		return f == o
	}
	return f.Type == o.Type && f.TargetClass == o.TargetClass
}

func (f *FieldDefinition) String() string {
	if f == nil {
		return "<nil>"
	}
	if f.Type.NeedsTarget() {
		return fmt.Sprintf("%s<%s>", f.Type, f.TargetClass)
	}
	return string(f.Type)
}

func (f *FieldDefinition) validate(name string) error {
	if !f.Type.Valid() {
		return fmt.Errorf("field %q: invalid field type: %q", name, f.Type)
	}
	if f.Type.NeedsTarget() && f.TargetClass == "" {
		return fmt.Errorf("field %q: type %s needs a targetClass", name, f.Type)
	}
	if !f.Type.NeedsTarget() && f.TargetClass != "" {
		return fmt.Errorf("field %q: type %s cannot have a targetClass", name, f.Type)
	}
	return nil
}

// Fields is an insertion-ordered map of field name to definition.
type Fields struct {
	names []string
	defs  map[string]*FieldDefinition
}

// NewFields builds a Fields from name/definition pairs, keeping their order.
func NewFields(pairs ...any) Fields {
	var f Fields
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Set(pairs[i].(string), pairs[i+1].(*FieldDefinition))
	}
	return f
}

// Get returns the definition of name.
func (f Fields) Get(name string) (*FieldDefinition, bool) {
	def, ok := f.defs[name]
	return def, ok
}

// Set adds or replaces a field, appending new names at the end.
func (f *Fields) Set(name string, def *FieldDefinition) {
	if f.defs == nil {
		f.defs = make(map[string]*FieldDefinition)
	}
	if _, exists := f.defs[name]; !exists {
		f.names = append(f.names, name)
	}
	f.defs[name] = def
}

// Delete removes a field.
func (f *Fields) Delete(name string) {
	if _, ok := f.defs[name]; !ok {
		return
	}
	delete(f.defs, name)
	for i, n := range f.names {
		if n == name {
			f.names = append(f.names[:i], f.names[i+1:]...)
			break
		}
	}
}

// Names returns field names in declaration order.
func (f Fields) Names() []string {
	return append([]string(nil), f.names...)
}

// Len returns the number of fields.
func (f Fields) Len() int { return len(f.names) }

// Clone returns an independent copy.
func (f Fields) Clone() Fields {
	var out Fields
	for _, n := range f.names {
		def := *f.defs[n]
		out.Set(n, &def)
	}
	return out
}

// MarshalJSON writes fields as a JSON object in declaration order.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range f.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.defs[n])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object keeping key order.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("fields: expected object")
	}
	*f = Fields{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("fields: expected string key")
		}
		var def FieldDefinition
		if err := dec.Decode(&def); err != nil {
			return fmt.Errorf("fields: %s: %w", name, err)
		}
		f.Set(name, &def)
	}
	_, err = dec.Token()
	return err
}

// UnmarshalYAML reads a YAML mapping keeping key order.
func (f *Fields) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("fields: expected mapping at line %d", value.Line)
	}
	*f = Fields{}
	for i := 0; i+1 < len(value.Content); i += 2 {
		var def FieldDefinition
		if err := value.Content[i+1].Decode(&def); err != nil {
			return fmt.Errorf("fields: %s: %w", value.Content[i].Value, err)
		}
		f.Set(value.Content[i].Value, &def)
	}
	return nil
}

// MarshalYAML writes fields as an ordered mapping.
func (f Fields) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, n := range f.names {
		var v yaml.Node
		if err := v.Encode(f.defs[n]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: n}, &v)
	}
	return node, nil
}

// IndexDefinition names an index over one or more fields.
type IndexDefinition struct {
	Name   string   `json:"name" yaml:"name"`
	Fields []string `json:"fields" yaml:"fields"`
	Unique bool     `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Class is the schema of one class: its fields, permissions and indexes.
type Class struct {
	ClassName             string                 `json:"className" yaml:"className"`
	Fields                Fields                 `json:"fields" yaml:"fields"`
	ClassLevelPermissions *ClassLevelPermissions `json:"classLevelPermissions,omitempty" yaml:"classLevelPermissions,omitempty"`
	Indexes               []IndexDefinition      `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// Field returns the definition of name, or nil when the class is nil or the
// field is undeclared.
func (c *Class) Field(name string) *FieldDefinition {
	if c == nil {
		return nil
	}
	def, _ := c.Fields.Get(name)
	return def
}

// FieldType returns the declared type of name, or "" when undeclared.
func (c *Class) FieldType(name string) FieldType {
	if def := c.Field(name); def != nil {
		return def.Type
	}
	return ""
}

// RelationFields lists the names of Relation-typed fields.
func (c *Class) RelationFields() []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, n := range c.Fields.names {
		if c.Fields.defs[n].Type == FieldTypeRelation {
			out = append(out, n)
		}
	}
	return out
}

// Permissions returns the class CLP, never nil.
func (c *Class) Permissions() *ClassLevelPermissions {
	if c == nil || c.ClassLevelPermissions == nil {
		return &ClassLevelPermissions{}
	}
	return c.ClassLevelPermissions
}

// Clone returns an independent copy of c.
func (c *Class) Clone() *Class {
	if c == nil {
		return nil
	}
	out := &Class{
		ClassName: c.ClassName,
		Fields:    c.Fields.Clone(),
		Indexes:   append([]IndexDefinition(nil), c.Indexes...),
	}
	if c.ClassLevelPermissions != nil {
		out.ClassLevelPermissions = c.ClassLevelPermissions.Clone()
	}
	return out
}

// Validate checks the class name, every field definition and every index.
func (c *Class) Validate() error {
	if !ClassNameIsValid(c.ClassName) {
		return fmt.Errorf("invalid class name: %q", c.ClassName)
	}
	for _, n := range c.Fields.names {
		if !FieldNameIsValid(n) {
			return fmt.Errorf("invalid field name: %q", n)
		}
		if err := c.Fields.defs[n].validate(n); err != nil {
			return err
		}
	}
	for _, idx := range c.Indexes {
		if idx.Name == "" || len(idx.Fields) == 0 {
			return fmt.Errorf("index on class %s needs a name and at least one field", c.ClassName)
		}
		for _, f := range idx.Fields {
			if _, ok := c.Fields.Get(f); !ok {
				return fmt.Errorf("index %s references unknown field %q", idx.Name, f)
			}
		}
	}
	return nil
}

// Issue represents a validation issue found in a REST object.
type Issue struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Path        string `json:"path,omitempty"`
	Severity    string `json:"severity,omitempty"` // e.g., "error", "warning"
	Description string `json:"description,omitempty"`
}

type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}
