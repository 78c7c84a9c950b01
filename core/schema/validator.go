package schema

import (
	"fmt"
	"sort"

	"github.com/asaidimu/go-docstore/core"
)

// Validator checks REST objects against a class schema.
type Validator struct {
	class  *Class
	issues []Issue // reset on every Validate call
}

// NewValidator returns a Validator for class. It can be reused across calls.
func NewValidator(class *Class) *Validator {
	return &Validator{class: class, issues: make([]Issue, 0)}
}

// Validate checks every field of obj against the class. Loose validation skips
// required-field checks, which is what updates need. Undeclared fields produce
// warnings only, since schema-on-write may add them.
func (v *Validator) Validate(obj map[string]any, loose bool) (bool, []Issue) {
	v.issues = make([]Issue, 0)

	for _, name := range v.class.Fields.Names() {
		def, _ := v.class.Fields.Get(name)
		value, exists := obj[name]
		if !exists {
			if def.Required && !loose && def.DefaultValue == nil {
				v.addIssue("REQUIRED_FIELD_MISSING", fmt.Sprintf("Required field '%s' is missing", name), name, "error")
			}
			continue
		}
		v.validateFieldValue(name, value, def)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := v.class.Fields.Get(RootFieldName(k)); !ok {
			v.addIssue("UNEXPECTED_FIELD", fmt.Sprintf("Field '%s' is not defined on class %s", k, v.class.ClassName), k, "warning")
		}
	}

	valid := true
	for _, is := range v.issues {
		if is.Severity == "error" {
			valid = false
			break
		}
	}
	return valid, v.issues
}

func (v *Validator) validateFieldValue(name string, value any, def *FieldDefinition) {
	if value == nil {
		if def.Required {
			v.addIssue("NULL_VALUE", "Field cannot be null", name, "error")
		}
		return
	}
	if op, ok := core.OpTag(value); ok && op == "Delete" {
		if def.Required {
			v.addIssue("NULL_VALUE", "Required field cannot be deleted", name, "error")
		}
		return
	}
	got, err := InferType(value)
	if err != nil {
		v.addIssue("INVALID_VALUE", err.Error(), name, "error")
		return
	}
	if got == nil {
		return
	}
	if !compatible(def, got) {
		v.addIssue("TYPE_MISMATCH", fmt.Sprintf("schema mismatch for %s.%s; expected %s but got %s", v.class.ClassName, name, def, got), name, "error")
	}
}

// compatible reports whether an inferred type can be stored in a field
// declared as def.
func compatible(def, got *FieldDefinition) bool {
	if def.SameType(got) {
		return true
	}
	// An ACL column holds a plain object on the REST side.
	return def.Type == FieldTypeACL && got.Type == FieldTypeObject
}

func (v *Validator) addIssue(code, message, path, severity string) {
	v.issues = append(v.issues, Issue{
		Code:     code,
		Message:  message,
		Path:     path,
		Severity: severity,
	})
}

// InferType returns the field type a REST value (or update token) implies.
// A nil definition with a nil error means the value implies no type, as with
// null or a Delete token.
func InferType(value any) (*FieldDefinition, error) {
	switch value.(type) {
	case nil:
		return nil, nil
	case bool:
		return Of(FieldTypeBoolean), nil
	case string:
		return Of(FieldTypeString), nil
	}
	if core.IsNumber(value) {
		return Of(FieldTypeNumber), nil
	}
	if _, ok := core.AsSlice(value); ok {
		return Of(FieldTypeArray), nil
	}
	obj, ok := core.AsMap(value)
	if !ok {
		return nil, core.NewError(core.IncorrectType, "bad obj: %v", value)
	}
	return inferObjectType(obj)
}

func inferObjectType(obj map[string]any) (*FieldDefinition, error) {
	if tag, ok := obj["__type"].(string); ok {
		switch tag {
		case "Pointer":
			if cls, ok := obj["className"].(string); ok {
				return Pointer(cls), nil
			}
		case "Relation":
			if cls, ok := obj["className"].(string); ok {
				return Relation(cls), nil
			}
		case "File":
			if _, ok := obj["name"].(string); ok {
				return Of(FieldTypeFile), nil
			}
		case "Date":
			if _, ok := obj["iso"].(string); ok {
				return Of(FieldTypeDate), nil
			}
		case "GeoPoint":
			if obj["latitude"] != nil && obj["longitude"] != nil {
				return Of(FieldTypeGeoPoint), nil
			}
		case "Bytes":
			if _, ok := obj["base64"].(string); ok {
				return Of(FieldTypeBytes), nil
			}
		case "Polygon":
			if obj["coordinates"] != nil {
				return Of(FieldTypePolygon), nil
			}
		}
		return nil, core.NewError(core.IncorrectType, "This is not a valid %s", tag)
	}
	if ne, ok := obj["$ne"]; ok && ne != nil {
		return InferType(ne)
	}
	if op, ok := obj["__op"].(string); ok {
		switch op {
		case "Increment":
			return Of(FieldTypeNumber), nil
		case "Delete":
			return nil, nil
		case "Add", "AddUnique", "Remove":
			return Of(FieldTypeArray), nil
		case "AddRelation", "RemoveRelation":
			objects, _ := core.AsSlice(obj["objects"])
			if len(objects) == 0 {
				return nil, core.NewError(core.InvalidJSON, "%s needs at least one object", op)
			}
			first, _ := core.AsMap(objects[0])
			cls, _ := first["className"].(string)
			return Relation(cls), nil
		case "Batch":
			ops, _ := core.AsSlice(obj["ops"])
			if len(ops) == 0 {
				return nil, core.NewError(core.InvalidJSON, "Batch needs at least one op")
			}
			return InferType(ops[0])
		default:
			return nil, core.NewError(core.IncorrectType, "unexpected op: %s", op)
		}
	}
	return Of(FieldTypeObject), nil
}
