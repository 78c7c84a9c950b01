// Package core holds the REST-side value aliases and the domain error type
// shared by the transform engine, the query passes and the database controller.
package core

import (
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Object is a REST object: field name to literal, nested value, or a
// __type-tagged value.
type Object = map[string]any

// Update is a REST update: field name to literal or {__op: ...} token.
type Update = map[string]any

// ToFloat64 converts a numeric value to float64.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}

// ParseFloat converts numbers and numeric strings.
func ParseFloat(v any) (float64, bool) {
	if f, ok := ToFloat64(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// IsNumber reports whether v holds a Go numeric type.
func IsNumber(v any) bool {
	_, ok := ToFloat64(v)
	return ok
}

// AsMap returns v as a plain map when it is any of the map shapes that flow
// through the engine (REST maps, bson.M, bson.D).
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case bson.M:
		return map[string]any(m), true
	case bson.D:
		out := make(map[string]any, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}

// AsSlice returns v as []any when it is a slice shape used by the engine.
func AsSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case bson.A:
		return []any(s), true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	default:
		return nil, false
	}
}

// TypeTag returns the __type tag of a REST value, if any.
func TypeTag(v any) (string, bool) {
	m, ok := AsMap(v)
	if !ok {
		return "", false
	}
	t, ok := m["__type"].(string)
	return t, ok
}

// OpTag returns the __op tag of a REST update token, if any.
func OpTag(v any) (string, bool) {
	m, ok := AsMap(v)
	if !ok {
		return "", false
	}
	t, ok := m["__op"].(string)
	return t, ok
}

// DeepCopy clones maps and slices recursively. Scalars and native values such
// as time.Time or primitive.Binary are returned as-is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = DeepCopy(x)
		}
		return out
	case bson.M:
		out := make(bson.M, len(val))
		for k, x := range val {
			out[k] = DeepCopy(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = DeepCopy(x)
		}
		return out
	case bson.A:
		out := make(bson.A, len(val))
		for i, x := range val {
			out[i] = DeepCopy(x)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case primitive.Binary:
		return primitive.Binary{Subtype: val.Subtype, Data: append([]byte(nil), val.Data...)}
	default:
		return v
	}
}

// CopyMap deep-copies a map.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return DeepCopy(m).(map[string]any)
}

// StringSlice converts a []any of strings, skipping other values.
func StringSlice(v any) []string {
	items, ok := AsSlice(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
