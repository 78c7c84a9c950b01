package transform

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/codec"
)

// TopLevelAtom converts a value stored directly under a field. ok is false
// when the value is not an atom (arrays and untagged objects).
func TopLevelAtom(atom any) (any, bool, error) {
	switch v := atom.(type) {
	case nil, string, bool, time.Time, primitive.DateTime:
		return v, true, nil
	}
	if core.IsNumber(atom) {
		return atom, true, nil
	}
	m, isMap := core.AsMap(atom)
	if !isMap {
		return nil, false, nil
	}
	tag, tagged := core.TypeTag(m)
	if !tagged {
		return nil, false, nil
	}
	if tag == "Pointer" {
		cls, id, err := pointerParts(m)
		if err != nil {
			return nil, false, err
		}
		return PointerString(cls, id), true, nil
	}
	c, known := codec.ForTag(tag)
	if !known {
		return nil, false, core.NewError(core.InvalidJSON, "cannot transform value of type %s", tag)
	}
	out, err := c.JSONToDatabase(m)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// InteriorAtom converts a value nested inside an array or object. Pointers
// keep their tagged form, trimmed to class and id; Dates and Bytes use their
// codecs; {$regex} becomes a native regular expression.
func InteriorAtom(atom any) (any, error) {
	m, isMap := core.AsMap(atom)
	if !isMap {
		return atom, nil
	}
	switch tag, _ := core.TypeTag(m); tag {
	case "Pointer":
		cls, id, err := pointerParts(m)
		if err != nil {
			return nil, err
		}
		return PointerValue(cls, id), nil
	case "Date":
		return codec.Date.JSONToDatabase(m)
	case "Bytes":
		return codec.Bytes.JSONToDatabase(m)
	}
	if pattern, ok := m["$regex"]; ok {
		s, isString := pattern.(string)
		if !isString {
			return nil, core.NewError(core.InvalidJSON, "bad regex: %v", pattern)
		}
		opts, _ := m["$options"].(string)
		return primitive.Regex{Pattern: s, Options: opts}, nil
	}
	return atom, nil
}

// interiorValue converts a whole nested value, recursing through arrays and
// objects. Update tokens inside nested values are flattened.
func interiorValue(v any) (any, bool, error) {
	if m, isMap := core.AsMap(v); isMap {
		for k := range m {
			if strings.ContainsAny(k, "$.") {
				return nil, false, core.NewError(core.InvalidNestedKey, "Nested keys should not contain the '$' or '.' characters")
			}
		}
		if _, tagged := core.TypeTag(m); tagged {
			out, err := InteriorAtom(m)
			if err != nil {
				return nil, false, err
			}
			if _, still := core.AsMap(out); still {
				return core.DeepCopy(out), true, nil
			}
			return out, true, nil
		}
		if _, isOp := core.OpTag(m); isOp {
			return FlattenUpdateOp(m)
		}
		out := make(bson.M, len(m))
		for k, item := range m {
			conv, keep, err := interiorValue(item)
			if err != nil {
				return nil, false, err
			}
			if keep {
				out[k] = conv
			}
		}
		return out, true, nil
	}
	if items, isSlice := core.AsSlice(v); isSlice {
		out, err := interiorArray(items)
		return out, true, err
	}
	return v, true, nil
}

func interiorArray(items []any) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		conv, keep, err := interiorValue(item)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, conv)
		}
	}
	return out, nil
}

func pointerParts(m map[string]any) (string, string, error) {
	cls, okCls := m["className"].(string)
	id, okID := m["objectId"].(string)
	if !okCls || !okID || cls == "" {
		return "", "", core.NewError(core.InvalidJSON, "pointer needs className and objectId")
	}
	return cls, id, nil
}

// isPointerValue reports whether v is a REST pointer.
func isPointerValue(v any) bool {
	tag, ok := core.TypeTag(v)
	return ok && tag == "Pointer"
}
