package transform

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
)

var dateKeys = map[string]string{
	restCreatedAtKey:   KeyCreatedAt,
	KeyCreatedAt:       KeyCreatedAt,
	restUpdatedAtKey:   KeyUpdatedAt,
	KeyUpdatedAt:       KeyUpdatedAt,
	restExpiresAtKey:   KeyExpiresAt,
	legacyExpiresAtKey: KeyExpiresAt,
	restLastUsedKey:    KeyLastUsed,
	KeyLastUsed:        KeyLastUsed,
}

// TransformWhere compiles a REST where clause into a native query. count
// selects the geospatial forms usable by counting operations.
func TransformWhere(where map[string]any, class *schema.Class, count bool) (bson.M, error) {
	out := bson.M{}
	for _, restKey := range sortedKeys(where) {
		key, value, err := queryKeyValue(restKey, where[restKey], class, count)
		if err != nil {
			return nil, err
		}
		if key == "$nor" {
			if existing, ok := out["$nor"].([]any); ok {
				more, _ := value.([]any)
				value = append(existing, more...)
			}
		}
		out[key] = value
	}
	return out, nil
}

func queryKeyValue(restKey string, value any, class *schema.Class, count bool) (string, any, error) {
	key := restKey
	if native, ok := dateKeys[key]; ok {
		if s, isString := value.(string); isString {
			t, err := coerceDate(s)
			return native, t, err
		}
		key = native
	}

	switch key {
	case restObjectIDKey, KeyID:
		return KeyID, value, nil
	case restSessionTokenKey, KeySessionToken:
		return KeySessionToken, value, nil
	case restTimesUsedKey, KeyTimesUsed:
		return KeyTimesUsed, value, nil
	case KeyRperm, KeyWperm, KeyPerishableToken, KeyEmailVerifyToken,
		KeyEmailVerifyTokenExpires, KeyAccountLockoutExpires, KeyFailedLoginCount,
		KeyPerishableTokenExpires, KeyPasswordChangedAt:
		if s, isString := value.(string); isString && bookkeepingTimeFields[key] {
			t, err := coerceDate(s)
			return key, t, err
		}
		return key, value, nil
	case "$or", "$and", "$nor":
		clauses, ok := core.AsSlice(value)
		if !ok {
			return "", nil, core.NewError(core.InvalidQuery, "bad %s format - use an array value", key)
		}
		out := make([]any, len(clauses))
		for i, clause := range clauses {
			sub, isMap := core.AsMap(clause)
			if !isMap {
				return "", nil, core.NewError(core.InvalidQuery, "bad %s format - use an array of objects", key)
			}
			t, err := TransformWhere(sub, class, count)
			if err != nil {
				return "", nil, err
			}
			out[i] = t
		}
		return key, out, nil
	default:
		if m := authDataQueryKey.FindStringSubmatch(key); m != nil {
			return AuthDataPrefix + m[1] + authDataQuerySuffix, value, nil
		}
	}

	fieldType := class.FieldType(restKey)
	expectedArray := fieldType == schema.FieldTypeArray
	expectedPointer := fieldType == schema.FieldTypePointer
	if expectedPointer || (class == nil && isPointerValue(value)) {
		key = PointerPrefix + key
	}

	constraint, ok, err := TransformConstraint(value, class.Field(restKey), count)
	if err != nil {
		return "", nil, err
	}
	if ok {
		if text, isText := constraint["$text"]; isText {
			return "$text", text, nil
		}
		if elem, isElem := constraint["$elemMatch"]; isElem {
			return "$nor", []any{bson.M{key: bson.M{"$elemMatch": elem}}}, nil
		}
		return key, constraint, nil
	}

	if expectedArray {
		if _, isSlice := core.AsSlice(value); !isSlice {
			atom, err := InteriorAtom(value)
			if err != nil {
				return "", nil, err
			}
			return key, bson.M{"$all": []any{atom}}, nil
		}
	}

	if strings.Contains(key, ".") {
		atom, err := InteriorAtom(value)
		return key, atom, err
	}
	atom, ok, err := TopLevelAtom(value)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, core.NewError(core.InvalidJSON, "You cannot use %v as a query parameter.", value)
	}
	return key, atom, nil
}
