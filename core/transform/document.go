package transform

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/codec"
	"github.com/asaidimu/go-docstore/core/schema"
)

var (
	authDataQueryKey = regexp.MustCompile(`^authData\.([a-zA-Z0-9_]+)\.id$`)
	authDataColumn   = regexp.MustCompile(`^_auth_data_([a-zA-Z0-9_]+)$`)
)

// TransformAuthData moves each authData provider of a _User object to its
// own _auth_data_<provider> column. A null provider becomes a Delete token.
// obj is modified in place.
func TransformAuthData(className string, obj map[string]any) {
	raw, ok := obj[restAuthDataKey]
	if !ok || className != schema.ClassUser {
		return
	}
	delete(obj, restAuthDataKey)
	providers, ok := core.AsMap(raw)
	if !ok {
		return
	}
	for provider, data := range providers {
		column := AuthDataPrefix + provider
		if data == nil {
			obj[column] = map[string]any{"__op": OpDelete}
			continue
		}
		obj[column] = data
	}
}

// TransformCreate converts a REST object into a native document ready for
// insertion. Relation values are skipped and update tokens are flattened.
func TransformCreate(obj map[string]any, class *schema.Class) (bson.M, error) {
	obj = core.CopyMap(obj)
	if err := TransformObjectACL(obj); err != nil {
		return nil, err
	}

	doc := bson.M{}
	for _, restKey := range sortedKeys(obj) {
		restValue := obj[restKey]
		if tag, _ := core.TypeTag(restValue); tag == "Relation" {
			continue
		}
		key, value, keep, err := createKeyValue(restKey, restValue, class)
		if err != nil {
			return nil, err
		}
		if keep {
			doc[key] = value
		}
	}

	if doc[KeyRperm] != nil || doc[KeyWperm] != nil {
		doc[KeyLegacyACL] = legacyACL(core.StringSlice(doc[KeyRperm]), core.StringSlice(doc[KeyWperm]))
	}
	return doc, nil
}

func createKeyValue(restKey string, restValue any, class *schema.Class) (string, any, bool, error) {
	switch restKey {
	case restObjectIDKey:
		return KeyID, restValue, true, nil
	case restCreatedAtKey, restUpdatedAtKey, restExpiresAtKey, restLastUsedKey:
		native := map[string]string{
			restCreatedAtKey: KeyCreatedAt,
			restUpdatedAtKey: KeyUpdatedAt,
			restExpiresAtKey: KeyExpiresAt,
			restLastUsedKey:  KeyLastUsed,
		}[restKey]
		t, err := coerceDate(restValue)
		return native, t, true, err
	case restTimesUsedKey:
		return KeyTimesUsed, restValue, true, nil
	case restSessionTokenKey:
		return KeySessionToken, restValue, true, nil
	case KeyFailedLoginCount, KeyRperm, KeyWperm, KeyEmailVerifyToken, KeyHashedPassword,
		KeyPerishableToken, KeyPasswordHistory, KeyTombstone:
		return restKey, restValue, true, nil
	}
	if bookkeepingTimeFields[restKey] {
		t, err := coerceDate(restValue)
		return restKey, t, true, err
	}
	if authDataQueryKey.MatchString(restKey) {
		return "", nil, false, core.NewError(core.InvalidKeyName, "can only query on %s", restKey)
	}
	if authDataColumn.MatchString(restKey) {
		if _, isOp := core.OpTag(restValue); isOp {
			return "", nil, false, nil
		}
		return restKey, core.DeepCopy(restValue), true, nil
	}

	if token, isOp := core.AsMap(restValue); isOp {
		if _, hasOp := core.OpTag(token); hasOp {
			value, keep, err := FlattenUpdateOp(token)
			return restKey, value, keep, err
		}
	}

	key := restKey
	if tag, _ := core.TypeTag(restValue); restValue != nil && tag != "Bytes" {
		if class.FieldType(restKey) == schema.FieldTypePointer || tag == "Pointer" {
			key = PointerPrefix + restKey
		}
	}

	value, ok, err := TopLevelAtom(restValue)
	if err != nil {
		return "", nil, false, err
	}
	if ok {
		return key, value, true, nil
	}
	if restKey == restACLKey {
		return "", nil, false, core.NewError(core.InternalServerError, "there was a problem transforming an ACL")
	}
	if items, isSlice := core.AsSlice(restValue); isSlice {
		out, err := interiorArray(items)
		return key, out, true, err
	}
	out, keep, err := interiorValue(restValue)
	return key, out, keep, err
}

// TransformUpdate converts a REST update into a native update document of
// operator sections ($set, $unset, $inc, $push, $addToSet, $pullAll).
func TransformUpdate(update map[string]any, class *schema.Class) (bson.M, error) {
	update = core.CopyMap(update)
	if err := TransformObjectACL(update); err != nil {
		return nil, err
	}

	out := bson.M{}
	section := func(op string) bson.M {
		s, ok := out[op].(bson.M)
		if !ok {
			s = bson.M{}
			out[op] = s
		}
		return s
	}

	_, hasR := update[KeyRperm]
	_, hasW := update[KeyWperm]
	if hasR || hasW {
		set := section("$set")
		if hasR {
			set[KeyRperm] = update[KeyRperm]
		}
		if hasW {
			set[KeyWperm] = update[KeyWperm]
		}
		set[KeyLegacyACL] = legacyACL(core.StringSlice(update[KeyRperm]), core.StringSlice(update[KeyWperm]))
		delete(update, KeyRperm)
		delete(update, KeyWperm)
	}

	for _, restKey := range sortedKeys(update) {
		restValue := update[restKey]
		if tag, _ := core.TypeTag(restValue); tag == "Relation" {
			continue
		}
		key, value, op, err := updateKeyValue(restKey, restValue, class)
		if err != nil {
			return nil, err
		}
		if op != nil {
			section(op.Operator)[key] = op.Arg
			continue
		}
		section("$set")[key] = value
	}
	return out, nil
}

func updateKeyValue(restKey string, restValue any, class *schema.Class) (string, any, *UpdateOp, error) {
	key := restKey
	timeField := false
	switch restKey {
	case restObjectIDKey, KeyID:
		key = KeyID
	case restCreatedAtKey, KeyCreatedAt:
		key, timeField = KeyCreatedAt, true
	case restUpdatedAtKey, KeyUpdatedAt:
		key, timeField = KeyUpdatedAt, true
	case restSessionTokenKey, KeySessionToken:
		key = KeySessionToken
	case restExpiresAtKey, legacyExpiresAtKey:
		key, timeField = KeyExpiresAt, true
	case restLastUsedKey, KeyLastUsed:
		key, timeField = KeyLastUsed, true
	case restTimesUsedKey, KeyTimesUsed:
		key = KeyTimesUsed
	default:
		timeField = bookkeepingTimeFields[restKey]
	}

	if class.FieldType(key) == schema.FieldTypePointer ||
		(!strings.Contains(key, ".") && class.Field(key) == nil && isPointerValue(restValue)) {
		key = PointerPrefix + key
	}

	if token, isMap := core.AsMap(restValue); isMap {
		if _, isOp := core.OpTag(token); isOp {
			op, err := HashUpdateOp(token)
			if err != nil {
				return "", nil, nil, err
			}
			return key, nil, &op, nil
		}
	}

	if strings.Contains(restKey, ".") {
		value, err := InteriorAtom(restValue)
		if err != nil {
			return "", nil, nil, err
		}
		if _, still := core.AsMap(value); still && !isPointerValue(value) {
			value, _, err = interiorValue(value)
		}
		return key, value, nil, err
	}

	value, ok, err := TopLevelAtom(restValue)
	if err != nil {
		return "", nil, nil, err
	}
	if ok {
		if s, isString := value.(string); isString && timeField {
			t, err := codec.ParseISO(s)
			return key, t, nil, err
		}
		return key, value, nil, nil
	}
	if items, isSlice := core.AsSlice(restValue); isSlice {
		out, err := interiorArray(items)
		return key, out, nil, err
	}
	out, _, err := interiorValue(restValue)
	return key, out, nil, err
}

// Untransform converts a native document back to a REST object using the
// class schema. Pointer columns the schema does not declare as pointers are
// dropped and logged. Relation fields are added as {__type: Relation}
// placeholders.
func Untransform(doc map[string]any, class *schema.Class, logger *zap.Logger) (map[string]any, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	className := ""
	if class != nil {
		className = class.ClassName
	}

	out := map[string]any{}
	if acl, ok := UntransformACL(doc); ok {
		out[restACLKey] = acl
	}

	for _, key := range sortedKeys(doc) {
		value := doc[key]
		switch key {
		case KeyID:
			out[restObjectIDKey] = idString(value)
			continue
		case KeyRperm, KeyWperm, KeyLegacyACL:
			continue
		case KeyHashedPassword:
			out[key] = value
			continue
		case KeySessionToken:
			out[restSessionTokenKey] = value
			continue
		case KeyCreatedAt, restCreatedAtKey:
			out[restCreatedAtKey] = isoString(value)
			continue
		case KeyUpdatedAt, restUpdatedAtKey:
			out[restUpdatedAtKey] = isoString(value)
			continue
		case KeyLastUsed, restLastUsedKey:
			out[restLastUsedKey] = isoString(value)
			continue
		case KeyExpiresAt, legacyExpiresAtKey:
			out[restExpiresAtKey] = nestedValue(value)
			continue
		case KeyTimesUsed, restTimesUsedKey:
			out[restTimesUsedKey] = value
			continue
		case restAuthDataKey:
			if className == schema.ClassUser {
				logger.Warn("ignoring authData in _User, the key is synthesized from _auth_data_* columns")
			} else {
				out[restAuthDataKey] = nestedValue(value)
			}
			continue
		}

		if bookkeepingFields[key] {
			out[key] = nestedValue(value)
			continue
		}
		if m := authDataColumn.FindStringSubmatch(key); m != nil && className == schema.ClassUser {
			auth, _ := out[restAuthDataKey].(map[string]any)
			if auth == nil {
				auth = map[string]any{}
				out[restAuthDataKey] = auth
			}
			auth[m[1]] = nestedValue(value)
			continue
		}
		if strings.HasPrefix(key, PointerPrefix) {
			field := key[len(PointerPrefix):]
			def := class.Field(field)
			if def == nil {
				logger.Info("dropping pointer column missing from schema",
					zap.String("className", className), zap.String("field", field))
				continue
			}
			if def.Type != schema.FieldTypePointer {
				logger.Info("dropping pointer column declared with another type",
					zap.String("className", className), zap.String("field", field), zap.String("type", string(def.Type)))
				continue
			}
			if value == nil {
				continue
			}
			s, _ := value.(string)
			cls, id, ok := SplitPointer(s)
			if !ok {
				return nil, core.NewError(core.InternalServerError, "bad pointer value in %s: %v", key, value)
			}
			if cls != def.TargetClass {
				return nil, core.NewError(core.InternalServerError, "pointer to incorrect className in %s", key)
			}
			out[field] = PointerValue(cls, id)
			continue
		}
		if strings.HasPrefix(key, "_") && key != "__type" {
			return nil, core.NewError(core.InternalServerError, "bad key in untransform: %s", key)
		}

		rest, err := fieldValue(class.Field(key), value)
		if err != nil {
			return nil, err
		}
		out[key] = rest
	}

	for _, name := range class.RelationFields() {
		out[name] = map[string]any{"__type": "Relation", "className": class.Field(name).TargetClass}
	}
	return out, nil
}

// UntransformValue converts one native value of field, as returned by a
// distinct query, back to its REST form.
func UntransformValue(field string, value any, class *schema.Class) (any, error) {
	switch field {
	case restObjectIDKey:
		return idString(value), nil
	case restCreatedAtKey, restUpdatedAtKey, restLastUsedKey:
		return isoString(value), nil
	}
	def := class.Field(field)
	if def != nil && def.Type == schema.FieldTypePointer {
		if value == nil {
			return nil, nil
		}
		s, _ := value.(string)
		cls, id, ok := SplitPointer(s)
		if !ok {
			return nil, core.NewError(core.InternalServerError, "bad pointer value in %s: %v", field, value)
		}
		return PointerValue(cls, id), nil
	}
	return fieldValue(def, value)
}

// fieldValue converts a top-level native value using the codec of its
// declared type. Undeclared fields only get nested conversions.
func fieldValue(def *schema.FieldDefinition, value any) (any, error) {
	if def != nil {
		if c, ok := codec.ForType(def.Type); ok && def.Type != schema.FieldTypeDate && c.IsValidDatabaseObject(value) {
			return c.DatabaseToJSON(value)
		}
		if def.Type == schema.FieldTypeBytes && codec.IsBase64Value(value) {
			return codec.Bytes.DatabaseToJSON(value)
		}
	}
	return nestedValue(value), nil
}

// nestedValue converts a native value found anywhere below the top level:
// dates become Date values and binaries become Bytes values.
func nestedValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool:
		return val
	case time.Time, primitive.DateTime:
		rest, _ := codec.Date.DatabaseToJSON(val)
		return rest
	case primitive.Binary, []byte:
		rest, _ := codec.Bytes.DatabaseToJSON(val)
		return rest
	case primitive.ObjectID:
		return val.Hex()
	case primitive.Decimal128:
		return val.String()
	}
	if items, ok := core.AsSlice(v); ok {
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = nestedValue(item)
		}
		return out
	}
	if m, ok := core.AsMap(v); ok {
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[k] = nestedValue(item)
		}
		return out
	}
	return v
}

func isoString(v any) any {
	if t, ok := codec.AsTime(v); ok {
		return codec.FormatISO(t)
	}
	return v
}

func idString(v any) any {
	if oid, ok := v.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return v
}

func coerceDate(v any) (any, error) {
	if s, ok := v.(string); ok {
		return codec.ParseISO(s)
	}
	out, ok, err := TopLevelAtom(v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.InvalidJSON, "expected a date, got %T", v)
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
