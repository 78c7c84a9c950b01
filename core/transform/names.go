// Package transform maps REST objects, queries and updates to the native
// (BSON) representation and back. Every function here is pure.
package transform

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-docstore/core/schema"
)

// Native field names. These are wire conventions shared with every adapter
// and must match exactly.
const (
	KeyID                      = "_id"
	KeyCreatedAt               = "_created_at"
	KeyUpdatedAt               = "_updated_at"
	KeySessionToken            = "_session_token"
	KeyLastUsed                = "_last_used"
	KeyTimesUsed               = "times_used"
	KeyExpiresAt               = "expiresAt"
	KeyRperm                   = "_rperm"
	KeyWperm                   = "_wperm"
	KeyLegacyACL               = "_acl"
	KeyHashedPassword          = "_hashed_password"
	KeyEmailVerifyToken        = "_email_verify_token"
	KeyEmailVerifyTokenExpires = "_email_verify_token_expires_at"
	KeyPerishableToken         = "_perishable_token"
	KeyPerishableTokenExpires  = "_perishable_token_expires_at"
	KeyAccountLockoutExpires   = "_account_lockout_expires_at"
	KeyFailedLoginCount        = "_failed_login_count"
	KeyPasswordChangedAt       = "_password_changed_at"
	KeyPasswordHistory         = "_password_history"
	KeyTombstone               = "_tombstone"
	PointerPrefix              = "_p_"
	AuthDataPrefix             = "_auth_data_"
	RelationOwningID           = "owningId"
	RelationRelatedID          = "relatedId"
	pointerSeparator           = "$"
	authDataQuerySuffix        = ".id"
	restAuthDataKey            = "authData"
	restACLKey                 = "ACL"
	restObjectIDKey            = "objectId"
	restCreatedAtKey           = "createdAt"
	restUpdatedAtKey           = "updatedAt"
	restSessionTokenKey        = "sessionToken"
	restLastUsedKey            = "lastUsed"
	restTimesUsedKey           = "timesUsed"
	restExpiresAtKey           = "expiresAt"
	legacyExpiresAtKey         = "_expiresAt"
)

// bookkeepingTimeFields hold instants and are stored under their own name.
var bookkeepingTimeFields = map[string]bool{
	KeyEmailVerifyTokenExpires: true,
	KeyPerishableTokenExpires:  true,
	KeyAccountLockoutExpires:   true,
	KeyPasswordChangedAt:       true,
}

// bookkeepingFields are stored and returned verbatim; the controller decides
// who may see them.
var bookkeepingFields = map[string]bool{
	KeyEmailVerifyToken:        true,
	KeyEmailVerifyTokenExpires: true,
	KeyPerishableToken:         true,
	KeyPerishableTokenExpires:  true,
	KeyAccountLockoutExpires:   true,
	KeyFailedLoginCount:        true,
	KeyPasswordChangedAt:       true,
	KeyPasswordHistory:         true,
	KeyTombstone:               true,
}

// IsBookkeepingField reports whether a native key is internal bookkeeping.
func IsBookkeepingField(key string) bool {
	return bookkeepingFields[key] || key == KeyHashedPassword
}

// PointerString encodes a pointer as "<className>$<objectId>".
func PointerString(className, objectID string) string {
	return className + pointerSeparator + objectID
}

// SplitPointer splits a stored pointer on its first "$".
func SplitPointer(s string) (className, objectID string, ok bool) {
	return strings.Cut(s, pointerSeparator)
}

// PointerValue builds a REST pointer.
func PointerValue(className, objectID string) map[string]any {
	return map[string]any{"__type": "Pointer", "className": className, "objectId": objectID}
}

// TransformKey maps a REST field name to its native name, as used for sort
// and projection keys.
func TransformKey(fieldName string, class *schema.Class) string {
	switch fieldName {
	case restObjectIDKey:
		return KeyID
	case restCreatedAtKey:
		return KeyCreatedAt
	case restUpdatedAtKey:
		return KeyUpdatedAt
	case restSessionTokenKey:
		return KeySessionToken
	case restLastUsedKey:
		return KeyLastUsed
	case restTimesUsedKey:
		return KeyTimesUsed
	}
	if class.FieldType(fieldName) == schema.FieldTypePointer {
		return PointerPrefix + fieldName
	}
	return fieldName
}

// TransformSort maps REST sort keys ("name", "-createdAt") to an ordered
// native sort document.
func TransformSort(sort []string, class *schema.Class) bson.D {
	if len(sort) == 0 {
		return nil
	}
	out := make(bson.D, 0, len(sort))
	for _, s := range sort {
		dir := 1
		if strings.HasPrefix(s, "-") {
			dir = -1
			s = s[1:]
		}
		out = append(out, bson.E{Key: TransformKey(s, class), Value: dir})
	}
	return out
}

// TransformKeys maps projection keys to native names. Restricting the
// projection never drops the bookkeeping needed to rebuild ACLs.
func TransformKeys(keys []string, class *schema.Class) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(keys)+4)
	out := make([]string, 0, len(keys)+4)
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range keys {
		if k == restACLKey {
			add(KeyRperm)
			add(KeyWperm)
			continue
		}
		add(TransformKey(k, class))
	}
	add(KeyID)
	add(KeyCreatedAt)
	add(KeyUpdatedAt)
	return out
}
