package schema

import (
	"regexp"
	"strings"
)

// System class names.
const (
	ClassUser         = "_User"
	ClassRole         = "_Role"
	ClassSession      = "_Session"
	ClassInstallation = "_Installation"
)

// JoinClassPrefix starts the name of every join collection.
const JoinClassPrefix = "_Join:"

var (
	classNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	fieldNameRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	joinClassRegex = regexp.MustCompile(`^_Join:[A-Za-z0-9_]+:[A-Za-z0-9_]+`)
)

var systemClasses = []string{ClassUser, ClassRole, ClassSession, ClassInstallation}

// IsSystemClass reports whether name is a built-in class.
func IsSystemClass(name string) bool {
	for _, c := range systemClasses {
		if c == name {
			return true
		}
	}
	return false
}

// ClassNameIsValid reports whether name is a legal class name: a system class,
// a join collection, or an alphanumeric name starting with a letter.
func ClassNameIsValid(name string) bool {
	return IsSystemClass(name) || joinClassRegex.MatchString(name) || classNameRegex.MatchString(name)
}

// FieldNameIsValid reports whether name is a legal top-level field name.
func FieldNameIsValid(name string) bool {
	return fieldNameRegex.MatchString(name)
}

// RootFieldName returns the first segment of a dotted field path.
func RootFieldName(name string) string {
	root, _, _ := strings.Cut(name, ".")
	return root
}

// JoinTableName is the join collection backing relation key on className.
func JoinTableName(className, key string) string {
	return JoinClassPrefix + key + ":" + className
}

// RelationSchema is the schema of every join collection.
func RelationSchema(joinClass string) *Class {
	return &Class{
		ClassName: joinClass,
		Fields: NewFields(
			"relatedId", Of(FieldTypeString),
			"owningId", Of(FieldTypeString),
		),
	}
}

var defaultColumns = NewFields(
	"objectId", Of(FieldTypeString),
	"createdAt", Of(FieldTypeDate),
	"updatedAt", Of(FieldTypeDate),
	"ACL", Of(FieldTypeACL),
)

var systemColumns = map[string]Fields{
	ClassUser: NewFields(
		"username", Of(FieldTypeString),
		"password", Of(FieldTypeString),
		"email", Of(FieldTypeString),
		"emailVerified", Of(FieldTypeBoolean),
		"authData", Of(FieldTypeObject),
	),
	ClassRole: NewFields(
		"name", Of(FieldTypeString),
		"users", Relation(ClassUser),
		"roles", Relation(ClassRole),
	),
	ClassSession: NewFields(
		"user", Pointer(ClassUser),
		"installationId", Of(FieldTypeString),
		"sessionToken", Of(FieldTypeString),
		"expiresAt", Of(FieldTypeDate),
		"createdWith", Of(FieldTypeObject),
	),
	ClassInstallation: NewFields(
		"installationId", Of(FieldTypeString),
		"deviceToken", Of(FieldTypeString),
		"deviceType", Of(FieldTypeString),
		"channels", Of(FieldTypeArray),
	),
}

// IsDefaultField reports whether name is one of the implicit columns every
// class carries.
func IsDefaultField(name string) bool {
	_, ok := defaultColumns.Get(name)
	return ok
}

// WithDefaults returns a copy of c whose fields start with the default
// columns, then the system columns of its class, then its own fields.
func WithDefaults(c *Class) *Class {
	out := &Class{ClassName: c.ClassName, Indexes: append([]IndexDefinition(nil), c.Indexes...)}
	if c.ClassLevelPermissions != nil {
		out.ClassLevelPermissions = c.ClassLevelPermissions.Clone()
	}
	for _, n := range defaultColumns.Names() {
		def, _ := defaultColumns.Get(n)
		cp := *def
		out.Fields.Set(n, &cp)
	}
	if sys, ok := systemColumns[c.ClassName]; ok {
		for _, n := range sys.Names() {
			def, _ := sys.Get(n)
			cp := *def
			out.Fields.Set(n, &cp)
		}
	}
	for _, n := range c.Fields.Names() {
		def, _ := c.Fields.Get(n)
		cp := *def
		out.Fields.Set(n, &cp)
	}
	return out
}
