package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/asaidimu/go-docstore/core"
)

// Operation names a permission-checked action on a class.
type Operation string

const (
	OpGet      Operation = "get"
	OpFind     Operation = "find"
	OpCount    Operation = "count"
	OpCreate   Operation = "create"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpAddField Operation = "addField"
)

// Operations lists every permission-checked action.
var Operations = []Operation{OpGet, OpFind, OpCount, OpCreate, OpUpdate, OpDelete, OpAddField}

// IsRead reports whether op reads data.
func (op Operation) IsRead() bool {
	return op == OpGet || op == OpFind || op == OpCount
}

// PublicSubject is the ACL/CLP subject that matches every caller.
const PublicSubject = "*"

// RolePrefix marks role subjects in ACLs and CLPs.
const RolePrefix = "role:"

// OperationPermission is the permission entry for one operation.
type OperationPermission struct {
	// Subjects maps "*", user ids and "role:<name>" to true when allowed.
	Subjects               map[string]bool
	RequiresAuthentication bool
	// PointerFields restricts access to rows whose pointer field equals the caller.
	PointerFields []string
}

// ClassLevelPermissions holds per-operation permissions plus the class-wide
// pointer-permission field lists.
type ClassLevelPermissions struct {
	Operations      map[Operation]*OperationPermission
	ReadUserFields  []string
	WriteUserFields []string
}

// Clone returns an independent copy.
func (c *ClassLevelPermissions) Clone() *ClassLevelPermissions {
	if c == nil {
		return nil
	}
	out := &ClassLevelPermissions{
		Operations:      make(map[Operation]*OperationPermission, len(c.Operations)),
		ReadUserFields:  append([]string(nil), c.ReadUserFields...),
		WriteUserFields: append([]string(nil), c.WriteUserFields...),
	}
	for op, p := range c.Operations {
		cp := &OperationPermission{
			Subjects:               make(map[string]bool, len(p.Subjects)),
			RequiresAuthentication: p.RequiresAuthentication,
			PointerFields:          append([]string(nil), p.PointerFields...),
		}
		for k, v := range p.Subjects {
			cp.Subjects[k] = v
		}
		out.Operations[op] = cp
	}
	return out
}

func (c *ClassLevelPermissions) operation(op Operation) *OperationPermission {
	if c == nil || c.Operations == nil {
		return nil
	}
	return c.Operations[op]
}

// TestPermissions reports whether aclGroup is allowed op without falling back
// to pointer permissions. An operation without an entry is open.
func (c *ClassLevelPermissions) TestPermissions(aclGroup []string, op Operation) bool {
	perms := c.operation(op)
	if perms == nil {
		return true
	}
	if perms.Subjects[PublicSubject] {
		return true
	}
	for _, subject := range aclGroup {
		if perms.Subjects[subject] {
			return true
		}
	}
	return false
}

// UserFields returns the pointer-permission fields that apply to op: the
// operation's own pointerFields followed by readUserFields or writeUserFields.
func (c *ClassLevelPermissions) UserFields(op Operation) []string {
	if c == nil {
		return nil
	}
	var fields []string
	add := func(list []string) {
		for _, f := range list {
			if !contains(fields, f) {
				fields = append(fields, f)
			}
		}
	}
	if perms := c.operation(op); perms != nil {
		add(perms.PointerFields)
	}
	if op.IsRead() {
		add(c.ReadUserFields)
	} else {
		add(c.WriteUserFields)
	}
	return fields
}

// ValidatePermission returns nil when aclGroup may perform op on className,
// possibly subject to pointer permissions resolved later by the query rewrite.
func (c *ClassLevelPermissions) ValidatePermission(className string, aclGroup []string, op Operation) error {
	if c.TestPermissions(aclGroup, op) {
		return nil
	}
	perms := c.operation(op)
	if perms.RequiresAuthentication {
		if len(aclGroup) == 0 || (len(aclGroup) == 1 && aclGroup[0] == PublicSubject) {
			return core.NewError(core.ObjectNotFound, "Permission denied, user needs to be authenticated.")
		}
		return nil
	}
	if op == OpCreate {
		return core.NewError(core.OperationForbidden, "Permission denied for action %s on class %s.", op, className)
	}
	if len(c.UserFields(op)) > 0 {
		return nil
	}
	return core.NewError(core.OperationForbidden, "Permission denied for action %s on class %s.", op, className)
}

// MarshalJSON writes the wire form: operation keys plus readUserFields and
// writeUserFields.
func (c ClassLevelPermissions) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toMap())
}

// UnmarshalJSON reads the wire form.
func (c *ClassLevelPermissions) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return c.fromMap(raw)
}

// UnmarshalYAML reads the same shape as UnmarshalJSON from YAML.
func (c *ClassLevelPermissions) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return c.fromMap(raw)
}

// MarshalYAML writes the same shape as MarshalJSON.
func (c ClassLevelPermissions) MarshalYAML() (any, error) {
	return c.toMap(), nil
}

func (c ClassLevelPermissions) toMap() map[string]any {
	out := make(map[string]any)
	for op, p := range c.Operations {
		entry := make(map[string]any)
		for subject, allowed := range p.Subjects {
			if allowed {
				entry[subject] = true
			}
		}
		if p.RequiresAuthentication {
			entry["requiresAuthentication"] = true
		}
		if len(p.PointerFields) > 0 {
			entry["pointerFields"] = p.PointerFields
		}
		out[string(op)] = entry
	}
	if len(c.ReadUserFields) > 0 {
		out["readUserFields"] = c.ReadUserFields
	}
	if len(c.WriteUserFields) > 0 {
		out["writeUserFields"] = c.WriteUserFields
	}
	return out
}

func (c *ClassLevelPermissions) fromMap(raw map[string]any) error {
	*c = ClassLevelPermissions{Operations: make(map[Operation]*OperationPermission)}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := raw[key]
		switch key {
		case "readUserFields":
			fields, err := fieldList(key, value)
			if err != nil {
				return err
			}
			c.ReadUserFields = fields
			continue
		case "writeUserFields":
			fields, err := fieldList(key, value)
			if err != nil {
				return err
			}
			c.WriteUserFields = fields
			continue
		}
		op := Operation(key)
		if !isOperation(op) {
			return fmt.Errorf("classLevelPermissions: unknown operation %q", key)
		}
		entry, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("classLevelPermissions: %s must be an object", key)
		}
		perms := &OperationPermission{Subjects: make(map[string]bool)}
		for subject, v := range entry {
			switch subject {
			case "requiresAuthentication":
				b, _ := v.(bool)
				perms.RequiresAuthentication = b
			case "pointerFields", "readUserFields", "writeUserFields":
				// An operation entry may name its own user fields.
				fields, err := fieldList(key+"."+subject, v)
				if err != nil {
					return err
				}
				perms.PointerFields = append(perms.PointerFields, fields...)
			default:
				b, ok := v.(bool)
				if !ok {
					return fmt.Errorf("classLevelPermissions: %s.%s must be a boolean", key, subject)
				}
				if subject != PublicSubject && strings.HasPrefix(subject, RolePrefix) && len(subject) == len(RolePrefix) {
					return fmt.Errorf("classLevelPermissions: %s has an empty role name", key)
				}
				perms.Subjects[subject] = b
			}
		}
		c.Operations[op] = perms
	}
	return nil
}

func fieldList(key string, v any) ([]string, error) {
	items, ok := core.AsSlice(v)
	if !ok {
		return nil, fmt.Errorf("classLevelPermissions: %s must be an array of field names", key)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, fmt.Errorf("classLevelPermissions: %s must be an array of field names", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func isOperation(op Operation) bool {
	for _, o := range Operations {
		if o == op {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
