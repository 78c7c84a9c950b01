package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

// specialWriteKeys are internal columns a master caller may write directly.
// Permission columns are never written this way; they come from ACL.
var specialWriteKeys = map[string]bool{
	transform.KeyHashedPassword:          true,
	transform.KeyEmailVerifyToken:        true,
	transform.KeyEmailVerifyTokenExpires: true,
	transform.KeyPerishableToken:         true,
	transform.KeyPerishableTokenExpires:  true,
	transform.KeyAccountLockoutExpires:   true,
	transform.KeyFailedLoginCount:        true,
	transform.KeyPasswordChangedAt:       true,
	transform.KeyPasswordHistory:         true,
}

// validateWriteKey rejects root keys that are neither field names nor
// internal columns the caller may set.
func validateWriteKey(key string, caller Caller) error {
	root := schema.RootFieldName(key)
	if !strings.HasPrefix(root, "_") {
		if !schema.FieldNameIsValid(root) {
			return core.NewError(core.InvalidKeyName, "Invalid field name: %s.", key)
		}
		return nil
	}
	if caller.Master && root == key {
		if specialWriteKeys[key] {
			return nil
		}
		if provider := strings.TrimPrefix(key, transform.AuthDataPrefix); provider != key && schema.FieldNameIsValid(provider) {
			return nil
		}
	}
	return core.NewError(core.InvalidKeyName, "Invalid field name: %s.", key)
}

// SchemaController loads and evolves class schemas through the storage
// adapter, caching what it reads.
type SchemaController struct {
	adapter StorageAdapter
	cache   SchemaCache
	logger  *zap.Logger
	// allowClientClassCreation lets non-master callers create classes.
	allowClientClassCreation bool
}

// NewSchemaController returns a SchemaController over adapter.
func NewSchemaController(adapter StorageAdapter, opts Options) *SchemaController {
	opts = opts.withDefaults()
	return &SchemaController{
		adapter:                  adapter,
		cache:                    opts.Cache,
		logger:                   opts.Logger,
		allowClientClassCreation: opts.AllowClientClassCreation,
	}
}

// ValidateClassName returns an InvalidClassName error for illegal names.
func ValidateClassName(className string) error {
	if !schema.ClassNameIsValid(className) {
		return core.NewError(core.InvalidClassName, "Invalid classname: %s, classnames can only have alphanumeric characters and _, and must start with an alpha character ", className)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrObjectNotFound)
}

// GetOneSchema returns the schema of className with the default and system
// columns filled in. Join collections resolve to the relation schema. A
// missing class is an ObjectNotFound error.
func (s *SchemaController) GetOneSchema(ctx context.Context, className string) (*schema.Class, error) {
	if strings.HasPrefix(className, schema.JoinClassPrefix) {
		return schema.RelationSchema(className), nil
	}
	if cached, ok, err := s.cache.Get(ctx, className); err != nil {
		s.logger.Warn("schema cache read failed", zap.String("class", className), zap.Error(err))
	} else if ok {
		return schema.WithDefaults(cached), nil
	}

	stored, err := s.adapter.GetClass(ctx, className)
	if err != nil {
		if isNotFound(err) {
			return nil, core.NewError(core.ObjectNotFound, "Class %s does not exist.", className)
		}
		return nil, fmt.Errorf("loading schema of %s: %w", className, err)
	}
	if err := s.cache.Set(ctx, stored); err != nil {
		s.logger.Warn("schema cache write failed", zap.String("class", className), zap.Error(err))
	}
	return schema.WithDefaults(stored), nil
}

// HasClass reports whether className has a stored schema.
func (s *SchemaController) HasClass(ctx context.Context, className string) (bool, error) {
	_, err := s.GetOneSchema(ctx, className)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// AllClasses returns every stored schema with defaults, sorted by name.
func (s *SchemaController) AllClasses(ctx context.Context) ([]*schema.Class, error) {
	classes, ok, err := s.cache.GetAll(ctx)
	if err != nil {
		s.logger.Warn("schema cache read failed", zap.Error(err))
	}
	if !ok {
		classes, err = s.adapter.GetAllClasses(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading schemas: %w", err)
		}
		if err := s.cache.SetAll(ctx, classes); err != nil {
			s.logger.Warn("schema cache write failed", zap.Error(err))
		}
	}
	out := make([]*schema.Class, len(classes))
	for i, c := range classes {
		out[i] = schema.WithDefaults(c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassName < out[j].ClassName })
	return out, nil
}

// AddClass validates and stores a new class.
func (s *SchemaController) AddClass(ctx context.Context, class *schema.Class) (*schema.Class, error) {
	if err := ValidateClassName(class.ClassName); err != nil {
		return nil, err
	}
	full := schema.WithDefaults(class)
	if err := full.Validate(); err != nil {
		return nil, core.NewError(core.IncorrectType, "%s", err.Error())
	}
	exists, err := s.HasClass(ctx, class.ClassName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, core.NewError(core.InvalidClassName, "Class %s already exists.", class.ClassName)
	}
	if err := s.adapter.CreateClass(ctx, class.ClassName, full); err != nil {
		return nil, fmt.Errorf("creating class %s: %w", class.ClassName, err)
	}
	s.Invalidate(ctx, class.ClassName)
	s.logger.Info("class created", zap.String("class", class.ClassName))
	return full, nil
}

// EnforceClassExists creates className on first write when the caller may
// create classes.
func (s *SchemaController) EnforceClassExists(ctx context.Context, className string, caller Caller) error {
	exists, err := s.HasClass(ctx, className)
	if err != nil || exists {
		return err
	}
	if !caller.Master && !s.allowClientClassCreation {
		return core.NewError(core.OperationForbidden, "This user is not allowed to access non-existent class: %s", className)
	}
	_, err = s.AddClass(ctx, &schema.Class{ClassName: className})
	if err != nil && core.CodeOf(err) == core.InvalidClassName && schema.ClassNameIsValid(className) {
		// Lost a creation race; the class exists now.
		s.Invalidate(ctx, className)
		return nil
	}
	return err
}

// EnforceFields checks obj against the schema of className, adding the
// fields it introduces. Types are inferred from the REST values. loose
// skips the required-field checks, as updates do.
func (s *SchemaController) EnforceFields(ctx context.Context, className string, obj map[string]any, caller Caller, loose bool) (*schema.Class, error) {
	class, err := s.GetOneSchema(ctx, className)
	if err != nil {
		return nil, err
	}

	candidates := make(map[string]any)
	for key, value := range obj {
		if err := validateWriteKey(key, caller); err != nil {
			return nil, err
		}
		if strings.HasPrefix(key, "_") || key == "ACL" {
			continue
		}
		root := schema.RootFieldName(key)
		if class.Field(root) == nil {
			if root != key {
				// A dotted write into an undeclared field creates an object.
				candidates[root] = map[string]any{}
				continue
			}
			candidates[root] = value
		}
	}

	known := make(map[string]any, len(obj))
	for key, value := range obj {
		if _, isNew := candidates[schema.RootFieldName(key)]; isNew || strings.HasPrefix(key, "_") || key == "ACL" {
			continue
		}
		if strings.Contains(key, ".") {
			continue
		}
		known[key] = value
	}
	if _, issues := schema.NewValidator(class).Validate(known, loose); len(issues) > 0 {
		if err := issueError(issues); err != nil {
			return nil, err
		}
	}
	for name, value := range candidates {
		if value == nil {
			delete(candidates, name)
		}
	}

	if len(candidates) == 0 {
		return class, nil
	}
	if !caller.Master {
		if err := class.Permissions().ValidatePermission(className, caller.ACL, schema.OpAddField); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(candidates))
	for name := range candidates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, err := schema.InferType(candidates[name])
		if err != nil {
			return nil, err
		}
		if def == nil {
			continue
		}
		if err := s.adapter.AddField(ctx, className, name, def); err != nil {
			return nil, fmt.Errorf("adding field %s.%s: %w", className, name, err)
		}
		class.Fields.Set(name, def)
		s.logger.Debug("field added", zap.String("class", className), zap.String("field", name), zap.Stringer("type", def))
	}
	s.Invalidate(ctx, className)
	return class, nil
}

// issueError converts the first blocking validation issue to a domain
// error. Warnings are ignored.
func issueError(issues []schema.Issue) error {
	for _, is := range issues {
		if is.Severity != "error" {
			continue
		}
		if is.Code == "REQUIRED_FIELD_MISSING" || is.Code == "NULL_VALUE" {
			return &core.Error{Code: core.InvalidJSON, Message: is.Message, Field: is.Path}
		}
		return &core.Error{Code: core.IncorrectType, Message: is.Message, Field: is.Path}
	}
	return nil
}

// Invalidate drops className from the cache.
func (s *SchemaController) Invalidate(ctx context.Context, className string) {
	if err := s.cache.Del(ctx, className); err != nil {
		s.logger.Warn("schema cache invalidation failed", zap.String("class", className), zap.Error(err))
	}
}

// ValidatePermission checks the class level permission of op for caller.
// Master callers always pass.
func (s *SchemaController) ValidatePermission(class *schema.Class, caller Caller, op schema.Operation) error {
	if caller.Master {
		return nil
	}
	return class.Permissions().ValidatePermission(class.ClassName, caller.ACL, op)
}
