package persistence

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/query"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

// sortableBookkeeping are native names accepted as sort keys.
var sortableBookkeeping = map[string]string{
	transform.KeyCreatedAt: "createdAt",
	transform.KeyUpdatedAt: "updatedAt",
}

// readPlan is a find whose query has passed validation, authorization and
// rewriting.
type readPlan struct {
	class *schema.Class
	where query.Query
	empty bool // the caller can match nothing
}

// Find returns the objects of className matching where, as seen by caller.
func (c *Controller) Find(ctx context.Context, className string, where query.Query, opts FindOptions, caller Caller) ([]core.Object, error) {
	return withEventEmission(c, "find", className,
		DocumentReadStart, DocumentReadSuccess, DocumentReadFailed, nil, where,
		func() ([]core.Object, error) {
			return c.find(ctx, className, where, opts, caller, schema.OpFind)
		})
}

// Get returns one object by id. A missing or hidden object is an
// ObjectNotFound error.
func (c *Controller) Get(ctx context.Context, className, objectID string, keys []string, caller Caller) (core.Object, error) {
	return withEventEmission(c, "get", className,
		DocumentReadStart, DocumentReadSuccess, DocumentReadFailed, objectID, nil,
		func() (core.Object, error) {
			results, err := c.find(ctx, className, query.Query{"objectId": objectID}, FindOptions{Keys: keys, Limit: 1}, caller, schema.OpGet)
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return nil, core.NewError(core.ObjectNotFound, "Object not found.")
			}
			return results[0], nil
		})
}

// Count returns the number of objects matching where.
func (c *Controller) Count(ctx context.Context, className string, where query.Query, caller Caller) (int64, error) {
	plan, err := c.planRead(ctx, className, where, caller, schema.OpCount)
	if err != nil || plan.empty {
		return 0, err
	}
	native, err := transform.TransformWhere(plan.where, plan.class, true)
	if err != nil {
		return 0, err
	}
	c.logger.Debug("count", zap.String("class", className), zap.Any("query", native))
	n, err := c.adapter.Count(ctx, className, plan.class, native, QueryOptions{})
	return n, core.WrapInternal(err)
}

// Distinct returns the distinct values of field among the matches, in REST
// form: pointers, dates and bytes come back tagged.
func (c *Controller) Distinct(ctx context.Context, className string, where query.Query, field string, caller Caller) ([]any, error) {
	plan, err := c.planRead(ctx, className, where, caller, schema.OpFind)
	if err != nil {
		return nil, err
	}
	if plan.empty {
		return []any{}, nil
	}
	native, err := transform.TransformWhere(plan.where, plan.class, false)
	if err != nil {
		return nil, err
	}

	values, err := c.adapter.Distinct(ctx, className, plan.class, native, transform.TransformKey(field, plan.class))
	if err != nil {
		return nil, core.WrapInternal(err)
	}
	out := make([]any, 0, len(values))
	for _, v := range values {
		rest, err := transform.UntransformValue(field, v, plan.class)
		if err != nil {
			c.logger.Warn("skipping distinct value", zap.String("class", className),
				zap.String("field", field), zap.Error(err))
			continue
		}
		out = append(out, rest)
	}
	return out, nil
}

// Aggregate runs a pipeline for master callers. $match stages are compiled
// through the query translator; other stages are passed through.
func (c *Controller) Aggregate(ctx context.Context, className string, pipeline []map[string]any, caller Caller) ([]core.Object, error) {
	if !caller.Master {
		return nil, core.NewError(core.OperationForbidden, "Aggregation requires the master key.")
	}
	class, err := c.schemas.GetOneSchema(ctx, className)
	if isNotFound(err) {
		return []core.Object{}, nil
	}
	if err != nil {
		return nil, err
	}

	native := make([]bson.M, 0, len(pipeline))
	for _, stage := range pipeline {
		out := bson.M{}
		for op, arg := range stage {
			if op != "$match" {
				out[op] = arg
				continue
			}
			where, ok := core.AsMap(arg)
			if !ok {
				return nil, core.NewError(core.InvalidQuery, "$match must be an object")
			}
			if err := query.ValidateQuery(where); err != nil {
				return nil, err
			}
			compiled, err := transform.TransformWhere(where, class, false)
			if err != nil {
				return nil, err
			}
			out[op] = compiled
		}
		native = append(native, out)
	}

	rows, err := c.adapter.Aggregate(ctx, className, class, native, QueryOptions{})
	if err != nil {
		return nil, core.WrapInternal(err)
	}
	results := make([]core.Object, len(rows))
	for i, row := range rows {
		obj := core.Object(row)
		if id, ok := obj[transform.KeyID]; ok {
			delete(obj, transform.KeyID)
			obj["objectId"] = id
		}
		results[i] = obj
	}
	return results, nil
}

func (c *Controller) find(ctx context.Context, className string, where query.Query, opts FindOptions, caller Caller, op schema.Operation) ([]core.Object, error) {
	if err := validateSort(opts.Sort); err != nil {
		return nil, err
	}
	plan, err := c.planRead(ctx, className, where, caller, op)
	if err != nil {
		return nil, err
	}
	if plan.empty {
		return []core.Object{}, nil
	}

	native, err := transform.TransformWhere(plan.where, plan.class, false)
	if err != nil {
		return nil, err
	}
	qopts := QueryOptions{
		Skip:           opts.Skip,
		Limit:          opts.Limit,
		Sort:           transform.TransformSort(opts.Sort, plan.class),
		Keys:           transform.TransformKeys(opts.Keys, plan.class),
		ReadPreference: opts.ReadPreference,
		MaxTimeMS:      opts.MaxTimeMS,
	}
	c.logger.Debug("find", zap.String("class", className), zap.Any("query", native))

	rows, err := c.adapter.Find(ctx, className, plan.class, native, qopts)
	if err != nil {
		return nil, core.WrapInternal(err)
	}
	results := make([]core.Object, 0, len(rows))
	for _, row := range rows {
		obj, err := transform.Untransform(row, plan.class, c.logger)
		if err != nil {
			return nil, err
		}
		results = append(results, filterSensitiveData(caller, className, obj))
	}
	return results, nil
}

// planRead runs the read pipeline up to compilation: validation, class
// level permissions, relation rewriting, pointer permissions, read ACL and
// $or flattening.
func (c *Controller) planRead(ctx context.Context, className string, where query.Query, caller Caller, op schema.Operation) (*readPlan, error) {
	if err := ValidateClassName(className); err != nil {
		return nil, err
	}
	where = core.CopyMap(where)
	if where == nil {
		where = query.Query{}
	}
	if err := query.ValidateQuery(where); err != nil {
		return nil, err
	}

	class, err := c.schemas.GetOneSchema(ctx, className)
	if isNotFound(err) {
		return &readPlan{empty: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := c.schemas.ValidatePermission(class, caller, op); err != nil {
		return nil, err
	}

	if err := c.reduceRelationKeys(ctx, className, where); err != nil {
		return nil, err
	}
	if err := c.reduceInRelation(ctx, className, class, where); err != nil {
		return nil, err
	}

	plan := &readPlan{class: class, where: where}
	if !caller.Master {
		rewritten, err := addPointerPermissions(class, op, where, caller.ACL)
		if err != nil {
			return nil, err
		}
		if rewritten == nil {
			plan.empty = true
			return plan, nil
		}
		plan.where = query.AddReadACL(rewritten, caller.ACL)
	}
	if !c.opts.SkipOrFlattening {
		if err := query.FlattenOr(plan.where); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func validateSort(sort []string) error {
	for _, s := range sort {
		field := strings.TrimPrefix(s, "-")
		if strings.HasPrefix(field, "authData.") {
			return core.NewError(core.InvalidKeyName, "Cannot sort by %s", field)
		}
		if _, ok := sortableBookkeeping[field]; ok {
			continue
		}
		if field == "objectId" || field == "createdAt" || field == "updatedAt" {
			continue
		}
		if !schema.FieldNameIsValid(schema.RootFieldName(field)) {
			return core.NewError(core.InvalidKeyName, "Invalid field name: %s.", field)
		}
	}
	return nil
}

// addPointerPermissions restricts where to objects whose pointer-permission
// fields reference the caller. A nil query with a nil error means the caller
// can match nothing.
func addPointerPermissions(class *schema.Class, op schema.Operation, where query.Query, aclGroup []string) (query.Query, error) {
	perms := class.Permissions()
	if perms.TestPermissions(aclGroup, op) {
		return where, nil
	}
	fields := perms.UserFields(op)
	if len(fields) == 0 {
		return where, nil
	}

	var userACL []string
	for _, subject := range aclGroup {
		if subject != schema.PublicSubject && !strings.HasPrefix(subject, schema.RolePrefix) {
			userACL = append(userACL, subject)
		}
	}
	if len(userACL) != 1 {
		return nil, nil
	}
	userPointer := transform.PointerValue(schema.ClassUser, userACL[0])

	queries := make([]any, 0, len(fields))
	for _, field := range fields {
		var clause any = userPointer
		if class.FieldType(field) == schema.FieldTypeArray {
			clause = map[string]any{"$all": []any{userPointer}}
		}
		if _, has := where[field]; has {
			reduced, err := query.ReduceAnd(query.Query{"$and": []any{
				query.Query{field: clause},
				core.CopyMap(where),
			}})
			if err != nil {
				return nil, err
			}
			queries = append(queries, reduced)
			continue
		}
		merged := core.CopyMap(where)
		merged[field] = clause
		queries = append(queries, merged)
	}
	if len(queries) == 1 {
		return queries[0].(query.Query), nil
	}
	return query.ReduceOr(query.Query{"$or": queries})
}

// filterSensitiveData hides password hashes and bookkeeping fields. Master
// callers see everything, with the hash exposed as password. A user reading
// itself sees its password and authData but no bookkeeping.
func filterSensitiveData(caller Caller, className string, obj core.Object) core.Object {
	hashed, hasHash := obj[transform.KeyHashedPassword]
	delete(obj, transform.KeyHashedPassword)
	if className == schema.ClassUser {
		delete(obj, "sessionToken")
	}
	if caller.Master {
		if hasHash {
			obj["password"] = hashed
		}
		return obj
	}

	for key := range obj {
		if transform.IsBookkeepingField(key) {
			delete(obj, key)
		}
	}
	if className != schema.ClassUser {
		return obj
	}
	id, _ := obj["objectId"].(string)
	for _, subject := range caller.ACL {
		if subject == id && id != "" {
			if hasHash {
				obj["password"] = hashed
			}
			return obj
		}
	}
	delete(obj, "password")
	delete(obj, "authData")
	return obj
}
