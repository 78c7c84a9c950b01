package persistence

import (
	"context"
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/codec"
	"github.com/asaidimu/go-docstore/core/query"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

var authDataQueryKey = regexp.MustCompile(`^authData\.([a-zA-Z0-9_]+)\.id$`)

// serverComputedOps are the update operators whose result the caller
// cannot know in advance, so it is returned after the write.
var serverComputedOps = map[string]bool{
	transform.OpAdd:       true,
	transform.OpAddUnique: true,
	transform.OpRemove:    true,
	transform.OpIncrement: true,
}

// Create inserts a new object. The returned result carries objectId,
// createdAt and the values of any server-computed fields.
func (c *Controller) Create(ctx context.Context, className string, object core.Object, caller Caller, opts WriteOptions) (*WriteResult, error) {
	return withEventEmission(c, "create", className,
		DocumentCreateStart, DocumentCreateSuccess, DocumentCreateFailed, object, nil,
		func() (*WriteResult, error) {
			return c.create(ctx, className, object, caller, opts)
		})
}

func (c *Controller) create(ctx context.Context, className string, object core.Object, caller Caller, opts WriteOptions) (*WriteResult, error) {
	if err := ValidateClassName(className); err != nil {
		return nil, err
	}
	original := object
	obj := core.CopyMap(object)
	if obj == nil {
		obj = core.Object{}
	}

	if err := c.schemas.EnforceClassExists(ctx, className, caller); err != nil {
		return nil, err
	}
	class, err := c.schemas.GetOneSchema(ctx, className)
	if err != nil {
		return nil, err
	}
	if err := c.schemas.ValidatePermission(class, caller, schema.OpCreate); err != nil {
		return nil, err
	}
	if class, err = c.schemas.EnforceFields(ctx, className, obj, caller, false); err != nil {
		return nil, err
	}
	relationOps, err := collectRelationUpdates(obj)
	if err != nil {
		return nil, err
	}

	objectID, _ := obj["objectId"].(string)
	if objectID == "" {
		objectID = c.opts.NewObjectID()
		obj["objectId"] = objectID
	}
	createdAt := codec.FormatISO(c.now())
	obj["createdAt"] = createdAt
	obj["updatedAt"] = createdAt

	result := &WriteResult{Object: core.Object{"objectId": objectID, "createdAt": createdAt}}
	if opts.ValidateOnly {
		return result, nil
	}

	transform.TransformAuthData(className, obj)
	doc, err := transform.TransformCreate(obj, class)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("create", zap.String("class", className), zap.Any("document", doc))
	if err := c.adapter.CreateObject(ctx, className, class, doc); err != nil {
		return nil, core.WrapInternal(err)
	}
	result.PrimaryCommitted = true

	stored, err := transform.Untransform(doc, class, c.logger)
	if err != nil {
		return result, err
	}
	for k, v := range sanitizeResult(original, stored) {
		result.Object[k] = v
	}
	return c.applyRelations(ctx, className, objectID, relationOps, result)
}

// Update applies update to the object matching where, or to every match
// with opts.Many. The result object holds only the server-computed fields.
// A match hidden by permissions is an ObjectNotFound error.
func (c *Controller) Update(ctx context.Context, className string, where query.Query, update core.Update, caller Caller, opts WriteOptions) (*WriteResult, error) {
	return withEventEmission(c, "update", className,
		DocumentUpdateStart, DocumentUpdateSuccess, DocumentUpdateFailed, update, where,
		func() (*WriteResult, error) {
			return c.update(ctx, className, where, update, caller, opts)
		})
}

func (c *Controller) update(ctx context.Context, className string, where query.Query, update core.Update, caller Caller, opts WriteOptions) (*WriteResult, error) {
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
	original := update
	upd := core.CopyMap(update)
	if upd == nil {
		upd = core.Update{}
	}

	class, err := c.schemas.GetOneSchema(ctx, className)
	if isNotFound(err) {
		return nil, core.NewError(core.ObjectNotFound, "Object not found.")
	}
	if err != nil {
		return nil, err
	}
	if err := c.schemas.ValidatePermission(class, caller, schema.OpUpdate); err != nil {
		return nil, err
	}
	for key := range upd {
		if authDataQueryKey.MatchString(key) {
			return nil, core.NewError(core.InvalidKeyName, "Invalid field name for update: %s", key)
		}
	}
	if class, err = c.schemas.EnforceFields(ctx, className, upd, caller, true); err != nil {
		return nil, err
	}
	relationOps, err := collectRelationUpdates(upd)
	if err != nil {
		return nil, err
	}

	if !caller.Master {
		rewritten, err := addPointerPermissions(class, schema.OpUpdate, where, caller.ACL)
		if err != nil {
			return nil, err
		}
		if rewritten == nil {
			return nil, core.NewError(core.ObjectNotFound, "Object not found.")
		}
		where = query.AddWriteACL(rewritten, caller.ACL)
	}
	if _, set := upd["updatedAt"]; !set {
		upd["updatedAt"] = codec.FormatISO(c.now())
	}

	result := &WriteResult{Object: core.Object{}}
	if opts.ValidateOnly {
		return result, nil
	}

	transform.TransformAuthData(className, upd)
	nativeWhere, err := transform.TransformWhere(where, class, false)
	if err != nil {
		return nil, err
	}
	nativeUpdate, err := transform.TransformUpdate(upd, class)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("update", zap.String("class", className),
		zap.Any("query", nativeWhere), zap.Any("update", nativeUpdate))

	var updated bson.M
	switch {
	case opts.Many:
		if _, err := c.adapter.UpdateObjectsByQuery(ctx, className, class, nativeWhere, nativeUpdate); err != nil {
			return nil, core.WrapInternal(err)
		}
	case opts.Upsert:
		if err := c.adapter.UpsertOneObject(ctx, className, class, nativeWhere, nativeUpdate); err != nil {
			return nil, core.WrapInternal(err)
		}
	default:
		updated, err = c.adapter.FindOneAndUpdate(ctx, className, class, nativeWhere, nativeUpdate)
		if err != nil {
			return nil, core.WrapInternal(err)
		}
		if updated == nil {
			return nil, core.NewError(core.ObjectNotFound, "Object not found.")
		}
	}
	result.PrimaryCommitted = true

	objectID, _ := where["objectId"].(string)
	if updated != nil {
		stored, err := transform.Untransform(updated, class, c.logger)
		if err != nil {
			return result, err
		}
		result.Object = sanitizeResult(original, stored)
		if id, ok := stored["objectId"].(string); ok {
			objectID = id
		}
	}
	if len(relationOps) > 0 && objectID == "" {
		return result, core.NewError(core.InvalidQuery, "relation updates need a single objectId")
	}
	return c.applyRelations(ctx, className, objectID, relationOps, result)
}

// Destroy deletes the objects matching where. Nothing matched, or nothing
// the caller may write, is an ObjectNotFound error except on _Session.
func (c *Controller) Destroy(ctx context.Context, className string, where query.Query, caller Caller) error {
	_, err := withEventEmission(c, "delete", className,
		DocumentDeleteStart, DocumentDeleteSuccess, DocumentDeleteFailed, nil, where,
		func() (struct{}, error) {
			return struct{}{}, c.destroy(ctx, className, where, caller)
		})
	return err
}

func (c *Controller) destroy(ctx context.Context, className string, where query.Query, caller Caller) error {
	if err := ValidateClassName(className); err != nil {
		return err
	}
	where = core.CopyMap(where)
	if where == nil {
		where = query.Query{}
	}
	if err := query.ValidateQuery(where); err != nil {
		return err
	}
	class, err := c.schemas.GetOneSchema(ctx, className)
	if isNotFound(err) {
		return core.NewError(core.ObjectNotFound, "Object not found.")
	}
	if err != nil {
		return err
	}
	if err := c.schemas.ValidatePermission(class, caller, schema.OpDelete); err != nil {
		return err
	}
	if !caller.Master {
		rewritten, err := addPointerPermissions(class, schema.OpDelete, where, caller.ACL)
		if err != nil {
			return err
		}
		if rewritten == nil {
			return core.NewError(core.ObjectNotFound, "Object not found.")
		}
		where = query.AddWriteACL(rewritten, caller.ACL)
	}

	native, err := transform.TransformWhere(where, class, false)
	if err != nil {
		return err
	}
	c.logger.Debug("delete", zap.String("class", className), zap.Any("query", native))
	err = c.adapter.DeleteObjectsByQuery(ctx, className, class, native)
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		if className == schema.ClassSession {
			return nil
		}
		return core.NewError(core.ObjectNotFound, "Object not found.")
	}
	return core.WrapInternal(err)
}

// collectRelationUpdates removes AddRelation and RemoveRelation ops from
// update, including those inside a Batch. A Batch left with one other op is
// replaced by it; more than one is an InvalidJSON error.
func collectRelationUpdates(update map[string]any) ([]relationOp, error) {
	var ops []relationOp
	for key, value := range update {
		token, ok := core.AsMap(value)
		if !ok {
			continue
		}
		op, ok := core.OpTag(token)
		if !ok {
			continue
		}
		switch op {
		case transform.OpAddRelation, transform.OpRemoveRelation:
			objects, _ := core.AsSlice(token["objects"])
			ops = append(ops, relationOp{key: key, op: op, objects: objects})
			delete(update, key)
		case transform.OpBatch:
			subs, _ := core.AsSlice(token["ops"])
			var rest []any
			for _, sub := range subs {
				subOp, _ := core.OpTag(sub)
				if subOp == transform.OpAddRelation || subOp == transform.OpRemoveRelation {
					subToken, _ := core.AsMap(sub)
					objects, _ := core.AsSlice(subToken["objects"])
					ops = append(ops, relationOp{key: key, op: subOp, objects: objects})
					continue
				}
				rest = append(rest, sub)
			}
			switch len(rest) {
			case 0:
				delete(update, key)
			case 1:
				update[key] = rest[0]
			default:
				return nil, core.NewError(core.InvalidJSON, "A Batch on %s can hold only one non-relation op.", key)
			}
		}
	}
	return ops, nil
}

// applyRelations runs the relation phase of a write after the primary
// write committed. Edges are written concurrently; a failure is recorded on
// result and returned without undoing the primary write.
func (c *Controller) applyRelations(ctx context.Context, className, objectID string, ops []relationOp, result *WriteResult) (*WriteResult, error) {
	if len(ops) == 0 {
		return result, nil
	}
	result.RelationsPending = true

	g, gctx := errgroup.WithContext(ctx)
	for _, op := range ops {
		for _, id := range pointerIDs(op.objects) {
			op, id := op, id
			g.Go(func() error {
				if op.op == transform.OpAddRelation {
					return c.AddRelation(gctx, op.key, className, objectID, id)
				}
				return c.RemoveRelation(gctx, op.key, className, objectID, id)
			})
		}
	}
	if err := g.Wait(); err != nil {
		result.RelationErr = err
		c.logger.Warn("relation update failed after primary write",
			zap.String("class", className), zap.String("objectId", objectID), zap.Error(err))
		return result, err
	}
	result.RelationsPending = false
	return result, nil
}

// sanitizeResult keeps the fields of result whose update op in original
// was computed by the server, expanding dotted keys into nested objects.
func sanitizeResult(original map[string]any, result map[string]any) core.Object {
	response := core.Object{}
	for key, value := range original {
		op, ok := core.OpTag(value)
		if !ok || !serverComputedOps[op] {
			continue
		}
		expandResultOnKeyPath(response, key, result)
	}
	return response
}

func expandResultOnKeyPath(object map[string]any, key string, value map[string]any) map[string]any {
	first, rest, dotted := strings.Cut(key, ".")
	if !dotted {
		object[key] = value[key]
		return object
	}
	child, _ := core.AsMap(object[first])
	if child == nil {
		child = map[string]any{}
	}
	next, _ := core.AsMap(value[first])
	object[first] = expandResultOnKeyPath(child, rest, next)
	return object
}
