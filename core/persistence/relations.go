package persistence

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/query"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

// relationOp is one AddRelation or RemoveRelation extracted from a write.
type relationOp struct {
	key     string
	op      string
	objects []any
}

// AddRelation records that owningID of fromClassName relates to relatedID
// through key. Adding an existing edge is a no-op.
func (c *Controller) AddRelation(ctx context.Context, key, fromClassName, owningID, relatedID string) error {
	joinClass := schema.JoinTableName(fromClassName, key)
	edge := bson.M{transform.RelationRelatedID: relatedID, transform.RelationOwningID: owningID}
	_, err := withEventEmission(c, "addRelation", joinClass,
		RelationAddStart, RelationAddSuccess, RelationAddFailed, edge, nil,
		func() (struct{}, error) {
			update := bson.M{"$set": bson.M{transform.RelationRelatedID: relatedID, transform.RelationOwningID: owningID}}
			err := c.adapter.UpsertOneObject(ctx, joinClass, schema.RelationSchema(joinClass), edge, update)
			return struct{}{}, core.WrapInternal(err)
		})
	return err
}

// RemoveRelation deletes an edge. Removing a missing edge succeeds.
func (c *Controller) RemoveRelation(ctx context.Context, key, fromClassName, owningID, relatedID string) error {
	joinClass := schema.JoinTableName(fromClassName, key)
	edge := bson.M{transform.RelationRelatedID: relatedID, transform.RelationOwningID: owningID}
	_, err := withEventEmission(c, "removeRelation", joinClass,
		RelationRemoveStart, RelationRemoveSuccess, RelationRemoveFailed, edge, nil,
		func() (struct{}, error) {
			err := c.adapter.DeleteObjectsByQuery(ctx, joinClass, schema.RelationSchema(joinClass), edge)
			if err != nil && !isNotFound(err) {
				return struct{}{}, core.WrapInternal(err)
			}
			return struct{}{}, nil
		})
	return err
}

// RelatedIds returns the ids related to owningID through key.
func (c *Controller) RelatedIds(ctx context.Context, className, key, owningID string, opts FindOptions) ([]string, error) {
	joinClass := schema.JoinTableName(className, key)
	relation := schema.RelationSchema(joinClass)
	qopts := QueryOptions{
		Skip:  opts.Skip,
		Limit: opts.Limit,
		Keys:  []string{transform.RelationRelatedID},
	}
	if len(opts.Sort) > 0 {
		qopts.Sort = transform.TransformSort(opts.Sort, relation)
	}
	rows, err := c.adapter.Find(ctx, joinClass, relation, bson.M{transform.RelationOwningID: owningID}, qopts)
	if err != nil {
		return nil, core.WrapInternal(err)
	}
	return column(rows, transform.RelationRelatedID), nil
}

// OwningIds returns the ids of the objects relating to any of relatedIDs
// through key.
func (c *Controller) OwningIds(ctx context.Context, className, key string, relatedIDs []string) ([]string, error) {
	joinClass := schema.JoinTableName(className, key)
	ids := make(bson.A, len(relatedIDs))
	for i, id := range relatedIDs {
		ids[i] = id
	}
	rows, err := c.adapter.Find(ctx, joinClass, schema.RelationSchema(joinClass),
		bson.M{transform.RelationRelatedID: bson.M{"$in": ids}},
		QueryOptions{Keys: []string{transform.RelationOwningID}})
	if err != nil {
		return nil, core.WrapInternal(err)
	}
	return column(rows, transform.RelationOwningID), nil
}

func column(rows []bson.M, key string) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if s, ok := row[key].(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// rewriteClauses runs fn over every $or and $and clause of where
// concurrently and writes the clauses back in their original positions.
func rewriteClauses(ctx context.Context, where query.Query, fn func(ctx context.Context, clause query.Query) error) error {
	for _, op := range []string{"$or", "$and"} {
		clauses, err := query.Clauses(where, op)
		if err != nil {
			return err
		}
		if clauses == nil {
			continue
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, clause := range clauses {
			clause := clause
			g.Go(func() error { return fn(gctx, clause) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		items := make([]any, len(clauses))
		for i, clause := range clauses {
			items[i] = clause
		}
		where[op] = items
	}
	return nil
}

// reduceRelationKeys replaces $relatedTo constraints with the matching
// objectId set, recursing into $or and $and clauses. where is modified in
// place.
func (c *Controller) reduceRelationKeys(ctx context.Context, className string, where query.Query) error {
	if err := rewriteClauses(ctx, where, func(ctx context.Context, clause query.Query) error {
		return c.reduceRelationKeys(ctx, className, clause)
	}); err != nil {
		return err
	}

	raw, ok := where["$relatedTo"]
	if !ok {
		return nil
	}
	related, ok := core.AsMap(raw)
	if !ok {
		return core.NewError(core.InvalidQuery, "bad $relatedTo value")
	}
	object, _ := core.AsMap(related["object"])
	key, _ := related["key"].(string)
	ownerClass, _ := object["className"].(string)
	ownerID, _ := object["objectId"].(string)
	if key == "" || ownerClass == "" || ownerID == "" {
		return core.NewError(core.InvalidQuery, "$relatedTo needs an object pointer and a key")
	}

	ids, err := c.RelatedIds(ctx, ownerClass, key, ownerID, FindOptions{})
	if err != nil {
		return err
	}
	delete(where, "$relatedTo")
	query.AddInObjectIDs(ids, where)
	return c.reduceRelationKeys(ctx, className, where)
}

// relationLookup is one Relation-field constraint to resolve through the
// join collection.
type relationLookup struct {
	key        string
	negate     bool
	relatedIDs []string
	owningIDs  []string
}

// reduceInRelation resolves constraints on Relation fields ($in, $nin, $ne,
// $eq or a bare pointer) into objectId constraints read from the join
// collection. where is modified in place.
func (c *Controller) reduceInRelation(ctx context.Context, className string, class *schema.Class, where query.Query) error {
	if err := rewriteClauses(ctx, where, func(ctx context.Context, clause query.Query) error {
		return c.reduceInRelation(ctx, className, class, clause)
	}); err != nil {
		return err
	}

	var lookups []*relationLookup
	for key, constraint := range where {
		if class.FieldType(key) != schema.FieldTypeRelation {
			continue
		}
		found := relationLookups(key, constraint)
		if len(found) == 0 {
			continue
		}
		delete(where, key)
		lookups = append(lookups, found...)
	}
	if len(lookups) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range lookups {
		l := l
		g.Go(func() error {
			ids, err := c.OwningIds(gctx, className, l.key, l.relatedIDs)
			l.owningIDs = ids
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, l := range lookups {
		if l.negate {
			query.AddNotInObjectIDs(l.owningIDs, where)
		} else {
			query.AddInObjectIDs(l.owningIDs, where)
		}
	}
	return nil
}

func relationLookups(key string, constraint any) []*relationLookup {
	if tag, _ := core.TypeTag(constraint); tag == "Pointer" {
		return []*relationLookup{{key: key, relatedIDs: pointerIDs([]any{constraint})}}
	}
	m, ok := core.AsMap(constraint)
	if !ok {
		return nil
	}
	var out []*relationLookup
	for _, op := range []string{"$in", "$nin", "$ne", "$eq"} {
		arg, ok := m[op]
		if !ok {
			continue
		}
		items, isList := core.AsSlice(arg)
		if !isList {
			items = []any{arg}
		}
		out = append(out, &relationLookup{
			key:        key,
			negate:     op == "$nin" || op == "$ne",
			relatedIDs: pointerIDs(items),
		})
	}
	return out
}

func pointerIDs(items []any) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if m, ok := core.AsMap(item); ok {
			if id, ok := m["objectId"].(string); ok {
				out = append(out, id)
			}
		}
	}
	return out
}
