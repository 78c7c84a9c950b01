package query

import (
	"strings"

	"github.com/asaidimu/go-docstore/core"
)

// ApplyUpdate applies a native update document ($set, $unset, $inc, $push,
// $addToSet, $pullAll) to doc in place. Field paths may be dotted.
func ApplyUpdate(doc map[string]any, update map[string]any) error {
	for op, raw := range update {
		fields, ok := core.AsMap(raw)
		if !ok {
			return core.NewError(core.InvalidJSON, "update section %s must be an object", op)
		}
		for path, arg := range fields {
			if err := applyOperator(doc, op, path, arg); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyOperator(doc map[string]any, op, path string, arg any) error {
	parent, leaf := walkPath(doc, path, op != "$unset")
	if parent == nil {
		return nil
	}
	current, exists := parent[leaf]

	switch op {
	case "$set":
		parent[leaf] = core.DeepCopy(arg)
	case "$unset":
		delete(parent, leaf)
	case "$inc":
		sum, err := increment(current, exists, arg)
		if err != nil {
			return err
		}
		parent[leaf] = sum
	case "$push", "$addToSet":
		items, err := eachItems(arg)
		if err != nil {
			return err
		}
		list, err := existingList(current, exists, leaf)
		if err != nil {
			return err
		}
		for _, item := range items {
			if op == "$addToSet" && containsValue(list, item) {
				continue
			}
			list = append(list, core.DeepCopy(item))
		}
		parent[leaf] = list
	case "$pullAll":
		items, ok := core.AsSlice(arg)
		if !ok {
			return core.NewError(core.InvalidJSON, "$pullAll needs an array")
		}
		list, err := existingList(current, exists, leaf)
		if err != nil {
			return err
		}
		kept := make([]any, 0, len(list))
		for _, v := range list {
			if !containsValue(items, v) {
				kept = append(kept, v)
			}
		}
		parent[leaf] = kept
	default:
		return core.NewError(core.CommandUnavailable, "unsupported update operator %s", op)
	}
	return nil
}

// walkPath returns the map holding the last segment of path. Missing
// intermediate maps are created when create is set.
func walkPath(doc map[string]any, path string, create bool) (map[string]any, string) {
	segments := strings.Split(path, ".")
	cur := doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := core.AsMap(cur[seg])
		if !ok {
			if !create {
				return nil, ""
			}
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return cur, segments[len(segments)-1]
}

func increment(current any, exists bool, amount any) (any, error) {
	if !core.IsNumber(amount) {
		return nil, core.NewError(core.InvalidJSON, "incrementing must provide a number")
	}
	if !exists || current == nil {
		return amount, nil
	}
	if !core.IsNumber(current) {
		return nil, core.NewError(core.IncorrectType, "cannot increment a non-numeric field")
	}
	a, aInt := asInt(current)
	b, bInt := asInt(amount)
	if aInt && bInt {
		return a + b, nil
	}
	x, _ := core.ToFloat64(current)
	y, _ := core.ToFloat64(amount)
	return x + y, nil
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

func eachItems(arg any) ([]any, error) {
	m, ok := core.AsMap(arg)
	if !ok {
		return nil, core.NewError(core.InvalidJSON, "array update needs {$each: [...]}")
	}
	items, ok := core.AsSlice(m["$each"])
	if !ok {
		return nil, core.NewError(core.InvalidJSON, "$each must be an array")
	}
	return items, nil
}

func existingList(current any, exists bool, field string) ([]any, error) {
	if !exists || current == nil {
		return []any{}, nil
	}
	items, ok := core.AsSlice(current)
	if !ok {
		return nil, core.NewError(core.IncorrectType, "field %s is not an array", field)
	}
	return append([]any(nil), items...), nil
}

func containsValue(list []any, v any) bool {
	for _, x := range list {
		if valuesEqual(x, v) {
			return true
		}
	}
	return false
}

// SeedFromQuery builds the document an upsert starts from: every plain
// equality of the filter, plus the $eq operands.
func SeedFromQuery(filter map[string]any) map[string]any {
	doc := map[string]any{}
	for key, cond := range filter {
		if strings.HasPrefix(key, "$") {
			continue
		}
		if m, ok := core.AsMap(cond); ok && isOperatorObject(m) {
			if eq, ok := m["$eq"]; ok {
				parent, leaf := walkPath(doc, key, true)
				parent[leaf] = core.DeepCopy(eq)
			}
			continue
		}
		parent, leaf := walkPath(doc, key, true)
		parent[leaf] = core.DeepCopy(cond)
	}
	return doc
}
