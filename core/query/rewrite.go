package query

import (
	"reflect"

	"github.com/asaidimu/go-docstore/core"
)

// bigIntersection is the combined id count above which intersections switch
// from nested scans to a hash count.
const bigIntersection = 125

// FlattenOr copies every top-level predicate of where into each $or clause,
// so the clause stands alone at the top level. Predicates colliding with a
// key of any clause, and $near/$nearSphere constraints, stay where they are.
// The rewrite recurses into the clauses. where is modified in place.
func FlattenOr(where Query) error {
	clauses, err := Clauses(where, "$or")
	if err != nil || clauses == nil {
		return err
	}
	for key, value := range where {
		if key == "$or" {
			continue
		}
		collides := false
		for _, c := range clauses {
			if _, ok := c[key]; ok {
				collides = true
				break
			}
		}
		if collides || hasNear(value) {
			continue
		}
		for _, c := range clauses {
			c[key] = core.DeepCopy(value)
		}
		delete(where, key)
	}
	for _, c := range clauses {
		if err := FlattenOr(c); err != nil {
			return err
		}
	}
	setClauses(where, "$or", clauses)
	return nil
}

func hasNear(v any) bool {
	m, ok := core.AsMap(v)
	if !ok {
		return false
	}
	_, near := m["$near"]
	_, nearSphere := m["$nearSphere"]
	return near || nearSphere
}

// AddReadACL returns a copy of where restricted to objects readable by acl.
// Objects without read permissions are public.
func AddReadACL(where Query, acl []string) Query {
	out := core.CopyMap(where)
	if out == nil {
		out = Query{}
	}
	in := []any{nil, "*"}
	for _, s := range acl {
		in = append(in, s)
	}
	out["_rperm"] = map[string]any{"$in": in}
	return out
}

// AddWriteACL returns a copy of where restricted to objects writable by acl.
func AddWriteACL(where Query, acl []string) Query {
	out := core.CopyMap(where)
	if out == nil {
		out = Query{}
	}
	in := []any{nil}
	for _, s := range acl {
		in = append(in, s)
	}
	out["_wperm"] = map[string]any{"$in": in}
	return out
}

type entry struct {
	key   string
	value any
}

func entries(q Query) []entry {
	out := make([]entry, 0, len(q))
	for k, v := range q {
		out = append(out, entry{k, v})
	}
	return out
}

func containsEntry(q Query, e entry) bool {
	v, ok := q[e.key]
	return ok && reflect.DeepEqual(v, e.value)
}

// reduce strikes redundant clauses of a logical operator: when every
// predicate of one clause appears in another, either the larger clause
// (strikeLonger, for $or) or the smaller one (for $and) is dropped.
func reduce(where Query, op string, strikeLonger bool) (Query, error) {
	clauses, err := Clauses(where, op)
	if err != nil || clauses == nil {
		return where, err
	}
	for repeat := true; repeat; {
		repeat = false
	scan:
		for i := 0; i < len(clauses)-1; i++ {
			for j := i + 1; j < len(clauses); j++ {
				shorter, longer := i, j
				if len(clauses[i]) > len(clauses[j]) {
					shorter, longer = j, i
				}
				found := 0
				for _, e := range entries(clauses[shorter]) {
					if containsEntry(clauses[longer], e) {
						found++
					}
				}
				if found != len(clauses[shorter]) {
					continue
				}
				strike := shorter
				if strikeLonger {
					strike = longer
				}
				clauses = append(clauses[:strike], clauses[strike+1:]...)
				repeat = true
				break scan
			}
		}
	}

	out := core.CopyMap(where)
	if len(clauses) == 1 {
		delete(out, op)
		for k, v := range clauses[0] {
			out[k] = v
		}
		return out, nil
	}
	setClauses(out, op, clauses)
	return out, nil
}

// ReduceOr drops $or clauses implied by a less restrictive clause and
// inlines a single remaining clause.
func ReduceOr(where Query) (Query, error) {
	return reduce(where, "$or", true)
}

// ReduceAnd drops $and clauses implied by a more restrictive clause and
// inlines a single remaining clause.
func ReduceAnd(where Query) (Query, error) {
	return reduce(where, "$and", false)
}

// AddInObjectIDs intersects ids with every objectId restriction already on
// where (a literal, $eq or $in) and stores the result as objectId.$in. A nil
// ids adds no restriction of its own. where is modified in place.
func AddInObjectIDs(ids []string, where Query) Query {
	var lists [][]string
	switch v := where["objectId"].(type) {
	case string:
		lists = append(lists, []string{v})
	default:
		if m, ok := core.AsMap(v); ok {
			if eq, ok := m["$eq"].(string); ok {
				lists = append(lists, []string{eq})
			}
			if _, ok := m["$in"]; ok {
				lists = append(lists, core.StringSlice(m["$in"]))
			}
		}
	}
	if ids != nil {
		lists = append(lists, ids)
	}

	total := 0
	for _, l := range lists {
		total += len(l)
	}
	var matched []string
	if total > bigIntersection {
		matched = intersectBig(lists)
	} else {
		matched = intersect(lists)
	}

	constraint := objectIDConstraint(where)
	constraint["$in"] = toAny(matched)
	where["objectId"] = constraint
	return where
}

// AddNotInObjectIDs merges ids into objectId.$nin, removing duplicates.
// where is modified in place.
func AddNotInObjectIDs(ids []string, where Query) Query {
	var existing []string
	if m, ok := core.AsMap(where["objectId"]); ok {
		existing = core.StringSlice(m["$nin"])
	}
	seen := map[string]bool{}
	all := make([]string, 0, len(existing)+len(ids))
	for _, id := range append(existing, ids...) {
		if !seen[id] {
			seen[id] = true
			all = append(all, id)
		}
	}
	constraint := objectIDConstraint(where)
	constraint["$nin"] = toAny(all)
	where["objectId"] = constraint
	return where
}

// objectIDConstraint returns the objectId constraint map, converting a
// literal id into {$eq: id}.
func objectIDConstraint(where Query) map[string]any {
	switch v := where["objectId"].(type) {
	case nil:
		return map[string]any{}
	case string:
		return map[string]any{"$eq": v}
	default:
		if m, ok := core.AsMap(v); ok {
			return m
		}
		return map[string]any{}
	}
}

// intersect returns the ids present in every list, in the order of the
// first list.
func intersect(lists [][]string) []string {
	if len(lists) == 0 {
		return []string{}
	}
	out := []string{}
	for _, id := range lists[0] {
		inAll := true
		for _, other := range lists[1:] {
			found := false
			for _, x := range other {
				if x == id {
					found = true
					break
				}
			}
			if !found {
				inAll = false
				break
			}
		}
		if inAll && !containsString(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func intersectBig(lists [][]string) []string {
	if len(lists) == 0 {
		return []string{}
	}
	counts := map[string]int{}
	for _, l := range lists {
		seen := map[string]bool{}
		for _, id := range l {
			if !seen[id] {
				seen[id] = true
				counts[id]++
			}
		}
	}
	out := []string{}
	emitted := map[string]bool{}
	for _, id := range lists[0] {
		if counts[id] == len(lists) && !emitted[id] {
			emitted[id] = true
			out = append(out, id)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
