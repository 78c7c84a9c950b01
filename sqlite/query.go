package sqlite

import (
	"context"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/query"
)

// encodeDocument renders a native document as canonical extended JSON, which
// keeps dates, binaries and integer widths intact.
func encodeDocument(doc map[string]any) (string, error) {
	data, err := bson.MarshalExtJSON(doc, true, false)
	if err != nil {
		return "", Error.New("failed to encode document: %w", err)
	}
	return string(data), nil
}

func decodeDocument(text string) (map[string]any, error) {
	var doc bson.M
	if err := bson.UnmarshalExtJSON([]byte(text), true, &doc); err != nil {
		return nil, Error.New("failed to decode document: %w", err)
	}
	return normalize(doc).(bson.M), nil
}

// normalize turns ordered sub-documents into maps so updates can address
// them in place.
func normalize(v any) any {
	switch val := v.(type) {
	case bson.M:
		for k, x := range val {
			val[k] = normalize(x)
		}
		return val
	case bson.D:
		m := make(bson.M, len(val))
		for _, e := range val {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.A:
		for i, x := range val {
			val[i] = normalize(x)
		}
		return val
	default:
		return v
	}
}

// runPipeline evaluates an aggregation pipeline in memory. Supported stages
// are $match, $sort, $skip, $limit, $project, $group and $count; $group
// accepts $sum, $min, $max and $avg accumulators.
func (a *Adapter) runPipeline(ctx context.Context, docs []map[string]any, pipeline []bson.M) ([]map[string]any, error) {
	var err error
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, core.NewError(core.InvalidQuery, "a pipeline stage must have exactly one operator")
		}
		for op, arg := range stage {
			switch op {
			case "$match":
				filter, _ := core.AsMap(arg)
				docs, err = a.processor.ProcessRows(ctx, docs, query.ProcessOptions{Filter: filter})
			case "$sort":
				docs, err = a.processor.ProcessRows(ctx, docs, query.ProcessOptions{Sort: sortStage(arg)})
			case "$skip":
				n, _ := core.ToFloat64(arg)
				docs, err = a.processor.ProcessRows(ctx, docs, query.ProcessOptions{Skip: int(n)})
			case "$limit":
				n, _ := core.ToFloat64(arg)
				docs, err = a.processor.ProcessRows(ctx, docs, query.ProcessOptions{Limit: int(n)})
			case "$project":
				docs = projectStage(docs, arg)
			case "$group":
				docs, err = groupStage(docs, arg)
			case "$count":
				name, _ := arg.(string)
				docs = []map[string]any{{name: int64(len(docs))}}
			default:
				return nil, core.NewError(core.CommandUnavailable, "unsupported pipeline stage %s", op)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return docs, nil
}

func sortStage(arg any) bson.D {
	if d, ok := arg.(bson.D); ok {
		return d
	}
	m, _ := core.AsMap(arg)
	out := make(bson.D, 0, len(m))
	for k, v := range m {
		out = append(out, bson.E{Key: k, Value: v})
	}
	return out
}

func projectStage(docs []map[string]any, arg any) []map[string]any {
	spec, _ := core.AsMap(arg)
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		row := map[string]any{}
		if v, ok := doc["_id"]; ok {
			row["_id"] = v
		}
		for field, include := range spec {
			if on, ok := include.(bool); ok && !on {
				delete(row, field)
				continue
			}
			if n, ok := core.ToFloat64(include); ok && n == 0 {
				delete(row, field)
				continue
			}
			if v := fieldValue(doc, field); v != nil {
				row[field] = v
			}
		}
		out[i] = row
	}
	return out
}

// fieldValue resolves a dotted path in doc.
func fieldValue(doc map[string]any, path string) any {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := core.AsMap(cur)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// expression evaluates a "$field" reference or returns a literal.
func expression(doc map[string]any, expr any) any {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		return fieldValue(doc, s[1:])
	}
	return expr
}

type accumulator struct {
	field string
	op    string
	expr  any
}

func groupStage(docs []map[string]any, arg any) ([]map[string]any, error) {
	spec, ok := core.AsMap(arg)
	if !ok {
		return nil, core.NewError(core.InvalidQuery, "$group needs an object")
	}
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, core.NewError(core.InvalidQuery, "$group needs an _id")
	}
	var accs []accumulator
	for field, raw := range spec {
		if field == "_id" {
			continue
		}
		m, ok := core.AsMap(raw)
		if !ok || len(m) != 1 {
			return nil, core.NewError(core.InvalidQuery, "bad accumulator for %s", field)
		}
		for op, expr := range m {
			switch op {
			case "$sum", "$min", "$max", "$avg":
			default:
				return nil, core.NewError(core.CommandUnavailable, "unsupported accumulator %s", op)
			}
			accs = append(accs, accumulator{field: field, op: op, expr: expr})
		}
	}

	type group struct {
		row    map[string]any
		counts map[string]int
	}
	var groups []*group
	find := func(key any) *group {
		for _, g := range groups {
			if equalValues(g.row["_id"], key) {
				return g
			}
		}
		g := &group{row: map[string]any{"_id": key}, counts: map[string]int{}}
		groups = append(groups, g)
		return g
	}

	for _, doc := range docs {
		g := find(expression(doc, idExpr))
		for _, acc := range accs {
			value := expression(doc, acc.expr)
			n, isNum := core.ToFloat64(value)
			switch acc.op {
			case "$sum", "$avg":
				if !isNum {
					continue
				}
				sum, _ := core.ToFloat64(g.row[acc.field])
				g.row[acc.field] = sum + n
				g.counts[acc.field]++
			case "$min", "$max":
				if value == nil {
					continue
				}
				current, seen := g.row[acc.field]
				if !seen {
					g.row[acc.field] = value
					continue
				}
				c, _ := core.ToFloat64(current)
				if (acc.op == "$min" && n < c) || (acc.op == "$max" && n > c) {
					g.row[acc.field] = value
				}
			}
		}
	}

	out := make([]map[string]any, len(groups))
	for i, g := range groups {
		for _, acc := range accs {
			switch acc.op {
			case "$avg":
				if g.counts[acc.field] > 0 {
					sum, _ := core.ToFloat64(g.row[acc.field])
					g.row[acc.field] = sum / float64(g.counts[acc.field])
				} else {
					g.row[acc.field] = nil
				}
			case "$sum":
				if _, ok := g.row[acc.field]; !ok {
					g.row[acc.field] = float64(0)
				}
			}
		}
		out[i] = g.row
	}
	return out, nil
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if an, ok := core.ToFloat64(a); ok {
		bn, ok := core.ToFloat64(b)
		return ok && an == bn
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as == bs
}
