package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
)

// PredicateFunction evaluates one operator of a field constraint. values are
// the candidates found at the field path (none when found is false);
// constraint is the whole operator object, so related keys such as
// $maxDistance are visible.
type PredicateFunction func(values []any, found bool, constraint map[string]any) (bool, error)

// ProcessOptions selects, orders and trims the rows handled by ProcessRows.
type ProcessOptions struct {
	Filter map[string]any
	Sort   bson.D
	Skip   int
	Limit  int
	Keys   []string
}

// DataProcessor evaluates native queries against in-memory documents. The
// standard comparison operators are built in; other operators, such as the
// geospatial ones, are registered predicate functions.
type DataProcessor struct {
	filterFunctions map[string]PredicateFunction
	mu              sync.RWMutex
	logger          *zap.Logger
}

// NewDataProcessor creates a DataProcessor with the geospatial operators
// registered.
func NewDataProcessor(logger *zap.Logger) *DataProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &DataProcessor{
		filterFunctions: make(map[string]PredicateFunction),
		logger:          logger,
	}
	p.RegisterFilterFunctions(geoFunctions)
	return p
}

// RegisterFilterFunction registers the evaluator of a non-standard operator.
func (p *DataProcessor) RegisterFilterFunction(operator string, fn PredicateFunction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filterFunctions[operator] = fn
	p.logger.Debug("Registered filter function", zap.String("operator", operator))
}

// RegisterFilterFunctions registers several evaluators at once.
func (p *DataProcessor) RegisterFilterFunctions(functionMap map[string]PredicateFunction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for operator, fn := range functionMap {
		p.filterFunctions[operator] = fn
		p.logger.Debug("Registered filter function", zap.String("operator", operator))
	}
}

// Match reports whether doc satisfies the native filter.
func (p *DataProcessor) Match(ctx context.Context, filter map[string]any, doc map[string]any) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.matchDocument(doc, filter)
}

// ProcessRows filters, sorts, pages and projects rows. Rows are not copied.
// Without an explicit sort, a $nearSphere constraint orders rows by
// distance.
func (p *DataProcessor) ProcessRows(ctx context.Context, rows []map[string]any, opts ProcessOptions) ([]map[string]any, error) {
	p.mu.RLock()
	filtered := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		ok, err := p.matchDocument(row, opts.Filter)
		if err != nil {
			p.mu.RUnlock()
			return nil, fmt.Errorf("evaluating filter: %w", err)
		}
		if ok {
			filtered = append(filtered, row)
		}
	}
	p.mu.RUnlock()
	p.logger.Debug("Rows remaining after filters", zap.Int("count", len(filtered)))

	if len(opts.Sort) > 0 {
		sort.SliceStable(filtered, func(i, j int) bool {
			for _, e := range opts.Sort {
				c := sortCompare(lookup(filtered[i], e.Key), lookup(filtered[j], e.Key))
				if c == 0 {
					continue
				}
				if dir, _ := core.ToFloat64(e.Value); dir < 0 {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	} else if field, center, ok := nearSphere(opts.Filter); ok {
		sort.SliceStable(filtered, func(i, j int) bool {
			return distanceTo(filtered[i], field, center) < distanceTo(filtered[j], field, center)
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(filtered) {
			filtered = filtered[:0]
		} else {
			filtered = filtered[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}

	if len(opts.Keys) == 0 {
		return filtered, nil
	}
	out := make([]map[string]any, len(filtered))
	for i, row := range filtered {
		out[i] = project(row, opts.Keys)
	}
	return out, nil
}

// Distinct returns the distinct values found at field across rows. Array
// values contribute their elements.
func (p *DataProcessor) Distinct(rows []map[string]any, field string) []any {
	var out []any
	add := func(v any) {
		for _, seen := range out {
			if valuesEqual(seen, v) {
				return
			}
		}
		out = append(out, v)
	}
	for _, row := range rows {
		vals, ok := resolvePath(row, field)
		if !ok {
			continue
		}
		for _, v := range vals {
			if items, isSlice := core.AsSlice(v); isSlice {
				for _, item := range items {
					add(item)
				}
				continue
			}
			add(v)
		}
	}
	return out
}

func project(row map[string]any, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		root, _, _ := strings.Cut(k, ".")
		if v, ok := row[root]; ok {
			out[root] = v
		}
	}
	return out
}

func (p *DataProcessor) matchDocument(doc map[string]any, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		var (
			ok  bool
			err error
		)
		switch key {
		case "$and", "$or", "$nor":
			ok, err = p.matchLogical(doc, key, cond)
		case "$text":
			ok, err = matchText(doc, cond)
		default:
			ok, err = p.matchField(doc, key, cond)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (p *DataProcessor) matchLogical(doc map[string]any, op string, cond any) (bool, error) {
	clauses, ok := core.AsSlice(cond)
	if !ok {
		return false, core.NewError(core.InvalidQuery, "bad %s format", op)
	}
	for _, c := range clauses {
		sub, ok := core.AsMap(c)
		if !ok {
			return false, core.NewError(core.InvalidQuery, "bad %s clause", op)
		}
		matched, err := p.matchDocument(doc, sub)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !matched:
			return false, nil
		case op == "$or" && matched:
			return true, nil
		case op == "$nor" && matched:
			return false, nil
		}
	}
	return op != "$or", nil
}

func (p *DataProcessor) matchField(doc map[string]any, path string, cond any) (bool, error) {
	values, found := resolvePath(doc, path)
	constraint, isMap := core.AsMap(cond)
	if !isMap || !isOperatorObject(constraint) {
		return equalsAny(values, found, cond), nil
	}
	return p.matchOperators(values, found, constraint)
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func (p *DataProcessor) matchOperators(values []any, found bool, constraint map[string]any) (bool, error) {
	for op, arg := range constraint {
		var (
			ok  bool
			err error
		)
		switch op {
		case "$eq":
			ok = equalsAny(values, found, arg)
		case "$ne":
			ok = !equalsAny(values, found, arg)
		case "$gt", "$gte", "$lt", "$lte":
			ok = compareAny(values, op, arg)
		case "$in":
			ok, err = inAny(values, found, arg)
		case "$nin":
			ok, err = inAny(values, found, arg)
			ok = !ok
		case "$exists":
			want, _ := arg.(bool)
			ok = found == want
		case "$all":
			ok, err = matchAll(values, arg)
		case "$regex":
			ok, err = matchRegex(values, arg, constraint["$options"])
		case "$elemMatch":
			ok, err = p.matchElem(values, arg)
		case "$options", "$maxDistance":
			ok = true
		default:
			fn, registered := p.filterFunctions[op]
			if !registered {
				return false, core.NewError(core.InvalidQuery, "unsupported operator for in-memory evaluation: %s", op)
			}
			ok, err = fn(values, found, constraint)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// expand returns the candidates plus the elements of array candidates.
func expand(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
		if items, ok := core.AsSlice(v); ok {
			out = append(out, items...)
		}
	}
	return out
}

// equalsAny implements equality with Mongo's null and array rules: null
// matches a missing field, and an array matches when it equals the operand
// or holds an equal element.
func equalsAny(values []any, found bool, arg any) bool {
	if arg == nil && !found {
		return true
	}
	for _, v := range expand(values) {
		if re, ok := arg.(primitive.Regex); ok {
			if s, isString := v.(string); isString {
				if compiled, err := compileRegex(re.Pattern, re.Options); err == nil && compiled.MatchString(s) {
					return true
				}
			}
			continue
		}
		if valuesEqual(v, arg) {
			return true
		}
	}
	return false
}

func compareAny(values []any, op string, arg any) bool {
	for _, v := range expand(values) {
		c, ok := compareValues(v, arg)
		if !ok {
			continue
		}
		switch op {
		case "$gt":
			ok = c > 0
		case "$gte":
			ok = c >= 0
		case "$lt":
			ok = c < 0
		case "$lte":
			ok = c <= 0
		}
		if ok {
			return true
		}
	}
	return false
}

func inAny(values []any, found bool, arg any) (bool, error) {
	list, ok := core.AsSlice(arg)
	if !ok {
		return false, core.NewError(core.InvalidQuery, "$in needs an array")
	}
	for _, candidate := range list {
		if equalsAny(values, found, candidate) {
			return true, nil
		}
	}
	return false, nil
}

func matchAll(values []any, arg any) (bool, error) {
	list, ok := core.AsSlice(arg)
	if !ok {
		return false, core.NewError(core.InvalidQuery, "$all needs an array")
	}
	if len(values) == 0 {
		return false, nil
	}
	for _, want := range list {
		if !equalsAny(values, true, want) {
			return false, nil
		}
	}
	return true, nil
}

func matchRegex(values []any, pattern, options any) (bool, error) {
	s, ok := pattern.(string)
	if !ok {
		return false, core.NewError(core.InvalidQuery, "bad regex: %v", pattern)
	}
	opts, _ := options.(string)
	re, err := compileRegex(s, opts)
	if err != nil {
		return false, err
	}
	for _, v := range expand(values) {
		if str, ok := v.(string); ok && re.MatchString(str) {
			return true, nil
		}
	}
	return false, nil
}

func (p *DataProcessor) matchElem(values []any, arg any) (bool, error) {
	cond, ok := core.AsMap(arg)
	if !ok {
		return false, core.NewError(core.InvalidQuery, "$elemMatch needs an object")
	}
	for _, v := range values {
		items, ok := core.AsSlice(v)
		if !ok {
			continue
		}
		for _, item := range items {
			var matched bool
			var err error
			if isOperatorObject(cond) {
				matched, err = p.matchOperators([]any{item}, true, cond)
			} else if m, isMap := core.AsMap(item); isMap {
				matched, err = p.matchDocument(m, cond)
			}
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
	}
	return false, nil
}

func matchText(doc map[string]any, cond any) (bool, error) {
	m, ok := core.AsMap(cond)
	if !ok {
		return false, core.NewError(core.InvalidQuery, "bad $text")
	}
	term, _ := m["$search"].(string)
	caseSensitive, _ := m["$caseSensitive"].(bool)
	if !caseSensitive {
		term = strings.ToLower(term)
	}
	words := strings.Fields(term)
	var search func(v any) bool
	search = func(v any) bool {
		switch val := v.(type) {
		case string:
			if !caseSensitive {
				val = strings.ToLower(val)
			}
			for _, w := range words {
				if strings.Contains(val, w) {
					return true
				}
			}
			return false
		}
		if items, ok := core.AsSlice(v); ok {
			for _, item := range items {
				if search(item) {
					return true
				}
			}
		}
		return false
	}
	for k, v := range doc {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if search(v) {
			return true, nil
		}
	}
	return false, nil
}

// nearSphere finds a top-level $nearSphere constraint.
func nearSphere(filter map[string]any) (string, [2]float64, bool) {
	for key, cond := range filter {
		m, ok := core.AsMap(cond)
		if !ok {
			continue
		}
		if lng, lat, ok := lngLat(m["$nearSphere"]); ok {
			return key, [2]float64{lng, lat}, true
		}
	}
	return "", [2]float64{}, false
}

func distanceTo(doc map[string]any, field string, center [2]float64) float64 {
	lng, lat, ok := lngLat(lookup(doc, field))
	if !ok {
		return math.Inf(1)
	}
	return haversine(center[0], center[1], lng, lat)
}
