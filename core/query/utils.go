package query

import (
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/asaidimu/go-docstore/core"
)

// asTime returns the instant of a native date.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	default:
		return time.Time{}, false
	}
}

// typeRank orders values of different kinds for sorting.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case string:
		return 2
	case bool:
		return 6
	case time.Time, primitive.DateTime:
		return 7
	case primitive.Binary, []byte:
		return 5
	}
	if core.IsNumber(v) {
		return 1
	}
	if _, ok := core.AsMap(v); ok {
		return 3
	}
	if _, ok := core.AsSlice(v); ok {
		return 4
	}
	return 8
}

// compareValues orders two values of the same kind. ok is false when the
// kinds differ or the kind has no order.
func compareValues(a, b any) (int, bool) {
	if af, ok := core.ToFloat64(a); ok {
		bf, ok := core.ToFloat64(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if at, ok := asTime(a); ok {
		bt, ok := asTime(b)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// sortCompare is a total order used for sorting mixed values.
func sortCompare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	c, _ := compareValues(a, b)
	return c
}

// valuesEqual compares two values structurally, treating every numeric type
// and every map or slice shape alike.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	if am, ok := core.AsMap(a); ok {
		bm, ok := core.AsMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	if as, ok := core.AsSlice(a); ok {
		bs, ok := core.AsSlice(b)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !valuesEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	if ab, ok := a.(primitive.Binary); ok {
		bb, ok := b.(primitive.Binary)
		return ok && string(ab.Data) == string(bb.Data)
	}
	return a == b
}

// compileRegex builds a Go regexp from a pattern and Mongo-style options.
func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	flags := ""
	for _, o := range options {
		switch o {
		case 'i', 'm', 's':
			flags += string(o)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, core.NewError(core.InvalidQuery, "bad regex %q: %v", pattern, err)
	}
	return re, nil
}

// resolvePath walks a dotted path through nested maps. Arrays met along the
// way are traversed element-wise, so the result may hold several candidate
// values. found is false when no candidate exists.
func resolvePath(doc map[string]any, path string) ([]any, bool) {
	head, rest, nested := strings.Cut(path, ".")
	v, ok := doc[head]
	if !ok {
		return nil, false
	}
	if !nested {
		return []any{v}, true
	}
	if m, ok := core.AsMap(v); ok {
		return resolvePath(m, rest)
	}
	if items, ok := core.AsSlice(v); ok {
		var out []any
		for _, item := range items {
			if m, ok := core.AsMap(item); ok {
				if vals, ok := resolvePath(m, rest); ok {
					out = append(out, vals...)
				}
			}
		}
		return out, len(out) > 0
	}
	return nil, false
}

// lookup returns the single value at path, used by sorting and projection.
func lookup(doc map[string]any, path string) any {
	vals, ok := resolvePath(doc, path)
	if !ok || len(vals) == 0 {
		return nil
	}
	return vals[0]
}
