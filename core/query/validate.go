// Package query holds the REST-level where-clause passes run by the database
// controller (validation, $or flattening, ACL and object-id rewriting) and the
// in-memory evaluator used by adapters that cannot run native queries.
package query

import (
	"regexp"

	"github.com/asaidimu/go-docstore/core"
)

// Query is a REST where clause.
type Query = map[string]any

var (
	keyNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\.]*$`)
	optionsPattern = regexp.MustCompile(`^[imxs]+$`)
)

// specialQueryKeys may appear in a where clause even though they are not
// valid field names.
var specialQueryKeys = map[string]bool{
	"$and":                           true,
	"$or":                            true,
	"$nor":                           true,
	"$relatedTo":                     true,
	"_rperm":                         true,
	"_wperm":                         true,
	"_perishable_token":              true,
	"_email_verify_token":            true,
	"_email_verify_token_expires_at": true,
	"_account_lockout_expires_at":    true,
	"_failed_login_count":            true,
}

// ValidateQuery checks the shape of a where clause: no ACL constraints,
// non-empty logical arrays, well formed $options and valid key names.
func ValidateQuery(where Query) error {
	if _, ok := where["ACL"]; ok {
		return core.NewError(core.InvalidQuery, "Cannot query on ACL.")
	}

	for _, op := range []string{"$or", "$and", "$nor"} {
		if _, ok := where[op]; !ok {
			continue
		}
		clauses, err := Clauses(where, op)
		if err != nil {
			return err
		}
		if len(clauses) == 0 {
			return core.NewError(core.InvalidQuery, "Bad %s format - use an array of at least 1 value.", op)
		}
		for _, clause := range clauses {
			if err := ValidateQuery(clause); err != nil {
				return err
			}
		}
	}

	for key, value := range where {
		if constraint, ok := core.AsMap(value); ok {
			if _, hasRegex := constraint["$regex"]; hasRegex {
				if opts, isString := constraint["$options"].(string); isString && !optionsPattern.MatchString(opts) {
					return core.NewError(core.InvalidQuery, "Bad $options value for query: %s", opts)
				}
			}
		}
		if !specialQueryKeys[key] && !keyNamePattern.MatchString(key) {
			return core.NewError(core.InvalidKeyName, "Invalid key name: %s", key)
		}
	}
	return nil
}

// Clauses returns the sub-queries of a logical operator. A missing operator
// yields nil.
func Clauses(where Query, op string) ([]Query, error) {
	raw, ok := where[op]
	if !ok {
		return nil, nil
	}
	items, ok := core.AsSlice(raw)
	if !ok {
		return nil, core.NewError(core.InvalidQuery, "Bad %s format - use an array value.", op)
	}
	out := make([]Query, len(items))
	for i, item := range items {
		m, ok := core.AsMap(item)
		if !ok {
			return nil, core.NewError(core.InvalidQuery, "Bad %s format - use an array of objects.", op)
		}
		out[i] = m
	}
	return out, nil
}

func setClauses(where Query, op string, clauses []Query) {
	items := make([]any, len(clauses))
	for i, c := range clauses {
		items[i] = c
	}
	where[op] = items
}
