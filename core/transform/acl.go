package transform

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/asaidimu/go-docstore/core"
)

// ACLToPerms splits a REST ACL ({subject: {read, write}}) into the sorted
// subject lists stored as _rperm and _wperm.
func ACLToPerms(acl any) (rperm, wperm []string, err error) {
	m, ok := core.AsMap(acl)
	if !ok {
		return nil, nil, core.NewError(core.InvalidJSON, "ACL must be an object")
	}
	rperm, wperm = []string{}, []string{}
	for subject, raw := range m {
		grants, ok := core.AsMap(raw)
		if !ok {
			return nil, nil, core.NewError(core.InvalidJSON, "ACL entry for %s must be an object", subject)
		}
		if grants["read"] == true {
			rperm = append(rperm, subject)
		}
		if grants["write"] == true {
			wperm = append(wperm, subject)
		}
	}
	sort.Strings(rperm)
	sort.Strings(wperm)
	return rperm, wperm, nil
}

// TransformObjectACL replaces a REST ACL key on obj with _rperm and _wperm.
// obj is modified in place.
func TransformObjectACL(obj map[string]any) error {
	acl, ok := obj[restACLKey]
	if !ok {
		return nil
	}
	delete(obj, restACLKey)
	rperm, wperm, err := ACLToPerms(acl)
	if err != nil {
		return err
	}
	obj[KeyRperm] = rperm
	obj[KeyWperm] = wperm
	return nil
}

// legacyACL builds the {subject: {r, w}} form stored alongside the
// permission lists for older readers.
func legacyACL(rperm, wperm []string) bson.M {
	out := bson.M{}
	for _, s := range rperm {
		out[s] = bson.M{"r": true}
	}
	for _, s := range wperm {
		if entry, ok := out[s].(bson.M); ok {
			entry["w"] = true
		} else {
			out[s] = bson.M{"w": true}
		}
	}
	return out
}

// UntransformACL rebuilds a REST ACL from native permission lists. ok is
// false when the document carries neither list.
func UntransformACL(doc map[string]any) (map[string]any, bool) {
	rraw, hasR := doc[KeyRperm]
	wraw, hasW := doc[KeyWperm]
	if !hasR && !hasW {
		return nil, false
	}
	acl := map[string]any{}
	grant := func(subject, right string) {
		entry, ok := acl[subject].(map[string]any)
		if !ok {
			entry = map[string]any{}
			acl[subject] = entry
		}
		entry[right] = true
	}
	for _, s := range core.StringSlice(rraw) {
		grant(s, "read")
	}
	for _, s := range core.StringSlice(wraw) {
		grant(s, "write")
	}
	return acl, true
}
