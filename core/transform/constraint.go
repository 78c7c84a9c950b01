package transform

import (
	"math"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/codec"
	"github.com/asaidimu/go-docstore/core/schema"
)

const (
	earthRadiusMiles      = 3959.0
	earthRadiusKilometers = 6371.0
)

// Clock returns the instant $relativeTime is resolved against.
var Clock = time.Now

// TransformConstraint compiles a REST constraint object such as
// {"$gt": 5, "$lt": 10} into its native form. ok is false when value is not
// a constraint object at all (a literal or a tagged value). count selects
// the geospatial forms that work without a sort.
func TransformConstraint(value any, field *schema.FieldDefinition, count bool) (bson.M, bool, error) {
	constraint, isMap := core.AsMap(value)
	if !isMap {
		return nil, false, nil
	}

	inArray := field != nil && field.Type == schema.FieldTypeArray
	transformer := func(v any) (any, error) {
		if inArray {
			return InteriorAtom(v)
		}
		out, ok, err := TopLevelAtom(v)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, core.NewError(core.InvalidJSON, "bad atom: %v", v)
		}
		return out, nil
	}

	keys := make([]string, 0, len(constraint))
	for k := range constraint {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	answer := bson.M{}
	for _, key := range keys {
		val := constraint[key]
		switch key {
		case "$lt", "$lte", "$gt", "$gte", "$exists", "$ne", "$eq":
			if rel, isRel := relativeTime(val); isRel {
				if field == nil || field.Type != schema.FieldTypeDate {
					return nil, false, core.NewError(core.InvalidJSON, "$relativeTime can only be used with Date field")
				}
				switch key {
				case "$exists", "$ne", "$eq":
					return nil, false, core.NewError(core.InvalidJSON, "$relativeTime can only be used with the $lt, $lte, $gt, and $gte operators")
				}
				text, isString := rel.(string)
				if !isString {
					return nil, false, core.NewError(core.InvalidJSON, "bad $relativeTime (%s) value", key)
				}
				at, err := RelativeTimeToDate(text, Clock())
				if err != nil {
					return nil, false, core.NewError(core.InvalidJSON, "bad $relativeTime (%s) value. %v", key, err)
				}
				answer[key] = at.UTC().Truncate(time.Millisecond)
				continue
			}
			out, err := transformer(val)
			if err != nil {
				return nil, false, err
			}
			answer[key] = out

		case "$in", "$nin":
			arr, isSlice := core.AsSlice(val)
			if !isSlice {
				return nil, false, core.NewError(core.InvalidJSON, "bad %s value", key)
			}
			list := make([]any, 0, len(arr))
			for _, item := range arr {
				if nested, isNested := core.AsSlice(item); isNested {
					for _, n := range nested {
						out, err := transformer(n)
						if err != nil {
							return nil, false, err
						}
						list = append(list, out)
					}
					continue
				}
				out, err := transformer(item)
				if err != nil {
					return nil, false, err
				}
				list = append(list, out)
			}
			answer[key] = list

		case "$all":
			arr, isSlice := core.AsSlice(val)
			if !isSlice {
				return nil, false, core.NewError(core.InvalidJSON, "bad %s value", key)
			}
			list := make([]any, len(arr))
			regexes := 0
			for i, item := range arr {
				out, err := InteriorAtom(item)
				if err != nil {
					return nil, false, err
				}
				if _, isRegex := out.(primitive.Regex); isRegex {
					regexes++
				}
				list[i] = out
			}
			if regexes > 0 && regexes != len(list) {
				return nil, false, core.NewError(core.InvalidJSON, "All $all values must be of regex type or none: %v", arr)
			}
			answer[key] = list

		case "$regex":
			s, isString := val.(string)
			if !isString {
				return nil, false, core.NewError(core.InvalidJSON, "bad regex: %v", val)
			}
			answer[key] = s

		case "$containedBy":
			arr, isSlice := core.AsSlice(val)
			if !isSlice {
				return nil, false, core.NewError(core.InvalidJSON, "bad $containedBy: should be an array")
			}
			answer["$elemMatch"] = bson.M{"$nin": arr}

		case "$options":
			s, isString := val.(string)
			if !isString {
				return nil, false, core.NewError(core.InvalidJSON, "bad $options: %v", val)
			}
			answer[key] = s

		case "$text":
			text, err := textSearch(val)
			if err != nil {
				return nil, false, err
			}
			answer[key] = text

		case "$nearSphere":
			lat, lng, err := codec.LatLng(val)
			if err != nil {
				return nil, false, err
			}
			if count {
				answer["$geoWithin"] = bson.M{
					"$centerSphere": []any{[]any{lng, lat}, maxDistance(constraint)},
				}
			} else {
				answer[key] = []any{lng, lat}
			}

		case "$maxDistance":
			if !count {
				answer[key] = val
			}
		case "$maxDistanceInRadians":
			if !count {
				answer["$maxDistance"] = val
			}
		case "$maxDistanceInMiles":
			if !count {
				d, _ := core.ToFloat64(val)
				answer["$maxDistance"] = d / earthRadiusMiles
			}
		case "$maxDistanceInKilometers":
			if !count {
				d, _ := core.ToFloat64(val)
				answer["$maxDistance"] = d / earthRadiusKilometers
			}

		case "$select", "$dontSelect":
			return nil, false, core.NewError(core.CommandUnavailable, "the %s constraint is not supported yet", key)

		case "$within":
			box, err := withinBox(val)
			if err != nil {
				return nil, false, err
			}
			answer[key] = box

		case "$geoWithin":
			within, err := geoWithin(val)
			if err != nil {
				return nil, false, err
			}
			answer[key] = within

		case "$geoIntersects":
			m, _ := core.AsMap(val)
			lat, lng, err := codec.LatLng(m["$point"])
			if err != nil {
				return nil, false, core.NewError(core.InvalidJSON, "bad $geoIntersect value; $point should be GeoPoint")
			}
			answer[key] = bson.M{"$geometry": bson.M{"type": "Point", "coordinates": []any{lng, lat}}}

		default:
			if len(key) > 0 && key[0] == '$' {
				return nil, false, core.NewError(core.InvalidJSON, "bad constraint: %s", key)
			}
			return nil, false, nil
		}
	}
	return answer, true, nil
}

func relativeTime(v any) (any, bool) {
	m, ok := core.AsMap(v)
	if !ok {
		return nil, false
	}
	rel, ok := m["$relativeTime"]
	return rel, ok
}

// maxDistance reads the count-mode sphere radius in radians from whichever
// distance key the constraint carries. Without one the whole sphere matches,
// like an unbounded $nearSphere.
func maxDistance(constraint map[string]any) any {
	if d, ok := constraint["$maxDistance"]; ok {
		return d
	}
	if d, ok := constraint["$maxDistanceInRadians"]; ok {
		return d
	}
	if d, ok := core.ToFloat64(constraint["$maxDistanceInMiles"]); ok {
		return d / earthRadiusMiles
	}
	if d, ok := core.ToFloat64(constraint["$maxDistanceInKilometers"]); ok {
		return d / earthRadiusKilometers
	}
	return math.Pi
}

func textSearch(v any) (bson.M, error) {
	m, ok := core.AsMap(v)
	if !ok {
		return nil, core.NewError(core.InvalidJSON, "bad $text: should be an object")
	}
	search, ok := core.AsMap(m["$search"])
	if !ok {
		return nil, core.NewError(core.InvalidJSON, "bad $text: $search, should be object")
	}
	term, ok := search["$term"].(string)
	if !ok {
		return nil, core.NewError(core.InvalidJSON, "bad $text: $term, should be string")
	}
	out := bson.M{"$search": term}
	if lang, present := search["$language"]; present {
		s, ok := lang.(string)
		if !ok {
			return nil, core.NewError(core.InvalidJSON, "bad $text: $language, should be string")
		}
		out["$language"] = s
	}
	for _, flag := range []string{"$caseSensitive", "$diacriticSensitive"} {
		if raw, present := search[flag]; present {
			b, ok := raw.(bool)
			if !ok {
				return nil, core.NewError(core.InvalidJSON, "bad $text: %s, should be boolean", flag)
			}
			out[flag] = b
		}
	}
	return out, nil
}

func withinBox(v any) (bson.M, error) {
	m, _ := core.AsMap(v)
	box, ok := core.AsSlice(m["$box"])
	if !ok || len(box) != 2 {
		return nil, core.NewError(core.InvalidJSON, "malformatted $within arg")
	}
	corners := make([]any, 2)
	for i, p := range box {
		lat, lng, err := codec.LatLng(p)
		if err != nil {
			return nil, err
		}
		corners[i] = []any{lng, lat}
	}
	return bson.M{"$box": corners}, nil
}

func geoWithin(v any) (bson.M, error) {
	m, _ := core.AsMap(v)
	if raw, ok := m["$polygon"]; ok {
		ring, err := polygonRing(raw)
		if err != nil {
			return nil, err
		}
		return bson.M{"$polygon": ring}, nil
	}
	if raw, ok := m["$centerSphere"]; ok {
		args, isSlice := core.AsSlice(raw)
		if !isSlice || len(args) < 2 {
			return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value; $centerSphere should be an array of Parse.GeoPoint and distance")
		}
		var lat, lng float64
		if pair, isPair := core.AsSlice(args[0]); isPair && len(pair) == 2 {
			x, okX := core.ToFloat64(pair[0])
			y, okY := core.ToFloat64(pair[1])
			if !okX || !okY {
				return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value; $centerSphere geo point invalid")
			}
			lng, lat = x, y
		} else if codec.GeoPoint.IsValidJSON(args[0]) {
			var err error
			if lat, lng, err = codec.LatLng(args[0]); err != nil {
				return nil, err
			}
		} else {
			return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value; $centerSphere geo point invalid")
		}
		if err := codec.ValidateGeoPoint(lat, lng); err != nil {
			return nil, err
		}
		distance, ok := core.ToFloat64(args[1])
		if !ok || distance < 0 {
			return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value; $centerSphere distance invalid")
		}
		return bson.M{"$centerSphere": []any{[]any{lng, lat}, distance}}, nil
	}
	return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value; $polygon or $centerSphere required")
}

// polygonRing accepts a Polygon value, whose coordinates are [lat, lng]
// pairs, or a list of at least three points, each a GeoPoint or a native
// [lng, lat] pair. It returns the native [lng, lat] ring.
func polygonRing(raw any) ([]any, error) {
	var points []any
	latFirst := false
	if codec.Polygon.IsValidJSON(raw) {
		latFirst = true
		m, _ := core.AsMap(raw)
		points, _ = core.AsSlice(m["coordinates"])
		if len(points) < 3 {
			return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value; Polygon.coordinates should contain at least 3 lon/lat pairs")
		}
	} else if list, ok := core.AsSlice(raw); ok {
		if len(list) < 3 {
			return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value; $polygon should contain at least 3 GeoPoints")
		}
		points = list
	} else {
		return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value; $polygon should be Polygon object or Array of Parse.GeoPoint's")
	}

	ring := make([]any, len(points))
	for i, p := range points {
		var lat, lng float64
		if pair, isPair := core.AsSlice(p); isPair && len(pair) == 2 {
			x, okX := core.ToFloat64(pair[0])
			y, okY := core.ToFloat64(pair[1])
			if !okX || !okY {
				return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value")
			}
			if latFirst {
				lat, lng = x, y
			} else {
				lng, lat = x, y
			}
		} else if codec.GeoPoint.IsValidJSON(p) {
			var err error
			if lat, lng, err = codec.LatLng(p); err != nil {
				return nil, err
			}
		} else {
			return nil, core.NewError(core.InvalidJSON, "bad $geoWithin value")
		}
		if err := codec.ValidateGeoPoint(lat, lng); err != nil {
			return nil, err
		}
		ring[i] = []any{lng, lat}
	}
	return ring, nil
}
