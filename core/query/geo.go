package query

import (
	"math"

	"github.com/asaidimu/go-docstore/core"
)

// geoFunctions evaluate the native geospatial operators against stored
// [lng, lat] points and GeoJSON polygons. Distances are in radians.
var geoFunctions = map[string]PredicateFunction{
	"$nearSphere":    nearSpherePredicate,
	"$geoWithin":     geoWithinPredicate,
	"$within":        withinPredicate,
	"$geoIntersects": geoIntersectsPredicate,
}

func lngLat(v any) (float64, float64, bool) {
	items, ok := core.AsSlice(v)
	if !ok || len(items) != 2 {
		return 0, 0, false
	}
	lng, okLng := core.ToFloat64(items[0])
	lat, okLat := core.ToFloat64(items[1])
	return lng, lat, okLng && okLat
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// haversine returns the central angle between two points in radians.
func haversine(lng1, lat1, lng2, lat2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLng := radians(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func anyPoint(values []any, test func(lng, lat float64) bool) bool {
	for _, v := range values {
		if lng, lat, ok := lngLat(v); ok && test(lng, lat) {
			return true
		}
	}
	return false
}

func nearSpherePredicate(values []any, found bool, constraint map[string]any) (bool, error) {
	clng, clat, ok := lngLat(constraint["$nearSphere"])
	if !ok {
		return false, core.NewError(core.InvalidQuery, "bad $nearSphere point")
	}
	limit, bounded := core.ToFloat64(constraint["$maxDistance"])
	return anyPoint(values, func(lng, lat float64) bool {
		return !bounded || haversine(clng, clat, lng, lat) <= limit
	}), nil
}

func geoWithinPredicate(values []any, found bool, constraint map[string]any) (bool, error) {
	arg, _ := core.AsMap(constraint["$geoWithin"])
	if sphere, ok := core.AsSlice(arg["$centerSphere"]); ok && len(sphere) == 2 {
		clng, clat, okCenter := lngLat(sphere[0])
		radius, okRadius := core.ToFloat64(sphere[1])
		if !okCenter || !okRadius {
			return false, core.NewError(core.InvalidQuery, "bad $centerSphere")
		}
		return anyPoint(values, func(lng, lat float64) bool {
			return haversine(clng, clat, lng, lat) <= radius
		}), nil
	}
	if ring, ok := core.AsSlice(arg["$polygon"]); ok {
		return anyPoint(values, func(lng, lat float64) bool {
			return inRing(ring, lng, lat)
		}), nil
	}
	return false, core.NewError(core.InvalidQuery, "bad $geoWithin")
}

func withinPredicate(values []any, found bool, constraint map[string]any) (bool, error) {
	arg, _ := core.AsMap(constraint["$within"])
	box, ok := core.AsSlice(arg["$box"])
	if !ok || len(box) != 2 {
		return false, core.NewError(core.InvalidQuery, "bad $box")
	}
	lng1, lat1, ok1 := lngLat(box[0])
	lng2, lat2, ok2 := lngLat(box[1])
	if !ok1 || !ok2 {
		return false, core.NewError(core.InvalidQuery, "bad $box")
	}
	return anyPoint(values, func(lng, lat float64) bool {
		return lng >= math.Min(lng1, lng2) && lng <= math.Max(lng1, lng2) &&
			lat >= math.Min(lat1, lat2) && lat <= math.Max(lat1, lat2)
	}), nil
}

func geoIntersectsPredicate(values []any, found bool, constraint map[string]any) (bool, error) {
	arg, _ := core.AsMap(constraint["$geoIntersects"])
	geometry, _ := core.AsMap(arg["$geometry"])
	plng, plat, ok := lngLat(geometry["coordinates"])
	if !ok {
		return false, core.NewError(core.InvalidQuery, "bad $geoIntersects point")
	}
	for _, v := range values {
		poly, ok := core.AsMap(v)
		if !ok {
			continue
		}
		rings, _ := core.AsSlice(poly["coordinates"])
		if len(rings) == 0 {
			continue
		}
		ring, _ := core.AsSlice(rings[0])
		if inRing(ring, plng, plat) {
			return true, nil
		}
	}
	return false, nil
}

// inRing runs an even-odd ray cast against a ring of [lng, lat] points.
// Points on a vertex count as inside.
func inRing(ring []any, lng, lat float64) bool {
	pts := make([][2]float64, 0, len(ring))
	for _, p := range ring {
		x, y, ok := lngLat(p)
		if !ok {
			return false
		}
		if x == lng && y == lat {
			return true
		}
		pts = append(pts, [2]float64{x, y})
	}
	inside := false
	for i, j := 0, len(pts)-1; i < len(pts); j, i = i, i+1 {
		xi, yi := pts[i][0], pts[i][1]
		xj, yj := pts[j][0], pts[j][1]
		if (yi > lat) != (yj > lat) && lng < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
