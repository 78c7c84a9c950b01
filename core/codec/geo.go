package codec

import (
	"math"

	"github.com/asaidimu/go-docstore/core"
	"go.mongodb.org/mongo-driver/bson"
)

// ValidateGeoPoint checks latitude and longitude ranges.
func ValidateGeoPoint(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return invalid("GeoPoint coordinates must be numbers.")
	}
	if lat < -90 {
		return invalid("GeoPoint latitude out of bounds: %v < -90.0.", lat)
	}
	if lat > 90 {
		return invalid("GeoPoint latitude out of bounds: %v > 90.0.", lat)
	}
	if lng < -180 {
		return invalid("GeoPoint longitude out of bounds: %v < -180.0.", lng)
	}
	if lng > 180 {
		return invalid("GeoPoint longitude out of bounds: %v > 180.0.", lng)
	}
	return nil
}

// LatLng extracts and validates the coordinates of a REST GeoPoint.
func LatLng(v any) (lat, lng float64, err error) {
	m, err := mustMap(v, "GeoPoint")
	if err != nil {
		return 0, 0, err
	}
	lat, okLat := core.ToFloat64(m["latitude"])
	lng, okLng := core.ToFloat64(m["longitude"])
	if !okLat || !okLng {
		return 0, 0, invalid("GeoPoint needs numeric latitude and longitude")
	}
	return lat, lng, ValidateGeoPoint(lat, lng)
}

// pair reads a two-number array.
func pair(v any) (a, b float64, ok bool) {
	items, ok := core.AsSlice(v)
	if !ok || len(items) != 2 {
		return 0, 0, false
	}
	a, okA := core.ToFloat64(items[0])
	b, okB := core.ToFloat64(items[1])
	return a, b, okA && okB
}

type geoPointCodec struct{}

func (geoPointCodec) IsValidJSON(v any) bool {
	return hasTag(v, "GeoPoint")
}

// Native GeoPoints are [longitude, latitude].
func (geoPointCodec) IsValidDatabaseObject(v any) bool {
	_, _, ok := pair(v)
	return ok
}

func (geoPointCodec) JSONToDatabase(v any) (any, error) {
	lat, lng, err := LatLng(v)
	if err != nil {
		return nil, err
	}
	return []any{lng, lat}, nil
}

func (geoPointCodec) DatabaseToJSON(v any) (map[string]any, error) {
	lng, lat, ok := pair(v)
	if !ok {
		return nil, invalid("expected a native [lng, lat] pair, got %s", describe(v))
	}
	return map[string]any{"__type": "GeoPoint", "latitude": lat, "longitude": lng}, nil
}

type polygonCodec struct{}

func (polygonCodec) IsValidJSON(v any) bool {
	return hasTag(v, "Polygon")
}

func (polygonCodec) IsValidDatabaseObject(v any) bool {
	m, ok := core.AsMap(v)
	if !ok || m["type"] != "Polygon" {
		return false
	}
	rings, ok := core.AsSlice(m["coordinates"])
	if !ok || len(rings) == 0 {
		return false
	}
	ring, ok := core.AsSlice(rings[0])
	if !ok {
		return false
	}
	for _, pt := range ring {
		lng, lat, ok := pair(pt)
		if !ok || ValidateGeoPoint(lat, lng) != nil {
			return false
		}
	}
	return true
}

// JSONToDatabase closes the ring, requires three distinct vertices and swaps
// each [lat, lng] pair to GeoJSON [lng, lat] order.
func (polygonCodec) JSONToDatabase(v any) (any, error) {
	m, err := mustMap(v, "Polygon")
	if err != nil {
		return nil, err
	}
	raw, ok := core.AsSlice(m["coordinates"])
	if !ok {
		return nil, invalid("Polygon coordinates must be an array")
	}
	if len(raw) < 3 {
		return nil, invalid("Polygon must have at least 3 points")
	}
	points := make([][2]float64, 0, len(raw)+1)
	for _, item := range raw {
		lat, lng, ok := pair(item)
		if !ok {
			return nil, invalid("Polygon points must be [latitude, longitude] pairs")
		}
		if err := ValidateGeoPoint(lat, lng); err != nil {
			return nil, err
		}
		points = append(points, [2]float64{lat, lng})
	}
	if points[0] != points[len(points)-1] {
		points = append(points, points[0])
	}
	distinct := make(map[[2]float64]struct{}, len(points))
	for _, p := range points {
		distinct[p] = struct{}{}
	}
	if len(distinct) < 3 {
		return nil, invalid("GeoJSON: Loop must have at least 3 different vertices")
	}
	ring := make([]any, len(points))
	for i, p := range points {
		ring[i] = []any{p[1], p[0]}
	}
	return bson.M{"type": "Polygon", "coordinates": []any{ring}}, nil
}

func (c polygonCodec) DatabaseToJSON(v any) (map[string]any, error) {
	if !c.IsValidDatabaseObject(v) {
		return nil, invalid("expected a native GeoJSON polygon, got %s", describe(v))
	}
	m, _ := core.AsMap(v)
	rings, _ := core.AsSlice(m["coordinates"])
	ring, _ := core.AsSlice(rings[0])
	coords := make([]any, len(ring))
	for i, pt := range ring {
		lng, lat, _ := pair(pt)
		coords[i] = []any{lat, lng}
	}
	return map[string]any{"__type": "Polygon", "coordinates": coords}, nil
}
