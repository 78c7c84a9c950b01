// Package codec converts tagged REST values to and from their native storage
// representation. Codecs hold no state and are safe for concurrent use.
package codec

import (
	"fmt"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
)

// Codec is a bidirectional converter for one tagged value type.
type Codec interface {
	// IsValidJSON reports whether v is a REST value this codec owns.
	IsValidJSON(v any) bool
	// IsValidDatabaseObject reports whether v is a native value this codec owns.
	IsValidDatabaseObject(v any) bool
	// JSONToDatabase converts a REST value to its native form.
	JSONToDatabase(v any) (any, error)
	// DatabaseToJSON converts a native value to its tagged REST form.
	DatabaseToJSON(v any) (map[string]any, error)
}

var (
	Date     Codec = dateCodec{}
	Bytes    Codec = bytesCodec{}
	GeoPoint Codec = geoPointCodec{}
	Polygon  Codec = polygonCodec{}
	File     Codec = fileCodec{}
)

// ForType returns the codec for a field type. Types stored without a
// conversion report false.
func ForType(t schema.FieldType) (Codec, bool) {
	switch t {
	case schema.FieldTypeDate:
		return Date, true
	case schema.FieldTypeBytes:
		return Bytes, true
	case schema.FieldTypeGeoPoint:
		return GeoPoint, true
	case schema.FieldTypePolygon:
		return Polygon, true
	case schema.FieldTypeFile:
		return File, true
	case schema.FieldTypeString, schema.FieldTypeNumber, schema.FieldTypeBoolean,
		schema.FieldTypeObject, schema.FieldTypeArray, schema.FieldTypePointer,
		schema.FieldTypeRelation, schema.FieldTypeACL:
		return nil, false
	default:
		return nil, false
	}
}

// ForTag returns the codec owning a REST __type tag.
func ForTag(tag string) (Codec, bool) {
	switch tag {
	case "Date":
		return Date, true
	case "Bytes":
		return Bytes, true
	case "GeoPoint":
		return GeoPoint, true
	case "Polygon":
		return Polygon, true
	case "File":
		return File, true
	default:
		return nil, false
	}
}

func hasTag(v any, tag string) bool {
	t, ok := core.TypeTag(v)
	return ok && t == tag
}

func invalid(format string, args ...any) error {
	return core.NewError(core.InvalidJSON, format, args...)
}

func mustMap(v any, tag string) (map[string]any, error) {
	m, ok := core.AsMap(v)
	if !ok || !hasTag(m, tag) {
		return nil, invalid("expected a %s value, got %s", tag, describe(v))
	}
	return m, nil
}

func describe(v any) string {
	return fmt.Sprintf("%T", v)
}
