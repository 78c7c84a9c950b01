package codec

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/schema"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		value map[string]any
	}{
		{"date", Date, map[string]any{"__type": "Date", "iso": "2024-03-01T12:30:45.123Z"}},
		{"bytes", Bytes, map[string]any{"__type": "Bytes", "base64": "aGVsbG8gd29ybGQ="}},
		{"empty bytes", Bytes, map[string]any{"__type": "Bytes", "base64": ""}},
		{"geopoint", GeoPoint, map[string]any{"__type": "GeoPoint", "latitude": 40.5, "longitude": -73.25}},
		{"file", File, map[string]any{"__type": "File", "name": "abc-report.pdf"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, tt.codec.IsValidJSON(tt.value))
			native, err := tt.codec.JSONToDatabase(tt.value)
			require.NoError(t, err)
			assert.True(t, tt.codec.IsValidDatabaseObject(native))
			back, err := tt.codec.DatabaseToJSON(native)
			require.NoError(t, err)
			assert.Equal(t, tt.value, back)
		})
	}
}

func TestDate(t *testing.T) {
	t.Run("native form is a UTC time", func(t *testing.T) {
		native, err := Date.JSONToDatabase(map[string]any{"__type": "Date", "iso": "2024-03-01T14:30:45.123+02:00"})
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 45, 123000000, time.UTC), native)
	})

	t.Run("accepts primitive.DateTime", func(t *testing.T) {
		ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
		out, err := Date.DatabaseToJSON(primitive.NewDateTimeFromTime(ts))
		require.NoError(t, err)
		assert.Equal(t, "2020-01-02T03:04:05.000Z", out["iso"])
	})

	t.Run("rejects bad iso", func(t *testing.T) {
		_, err := Date.JSONToDatabase(map[string]any{"__type": "Date", "iso": "yesterday"})
		assert.Equal(t, core.InvalidJSON, core.CodeOf(err))
	})
}

func TestBytes(t *testing.T) {
	native, err := Bytes.JSONToDatabase(map[string]any{"__type": "Bytes", "base64": "AQID"})
	require.NoError(t, err)
	assert.Equal(t, primitive.Binary{Subtype: 0, Data: []byte{1, 2, 3}}, native)

	legacy, err := Bytes.DatabaseToJSON("AQID")
	require.NoError(t, err)
	assert.Equal(t, "AQID", legacy["base64"])

	_, err = Bytes.JSONToDatabase(map[string]any{"__type": "Bytes", "base64": "***"})
	assert.Error(t, err)
}

func TestGeoPoint(t *testing.T) {
	native, err := GeoPoint.JSONToDatabase(map[string]any{"__type": "GeoPoint", "latitude": 10.0, "longitude": 20.0})
	require.NoError(t, err)
	assert.Equal(t, []any{20.0, 10.0}, native)

	t.Run("range validation", func(t *testing.T) {
		for _, p := range []map[string]any{
			{"__type": "GeoPoint", "latitude": 91.0, "longitude": 0.0},
			{"__type": "GeoPoint", "latitude": -91.0, "longitude": 0.0},
			{"__type": "GeoPoint", "latitude": 0.0, "longitude": 181.0},
			{"__type": "GeoPoint", "latitude": 0.0, "longitude": -181.0},
			{"__type": "GeoPoint", "latitude": math.NaN(), "longitude": 0.0},
			{"__type": "GeoPoint", "latitude": 0.0, "longitude": math.NaN()},
		} {
			_, err := GeoPoint.JSONToDatabase(p)
			assert.Error(t, err)
		}
	})

	t.Run("accepts stored int32 pairs", func(t *testing.T) {
		out, err := GeoPoint.DatabaseToJSON([]any{int32(5), int32(6)})
		require.NoError(t, err)
		assert.Equal(t, 6.0, out["latitude"])
		assert.Equal(t, 5.0, out["longitude"])
	})
}

func TestPolygon(t *testing.T) {
	open := map[string]any{
		"__type":      "Polygon",
		"coordinates": []any{[]any{0.0, 0.0}, []any{0.0, 10.0}, []any{10.0, 10.0}, []any{10.0, 0.0}},
	}

	t.Run("closes the ring and swaps axes", func(t *testing.T) {
		native, err := Polygon.JSONToDatabase(open)
		require.NoError(t, err)
		require.True(t, Polygon.IsValidDatabaseObject(native))
		m, _ := core.AsMap(native)
		rings, _ := core.AsSlice(m["coordinates"])
		ring, _ := core.AsSlice(rings[0])
		assert.Len(t, ring, 5)
		assert.Equal(t, ring[0], ring[4])
		assert.Equal(t, []any{10.0, 0.0}, ring[1])
	})

	t.Run("round trip preserves the point set", func(t *testing.T) {
		native, err := Polygon.JSONToDatabase(open)
		require.NoError(t, err)
		back, err := Polygon.DatabaseToJSON(native)
		require.NoError(t, err)
		assert.Equal(t, "Polygon", back["__type"])
		assert.Subset(t, back["coordinates"], open["coordinates"])
		assert.Subset(t, open["coordinates"], back["coordinates"])
	})

	t.Run("needs three distinct vertices", func(t *testing.T) {
		_, err := Polygon.JSONToDatabase(map[string]any{
			"__type":      "Polygon",
			"coordinates": []any{[]any{1.0, 1.0}, []any{2.0, 2.0}, []any{1.0, 1.0}},
		})
		assert.Error(t, err)
	})

	t.Run("needs three points", func(t *testing.T) {
		_, err := Polygon.JSONToDatabase(map[string]any{
			"__type":      "Polygon",
			"coordinates": []any{[]any{1.0, 1.0}, []any{2.0, 2.0}},
		})
		assert.Error(t, err)
	})

	t.Run("rejects out-of-range points", func(t *testing.T) {
		_, err := Polygon.JSONToDatabase(map[string]any{
			"__type":      "Polygon",
			"coordinates": []any{[]any{0.0, 0.0}, []any{95.0, 0.0}, []any{10.0, 10.0}},
		})
		assert.Error(t, err)
	})
}

func TestForType(t *testing.T) {
	c, ok := ForType(schema.FieldTypeGeoPoint)
	assert.True(t, ok)
	assert.Equal(t, GeoPoint, c)

	_, ok = ForType(schema.FieldTypePointer)
	assert.False(t, ok)

	c, ok = ForTag("File")
	assert.True(t, ok)
	assert.Equal(t, File, c)
}
