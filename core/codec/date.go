package codec

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ISOLayout is the REST representation of instants: UTC, millisecond precision.
const ISOLayout = "2006-01-02T15:04:05.000Z"

// FormatISO renders t in ISOLayout.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// ParseISO parses an RFC 3339 timestamp and truncates it to milliseconds, the
// precision of native dates.
func ParseISO(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, invalid("invalid date: %q", s)
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// AsTime returns the instant held by a native date value.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case primitive.DateTime:
		return t.Time().UTC(), true
	default:
		return time.Time{}, false
	}
}

type dateCodec struct{}

func (dateCodec) IsValidJSON(v any) bool {
	return hasTag(v, "Date")
}

func (dateCodec) IsValidDatabaseObject(v any) bool {
	_, ok := AsTime(v)
	return ok
}

func (dateCodec) JSONToDatabase(v any) (any, error) {
	m, err := mustMap(v, "Date")
	if err != nil {
		return nil, err
	}
	iso, ok := m["iso"].(string)
	if !ok {
		return nil, invalid("Date value needs an iso string")
	}
	return ParseISO(iso)
}

func (dateCodec) DatabaseToJSON(v any) (map[string]any, error) {
	t, ok := AsTime(v)
	if !ok {
		return nil, invalid("expected a native date, got %s", describe(v))
	}
	return map[string]any{"__type": "Date", "iso": FormatISO(t)}, nil
}
