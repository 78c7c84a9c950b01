package codec

import (
	"encoding/base64"
	"regexp"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var base64Pattern = regexp.MustCompile(`^(?:[A-Za-z0-9+/]{4})*(?:[A-Za-z0-9+/]{2}==|[A-Za-z0-9+/]{3}=)?$`)

// IsBase64Value reports whether v is a base64 string, the legacy native form
// of Bytes fields.
func IsBase64Value(v any) bool {
	s, ok := v.(string)
	return ok && base64Pattern.MatchString(s)
}

type bytesCodec struct{}

func (bytesCodec) IsValidJSON(v any) bool {
	return hasTag(v, "Bytes")
}

func (bytesCodec) IsValidDatabaseObject(v any) bool {
	switch v.(type) {
	case primitive.Binary, []byte:
		return true
	default:
		return false
	}
}

func (bytesCodec) JSONToDatabase(v any) (any, error) {
	m, err := mustMap(v, "Bytes")
	if err != nil {
		return nil, err
	}
	s, ok := m["base64"].(string)
	if !ok {
		return nil, invalid("Bytes value needs a base64 string")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, invalid("Bytes value is not valid base64")
	}
	return primitive.Binary{Subtype: 0x00, Data: data}, nil
}

func (bytesCodec) DatabaseToJSON(v any) (map[string]any, error) {
	var encoded string
	switch b := v.(type) {
	case primitive.Binary:
		encoded = base64.StdEncoding.EncodeToString(b.Data)
	case []byte:
		encoded = base64.StdEncoding.EncodeToString(b)
	case string:
		if !IsBase64Value(b) {
			return nil, invalid("stored Bytes value is not base64")
		}
		encoded = b
	default:
		return nil, invalid("expected native bytes, got %s", describe(v))
	}
	return map[string]any{"__type": "Bytes", "base64": encoded}, nil
}
