package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestToFloat64(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected float64
		success  bool
	}{
		{"int", 10, 10.0, true},
		{"int8", int8(20), 20.0, true},
		{"int16", int16(30), 30.0, true},
		{"int32", int32(40), 40.0, true},
		{"int64", int64(50), 50.0, true},
		{"float32", float32(60.5), 60.5, true},
		{"float64", 70.5, 70.5, true},
		{"string", "100", 0.0, false},
		{"nil", nil, 0.0, false},
		{"unsupported_type", struct{}{}, 0.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, ok := ToFloat64(tt.input)
			assert.Equal(t, tt.success, ok)
			if tt.success {
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

func TestParseFloat(t *testing.T) {
	f, ok := ParseFloat("123.45")
	assert.True(t, ok)
	assert.Equal(t, 123.45, f)

	_, ok = ParseFloat("abc")
	assert.False(t, ok)
}

func TestAsMap(t *testing.T) {
	t.Run("bson.D keeps every element", func(t *testing.T) {
		m, ok := AsMap(bson.D{{Key: "a", Value: 1}, {Key: "b", Value: "x"}})
		assert.True(t, ok)
		assert.Equal(t, map[string]any{"a": 1, "b": "x"}, m)
	})

	t.Run("bson.M", func(t *testing.T) {
		m, ok := AsMap(bson.M{"a": 1})
		assert.True(t, ok)
		assert.Equal(t, 1, m["a"])
	})

	t.Run("scalar", func(t *testing.T) {
		_, ok := AsMap("x")
		assert.False(t, ok)
	})
}

func TestDeepCopy(t *testing.T) {
	orig := map[string]any{
		"list": []any{map[string]any{"k": "v"}},
		"doc":  bson.M{"n": 1},
	}
	cp := DeepCopy(orig).(map[string]any)
	cp["list"].([]any)[0].(map[string]any)["k"] = "changed"
	cp["doc"].(bson.M)["n"] = 2

	assert.Equal(t, "v", orig["list"].([]any)[0].(map[string]any)["k"])
	assert.Equal(t, 1, orig["doc"].(bson.M)["n"])
}

func TestTags(t *testing.T) {
	tag, ok := TypeTag(map[string]any{"__type": "Date", "iso": "2020-01-01T00:00:00.000Z"})
	assert.True(t, ok)
	assert.Equal(t, "Date", tag)

	op, ok := OpTag(map[string]any{"__op": "Increment", "amount": 1})
	assert.True(t, ok)
	assert.Equal(t, "Increment", op)

	_, ok = OpTag(42)
	assert.False(t, ok)
}

func TestError(t *testing.T) {
	t.Run("errors.Is matches by code", func(t *testing.T) {
		err := fmt.Errorf("create: %w", &Error{Code: DuplicateValue, Message: "dup", Field: "email"})
		assert.True(t, errors.Is(err, ErrDuplicateValue))
		assert.False(t, errors.Is(err, ErrObjectNotFound))

		var derr *Error
		assert.True(t, errors.As(err, &derr))
		assert.Equal(t, "email", derr.Field)
	})

	t.Run("WrapInternal keeps domain errors", func(t *testing.T) {
		nf := NewError(ObjectNotFound, "Object not found.")
		assert.Same(t, nf, WrapInternal(nf))

		wrapped := WrapInternal(errors.New("connection reset"))
		assert.Equal(t, InternalServerError, CodeOf(wrapped))
		assert.Contains(t, wrapped.Error(), "connection reset")
	})

	t.Run("code names", func(t *testing.T) {
		assert.Equal(t, "INVALID_JSON", InvalidJSON.String())
		assert.Equal(t, "ERROR_999", ErrorCode(999).String())
	})
}
