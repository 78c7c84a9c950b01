package core

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure. The numeric values are part of the
// REST contract and must not change.
type ErrorCode int

const (
	InternalServerError ErrorCode = 1
	ObjectNotFound      ErrorCode = 101
	InvalidQuery        ErrorCode = 102
	InvalidClassName    ErrorCode = 103
	InvalidKeyName      ErrorCode = 105
	InvalidJSON         ErrorCode = 107
	CommandUnavailable  ErrorCode = 108
	IncorrectType       ErrorCode = 111
	OperationForbidden  ErrorCode = 119
	InvalidNestedKey    ErrorCode = 121
	DuplicateValue      ErrorCode = 137
	ClassNotEmpty       ErrorCode = 255
)

func (c ErrorCode) String() string {
	switch c {
	case InternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case ObjectNotFound:
		return "OBJECT_NOT_FOUND"
	case InvalidQuery:
		return "INVALID_QUERY"
	case InvalidClassName:
		return "INVALID_CLASS_NAME"
	case InvalidKeyName:
		return "INVALID_KEY_NAME"
	case InvalidJSON:
		return "INVALID_JSON"
	case CommandUnavailable:
		return "COMMAND_UNAVAILABLE"
	case IncorrectType:
		return "INCORRECT_TYPE"
	case OperationForbidden:
		return "OPERATION_FORBIDDEN"
	case InvalidNestedKey:
		return "INVALID_NESTED_KEY"
	case DuplicateValue:
		return "DUPLICATE_VALUE"
	case ClassNotEmpty:
		return "CLASS_NOT_EMPTY"
	default:
		return fmt.Sprintf("ERROR_%d", int(c))
	}
}

// Error is the domain error returned across the data-access core.
type Error struct {
	Code    ErrorCode
	Message string
	// Field names the offending field when known, e.g. the duplicated key of a
	// unique index violation.
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field: %s)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error carrying the same code, so sentinel
// values below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors for errors.Is comparisons.
var (
	ErrObjectNotFound     = &Error{Code: ObjectNotFound, Message: "Object not found."}
	ErrDuplicateValue     = &Error{Code: DuplicateValue, Message: "A duplicate value for a field with unique values was provided"}
	ErrInvalidQuery       = &Error{Code: InvalidQuery, Message: "invalid query"}
	ErrInvalidJSON        = &Error{Code: InvalidJSON, Message: "invalid json"}
	ErrInvalidKeyName     = &Error{Code: InvalidKeyName, Message: "invalid key name"}
	ErrOperationForbidden = &Error{Code: OperationForbidden, Message: "operation forbidden"}
	ErrInternal           = &Error{Code: InternalServerError, Message: "internal server error"}
)

// NewError builds an *Error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapInternal wraps err as an InternalServerError unless it already is a
// domain error.
func WrapInternal(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: InternalServerError, Message: "storage adapter failure", Err: err}
}

// CodeOf returns the code carried by err, or InternalServerError when err is
// not a domain error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}
