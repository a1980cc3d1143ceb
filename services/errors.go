package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/school-billing/utils"
)

type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindBusinessRule Kind = "business_rule"
	KindGateway      Kind = "gateway"
	KindInternal     Kind = "internal"
)

// Error is the tagged failure returned by every service operation.
type Error struct {
	Kind    Kind
	Message string
	// Fields maps input field names to messages for validation failures.
	Fields map[string][]string
	// Temporary marks gateway failures that may succeed on retry.
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindInternal {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NotFound(entity string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

func Invalid(message string, fields map[string][]string) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

func Violation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBusinessRule, Message: fmt.Sprintf(format, args...)}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// GatewayFailure wraps anything the stamping authority call returned. Errors
// that are not utils.GatewayError are treated as transport failures.
func GatewayFailure(err error) *Error {
	var gwErr *utils.GatewayError
	switch {
	case errors.As(err, &gwErr):
		return &Error{Kind: KindGateway, Message: "stamping authority: " + gwErr.Error(), Temporary: gwErr.Temporary, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindGateway, Message: "stamping authority timed out", Temporary: true, Err: err}
	default:
		return &Error{Kind: KindGateway, Message: "stamping authority unreachable: " + err.Error(), Temporary: true, Err: err}
	}
}

// KindOf returns the tag of err. Untagged errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

type fieldErrors map[string][]string

func (f fieldErrors) add(field, message string) {
	f[field] = append(f[field], message)
}

func (f fieldErrors) err(message string) error {
	if len(f) == 0 {
		return nil
	}
	return Invalid(message, f)
}
