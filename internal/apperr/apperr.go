// Package apperr carries typed application errors that the HTTP layer maps
// to status codes.
package apperr

import "fmt"

type Code string

const (
	CodeValidation  Code = "validation_error"
	CodeNotFound    Code = "not_found"
	CodeUnavailable Code = "unavailable"
	CodeInternal    Code = "internal_error"
)

type AppError struct {
	Code    Code
	Message string
	Meta    map[string]string
	cause   error
}

func (e *AppError) Error() string {
	if len(e.Meta) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Meta)
}

func (e *AppError) Unwrap() error { return e.cause }

func Validation(msg string) error { return &AppError{Code: CodeValidation, Message: msg} }
func ValidationMeta(msg string, meta map[string]string) error {
	return &AppError{Code: CodeValidation, Message: msg, Meta: meta}
}
func NotFound(msg string) error { return &AppError{Code: CodeNotFound, Message: msg} }
func Unavailable(msg string, cause error) error {
	return &AppError{Code: CodeUnavailable, Message: msg, cause: cause}
}
func Internal(msg string, cause error) error {
	return &AppError{Code: CodeInternal, Message: msg, cause: cause}
}
