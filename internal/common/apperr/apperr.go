// Package apperr provides the typed application error used across every
// coordinator component, carrying the HTTP status and structured JSON
// shape {error, message, details?} described by the error handling design.
package apperr

import (
	"fmt"
	"net/http"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// Kind identifies one of the error-handling design's error categories.
type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindTerminal       Kind = "terminal"
	KindRunnerLost     Kind = "runner_lost"
	KindCallbackFailed Kind = "callback_failed"
	KindUnavailable    Kind = "unavailable"
	KindStreamDrop     Kind = "stream_drop"
	KindInternal       Kind = "internal_error"
	KindBadRequest     Kind = "bad_request"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
)

var statusByKind = map[Kind]int{
	KindValidation:     http.StatusBadRequest,
	KindNotFound:       http.StatusNotFound,
	KindConflict:       http.StatusConflict,
	KindTerminal:       http.StatusConflict,
	KindRunnerLost:     http.StatusGone,
	KindCallbackFailed: http.StatusFailedDependency,
	KindUnavailable:    http.StatusServiceUnavailable,
	KindStreamDrop:     http.StatusGone,
	KindInternal:       http.StatusInternalServerError,
	KindBadRequest:     http.StatusBadRequest,
	KindUnauthorized:   http.StatusUnauthorized,
	KindForbidden:      http.StatusForbidden,
}

// AppError is the error type every coordinator-facing operation returns
// when it wants to control the HTTP status and structured body a caller
// sees.
type AppError struct {
	Kind       Kind
	HTTPStatus int
	Msg        string
	Details    map[string]interface{}
	cause      error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

func (e *AppError) Unwrap() error { return e.cause }

// Response converts the error into the wire-level ErrorResponse body.
func (e *AppError) Response() v1.ErrorResponse {
	return v1.ErrorResponse{
		Error:   string(e.Kind),
		Message: e.Msg,
		Details: e.Details,
	}
}

func newErr(kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, HTTPStatus: statusByKind[kind], Msg: msg}
}

func NotFound(msg string) *AppError   { return newErr(KindNotFound, msg) }
func BadRequest(msg string) *AppError { return newErr(KindBadRequest, msg) }
func Conflict(msg string) *AppError   { return newErr(KindConflict, msg) }
func Terminal(msg string) *AppError   { return newErr(KindTerminal, msg) }
func Unavailable(msg string) *AppError { return newErr(KindUnavailable, msg) }
func Unauthorized(msg string) *AppError { return newErr(KindUnauthorized, msg) }
func Forbidden(msg string) *AppError  { return newErr(KindForbidden, msg) }
func RunnerLost(msg string) *AppError { return newErr(KindRunnerLost, msg) }
func CallbackFailed(msg string) *AppError { return newErr(KindCallbackFailed, msg) }
func StreamDrop(msg string) *AppError { return newErr(KindStreamDrop, msg) }

// ValidationError builds a structured validation failure carrying the
// full schema plus per-path issues, so an AI caller can self-correct.
func ValidationError(schema interface{}, issues []v1.ValidationIssue) *AppError {
	return &AppError{
		Kind:       KindValidation,
		HTTPStatus: statusByKind[KindValidation],
		Msg:        "parameters failed schema validation",
		Details: map[string]interface{}{
			"schema":            schema,
			"validation_errors": issues,
		},
	}
}

// Wrap converts a generic error into an internal AppError, preserving it
// as the cause for %w-style unwrapping.
func Wrap(err error, msg string) *AppError {
	if ae, ok := err.(*AppError); ok {
		return ae
	}
	return &AppError{
		Kind:       KindInternal,
		HTTPStatus: statusByKind[KindInternal],
		Msg:        msg,
		cause:      err,
	}
}

// As extracts an *AppError from err if present.
func As(err error) (*AppError, bool) {
	ae, ok := err.(*AppError)
	return ae, ok
}
