// Package apperr defines the typed, coded errors the orchestration core
// raises. Callers check them with errors.As rather than string-matching.
package apperr

import "fmt"

// Code identifies a specific error condition across the wire surface.
type Code string

const (
	CodeCapacityFull           Code = "CAPACITY_FULL"
	CodePortExhausted          Code = "PORT_ALLOCATION_EXHAUSTED"
	CodeAgentWaking            Code = "AGENT_WAKING"
	CodeAgentNotReady          Code = "AGENT_NOT_READY"
	CodeDeploymentNotFound     Code = "DEPLOYMENT_NOT_FOUND"
	CodeProxyError             Code = "PROXY_ERROR"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeTamperedData           Code = "TAMPERED_DATA"
	CodeNoModel                Code = "NO_MODEL"
	CodeModelKeyMismatch       Code = "MODEL_KEY_MISMATCH"
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeRuntime                Code = "RUNTIME_ERROR"
)

// httpStatus maps each code to the status it carries over the wire surface.
var httpStatus = map[Code]int{
	CodeCapacityFull:           503,
	CodePortExhausted:          503,
	CodeAgentWaking:            503,
	CodeAgentNotReady:          503,
	CodeDeploymentNotFound:     404,
	CodeProxyError:             502,
	CodeInvalidStateTransition: 400,
	CodeTamperedData:           500,
	CodeNoModel:                400,
	CodeModelKeyMismatch:       400,
	CodeValidation:             400,
	CodeRuntime:                500,
}

// Error is a typed, coded application error.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, HTTPStatus: httpStatus[code], cause: cause}
}

// Capacity builds a CAPACITY_FULL error; msg should name the exhausted resource (fleet/tenant).
func Capacity(msg string) *Error { return newErr(CodeCapacityFull, msg, nil) }

// PortExhausted builds a PORT_ALLOCATION_EXHAUSTED error.
func PortExhausted(msg string) *Error { return newErr(CodePortExhausted, msg, nil) }

// Waking builds an AGENT_WAKING error, returned while a hibernated agent is being woken.
func Waking(msg string) *Error { return newErr(CodeAgentWaking, msg, nil) }

// NotReady builds an AGENT_NOT_READY error, returned while a starting agent has no healthy upstream yet.
func NotReady(msg string) *Error { return newErr(CodeAgentNotReady, msg, nil) }

// NotFound builds a DEPLOYMENT_NOT_FOUND error.
func NotFound(msg string) *Error { return newErr(CodeDeploymentNotFound, msg, nil) }

// Proxy builds a PROXY_ERROR wrapping the upstream transport failure.
func Proxy(msg string, cause error) *Error { return newErr(CodeProxyError, msg, cause) }

// State builds an INVALID_STATE_TRANSITION error.
func State(msg string) *Error { return newErr(CodeInvalidStateTransition, msg, nil) }

// Tampered builds a TAMPERED_DATA error, raised when an AEAD tag fails to verify.
func Tampered(msg string) *Error { return newErr(CodeTamperedData, msg, nil) }

// NoModel builds a NO_MODEL error.
func NoModel(msg string) *Error { return newErr(CodeNoModel, msg, nil) }

// ModelKeyMismatch builds a MODEL_KEY_MISMATCH error.
func ModelKeyMismatch(msg string) *Error { return newErr(CodeModelKeyMismatch, msg, nil) }

// Validation builds a generic 400-class validation error.
func Validation(msg string) *Error { return newErr(CodeValidation, msg, nil) }

// Runtime wraps a container-runtime failure that isn't one of the categorized cases.
func Runtime(msg string, cause error) *Error { return newErr(CodeRuntime, msg, cause) }

// Is reports whether err carries the given code, unwrapping as needed.
func Is(err error, code Code) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code == code
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
