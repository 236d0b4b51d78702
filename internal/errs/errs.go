package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code categorizes failures for HTTP translation and retry decisions
type Code string

const (
	// Authorization
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	CodeNoPermission Code = "NO_PERMISSION"

	// Validation
	CodeMalformedBody      Code = "MALFORMED_BODY"
	CodeMissingField       Code = "MISSING_FIELD"
	CodeInvalidRole        Code = "INVALID_ROLE"
	CodeInvalidMessageType Code = "INVALID_MESSAGE_TYPE"

	// Transient infrastructure; callers may retry
	CodeStoreUnavailable     Code = "STORE_UNAVAILABLE"
	CodeBusUnavailable       Code = "BUS_UNAVAILABLE"
	CodeSequencerUnavailable Code = "SEQUENCER_UNAVAILABLE"
	CodeEndpointTransient    Code = "ENDPOINT_TRANSIENT"

	// Terminal infrastructure; the endpoint is gone for good
	CodeEndpointGone Code = "ENDPOINT_GONE"

	// Lifecycle
	CodeExpired Code = "EXPIRED"

	CodeRateLimited Code = "RATE_LIMITED"
	CodeInternal    Code = "INTERNAL_ERROR"
)

// Error is the one error shape that crosses component boundaries.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying cause
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Retryable reports whether the caller may retry the same operation.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeStoreUnavailable, CodeBusUnavailable, CodeSequencerUnavailable,
		CodeEndpointTransient, CodeRateLimited:
		return true
	}
	return false
}

// HTTPStatus maps the code to the status the public API returns.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeTokenInvalid, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeNoPermission:
		return http.StatusForbidden
	case CodeMalformedBody, CodeMissingField, CodeInvalidRole, CodeInvalidMessageType:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeEndpointGone:
		return http.StatusGone
	case CodeStoreUnavailable, CodeBusUnavailable, CodeSequencerUnavailable:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the Code from any error, defaulting to INTERNAL_ERROR
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Body is the JSON shape every HTTP error response carries.
type Body struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteHTTP renders err as the canonical JSON error response. The wrapped
// cause never reaches the wire, only the code and message.
func WriteHTTP(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternal, Message: "internal error"}
	}
	var body Body
	body.Error.Code = e.Code
	body.Error.Message = e.Message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	_ = json.NewEncoder(w).Encode(body)
}
