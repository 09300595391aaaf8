// Package apierr defines the typed error taxonomy shared by the
// translators, the dispatcher and the HTTP boundary. Translators and the
// resolver raise these; the router serializes them into the client
// family's error envelope.
package apierr

import (
	"fmt"
	"net/http"
)

type Kind int

const (
	KindAuthMissing Kind = iota
	KindAuthUnknown
	KindChannelDisabled
	KindInvalidRequest
	KindUpstreamTimeout
	KindUpstreamNetwork
	KindUpstreamError
	KindUnsupported
	KindInternal
)

type Error struct {
	Kind    Kind
	Status  int
	Code    string
	Message string

	// Field is the failed field path for invalid requests.
	Field string

	// UpstreamStatus and UpstreamBody carry the raw upstream error for
	// passthrough; the body is re-shaped, never forwarded verbatim.
	UpstreamStatus int
	UpstreamBody   []byte

	// RetryAfter propagates the upstream Retry-After header on 429s.
	RetryAfter string

	Err error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func AuthMissing() *Error {
	return &Error{
		Kind:    KindAuthMissing,
		Status:  http.StatusUnauthorized,
		Code:    "authentication_error",
		Message: "missing API key",
	}
}

func AuthUnknown() *Error {
	return &Error{
		Kind:    KindAuthUnknown,
		Status:  http.StatusUnauthorized,
		Code:    "authentication_error",
		Message: "invalid API key",
	}
}

func ChannelDisabled() *Error {
	return &Error{
		Kind:    KindChannelDisabled,
		Status:  http.StatusForbidden,
		Code:    "permission_error",
		Message: "channel is disabled",
	}
}

func InvalidRequest(field, reason string) *Error {
	return &Error{
		Kind:    KindInvalidRequest,
		Status:  http.StatusBadRequest,
		Code:    "invalid_request_error",
		Field:   field,
		Message: reason,
	}
}

func UpstreamTimeout(err error) *Error {
	return &Error{
		Kind:    KindUpstreamTimeout,
		Status:  http.StatusGatewayTimeout,
		Code:    "upstream_timeout",
		Message: "upstream request timed out",
		Err:     err,
	}
}

func UpstreamNetwork(err error) *Error {
	return &Error{
		Kind:    KindUpstreamNetwork,
		Status:  http.StatusGatewayTimeout,
		Code:    "upstream_unreachable",
		Message: "upstream request failed",
		Err:     err,
	}
}

// Upstream wraps a non-2xx upstream response. Statuses below 400 are
// normalized to 502 so a redirect can never leak through as success.
func Upstream(status int, body []byte) *Error {
	surfaced := status
	if surfaced < 400 {
		surfaced = http.StatusBadGateway
	}
	return &Error{
		Kind:           KindUpstreamError,
		Status:         surfaced,
		Code:           "upstream_error",
		Message:        fmt.Sprintf("upstream returned HTTP %d", status),
		UpstreamStatus: status,
		UpstreamBody:   body,
	}
}

func Unsupported(feature string) *Error {
	return &Error{
		Kind:    KindUnsupported,
		Status:  http.StatusUnprocessableEntity,
		Code:    "translation_unsupported",
		Message: fmt.Sprintf("target API cannot express %s", feature),
		Field:   feature,
	}
}

func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Code:    "internal_error",
		Message: "internal server error",
		Err:     err,
	}
}

// From coerces any error into an *Error, wrapping unknown errors as
// internal so details never reach the client envelope.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*Error); ok {
		return ae
	}
	return Internal(err)
}
