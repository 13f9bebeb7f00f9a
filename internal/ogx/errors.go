package ogx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies protocol and validation failures. Kinds form a two-level
// hierarchy rooted at KindValidation and KindProtocol.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindMessage
	KindElement
	KindField
	KindSize
	KindFilter
	KindProtocol
	KindAuthentication
	KindEncoding
	KindRateLimit
)

var kindNames = map[Kind]string{
	KindValidation:     "validation error",
	KindMessage:        "message validation error",
	KindElement:        "element validation error",
	KindField:          "field validation error",
	KindSize:           "size validation error",
	KindFilter:         "message filter validation error",
	KindProtocol:       "protocol error",
	KindAuthentication: "authentication error",
	KindEncoding:       "encoding error",
	KindRateLimit:      "rate limit error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error lets a Kind be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Parent returns the base kind, or 0 for the two roots.
func (k Kind) Parent() Kind {
	switch k {
	case KindMessage, KindElement, KindField, KindSize, KindFilter:
		return KindValidation
	case KindAuthentication, KindEncoding, KindRateLimit:
		return KindProtocol
	}
	return 0
}

// IsA reports whether k equals base or descends from it.
func (k Kind) IsA(base Kind) bool {
	for c := k; c != 0; c = c.Parent() {
		if c == base {
			return true
		}
	}
	return false
}

// Targets for errors.Is.
var (
	ErrValidation        error = KindValidation
	ErrMessageValidation error = KindMessage
	ErrElementValidation error = KindElement
	ErrFieldValidation   error = KindField
	ErrSizeValidation    error = KindSize
	ErrFilterValidation  error = KindFilter
	ErrProtocol          error = KindProtocol
	ErrAuthentication    error = KindAuthentication
	ErrEncoding          error = KindEncoding
	ErrRateLimit         error = KindRateLimit
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeInvalidMessageFormat Code = "invalid_message_format"
	CodeMissingRequiredField Code = "missing_required_field"
	CodeInvalidFieldType     Code = "invalid_field_type"
	CodeInvalidFieldValue    Code = "invalid_field_value"
	CodeInvalidFieldFormat   Code = "invalid_field_format"
	CodeOutOfRange           Code = "out_of_range"
	CodeValueNotPermitted    Code = "value_not_permitted"
	CodeMultiplePayloads     Code = "multiple_payloads"
	CodeMissingPayload       Code = "missing_payload"
	CodeInvalidTypeAttribute Code = "invalid_type_attribute"
	CodeDuplicateFieldName   Code = "duplicate_field_name"
	CodeNestingTooDeep       Code = "nesting_too_deep"

	CodeInvalidElementFormat Code = "invalid_element_format"
	CodeMissingIndex         Code = "missing_index"
	CodeNegativeIndex        Code = "negative_index"
	CodeDuplicateIndex       Code = "duplicate_index"
	CodeNonContiguousIndex   Code = "non_contiguous_index"
	CodeMissingFields        Code = "missing_fields"

	CodeMessageSizeExceeded  Code = "message_size_exceeded"
	CodeInvalidMessageFilter Code = "invalid_message_filter"

	CodeUnauthorized       Code = "unauthorized"
	CodeTokenExpired       Code = "token_expired"
	CodeTokenInvalid       Code = "token_invalid"
	CodeTokenRevoked       Code = "token_revoked"
	CodeSubmitRateExceeded Code = "submit_rate_exceeded"
	CodeStatusRateExceeded Code = "status_rate_exceeded"
	CodeThrottled          Code = "throttled"
	CodeDecodeError        Code = "decode_error"
	CodeEncodeError        Code = "encode_error"
	CodeGatewayRejected    Code = "gateway_rejected"
	CodeUpstreamStatus     Code = "upstream_status"
)

// Error is a single protocol or validation failure. Aggregates list their
// leaf failures in Violations.
type Error struct {
	Kind       Kind
	Code       Code
	Path       string
	Detail     string
	Violations []*Error

	// Protocol errors only.
	HTTPStatus     int
	GatewayErrorID int
	RetryAfter     time.Duration

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Code))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause and all violations to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, len(e.Violations)+1)
	if e.Err != nil {
		out = append(out, e.Err)
	}
	for _, v := range e.Violations {
		out = append(out, v)
	}
	return out
}

// Is matches Kind targets by hierarchy.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind.IsA(k)
}

// StatusCode maps the error to the HTTP status a front door should answer with.
func (e *Error) StatusCode() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	switch {
	case e.Kind.IsA(KindAuthentication):
		return http.StatusUnauthorized
	case e.Kind.IsA(KindRateLimit):
		return http.StatusTooManyRequests
	case e.Kind.IsA(KindSize):
		return http.StatusRequestEntityTooLarge
	case e.Kind.IsA(KindValidation), e.Kind.IsA(KindEncoding):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// Errorf builds a leaf error.
func Errorf(kind Kind, code Code, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Path: path, Detail: fmt.Sprintf(format, args...)}
}

// Aggregate wraps violations into one error of the given kind. It returns
// nil when there are no violations and the single violation itself when it
// already has that kind.
func Aggregate(kind Kind, code Code, path string, violations []*Error) error {
	switch len(violations) {
	case 0:
		return nil
	case 1:
		if violations[0].Kind == kind && len(violations[0].Violations) == 0 {
			return violations[0]
		}
	}
	return &Error{
		Kind:       kind,
		Code:       code,
		Path:       path,
		Detail:     fmt.Sprintf("%d violation(s): %s", len(violations), violations[0].Error()),
		Violations: violations,
	}
}

// Violations flattens err into its leaf errors. Errors outside the taxonomy
// yield nil.
func Violations(err error) []*Error {
	var e *Error
	if !errors.As(err, &e) {
		return nil
	}
	if len(e.Violations) == 0 {
		return []*Error{e}
	}
	var out []*Error
	for _, v := range e.Violations {
		out = append(out, Violations(v)...)
	}
	return out
}

// NewAuthenticationError reports rejected or unusable gateway credentials.
func NewAuthenticationError(code Code, status int, cause error) *Error {
	return &Error{Kind: KindAuthentication, Code: code, HTTPStatus: status, Err: cause}
}

// NewRateLimitError reports upstream throttling.
func NewRateLimitError(code Code, retryAfter time.Duration, cause error) *Error {
	return &Error{Kind: KindRateLimit, Code: code, HTTPStatus: http.StatusTooManyRequests, RetryAfter: retryAfter, Err: cause}
}

// NewEncodingError reports a payload that cannot be decoded or encoded.
func NewEncodingError(code Code, detail string, cause error) *Error {
	return &Error{Kind: KindEncoding, Code: code, Detail: detail, Err: cause}
}

type gatewayError struct {
	kind Kind
	code Code
}

var gatewayErrors = map[int]gatewayError{
	24579: {KindRateLimit, CodeSubmitRateExceeded},
	24581: {KindRateLimit, CodeStatusRateExceeded},
	24582: {KindMessage, CodeInvalidMessageFormat},
	24583: {KindAuthentication, CodeTokenExpired},
	24584: {KindAuthentication, CodeTokenInvalid},
	24585: {KindAuthentication, CodeTokenRevoked},
	24590: {KindField, CodeInvalidFieldType},
	24591: {KindField, CodeInvalidFieldValue},
	24592: {KindField, CodeInvalidFieldFormat},
	24593: {KindField, CodeMissingRequiredField},
}

// FromGatewayErrorID converts a gateway ErrorID into the taxonomy. The
// boolean is false for ids with no mapping.
func FromGatewayErrorID(id int) (*Error, bool) {
	g, ok := gatewayErrors[id]
	if !ok {
		return nil, false
	}
	e := &Error{Kind: g.kind, Code: g.code, GatewayErrorID: id, Detail: fmt.Sprintf("gateway error %d", id)}
	switch g.kind {
	case KindRateLimit:
		e.HTTPStatus = http.StatusTooManyRequests
	case KindAuthentication:
		e.HTTPStatus = http.StatusUnauthorized
	}
	return e, true
}
