package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure shared by services and clients
type Code string

const (
	CodePairNotFound          Code = "pair_not_found"
	CodePairExpired           Code = "pair_expired"
	CodeCodeSpaceExhausted    Code = "code_space_exhausted"
	CodeTransferNotFound      Code = "transfer_not_found"
	CodeTransferAlreadyExists Code = "transfer_already_exists"
	CodeChunkNotReady         Code = "chunk_not_ready"
	CodeChunkIndexOutOfRange  Code = "chunk_index_out_of_range"
	CodeChunkUnavailable      Code = "chunk_unavailable"
	CodeIntegrityMismatch     Code = "integrity_mismatch"
	CodeNegotiationTimeout    Code = "negotiation_timeout"
	CodePeerDisconnected      Code = "peer_disconnected"
	CodeInvalidArgument       Code = "invalid_argument"
	CodeUnavailable           Code = "unavailable"
	CodeCancelled             Code = "cancelled"
	CodeInternal              Code = "internal"
)

// Sentinel errors, one per code. Compare with errors.Is.
var (
	ErrPairNotFound          = &Error{Code: CodePairNotFound, Message: "pair code not found or expired"}
	ErrPairExpired           = &Error{Code: CodePairExpired, Message: "pair code not found or expired"}
	ErrCodeSpaceExhausted    = &Error{Code: CodeCodeSpaceExhausted, Message: "no pair codes available"}
	ErrTransferNotFound      = &Error{Code: CodeTransferNotFound, Message: "transfer not found"}
	ErrTransferAlreadyExists = &Error{Code: CodeTransferAlreadyExists, Message: "transfer already exists with a different manifest"}
	ErrChunkNotReady         = &Error{Code: CodeChunkNotReady, Message: "chunk not yet uploaded"}
	ErrChunkIndexOutOfRange  = &Error{Code: CodeChunkIndexOutOfRange, Message: "chunk index out of range"}
	ErrChunkUnavailable      = &Error{Code: CodeChunkUnavailable, Message: "chunk unavailable after retries"}
	ErrIntegrityMismatch     = &Error{Code: CodeIntegrityMismatch, Message: "chunk integrity check failed"}
	ErrNegotiationTimeout    = &Error{Code: CodeNegotiationTimeout, Message: "peer negotiation timed out"}
	ErrPeerDisconnected      = &Error{Code: CodePeerDisconnected, Message: "peer disconnected"}
	ErrInvalidArgument       = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrUnavailable           = &Error{Code: CodeUnavailable, Message: "service unavailable"}
	ErrCancelled             = &Error{Code: CodeCancelled, Message: "transfer cancelled"}
)

// Error is a coded error. Two errors match under errors.Is when their codes
// match, so a detailed error still matches its sentinel.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports code equality. An expired pair also matches ErrPairNotFound so
// callers cannot tell the two apart unless they ask for ErrPairExpired.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code == t.Code {
		return true
	}
	return e.Code == CodePairExpired && t.Code == CodePairNotFound
}

// New creates a coded error with a custom message
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the code of the first coded error in the chain
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether a per-chunk operation should be attempted again
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeChunkNotReady, CodeIntegrityMismatch, CodeUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the status code used by the service APIs
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodePairNotFound, CodePairExpired, CodeTransferNotFound, CodeChunkNotReady:
		return http.StatusNotFound
	case CodeTransferAlreadyExists:
		return http.StatusConflict
	case CodeChunkIndexOutOfRange, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeIntegrityMismatch:
		return http.StatusUnprocessableEntity
	case CodeCodeSpaceExhausted, CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error payload returned by the services
type Body struct {
	Error   Code   `json:"error"`
	Message string `json:"message"`
}

// ToBody renders err for an HTTP response. Expired pairs are reported as
// plain not-found.
func ToBody(err error) Body {
	code := CodeOf(err)
	if code == "" {
		code = CodeInternal
	}
	if code == CodePairExpired {
		code = CodePairNotFound
	}
	msg := err.Error()
	if code == CodePairNotFound {
		msg = ErrPairNotFound.Message
	}
	return Body{Error: code, Message: msg}
}

// FromBody rebuilds a coded error from a service response
func FromBody(status int, body Body) error {
	if body.Error == "" {
		if status >= 500 {
			return New(CodeUnavailable, "server returned %d", status)
		}
		return New(CodeInternal, "server returned %d", status)
	}
	msg := body.Message
	if msg == "" {
		msg = string(body.Error)
	}
	if body.Error == CodeInternal && status >= 500 {
		return &Error{Code: CodeUnavailable, Message: msg}
	}
	return &Error{Code: body.Error, Message: msg}
}
