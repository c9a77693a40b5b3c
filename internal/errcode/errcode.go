// Package errcode defines the gateway's typed error taxonomy and its
// mapping onto HTTP status codes.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class. Codes are part of the public API:
// they appear verbatim in REST error bodies and canvas error messages.
type Code string

const (
	// Validation
	CodeInvalidInput    Code = "INVALID_INPUT"
	CodePayloadTooLarge Code = "PAYLOAD_TOO_LARGE"

	// Authentication / authorization
	CodeAuthRejected     Code = "AUTH_REJECTED"
	CodeSessionExpired   Code = "SESSION_EXPIRED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeAccessDenied     Code = "ACCESS_DENIED"

	// Not found
	CodeDocNotFound       Code = "DOC_NOT_FOUND"
	CodeBlockNotFound     Code = "BLOCK_NOT_FOUND"
	CodeElementNotFound   Code = "ELEMENT_NOT_FOUND"
	CodeFolderNotFound    Code = "FOLDER_NOT_FOUND"
	CodeCommentNotFound   Code = "COMMENT_NOT_FOUND"
	CodeTokenNotFound     Code = "TOKEN_NOT_FOUND"
	CodeWorkspaceNotFound Code = "WORKSPACE_NOT_FOUND"

	// Conflict
	CodeDocumentExists Code = "DOCUMENT_ALREADY_EXISTS"
	CodeTagExists      Code = "TAG_ALREADY_EXISTS"

	// Upstream
	CodeUpstreamUnreachable   Code = "UPSTREAM_UNREACHABLE"
	CodeUpstreamTimeout       Code = "UPSTREAM_TIMEOUT"
	CodeDocUpdateBlocked      Code = "DOC_UPDATE_BLOCKED"
	CodeSocketHandshakeFailed Code = "SOCKET_HANDSHAKE_FAILED"

	// Integrity
	CodeCRDTApplyFailed Code = "CRDT_APPLY_FAILED"

	// Fallback
	CodeInternal Code = "INTERNAL"
)

// Error carries a Code alongside a human-readable message and an optional
// wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error. A nil cause yields nil.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the Code from err, walking the wrap chain.
// Errors without a code report CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code to the HTTP status the REST surface returns.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeAuthRejected, CodeSessionExpired:
		return http.StatusUnauthorized
	case CodePermissionDenied, CodeAccessDenied:
		return http.StatusForbidden
	case CodeDocNotFound, CodeBlockNotFound, CodeElementNotFound,
		CodeFolderNotFound, CodeCommentNotFound, CodeTokenNotFound,
		CodeWorkspaceNotFound:
		return http.StatusNotFound
	case CodeDocumentExists, CodeTagExists:
		return http.StatusConflict
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamUnreachable, CodeSocketHandshakeFailed,
		CodeDocUpdateBlocked, CodeCRDTApplyFailed, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// FromUpstream maps an upstream ack error name to a gateway code.
// Unrecognised names fall through to CodeInternal so that new upstream
// errors surface loudly instead of being mistaken for client mistakes.
func FromUpstream(name string) Code {
	switch name {
	case "DOC_NOT_FOUND", "NOT_FOUND", "SPACE_NOT_FOUND":
		return CodeDocNotFound
	case "DOC_UPDATE_BLOCKED", "VERSION_REJECTED":
		return CodeDocUpdateBlocked
	case "ACCESS_DENIED":
		return CodeAccessDenied
	case "PERMISSION_DENIED", "FORBIDDEN":
		return CodePermissionDenied
	case "AUTHENTICATION_REQUIRED", "INVALID_AUTH_STATE":
		return CodeSessionExpired
	case "TIMEOUT":
		return CodeUpstreamTimeout
	default:
		return CodeInternal
	}
}
