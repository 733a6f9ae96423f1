// Package protocol defines the wire shapes every HTTP response from the
// core's external interfaces uses, and the small set of helpers boundary
// code needs to stay interoperable with them (error envelope, pane id
// encoding).
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ErrorCode is the closed set of error codes the envelope's error.code carries.
type ErrorCode string

const (
	ErrInvalidPane    ErrorCode = "INVALID_PANE"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	ErrRateLimit      ErrorCode = "RATE_LIMIT"
	ErrInternal       ErrorCode = "INTERNAL"
)

// ErrPayload is the error object embedded in an Envelope.
type ErrPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Envelope is the JSON shape every response from the core's HTTP contract
// surface takes: a payload under a caller-chosen field, plus an optional
// error and an optional second-line error cause.
type Envelope struct {
	Error      *ErrPayload `json:"error,omitempty"`
	ErrorCause string      `json:"errorCause,omitempty"`
}

// Error implements the error interface so an Envelope's error half can be
// propagated through Go's normal error-return plumbing.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   string
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != "" {
		return e.Message + "\nError cause: " + e.Cause
	}
	return e.Message
}

func (e *Error) Payload() ErrPayload {
	return ErrPayload{Code: e.Code, Message: e.Message}
}

// BuildServerErrorMessage concatenates a server-supplied message (if any)
// with the HTTP status, per the envelope-translation rule in the spec:
// "a message is constructed by concatenating the server message (if any)
// and the status".
func BuildServerErrorMessage(serverMessage string, status int) string {
	serverMessage = strings.TrimSpace(serverMessage)
	statusText := httpStatusLabel(status)
	if serverMessage == "" {
		return statusText
	}
	return serverMessage + " (" + statusText + ")"
}

func httpStatusLabel(status int) string {
	return "HTTP " + strconv.Itoa(status)
}

// EncodePaneID prepares a pane identifier for embedding in a URL path
// segment: '%' is doubled to "%25" first so that a literal '%' already
// present in the pane id survives the subsequent percent-encoding
// round trip, then the result is percent-encoded by the caller's router.
func EncodePaneID(paneID string) string {
	return strings.ReplaceAll(paneID, "%", "%25")
}

// MustRaw marshals v, discarding any error (used for test fixtures and
// internal construction of payloads already known to be valid).
func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
