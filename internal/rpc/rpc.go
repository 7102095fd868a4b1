// Package rpc implements the JSON-RPC request/response/notification framing
// and dispatch rules described in spec.md §4.4: one JSON object per message,
// namespaced methods, synchronous and asynchronous handler replies, and a
// small typed error set so callers can branch on a code instead of
// string-matching the wire message.
package rpc

import "encoding/json"

// Request is the wire shape of a client-issued call (spec.md §4.4).
type Request struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the wire shape of a reply to a Request.
type Response struct {
	ID     int         `json:"id"`
	Status string      `json:"status"`
	Params interface{} `json:"params,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Notification is the wire shape of a server-initiated, unsolicited message.
type Notification struct {
	Notification string      `json:"notification"`
	Params       interface{} `json:"params"`
}

// ErrorCode identifies the category of an RPC-layer failure (SPEC_FULL.md
// §7). Handlers attach one to the *Error they pass to their reply callback;
// the dispatcher's own protocol errors are sent as plain wire messages and
// carry no code, and only the message reaches the wire.
type ErrorCode string

const (
	CodeParseFailure     ErrorCode = "parse_failure"
	CodeMissingID        ErrorCode = "missing_id"
	CodeInvalidMethod    ErrorCode = "invalid_method"
	CodeUnknownNamespace ErrorCode = "unknown_namespace"
	CodeInvalidParams    ErrorCode = "invalid_params"
	CodeCallTimeout      ErrorCode = "call_timeout"
	CodeHandlerFailure   ErrorCode = "handler_failure"
)

// Error is the typed error a handler returns through its reply callback to
// signal failure; Message is what reaches the wire verbatim.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError builds an *Error with the given code and wire message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}
