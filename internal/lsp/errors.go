package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the client.
var (
	// ErrNotRunning indicates a request was attempted while no session is active.
	ErrNotRunning = errors.New("tarqeem server not running")

	// ErrAlreadyRunning indicates Start was called while a session exists.
	ErrAlreadyRunning = errors.New("tarqeem server already running")

	// ErrConnectionClosed indicates the server exited or was terminated while
	// requests were outstanding.
	ErrConnectionClosed = errors.New("connection to tarqeem server closed")

	// ErrCancelled indicates a request was cancelled by the caller.
	ErrCancelled = errors.New("request cancelled")

	// ErrTimeout indicates no response arrived within the caller's bound.
	ErrTimeout = errors.New("request timed out")

	// ErrDocumentNotOpen indicates the document is not open.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrDocumentAlreadyOpen indicates the document is already open.
	ErrDocumentAlreadyOpen = errors.New("document already open")
)

// SpawnError indicates the server executable could not be located or started.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ProtocolError indicates a malformed frame or JSON body on the wire.
// Decode-time protocol errors are surfaced as error events; they do not
// terminate the connection unless resynchronization is impossible.
type ProtocolError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RPCError is a well-formed error response from the server. It is delivered
// only to the caller whose request it answers, never broadcast.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
)
