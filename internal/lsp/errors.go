package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the LSP client.
var (
	// ErrConnectionInactive indicates a request or notification was attempted
	// while the client is not running.
	ErrConnectionInactive = errors.New("lsp connection is inactive")

	// ErrConnectionClosed indicates the underlying connection was closed while
	// an operation was pending.
	ErrConnectionClosed = errors.New("lsp connection closed")

	// ErrNoFeature indicates a dynamic (un)registration named a method no
	// registered feature owns.
	ErrNoFeature = errors.New("no feature registered for method")

	// ErrDuplicateFeature indicates two dynamic features claim the same method.
	ErrDuplicateFeature = errors.New("feature already registered for method")

	// ErrStopTimeout indicates the graceful shutdown sequence did not finish in time.
	ErrStopTimeout = errors.New("stopping the server timed out")

	// ErrNotSupported indicates the server does not support the requested feature.
	ErrNotSupported = errors.New("feature not supported by server")

	// ErrMissingContentLength indicates a frame header without Content-Length.
	ErrMissingContentLength = errors.New("missing Content-Length header")

	// ErrMessageTooLarge indicates a frame whose Content-Length exceeds
	// MaxMessageSize. The body is skipped and the stream stays usable.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// StateError reports an operation that is invalid in the client's current state.
type StateError struct {
	Op    string
	State string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("lsp client: cannot %s while %s", e.Op, e.State)
}

// RPCError represents a JSON-RPC error from the server.
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
	// JSON-RPC standard errors
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// asRPCError converts a handler error into the wire error object.
func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: CodeInternalError, Message: err.Error()}
}
