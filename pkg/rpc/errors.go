package rpc

import (
	"errors"
	"fmt"
)

// JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// errno codes reported by the board.
const (
	EPERM     = 1
	ENOENT    = 2
	EIO       = 5
	EBADF     = 9
	EAGAIN    = 11
	ENOMEM    = 12
	EACCES    = 13
	EBUSY     = 16
	EEXIST    = 17
	ENODEV    = 19
	ENOTDIR   = 20
	EISDIR    = 21
	EINVAL    = 22
	EMFILE    = 24
	ENOSPC    = 28
	ENOSYS    = 88
	ESTALE    = 133
	ENOTSUP   = 134
	ECANCELED = 140
)

var messages = map[int]string{
	ParseError:     "Parse error",
	InvalidRequest: "Invalid request",
	MethodNotFound: "Method not found",
	InvalidParams:  "Invalid params",
	InternalError:  "Internal error",
	EPERM:          "Operation not permitted",
	ENOENT:         "No such file or directory",
	EIO:            "Input/output error",
	EBADF:          "Bad file number",
	EAGAIN:         "Operation would block",
	ENOMEM:         "Not enough space",
	EACCES:         "Permission denied",
	EBUSY:          "Device or resource busy",
	EEXIST:         "File exists",
	ENODEV:         "No such device",
	ENOTDIR:        "Not a directory",
	EISDIR:         "Is a directory",
	EINVAL:         "Invalid argument",
	EMFILE:         "Too many open files",
	ENOSPC:         "No space left on device",
	ENOSYS:         "Function not implemented",
	ESTALE:         "Stale file handle",
	ENOTSUP:        "Not supported",
	ECANCELED:      "Operation cancelled",
}

var (
	// ErrInvalidParams is returned when params is neither a document nor an array.
	ErrInvalidParams = errors.New("invalid parameter type")
	// ErrRequestTooLarge is returned when the encoded request exceeds the request buffer.
	ErrRequestTooLarge = errors.New("request data is too large")
	// ErrClosed is returned by calls on a closed Client.
	ErrClosed = errors.New("RPC client is closed")

	// ErrServerReset rejects calls when the server restarted.
	ErrServerReset = &ConnectionResetError{Msg: "RPC server has been reset (host ID does not match)"}
	// ErrClientReset rejects calls on ResetConnection.
	ErrClientReset = &ConnectionResetError{Msg: "RPC connection has been reset by client"}
)

// Message returns the canonical message of code.
func Message(code int) string {
	return messages[code]
}

// RemoteError is an error reported by the RPC server.
type RemoteError struct {
	Code    int         `bson:"code" json:"code"`
	Message string      `bson:"message,omitempty" json:"message,omitempty"`
	Data    interface{} `bson:"data,omitempty" json:"data,omitempty"`
}

// NewRemoteError creates a RemoteError with the canonical message of code.
func NewRemoteError(code int) *RemoteError {
	return &RemoteError{Code: code, Message: messages[code]}
}

// Error implements error.
func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = messages[e.Code]
	}
	if msg == "" {
		return fmt.Sprintf("remote error %d", e.Code)
	}
	return msg
}

// CancelledError rejects calls in flight when the server withdrew its mailbox.
type CancelledError struct {
	RemoteError
}

func newCancelledError() *CancelledError {
	return &CancelledError{RemoteError: *NewRemoteError(ECANCELED)}
}

// Unwrap exposes the RemoteError.
func (e *CancelledError) Unwrap() error {
	return &e.RemoteError
}

// ConnectionResetError rejects calls when the RPC session is dropped.
type ConnectionResetError struct {
	Msg string
}

// Error implements error.
func (e *ConnectionResetError) Error() string {
	return e.Msg
}
