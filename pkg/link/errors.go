package link

import (
	"context"
	"fmt"
	"time"
)

var (
	// ErrNotConnected indicates no transport session is active.
	ErrNotConnected = &ConnectionError{Msg: "not connected"}
	// ErrAlreadyConnected is returned by Connect on an active session.
	ErrAlreadyConnected = &ConnectionError{Msg: "already connected"}
	// ErrOperationInProgress indicates another low level operation owns the link.
	ErrOperationInProgress = &ConnectionError{Msg: "operation is in progress"}
)

// ConnectionError reports a problem with the transport session.
type ConnectionError struct {
	Msg string
	Err error
}

// Error implements error.
func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports malformed or unexpected data from the board.
type ProtocolError struct {
	Op  string
	Msg string
}

// Error implements error.
func (e *ProtocolError) Error() string {
	if e.Op == "" {
		return e.Msg
	}
	return e.Op + ": " + e.Msg
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(op, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// TimeoutError reports an expired deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	// Err is the last failure observed before the deadline expired, if any.
	Err error
}

// Error implements error.
func (e *TimeoutError) Error() string {
	msg := e.Op + ": timed out"
	if e.Timeout > 0 {
		msg += fmt.Sprintf(" after %v", e.Timeout)
	}
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

// Unwrap returns the last failure.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, context.DeadlineExceeded) hold for timeouts.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}
