// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrConnectionClosed indicates the peer closed the control connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTruncated indicates a frame ended before its declared length.
	ErrTruncated = errors.New("truncated frame")

	// ErrMalformed indicates a frame payload that is not a valid message.
	ErrMalformed = errors.New("malformed frame")

	// ErrFrameTooLarge indicates a length prefix above the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnexpectedMessage indicates a valid message that the current state
	// of the sweep does not accept.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// ProtocolErrorKind classifies a [*ProtocolError].
type ProtocolErrorKind int

const (
	ProtocolErrorTruncated ProtocolErrorKind = iota + 1
	ProtocolErrorMalformed
	ProtocolErrorFrameTooLarge
	ProtocolErrorUnexpected
)

// sentinel returns the sentinel error matching the kind.
func (k ProtocolErrorKind) sentinel() error {
	switch k {
	case ProtocolErrorTruncated:
		return ErrTruncated
	case ProtocolErrorMalformed:
		return ErrMalformed
	case ProtocolErrorFrameTooLarge:
		return ErrFrameTooLarge
	case ProtocolErrorUnexpected:
		return ErrUnexpectedMessage
	default:
		return nil
	}
}

// String implements [fmt.Stringer].
func (k ProtocolErrorKind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return "unknown"
}

// ProtocolError is a fatal violation of the control protocol.
//
// Use [errors.Is] with [ErrTruncated], [ErrMalformed], [ErrFrameTooLarge]
// or [ErrUnexpectedMessage] to check the kind.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Err  error
}

var _ error = &ProtocolError{}

// Error implements [error].
func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Kind.String()
	}
	return fmt.Sprintf("protocol error: %s: %s", e.Kind, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is allows matching against the kind sentinels.
func (e *ProtocolError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// ConnectionError is a fatal bind, accept, connect, read or write failure.
//
// A peer closing the connection between two frames is reported as a
// ConnectionError wrapping [ErrConnectionClosed].
type ConnectionError struct {
	Op  string
	Err error
}

var _ error = &ConnectionError{}

// Error implements [error].
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %s", e.Op, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SinkError is a failure to create or durably write the result file.
type SinkError struct {
	Op   string
	Path string
	Err  error
}

var _ error = &SinkError{}

// Error implements [error].
func (e *SinkError) Error() string {
	return fmt.Sprintf("result sink: %s %s: %s", e.Op, e.Path, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *SinkError) Unwrap() error {
	return e.Err
}

// newConnectionError wraps err as a [*ConnectionError], folding the
// many ways a stream reports that the peer went away into [ErrConnectionClosed].
func newConnectionError(op string, err error) *ConnectionError {
	if isClosedError(err) {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return &ConnectionError{Op: op, Err: err}
}

// isClosedError returns whether err means the stream is gone.
func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}

// IsTimeout returns whether err was caused by a configured deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
