package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a transport that was closed locally.
var ErrClosed = errors.New("transport is closed")

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// KindIO is a read or write failure on the underlying stream.
	KindIO ErrorKind = iota + 1
	// KindPeerClosed means the peer went away without an orderly close.
	KindPeerClosed
	// KindClosing means the transport was closed locally.
	KindClosing
	// KindTimeout means a bounded operation ran out of time.
	KindTimeout
	// KindFraming means a frame could not be delimited, e.g. it exceeded the size limit.
	KindFraming
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "i/o"
	case KindPeerClosed:
		return "peer closed"
	case KindClosing:
		return "closing"
	case KindTimeout:
		return "timeout"
	case KindFraming:
		return "framing"
	}
	return "unknown"
}

// Error is a failure of the transport itself, as opposed to the messages it carries.
type Error struct {
	Op        string // "send", "receive", "dial", ...
	Kind      ErrorKind
	Transient bool // the same operation may succeed if retried
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s (%s)", e.Op, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether this is a timeout, matching the net.Error convention.
func (e *Error) Timeout() bool { return e.Kind == KindTimeout }

// NewIOError wraps a stream failure.
func NewIOError(op string, err error, transient bool) *Error {
	return &Error{Op: op, Kind: KindIO, Transient: transient, Err: err}
}

// NewTimeoutError reports an expired bound on op.
func NewTimeoutError(op string, err error) *Error {
	if err == nil {
		err = context.DeadlineExceeded
	}
	return &Error{Op: op, Kind: KindTimeout, Transient: true, Err: err}
}

// NewClosedError reports use of a locally closed transport.
func NewClosedError(op string) *Error {
	return &Error{Op: op, Kind: KindClosing, Err: ErrClosed}
}

// NewPeerClosedError reports an abrupt disconnect by the peer.
func NewPeerClosedError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindPeerClosed, Err: err}
}

// IsTransportError reports whether err is a transport failure.
func IsTransportError(err error) bool {
	var terr *Error
	return errors.As(err, &terr)
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Transient
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool {
	var terr *Error
	return errors.As(err, &terr) && terr.Kind == KindTimeout
}

// IsClosed reports whether err means the transport can no longer be used.
func IsClosed(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind == KindClosing || terr.Kind == KindPeerClosed
	}
	return errors.Is(err, ErrClosed)
}
