package connection

import (
	"errors"

	"github.com/praxiomlabs/mcpkit-sub001/correlator"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

var (
	// ErrClosed is returned by operations on a closing or closed connection.
	// It matches correlator.ErrConnectionClosed.
	ErrClosed = correlator.ErrConnectionClosed

	// ErrNotReady is returned for traffic submitted before the handshake
	// completed when no pre-Ready queue is configured.
	ErrNotReady = errors.New("connection is not ready")

	// ErrQueueFull is returned when the pre-Ready queue is at its limit.
	ErrQueueFull = errors.New("pre-ready queue is full")

	// ErrHandshakeInProgress is returned by a concurrent Initialize.
	ErrHandshakeInProgress = &protocol.Error{Kind: protocol.ErrInvalidState, Message: "handshake already in progress"}
)

// AuthError is returned when the peer's credentials were rejected during
// the handshake. It is never retried.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var aerr *AuthError
	if errors.As(err, &aerr) {
		return true
	}
	var payload *protocol.ErrorPayload
	return errors.As(err, &payload) && payload.Code == protocol.CodeAuthenticationFailed
}
