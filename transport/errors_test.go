package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	timeout := NewTimeoutError("receive", nil)
	assert.True(t, IsTimeout(timeout))
	assert.True(t, IsRetryable(timeout))
	assert.True(t, errors.Is(timeout, context.DeadlineExceeded))
	assert.True(t, timeout.Timeout())

	closed := NewClosedError("send")
	assert.True(t, IsClosed(closed))
	assert.False(t, IsRetryable(closed))
	assert.True(t, errors.Is(closed, ErrClosed))

	peer := NewPeerClosedError("receive", io.ErrUnexpectedEOF)
	assert.True(t, IsClosed(peer))
	assert.True(t, errors.Is(peer, io.ErrUnexpectedEOF))

	wrapped := fmt.Errorf("call failed: %w", NewIOError("send", errors.New("broken pipe"), true))
	assert.True(t, IsTransportError(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsTimeout(wrapped))
	assert.Contains(t, wrapped.Error(), "transport send (i/o): broken pipe")

	assert.False(t, IsTransportError(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}
