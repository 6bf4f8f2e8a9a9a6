package sse

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxiomlabs/mcpkit-sub001/middleware"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

func setup(t *testing.T) (*httptest.Server, *Server, *Client, transport.Transport) {
	t.Helper()
	s := NewServer(WithReplayBuffer(32))
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := Dial(ctx, srv.URL, WithReconnect(middleware.NewConstantBackoff(10*time.Millisecond, 50)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	assert.NotEmpty(t, c.SessionID())

	sess, err := s.Accept(ctx)
	require.NoError(t, err)
	return srv, s, c, sess
}

func notify(t *testing.T, method string) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewNotification(method, nil)
	require.NoError(t, err)
	return msg
}

func TestSSERoundTrip(t *testing.T) {
	_, _, client, session := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := protocol.NewRequest(protocol.IntID(1), "echo", map[string]int{"x": 1})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, req))

	got, err := session.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Method)

	resp, err := protocol.NewResult(got.IDValue(), map[string]int{"x": 1})
	require.NoError(t, err)
	require.NoError(t, session.Send(ctx, resp))

	back, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.IntID(1), back.IDValue())
	assert.JSONEq(t, `{"x":1}`, string(back.Result))
	assert.Equal(t, "1", client.LastEventID())
}

func TestSSEResumesAfterDisconnect(t *testing.T) {
	srv, _, client, session := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, session.Send(ctx, notify(t, "n/1")))
	got, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n/1", got.Method)

	srv.CloseClientConnections()

	// Sent while the client is between streams.
	require.NoError(t, session.Send(ctx, notify(t, "n/2")))
	require.NoError(t, session.Send(ctx, notify(t, "n/3")))

	for _, want := range []string{"n/2", "n/3"} {
		got, err := client.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Method, "events are replayed once, in order")
	}
	assert.Eventually(t, func() bool { return client.LastEventID() == "3" }, time.Second, 5*time.Millisecond)
	assert.True(t, client.IsConnected())
}

func TestSSEClientCloseEndsSession(t *testing.T) {
	_, server, client, session := setup(t)
	require.NoError(t, client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := session.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.Zero(t, server.SessionCount())

	err = client.Send(ctx, notify(t, "late"))
	assert.True(t, transport.IsClosed(err))
}

func TestSSEServerRejectsUnknownSession(t *testing.T) {
	s := NewServer()
	srv := httptest.NewServer(s)
	defer srv.Close()
	defer s.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"jsonrpc":"2.0","method":"x"}`))
	require.NoError(t, err)
	req.Header.Set(SessionHeader, "missing")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPut, srv.URL, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSSEServerRejectsMalformedPost(t *testing.T) {
	srv, _, client, _ := setup(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"jsonrpc":"2.0"}`))
	require.NoError(t, err)
	req.Header.Set(SessionHeader, client.SessionID())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
