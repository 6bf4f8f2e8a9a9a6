package ws

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

func TestWebSocketRoundTrip(t *testing.T) {
	h := NewHandler(nil, 4)
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dialer(url, nil).Dial(ctx)
	require.NoError(t, err)
	defer client.Close()

	server, err := h.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()

	req, err := protocol.NewRequest(protocol.IntID(1), "echo", map[string]int{"x": 1})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, req))

	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Method)

	resp, err := protocol.NewResult(got.IDValue(), map[string]int{"x": 1})
	require.NoError(t, err)
	require.NoError(t, server.Send(ctx, resp))

	back, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(back.Result))

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF, "a close frame is an orderly shutdown")
	assert.False(t, client.IsConnected())
}

func TestHandlerAcceptAfterClose(t *testing.T) {
	h := NewHandler(nil, 1)
	require.NoError(t, h.Close())
	_, err := h.Accept(context.Background())
	assert.True(t, transport.IsClosed(err))
}
