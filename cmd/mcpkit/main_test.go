package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxiomlabs/mcpkit-sub001"
	"github.com/praxiomlabs/mcpkit-sub001/config"
	"github.com/praxiomlabs/mcpkit-sub001/logx"
	"github.com/praxiomlabs/mcpkit-sub001/transport/tcp"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mcpkit v"+mcpkit.Version+"\n", out)
}

func TestConfigCommand(t *testing.T) {
	out, err := execute(t, "config", "--transport", "tcp", "--secret", "hunter2")
	require.NoError(t, err)
	assert.Contains(t, out, "kind: tcp")
	assert.NotContains(t, out, "hunter2")

	_, err = execute(t, "config", "--transport", "pigeon")
	assert.Error(t, err)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:7070/mcp", endpointURL("ws", "127.0.0.1:7070"))
	assert.Equal(t, "http://127.0.0.1:7070/mcp", endpointURL("sse", "127.0.0.1:7070"))
	assert.Equal(t, "https://example.com/rpc", endpointURL("sse", "https://example.com/rpc"))
}

func TestCallAgainstDemoServer(t *testing.T) {
	defaults := config.Defaults()
	defaults.Retry.Attempts = 0
	cfg, logger = &defaults, logx.Discard()

	s, err := newDemoServer(nil)
	require.NoError(t, err)
	l, err := tcp.Listen("127.0.0.1:0", logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		_ = l.Close()
		closeCtx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = s.Close(closeCtx)
		s.Tasks().Close()
	})

	out, err := execute(t, "call", "echo", `{"a":1}`, "--transport", "tcp", "--endpoint", l.Addr(), "--task=false")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, out)

	out, err = execute(t, "call", "sleep", `{"seconds":0.05,"steps":2}`, "--transport", "tcp", "--endpoint", l.Addr(), "--task")
	require.NoError(t, err)
	var final struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &final))
	assert.Equal(t, "completed", final.Status)
	assert.JSONEq(t, `{"slept":0.05}`, string(final.Result))

	_, err = execute(t, "call", "sleep", `{"seconds":-1}`, "--transport", "tcp", "--endpoint", l.Addr(), "--task=false")
	assert.Error(t, err, "schema rejects negative durations")
}
