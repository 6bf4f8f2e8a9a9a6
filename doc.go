// Package mcpkit is a toolkit for JSON-RPC 2.0 tool servers and clients.
//
// The module is layered bottom-up:
//
//   - protocol: messages, ids, error codes and the handshake payloads
//   - transport and its subpackages: stdio, tcp, ws, sse and inmemory
//   - middleware: logging, metrics, rate limiting, retry and timeouts
//   - correlator: request/response matching with deadlines
//   - connection: the lifecycle state machine and handshake
//   - pool: a bounded pool of ready client connections
//   - task: long-running operations with progress and cancellation
//   - server and client: the application-facing API
//
// A minimal server over TCP:
//
//	s := mcpkit.NewServer("demo")
//	_ = s.Handle("echo", func(ctx context.Context, req *server.Request) (any, error) {
//		return req.Message.Params, nil
//	})
//	l, _ := tcp.Listen("127.0.0.1:7070", logger)
//	_ = s.Serve(ctx, l)
//
// and a client calling it:
//
//	c, _ := mcpkit.Dial(ctx, tcp.Dialer("127.0.0.1:7070", logger))
//	var out json.RawMessage
//	_ = c.Call(ctx, "echo", map[string]int{"x": 1}, &out)
package mcpkit
