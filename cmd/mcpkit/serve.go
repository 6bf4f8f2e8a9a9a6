package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"

	"github.com/praxiomlabs/mcpkit-sub001"
	"github.com/praxiomlabs/mcpkit-sub001/server"
	"github.com/praxiomlabs/mcpkit-sub001/task"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
	"github.com/praxiomlabs/mcpkit-sub001/transport/sse"
	"github.com/praxiomlabs/mcpkit-sub001/transport/stdio"
	"github.com/praxiomlabs/mcpkit-sub001/transport/tcp"
	"github.com/praxiomlabs/mcpkit-sub001/transport/ws"
)

// httpPath is where the ws and sse transports are mounted.
const httpPath = "/mcp"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo tools",
	Long: `Serve the demo tools "echo" and "sleep" over the configured transport.

"echo" returns its params. "sleep" runs as a task for the given number of
seconds, reporting progress once per step. The ws and sse transports are
mounted at /mcp next to Prometheus metrics at /metrics.`,
	RunE: runServe,
}

const sleepSchema = `{
	"type": "object",
	"properties": {
		"seconds": {"type": "number", "minimum": 0},
		"steps": {"type": "integer", "minimum": 1}
	},
	"required": ["seconds"]
}`

func newDemoServer(set *metrics.Set) (*server.Server, error) {
	validator, err := cfg.Validator(context.Background())
	if err != nil {
		return nil, err
	}
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithInfo(mcpkit.Implementation("mcpkit-demo")),
		server.WithInstructions(`Call "echo" with any params or "sleep" with {"seconds": n}.`),
		server.WithMiddleware(cfg.Middleware(logger, set)...),
		server.WithConnectionOptions(cfg.ConnectionOptions()...),
		server.WithTaskManager(cfg.TaskManager(logger)),
		server.WithSweepInterval(cfg.Tasks.SweepInterval),
	}
	if validator != nil {
		opts = append(opts, server.WithTokenValidator(validator))
	}
	s := server.New(opts...)

	if err := s.Handle("echo", func(_ context.Context, req *server.Request) (any, error) {
		return req.Message.Params, nil
	}); err != nil {
		return nil, err
	}
	if err := s.HandleTask("sleep", sleep, server.WithSchema(sleepSchema)); err != nil {
		return nil, err
	}
	return s, nil
}

func sleep(ctx context.Context, req *server.Request, r *task.Reporter) (any, error) {
	p := struct {
		Seconds float64 `json:"seconds"`
		Steps   int     `json:"steps"`
	}{Steps: 10}
	if err := req.Bind(&p); err != nil {
		return nil, err
	}
	total := float64(p.Steps)
	step := time.Duration(p.Seconds * float64(time.Second) / total)
	ticker := time.NewTicker(max(step, time.Millisecond))
	defer ticker.Stop()
	for i := 1; i <= p.Steps; i++ {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
		if err := r.Progress(float64(i), &total, fmt.Sprintf("step %d of %d", i, p.Steps)); err != nil {
			return nil, err
		}
	}
	return map[string]any{"slept": p.Seconds}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	set := metrics.NewSet()
	s, err := newDemoServer(set)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Close)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			logger.Warn("server did not close cleanly", "err", err)
		}
		s.Tasks().Close()
	}()

	switch cfg.Transport.Kind {
	case "stdio":
		return serveStdio(ctx, s)
	case "tcp":
		l, err := tcp.Listen(cfg.Transport.Listen, logger, cfg.StreamOptions(logger)...)
		if err != nil {
			return err
		}
		defer l.Close()
		return s.Serve(ctx, l)
	case "ws":
		return serveHTTP(ctx, s, ws.NewHandler(logger, 16), set)
	case "sse":
		return serveHTTP(ctx, s, sse.NewServer(sse.WithServerLogger(logger)), set)
	}
	return fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

// serveStdio serves a single connection on stdin and stdout until the peer
// hangs up or ctx ends.
func serveStdio(ctx context.Context, s *server.Server) error {
	conn, err := s.ServeTransport(stdio.NewStdio(cfg.StreamOptions(logger)...))
	if err != nil {
		return err
	}
	if cfg.Tasks.SweepInterval > 0 {
		go s.Tasks().RunSweeper(ctx, cfg.Tasks.SweepInterval)
	}
	select {
	case <-conn.Done():
	case <-ctx.Done():
	}
	return nil
}

type httpListener interface {
	http.Handler
	transport.Listener
}

func serveHTTP(ctx context.Context, s *server.Server, l httpListener, set *metrics.Set) error {
	mux := http.NewServeMux()
	mux.Handle(httpPath, l)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		set.WritePrometheus(w)
	})
	hs := &http.Server{Addr: cfg.Transport.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", hs.Addr, "path", httpPath, "transport", cfg.Transport.Kind)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			cancel()
		}
		close(errc)
	}()

	serveErr := s.Serve(ctx, l)
	_ = l.Close()
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Timeouts.Close)
	defer done()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "err", err)
	}
	if err := <-errc; err != nil {
		return err
	}
	return serveErr
}
