package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/middleware"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// ServeTransport starts a server connection over t, wrapped in the
// server's middleware. The connection is forgotten once it closes.
func (s *Server) ServeTransport(t transport.Transport) (*connection.Connection, error) {
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	opts := []connection.Option{
		connection.WithLogger(s.logger),
		connection.WithHandler(s),
		connection.WithInfo(s.info),
		connection.WithCapabilities(s.capabilities()),
		connection.WithInstructions(s.instructions),
	}
	if s.hooks != nil {
		opts = append(opts, connection.WithHooks(s.hooks))
	}
	if s.authenticate != nil {
		opts = append(opts, connection.WithAuthenticator(s.authenticate))
	}
	opts = append(opts, s.connOpts...)

	conn, err := connection.Serve(middleware.Chain(t, s.layers...), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start connection: %w", err)
	}
	s.conns.Store(conn.ID(), conn)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-conn.Done()
		s.conns.Delete(conn.ID())
		s.logger.Debug("connection finished", "conn", conn.ID(), "err", conn.Err())
	}()
	return conn, nil
}

// Serve accepts transports from l until ctx ends, l is closed or the
// server is closed. While it runs, expired tasks are swept periodically.
// A closed listener or context is a clean stop and returns nil; after
// Close it returns ErrServerClosed.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.sweepInterval > 0 {
		go s.tasks.RunSweeper(ctx, s.sweepInterval)
	}

	s.logger.Info("serving", "addr", l.Addr())
	for {
		t, err := l.Accept(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, transport.IsClosed(err):
				return nil
			case transport.IsRetryable(err):
				s.logger.Warn("accept failed, retrying", "err", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if _, err := s.ServeTransport(t); err != nil {
			_ = t.Close()
			if errors.Is(err, ErrServerClosed) {
				return err
			}
			s.logger.Warn("failed to serve connection", "err", err)
		}
	}
}

// Close gracefully closes every connection, waiting up to ctx for
// outstanding calls, then stops the task manager if the server owns it.
func (s *Server) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	s.conns.Range(func(_ string, conn *connection.Connection) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
		return true
	})
	wg.Wait()
	s.wg.Wait()

	if s.ownTasks {
		s.tasks.Close()
	}
	s.logger.Info("server closed")
	return errors.Join(errs...)
}
