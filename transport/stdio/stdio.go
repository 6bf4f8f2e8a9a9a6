// Package stdio provides newline-delimited transports over standard
// input/output, either this process's own or a spawned child's.
package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/transport/stream"
)

// pipe joins a reader and a writer into one io.ReadWriteCloser.
type pipe struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (p *pipe) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New returns a transport reading from r and writing to w. If r or w
// implement io.Closer they are closed with the transport.
func New(r io.Reader, w io.Writer, opts ...stream.Option) *stream.Transport {
	p := &pipe{Reader: r, Writer: w}
	if c, ok := w.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
	if c, ok := r.(io.Closer); ok {
		p.closers = append(p.closers, c)
	}
	opts = append([]stream.Option{stream.WithName("stdio")}, opts...)
	return stream.New(p, opts...)
}

// NewStdio returns a transport over os.Stdin and os.Stdout. Closing it does
// not close the process's standard streams.
func NewStdio(opts ...stream.Option) *stream.Transport {
	return New(io.NopCloser(os.Stdin), nopWriteCloser{os.Stdout}, opts...)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Process is a transport connected to a child process's stdin and stdout.
type Process struct {
	*stream.Transport

	cmd      *exec.Cmd
	logger   *slog.Logger
	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// ShutdownGrace is how long Close waits for the child to exit after its
// stdin is closed before interrupting it.
var ShutdownGrace = 2 * time.Second

// Command starts name with args and returns a transport speaking to it.
// The child's stderr is forwarded to the logger at debug level.
func Command(ctx context.Context, logger *slog.Logger, name string, args ...string) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	logger = logger.With("command", name, "pid", cmd.Process.Pid)
	logger.Info("started server process")

	p := &Process{
		cmd:    cmd,
		logger: logger,
		exited: make(chan struct{}),
	}
	go p.forwardStderr(stderr)
	// stdout is not registered as a closer: exec closes it in Wait.
	p.Transport = stream.New(&pipe{Reader: stdout, Writer: stdin, closers: []io.Closer{stdin}},
		stream.WithName("stdio:"+name), stream.WithLogger(logger))
	go p.wait()
	return p, nil
}

func (p *Process) forwardStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.logger.Debug("server stderr", "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) wait() {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.waitErr != nil {
			p.logger.Warn("server process exited", "err", p.waitErr)
		} else {
			p.logger.Info("server process exited")
		}
		close(p.exited)
	})
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Close closes the child's stdin and waits for it to exit, interrupting and
// finally killing it if it lingers.
func (p *Process) Close() error {
	err := p.Transport.Close()
	select {
	case <-p.exited:
		return err
	case <-time.After(ShutdownGrace):
	}
	p.logger.Warn("server process did not exit, interrupting")
	if sigErr := p.cmd.Process.Signal(os.Interrupt); sigErr != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.exited:
	case <-time.After(ShutdownGrace):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	return err
}
