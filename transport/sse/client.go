package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gosse "github.com/tmaxmax/go-sse"

	"github.com/praxiomlabs/mcpkit-sub001/middleware"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for the stream and for POSTs.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// WithReconnect sets the backoff used when the event stream drops.
func WithReconnect(b middleware.BackoffStrategy) ClientOption {
	return func(cl *Client) { cl.backoff = b }
}

// WithHeader adds a header to every request, e.g. Authorization.
func WithHeader(key, value string) ClientOption {
	return func(cl *Client) { cl.headers.Set(key, value) }
}

// Client is the client side of an SSE session. Messages from the server
// arrive on a long-lived GET stream that is transparently resumed after a
// disconnect; outbound messages are POSTed.
type Client struct {
	url     string
	http    *http.Client
	logger  *slog.Logger
	backoff middleware.BackoffStrategy
	headers http.Header

	sessionID   string
	lastEventID atomic.Value // string; advanced only after a message is handed to Receive

	incoming   chan *protocol.Message
	ctx        context.Context
	cancel     context.CancelFunc
	readerDone chan struct{}
	readErr    error
	closed     atomic.Bool
	closeOnce  sync.Once
}

var _ transport.Transport = (*Client)(nil)

// Dial opens a session at url.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:        url,
		http:       http.DefaultClient,
		logger:     slog.Default(),
		backoff:    middleware.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 5),
		headers:    http.Header{},
		incoming:   make(chan *protocol.Message),
		readerDone: make(chan struct{}),
	}
	c.lastEventID.Store("")
	for _, opt := range opts {
		opt(c)
	}

	// The stream outlives ctx, which only bounds establishing it.
	c.ctx, c.cancel = context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, c.cancel)
	body, err := c.openStream(c.ctx)
	if !stop() {
		if body != nil {
			body.Close()
		}
		c.cancel()
		return nil, ctx.Err()
	}
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.logger = c.logger.With("transport", "sse", "session", c.sessionID)
	go c.readLoop(body)
	return c, nil
}

// Dialer returns a transport.Dialer for url.
func Dialer(url string, opts ...ClientOption) transport.Dialer {
	return transport.DialFunc(func(ctx context.Context) (transport.Transport, error) {
		return Dial(ctx, url, opts...)
	})
}

// SessionID returns the id assigned by the server.
func (c *Client) SessionID() string { return c.sessionID }

// LastEventID returns the id sent on reconnect. It is recorded after the
// event's message has been handed to Receive, so it may briefly lag the
// message Receive just returned.
func (c *Client) LastEventID() string { return c.lastEventID.Load().(string) }

func (c *Client) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.sessionID != "" {
		req.Header.Set(SessionHeader, c.sessionID)
	}
	return req, nil
}

// errSessionGone means the server no longer knows the session.
var errSessionGone = errors.New("session not found")

func (c *Client) openStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, transport.NewIOError("dial", err, false)
	}
	req.Header.Set("Accept", "text/event-stream")
	if last := c.LastEventID(); last != "" {
		req.Header.Set(LastEventIDHeader, last)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transport.NewIOError("dial", err, true)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, errSessionGone
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, transport.NewIOError("dial", fmt.Errorf("unexpected status code: %d", resp.StatusCode), transient)
	}
	if id := resp.Header.Get(SessionHeader); id != "" && c.sessionID == "" {
		c.sessionID = id
	}
	if c.sessionID == "" {
		resp.Body.Close()
		return nil, transport.NewIOError("dial", errors.New("server did not assign a session id"), false)
	}
	return resp.Body, nil
}

func (c *Client) readLoop(body io.ReadCloser) {
	defer close(c.readerDone)
	for {
		err := c.consume(body)
		body.Close()
		if c.closed.Load() {
			c.readErr = transport.NewClosedError("receive")
			return
		}
		c.logger.Debug("sse stream ended, reconnecting", "err", err, "lastEventId", c.LastEventID())
		body, err = c.reconnect()
		if err != nil {
			c.readErr = err
			return
		}
	}
}

// consume delivers events from one stream until it ends.
func (c *Client) consume(body io.Reader) error {
	for ev, err := range gosse.Read(body, &gosse.ReadConfig{MaxEventSize: DefaultMaxBodySize}) {
		if err != nil {
			return err
		}
		if ev.Type != "" && ev.Type != eventType {
			c.logger.Debug("ignoring sse event", "type", ev.Type)
			continue
		}
		msg, err := protocol.Decode([]byte(ev.Data))
		if err != nil {
			c.logger.Warn("dropping malformed sse event", "id", ev.LastEventID, "err", err)
			c.lastEventID.Store(ev.LastEventID)
			continue
		}
		select {
		case c.incoming <- msg:
			c.lastEventID.Store(ev.LastEventID)
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
	return io.EOF
}

func (c *Client) reconnect() (io.ReadCloser, error) {
	for attempt := 1; attempt <= c.backoff.MaxAttempts(); attempt++ {
		select {
		case <-time.After(c.backoff.NextDelay(attempt)):
		case <-c.ctx.Done():
			return nil, transport.NewClosedError("receive")
		}
		body, err := c.openStream(c.ctx)
		if err == nil {
			c.logger.Info("sse stream resumed", "attempt", attempt, "lastEventId", c.LastEventID())
			return body, nil
		}
		if errors.Is(err, errSessionGone) {
			// The server ended the session: an orderly close.
			return nil, io.EOF
		}
		if c.closed.Load() {
			return nil, transport.NewClosedError("receive")
		}
		c.logger.Warn("sse reconnect failed", "attempt", attempt, "err", err)
		if !transport.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, transport.NewPeerClosedError("receive", fmt.Errorf("stream not resumed after %d attempts", c.backoff.MaxAttempts()))
}

// Send POSTs msg to the session.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) error {
	if c.closed.Load() {
		return transport.NewClosedError("send")
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, bytes.NewReader(data))
	if err != nil {
		return transport.NewIOError("send", err, false)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return transport.NewIOError("send", err, true)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return transport.NewPeerClosedError("send", errSessionGone)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return transport.NewIOError("send", fmt.Errorf("unexpected status code: %d", resp.StatusCode), true)
	}
	return transport.NewIOError("send", fmt.Errorf("unexpected status code: %d", resp.StatusCode), false)
}

// Receive implements transport.Transport.
func (c *Client) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.readerDone:
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the session on the server and stops the stream.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if req, err := c.newRequest(ctx, http.MethodDelete, nil); err == nil {
			if resp, err := c.http.Do(req); err == nil {
				resp.Body.Close()
			}
		}
		c.cancel()
	})
	return nil
}

// IsConnected implements transport.Transport.
func (c *Client) IsConnected() bool {
	if c.closed.Load() {
		return false
	}
	select {
	case <-c.readerDone:
		return false
	default:
		return true
	}
}
