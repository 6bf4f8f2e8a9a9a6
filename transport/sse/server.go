// Package sse implements a transport over HTTP: the server streams messages
// to the client as Server-Sent Events and the client posts messages back.
//
// Every outbound event carries a per-session sequence number as its event
// id. The server keeps a bounded tail of recent events, so a client that
// reconnects with Last-Event-ID resumes where its previous stream stopped.
package sse

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	gosse "github.com/tmaxmax/go-sse"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

const (
	// SessionHeader carries the session id on every request after the first GET.
	SessionHeader = "Mcp-Session-Id"
	// LastEventIDHeader is the standard SSE resume header.
	LastEventIDHeader = "Last-Event-ID"

	eventType = "message"

	// DefaultReplayBuffer is the number of events retained per session for resumption.
	DefaultReplayBuffer = 256
	// DefaultMaxBodySize bounds one POSTed message.
	DefaultMaxBodySize = 4 << 20
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReplayBuffer sets how many events each session retains for replay.
func WithReplayBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.replay = n
		}
	}
}

// WithBacklog bounds sessions created but not yet accepted.
func WithBacklog(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.backlog = n
		}
	}
}

// Server is an http.Handler producing one transport per client session.
// GET opens (or resumes) the event stream, POST delivers a client message,
// DELETE ends the session.
type Server struct {
	logger   *slog.Logger
	replay   int
	backlog  int
	sessions *xsync.MapOf[string, *Session]
	accepted chan *Session
	done     chan struct{}
	once     sync.Once
}

// NewServer returns a Server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:   slog.Default(),
		replay:   DefaultReplayBuffer,
		backlog:  16,
		sessions: xsync.NewMapOf[string, *Session](),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.accepted = make(chan *Session, s.backlog)
	return s
}

var _ transport.Listener = (*Server)(nil)

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	switch r.Method {
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	var sess *Session
	if id == "" {
		sess = s.newSession()
		select {
		case s.accepted <- sess:
		default:
			s.sessions.Delete(sess.id)
			s.logger.Warn("sse backlog full, rejecting session", "remote", r.RemoteAddr)
			http.Error(w, "too many pending sessions", http.StatusServiceUnavailable)
			return
		}
	} else {
		var ok bool
		if sess, ok = s.sessions.Load(id); !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
	}

	var after uint64
	if last := r.Header.Get(LastEventIDHeader); last != "" {
		n, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		after = n
	}

	w.Header().Set(SessionHeader, sess.id)
	stream, err := gosse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade session", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := stream.Flush(); err != nil {
		s.logger.Warn("failed to flush sse headers", "session", sess.id, "err", err)
		return
	}
	s.logger.Debug("sse stream attached", "session", sess.id, "lastEventId", after)
	sess.serve(r.Context(), stream, after)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Load(r.Header.Get(SessionHeader))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, DefaultMaxBodySize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > DefaultMaxBodySize {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		s.logger.Warn("rejecting malformed message", "session", sess.id, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	select {
	case sess.inbox <- msg:
		w.WriteHeader(http.StatusAccepted)
	case <-sess.done:
		http.Error(w, "session closed", http.StatusNotFound)
	case <-r.Context().Done():
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Load(r.Header.Get(SessionHeader))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.peerClosed()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) newSession() *Session {
	sess := &Session{
		id:     uuid.NewString(),
		server: s,
		replay: s.replay,
		inbox:  make(chan *protocol.Message, 16),
		done:   make(chan struct{}),
		notify: make(chan struct{}),
	}
	sess.logger = s.logger.With("transport", "sse", "session", sess.id)
	s.sessions.Store(sess.id, sess)
	return sess
}

// Accept returns the next new session.
func (s *Server) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case sess := <-s.accepted:
		return sess, nil
	case <-s.done:
		return nil, transport.NewClosedError("accept")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends every session and stops accepting new ones.
func (s *Server) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.sessions.Range(func(_ string, sess *Session) bool {
			_ = sess.Close()
			return true
		})
	})
	return nil
}

// Addr is empty; the server is mounted on a caller-owned HTTP server.
func (s *Server) Addr() string { return "" }

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int { return s.sessions.Size() }

type event struct {
	seq  uint64
	data []byte
}

// Session is the server side of one client session.
type Session struct {
	id     string
	server *Server
	logger *slog.Logger
	replay int
	inbox  chan *protocol.Message

	mu       sync.Mutex
	events   []event
	seq      uint64
	notify   chan struct{} // closed and replaced on every append
	streamID uint64        // identifies the attached stream; newer replaces older
	eof      bool          // peer ended the session

	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Session)(nil)

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Send queues msg on the event stream. It does not wait for a client to be
// attached; events are retained up to the replay limit.
func (s *Session) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return transport.NewClosedError("send")
	default:
	}
	s.seq++
	s.events = append(s.events, event{seq: s.seq, data: data})
	if over := len(s.events) - s.replay; over > 0 {
		s.logger.Debug("dropping events beyond replay window", "count", over)
		s.events = append(s.events[:0], s.events[over:]...)
	}
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// Receive returns the next message POSTed by the client.
func (s *Session) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-s.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.inbox:
		return msg, nil
	case <-s.done:
		s.mu.Lock()
		eof := s.eof
		s.mu.Unlock()
		if eof {
			return nil, io.EOF
		}
		return nil, transport.NewClosedError("receive")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the session and detaches any stream.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		s.server.sessions.Delete(s.id)
		s.logger.Debug("sse session closed")
	})
	return nil
}

func (s *Session) peerClosed() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	_ = s.Close()
}

// IsConnected reports whether the session is open. A session stays
// connected while its client is between streams.
func (s *Session) IsConnected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// pending returns the events after cursor and the channel to wait on for more.
func (s *Session) pending(after uint64, stream uint64) ([]event, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamID != stream {
		return nil, nil, false
	}
	var out []event
	for _, ev := range s.events {
		if ev.seq > after {
			out = append(out, ev)
		}
	}
	return out, s.notify, true
}

// serve writes events to one attached stream until the request ends, the
// session closes, or a newer stream replaces this one.
func (s *Session) serve(ctx context.Context, stream *gosse.Session, after uint64) {
	s.mu.Lock()
	s.streamID++
	mine := s.streamID
	// Wake a previously attached stream so it notices it was replaced.
	close(s.notify)
	s.notify = make(chan struct{})
	if len(s.events) > 0 && after > 0 && s.events[0].seq > after+1 {
		s.logger.Warn("resume point fell out of the replay window", "lastEventId", after, "oldest", s.events[0].seq)
	}
	s.mu.Unlock()

	cursor := after
	for {
		events, wake, current := s.pending(cursor, mine)
		if !current {
			return
		}
		for _, ev := range events {
			m := &gosse.Message{
				ID:   gosse.ID(strconv.FormatUint(ev.seq, 10)),
				Type: gosse.Type(eventType),
			}
			m.AppendData(string(ev.data))
			if err := stream.Send(m); err != nil {
				s.logger.Debug("sse stream write failed", "err", err)
				return
			}
			cursor = ev.seq
		}
		if len(events) > 0 {
			if err := stream.Flush(); err != nil {
				s.logger.Debug("sse stream flush failed", "err", err)
				return
			}
		}
		select {
		case <-wake:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
