package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/kestrelworks/tool-server-manager-go/pkg/transport"
)

// ServerOptions configure the host-side socket endpoint.
type ServerOptions struct {
	// AllowedOrigins lists origin patterns accepted for the upgrade and for
	// CORS preflight. Empty means same-origin only.
	AllowedOrigins []string
	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// Server is the host half of the socket transport: channel handlers are
// registered the same way as on a transport.Responder, and Emit broadcasts an
// event frame to every connected client. Mount Handler() on the host's HTTP
// mux.
type Server struct {
	logger  zerolog.Logger
	origins []string

	mu       sync.RWMutex
	invokers map[string]transport.InvokeFunc
	notify   map[string]func(json.RawMessage)
	sessions map[*session]struct{}
	closed   bool
}

// NewServer builds an empty socket host. Register handlers before mounting.
func NewServer(opts *ServerOptions) *Server {
	s := &Server{
		invokers: make(map[string]transport.InvokeFunc),
		notify:   make(map[string]func(json.RawMessage)),
		sessions: make(map[*session]struct{}),
	}
	if opts != nil {
		s.logger = opts.Logger
		s.origins = opts.AllowedOrigins
	}
	return s
}

// Handle registers fn as the responder for an invoke channel, replacing any
// previous handler for the same channel.
func (s *Server) Handle(channel string, fn transport.InvokeFunc) {
	s.mu.Lock()
	s.invokers[channel] = fn
	s.mu.Unlock()
}

// HandleSend registers fn for fire-and-forget traffic on a channel.
func (s *Server) HandleSend(channel string, fn func(json.RawMessage)) {
	s.mu.Lock()
	s.notify[channel] = fn
	s.mu.Unlock()
}

// Emit broadcasts an event frame to every connected client. Payloads that
// fail to encode are dropped.
func (s *Server) Emit(channel string, payload any) {
	raw, err := encodePayload(payload)
	if err != nil {
		s.logger.Warn().Str("channel", channel).Err(err).Msg("drop unencodable event")
		return
	}
	data, err := encodeFrame(frame{Kind: kindEvent, Channel: channel, Payload: raw})
	if err != nil {
		return
	}

	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if err := sess.write(data); err != nil {
			s.logger.Debug().Str("channel", channel).Err(err).Msg("event broadcast to dead session")
		}
	}
}

// Handler returns the HTTP handler serving the upgrade endpoint, wrapped with
// the configured CORS policy so browser-embedded front-ends can reach a local
// host process.
func (s *Server) Handler() http.Handler {
	upgrade := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: s.origins,
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("socket accept failed")
			return
		}
		s.serveConn(r.Context(), conn)
	})
	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(upgrade)
}

// Close tears down every live session. Handlers stay registered; a closed
// server rejects new connections only because its HTTP server stopped serving
// the endpoint.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*session]struct{})
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

// serveConn owns one client connection for its lifetime: frames are read and
// answered sequentially so one client's invokes are processed in order.
func (s *Server) serveConn(parent context.Context, conn *websocket.Conn) {
	// The session carries its own cancellation so Close can unblock handlers
	// that are waiting on the request context.
	ctx, cancel := context.WithCancel(parent)
	sess := newSession(ctx, cancel, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		sess.close()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Debug().Err(err).Msg("session read ended")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn().Err(err).Msg("drop malformed frame")
			continue
		}

		switch f.Kind {
		case kindInvoke:
			s.answerInvoke(ctx, sess, f)
		case kindSend:
			if fn, ok := s.notifier(f.Channel); ok {
				fn(f.Payload)
			} else {
				s.logger.Debug().Str("channel", f.Channel).Msg("drop send without handler")
			}
		default:
			s.logger.Debug().Str("kind", f.Kind).Msg("drop unexpected frame")
		}
	}
}

func (s *Server) answerInvoke(ctx context.Context, sess *session, f frame) {
	reply := frame{Kind: kindResult, ID: f.ID, Channel: f.Channel}

	fn, ok := s.invoker(f.Channel)
	if !ok {
		reply.Error = "no handler registered"
	} else if res, err := fn(ctx, f.Payload); err != nil {
		reply.Error = err.Error()
	} else if raw, err := encodePayload(res); err != nil {
		reply.Error = err.Error()
	} else {
		reply.Payload = raw
	}

	data, err := encodeFrame(reply)
	if err != nil {
		s.logger.Warn().Str("channel", f.Channel).Err(err).Msg("drop unencodable result")
		return
	}
	if err := sess.write(data); err != nil {
		s.logger.Debug().Str("channel", f.Channel).Err(err).Msg("result write failed")
	}
}

func (s *Server) invoker(channel string) (transport.InvokeFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.invokers[channel]
	return fn, ok
}

func (s *Server) notifier(channel string) (func(json.RawMessage), bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.notify[channel]
	return fn, ok
}

// session pairs a connection with a write mutex so result frames and Emit
// broadcasts never interleave mid-frame.
type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newSession(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) *session {
	return &session{conn: conn, ctx: ctx, cancel: cancel}
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
}
