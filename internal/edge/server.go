// Package edge terminates client WebSocket connections and bridges them to
// the session layer. It owns the wire protocol (JSON frames with an `event`
// discriminator and base64 audio payloads) and the HTTP surface the process
// exposes: /ws for clients, /healthz and /readyz for probes, and /metrics
// for Prometheus scrapes.
//
// One WebSocket connection carries exactly one session. The first frame must
// be a `hello`; every later frame is dispatched into the session admitted for
// it. When the connection drops, the session is closed with cause
// "disconnect" so the memory finalizer and post-run log still execute.
package edge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketvox/marketvox/internal/health"
	"github.com/marketvox/marketvox/internal/observe"
	"github.com/marketvox/marketvox/internal/session"
)

const (
	// defaultReadLimit bounds one inbound message. Base64-encoded audio
	// chunks are the largest frames; 2 MiB leaves ample headroom over the
	// session layer's own utterance cap.
	defaultReadLimit = 2 << 20

	// defaultWriteTimeout bounds one outbound write to a slow client.
	defaultWriteTimeout = 10 * time.Second
)

// SessionAPI is the slice of the session manager the edge needs. It is an
// interface so handler tests can run against a fake without Postgres or
// providers behind them.
type SessionAPI interface {
	Admit(ctx context.Context, userID, source string) (string, error)
	Attach(sessionID string, t session.Transport) error
	OnFrame(sessionID string, f session.Frame) error
	Close(sessionID, cause string) error
}

var _ SessionAPI = (*session.Manager)(nil)

// Config carries the dependencies for [New].
type Config struct {
	// Sessions receives admitted connections and their frames. Required.
	Sessions SessionAPI

	// Health serves /healthz and /readyz when non-nil.
	Health *health.Handler

	// Metrics wraps the whole mux in request instrumentation when non-nil.
	Metrics *observe.Metrics

	// Logger receives connection lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger

	// ReadLimit is the maximum inbound message size in bytes.
	// Defaults to 2 MiB.
	ReadLimit int64

	// WriteTimeout bounds each outbound write. Defaults to 10s.
	WriteTimeout time.Duration

	// OriginPatterns lists host patterns allowed to open cross-origin
	// WebSocket connections. Empty means same-origin only.
	OriginPatterns []string
}

// Server is the WebSocket edge. Construct with [New], mount via [Handler].
type Server struct {
	sessions       SessionAPI
	health         *health.Handler
	metrics        *observe.Metrics
	log            *slog.Logger
	readLimit      int64
	writeTimeout   time.Duration
	originPatterns []string
}

// New validates cfg and returns a ready Server.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("edge: Config.Sessions is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		sessions:       cfg.Sessions,
		health:         cfg.Health,
		metrics:        cfg.Metrics,
		log:            cfg.Logger.With("component", "edge"),
		readLimit:      cfg.ReadLimit,
		writeTimeout:   cfg.WriteTimeout,
		originPatterns: cfg.OriginPatterns,
	}, nil
}

// Handler returns the full HTTP surface: /ws, the health probes, and
// /metrics, wrapped in the observability middleware when metrics are
// configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// handleWS upgrades the connection and runs its frame loop until the client
// disconnects or the session is closed underneath it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.readLimit)
	s.serve(r.Context(), conn)
}

// serve runs the read loop for one connection. It owns all writes until a
// hello binds a transport; after that the session layer writes through the
// transport and serve only reads.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	var (
		sessionID string
		transport *wsTransport
	)
	defer func() {
		if sessionID != "" {
			if err := s.sessions.Close(sessionID, "disconnect"); err != nil &&
				!errors.Is(err, session.ErrNotFound) {
				s.log.Warn("close on disconnect failed", "session_id", sessionID, "error", err)
			}
		} else {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.log.Debug("connection closed", "session_id", sessionID, "error", err)
			return
		}

		cf, err := decodeFrame(data)
		if err != nil {
			s.sendError(ctx, conn, transport, "bad_frame", err.Error())
			continue
		}

		if sessionID == "" {
			if cf.Event != eventHello {
				s.sendError(ctx, conn, nil, "no_session", "first frame must be hello")
				continue
			}
			id, err := s.admit(ctx, conn, cf)
			if err != nil {
				// admit already reported the error to the client.
				continue
			}
			sessionID = id
			transport = newWSTransport(conn, id, s.writeTimeout)
			if err := s.sessions.Attach(id, transport); err != nil {
				s.sendError(ctx, conn, nil, "attach_failed", err.Error())
				return
			}
			continue
		}

		if cf.Event == eventHello {
			s.sendError(ctx, conn, transport, "already_connected", "session already open on this connection")
			continue
		}
		if cf.SessionID != "" && cf.SessionID != sessionID {
			s.sendError(ctx, conn, transport, "session_mismatch", "frame session_id does not match this connection")
			continue
		}

		frame, err := toSessionFrame(cf)
		if err != nil {
			s.sendError(ctx, conn, transport, "bad_frame", err.Error())
			continue
		}
		if err := s.sessions.OnFrame(sessionID, frame); err != nil {
			if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrClosed) {
				// Reaped or shut down underneath the connection.
				return
			}
			s.sendError(ctx, conn, transport, "dispatch_failed", err.Error())
		}
	}
}

// admit opens a session for a hello frame. Errors are reported to the client
// before returning.
func (s *Server) admit(ctx context.Context, conn *websocket.Conn, cf clientFrame) (string, error) {
	source := cf.Source
	if source == "" {
		source = "web"
	}
	id, err := s.sessions.Admit(ctx, cf.UserID, source)
	if err != nil {
		code := "admit_failed"
		if errors.Is(err, session.ErrUserUnknown) {
			code = "user_unknown"
		}
		s.sendError(ctx, conn, nil, code, err.Error())
		return "", err
	}
	s.log.Info("session admitted", "session_id", id, "user_id", cf.UserID, "source", source)
	return id, nil
}

// sendError delivers an error frame. Before a transport is bound the raw
// connection is the only writer, so a direct write is safe; afterwards all
// writes go through the transport's mutex.
func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, t *wsTransport, code, msg string) {
	if t != nil {
		if err := t.Send(session.Outbound{Event: session.EventError, Code: code, Message: msg}); err != nil {
			s.log.Debug("error frame send failed", "code", code, "error", err)
		}
		return
	}
	data, err := json.Marshal(serverFrame{Event: session.EventError, Code: code, Message: msg})
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
		s.log.Debug("error frame send failed", "code", code, "error", err)
	}
}
