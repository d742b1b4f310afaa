// Package gateway is the browser-facing side of the chat service. It
// upgrades authenticated HTTP requests to WebSocket connections, hosts one
// chat session and one unread counter per connection, and serves the small
// REST surface the marketplace pages use to find conversations.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/campusbazaar/chat-app/internal/auth"
	"github.com/campusbazaar/chat-app/internal/chat"
	"github.com/campusbazaar/chat-app/internal/metrics"
	"github.com/campusbazaar/chat-app/internal/model"
	"github.com/campusbazaar/chat-app/internal/protocol"
	"github.com/campusbazaar/chat-app/internal/ratelimit"
	"github.com/campusbazaar/chat-app/internal/unread"
)

const presenceTimeout = 2 * time.Second

// Store is everything the gateway reads and writes in the message store.
type Store interface {
	chat.Store
	unread.CountStore
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)
	FindOrCreateConversation(ctx context.Context, listingID, buyerID, sellerID string) (*model.Conversation, error)
	Ping(ctx context.Context) error
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Verify(token string) (string, error)
}

// Limiter throttles requests per identifier. Allow fails open: on error it
// still reports whether the request may proceed.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Presence records live connections.
type Presence interface {
	Create(ctx context.Context, connID, userID string) error
	SetConversation(ctx context.Context, connID, conversationID string) error
	ClearConversation(ctx context.Context, connID string) error
	Refresh(ctx context.Context, connID, userID string) error
	Delete(ctx context.Context, connID, userID string) error
	Online(ctx context.Context, userID string) (bool, error)
}

// Deps are the gateway's collaborators. Limiter and Presence are optional.
type Deps struct {
	Store    Store
	Realtime chat.Realtime
	Auth     Authenticator
	Limiter  Limiter
	Presence Presence
}

// ServerConfig holds tunable parameters for the gateway.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	MaxConnections  int           // hard cap on total connections
	WriteTimeout    time.Duration // per-frame write deadline
	MaxFrameSize    int64         // largest accepted client frame
	RequestTimeout  time.Duration // backend calls made for one request or frame
	MarkReadTimeout time.Duration // passed to each chat session
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns the production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		MaxConnections:  10000,
		WriteTimeout:    10 * time.Second,
		MaxFrameSize:    64 << 10,
		RequestTimeout:  5 * time.Second,
		MarkReadTimeout: chat.DefaultReadTimeout,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket and REST gateway. Each connection is served by
// its own read goroutine; frames are written under a per-connection lock.
type Server struct {
	config     ServerConfig
	deps       Deps
	presence   Presence
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger

	ctx          context.Context // parent of every connection context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
	startedAt    time.Time
}

// NewServer builds a gateway. It does not listen until Start.
func NewServer(config ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		deps:      deps,
		presence:  deps.Presence,
		conns:     NewConnectionManager(),
		logger:    logger.With("component", "gateway"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	s.dispatcher = NewMessageDispatcher(s.logger)
	s.registerHandlers()
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws", s.handleUpgrade)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations/{id}/messages", s.handleListMessages)
		r.Get("/unread", s.handleUnread)
	})
	return r
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the heartbeat and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("gateway listening", "addr", s.config.ListenAddr, "max_conns", s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: http server: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request and upgrades it with gobwas/ws.
// The connection is then owned by its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID, err := s.deps.Auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if s.conns.Count() >= s.config.MaxConnections {
		writeError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	if s.deps.Limiter != nil {
		addr := clientAddr(r)
		ok, err := s.deps.Limiter.Allow(r.Context(), addr, ratelimit.RuleConnect)
		if err != nil {
			metrics.BackendErrors.WithLabelValues("ratelimit").Inc()
		}
		if !ok {
			wait := s.deps.Limiter.RetryAfter(r.Context(), addr, ratelimit.RuleConnect)
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(wait)))
			writeError(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	var src io.Reader = conn
	if rw != nil {
		src = rw.Reader
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(s.ctx)
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		CreatedAt:    time.Now(),
		src:          src,
		writeTimeout: s.config.WriteTimeout,
		maxFrameSize: s.config.MaxFrameSize,
		ctx:          ctx,
		cancel:       cancel,
		logger:       s.logger.With("conn_id", id, "user_id", userID),
	}
	c.touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.presence != nil {
		pctx, pcancel := context.WithTimeout(ctx, presenceTimeout)
		if err := s.presence.Create(pctx, id, userID); err != nil {
			c.logger.Warn("presence create failed", "error", err)
		}
		pcancel()
	}

	s.startCounter(c)
	go s.readLoop(c)

	c.logger.Info("connection opened", "total", s.conns.Count())
}

func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		data, err := c.ReadMessage()
		if err != nil {
			var closed wsutil.ClosedError
			switch {
			case errors.As(err, &closed), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				c.logger.Debug("read loop ended", "error", err)
			default:
				c.logger.Info("read failed", "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		s.dispatcher.Dispatch(c, data)
	}
}

func (s *Server) startCounter(c *Connection) {
	counter := unread.NewCounter(s.deps.Store, s.deps.Realtime,
		unread.WithLogger(c.logger),
		unread.WithQueryTimeout(s.config.RequestTimeout),
		unread.WithOnChange(func(n int) {
			c.Send(protocol.TypeUnread, protocol.UnreadMsg{Count: n})
		}),
	)

	c.mu.Lock()
	c.counter = counter
	c.mu.Unlock()

	go func() {
		if err := counter.Start(c.ctx, c.UserID); err != nil && !errors.Is(err, unread.ErrStopped) {
			c.logger.Warn("unread counter did not start", "error", err)
		}
	}()
}

// RemoveConnection tears a connection down: its session is closed, its
// counter stopped and its socket closed. Only the first call for a given
// connection does anything.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	c.cancel()

	if sess := c.swapSession(nil); sess != nil {
		sess.Close()
	}

	c.mu.Lock()
	counter := c.counter
	c.counter = nil
	c.mu.Unlock()
	if counter != nil {
		counter.Stop()
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), presenceTimeout)
		if err := s.presence.Delete(ctx, c.ID, c.UserID); err != nil {
			c.logger.Warn("presence delete failed", "error", err)
		}
		cancel()
	}

	metrics.ConnectionsTotal.Dec()
	c.logger.Info("connection closed", "total", s.conns.Count())
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// handleHealth reports connection count and uptime. It answers 503 when
// the database does not respond.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		s.logger.Warn("health check: database unreachable", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      status,
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// Shutdown stops accepting requests and tears down every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("gateway shutting down", "connections", s.conns.Count())
	s.shutdownOnce.Do(func() { close(s.done) })

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	s.cancel()
	return err
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
