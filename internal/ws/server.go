// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, and dispatching
// incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/metrics"
	"github.com/whisper/friendchat/internal/protocol"
	"github.com/whisper/friendchat/internal/ratelimit"
	"github.com/whisper/friendchat/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":8080"
	MaxConnections int             // hard cap on total connections
	MaxMessageSize int64           // largest accepted client message in bytes
	ReadTimeout    time.Duration   // time allowed to read a message once it starts
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig // dead connection detection

	// TrustedProxies lists the peers allowed to report the client address
	// in X-Forwarded-For. When empty the header is ignored.
	TrustedProxies []*net.IPNet
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		MaxMessageSize: 16 * 1024,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws. Each upgraded connection
// gets one reader goroutine that decodes frames and hands complete text
// messages to the onMessage callback.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	sessionStore *session.Store     // Redis-backed session state, optional
	limiter      *ratelimit.Limiter // connect throttling, optional
	log          zerolog.Logger
	clientIP     echo.IPExtractor
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	httpServer   *http.Server
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, session store, and
// message callback. The onMessage function is called from the connection's
// reader goroutine for every complete text message.
func NewServer(config ServerConfig, sessionStore *session.Store, limiter *ratelimit.Limiter, log zerolog.Logger, onMessage func(conn *Connection, data []byte)) *Server {
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultServerConfig().MaxMessageSize
	}
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		limiter:      limiter,
		log:          log.With().Str("component", "ws").Logger(),
		clientIP:     newIPExtractor(config.TrustedProxies),
		onMessage:    onMessage,
		done:         make(chan struct{}),
		startedAt:    time.Now(),
	}
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start configures the HTTP server, starts the heartbeat monitor and blocks
// on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Str("listen_addr", s.config.ListenAddr).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, registers the connection and starts its
// reader goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	remote := s.clientIP(r)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), remote, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", remote).Msg("upgrade failed")
		return
	}

	sessionID := uuid.New().String()
	c := newConnection(sessionID, conn, remote, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, sessionID, remote); err != nil {
			s.log.Warn().Err(err).Str("session", sessionID).Msg("failed to create redis session")
		}
		cancel()
	}

	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("session", sessionID).Msg("failed to build session_created")
	} else if err := c.WriteMessage(sessionMsg); err != nil {
		s.log.Warn().Err(err).Str("session", sessionID).Msg("failed to send session_created")
	}

	s.log.Info().Str("session", sessionID).Str("remote", remote).Int("total", s.conns.Count()).Msg("new connection")

	go s.readLoop(c)
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames until the connection fails or closes. Control frames
// only refresh the activity timestamp; oversized messages close the
// connection.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}

		// Any frame proves the connection is alive.
		c.Touch()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
			continue
		}

		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}
		data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxMessageSize+1))
		_ = c.Conn.SetReadDeadline(time.Time{})
		if err != nil {
			return
		}
		if int64(len(data)) > s.config.MaxMessageSize {
			s.log.Warn().Str("session", c.ID).Msg("message too large, closing")
			return
		}
		if len(data) == 0 || header.OpCode != ws.OpText {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the Redis session is deleted, so the handler can inspect session state.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// RemoveConnection removes a connection from the connection manager and
// closes the underlying network connection. It is exported so that the
// heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	// Only the first of several racing removers (read error, heartbeat
	// timeout, shutdown) proceeds.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			s.log.Warn().Err(err).Str("session", c.ID).Msg("failed to delete redis session")
		}
	}

	s.log.Info().Str("session", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, stops the heartbeat and removes every active connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")
	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	s.log.Info().Msg("server stopped, all connections closed")
	return nil
}

// newIPExtractor resolves the client address of a request. Without trusted
// proxies only the direct peer counts; otherwise X-Forwarded-For hops are
// followed from the right for as long as they come from a trusted proxy.
func newIPExtractor(trusted []*net.IPNet) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range trusted {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
