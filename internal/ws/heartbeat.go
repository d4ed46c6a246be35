package ws

import (
	"context"
	"errors"
	"time"

	"github.com/whisper/friendchat/internal/session"
)

// sessionRefresh is how often a live connection's activity is written back
// to its Redis session. It stays well inside session.SessionTTL.
const sessionRefresh = session.SessionTTL / 12

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no successful reads within Interval + Timeout). It returns
// immediately; the goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		config = DefaultHeartbeatConfig()
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections that have
// not had a successful read within Interval + Timeout are considered dead and
// are removed. All other connections receive a WebSocket-level ping frame
// (opcode 0x9) which the browser answers automatically with a pong, and have
// their Redis session refreshed once per sessionRefresh.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			server.log.Info().Str("session", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Info().Err(err).Str("session", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
			continue
		}

		if server.sessionStore != nil && now.Sub(time.Unix(0, c.persisted.Load())) >= sessionRefresh {
			refreshSession(server, c, now)
		}
	}
}

func refreshSession(server *Server, c *Connection, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := server.sessionStore.Touch(ctx, c.ID, c.LastActive())
	switch {
	case errors.Is(err, session.ErrNotFound):
		// Gone for good; retrying every tick would not bring it back.
		server.log.Warn().Str("session", c.ID).Msg("redis session expired while connected")
	case err != nil:
		server.log.Warn().Err(err).Str("session", c.ID).Msg("failed to refresh redis session")
		return
	}
	c.persisted.Store(now.UnixNano())
}
