package gateway

import (
	"context"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval
}

// DefaultHeartbeatConfig returns the production heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those
// with no frame read within Interval + Timeout. It returns immediately;
// the goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
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

func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			server.logger.Info("heartbeat timeout", "conn_id", c.ID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.logger.Info("heartbeat ping failed", "conn_id", c.ID, "error", err)
			server.RemoveConnection(c)
			continue
		}

		if server.presence != nil {
			ctx, cancel := context.WithTimeout(server.ctx, presenceTimeout)
			if err := server.presence.Refresh(ctx, c.ID, c.UserID); err != nil {
				server.logger.Warn("presence refresh failed", "conn_id", c.ID, "error", err)
			}
			cancel()
		}
	}
}
