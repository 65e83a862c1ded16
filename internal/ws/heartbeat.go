package ws

import (
	"time"

	"github.com/gobwas/ws"
	log "github.com/sirupsen/logrus"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace period after a missed interval
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and evicts the ones that have gone stale. Eviction goes through
// RemoveConnection, so the disconnect callback runs and the user is marked
// offline. The goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
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

// checkConnections removes connections with no successful read within
// Interval + Timeout and sends a protocol-level ping to the rest.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.WithFields(log.Fields{"conn": c.ID, "user": c.UserID()}).
				Infof("ws: heartbeat timeout, last activity %s ago", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.WithField("conn", c.ID).Warnf("ws: heartbeat ping failed: %v", err)
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a WebSocket ping frame (opcode 0x9), serialized with other
// outbound frames by the write mutex and bounded by WriteTimeout.
func (c *Connection) WritePing() error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}
