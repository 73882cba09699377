package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/metrics"
)

// Network is the class of the link the host is on.
type Network string

const (
	NetworkUnknown  Network = "unknown"
	NetworkWifi     Network = "wifi"
	NetworkCellular Network = "cellular"
)

// ParseNetwork maps free-form connectivity names onto a Network.
func ParseNetwork(s string) Network {
	switch s {
	case "wifi", "ethernet", "wlan", "lan":
		return NetworkWifi
	case "cellular", "mobile", "wwan":
		return NetworkCellular
	}
	return NetworkUnknown
}

// Profile is a ping cadence.
type Profile struct {
	Interval time.Duration
	Timeout  time.Duration // pong overdue after this
}

// HeartbeatConfig tunes keepalive and dead-connection detection.
type HeartbeatConfig struct {
	Networks            map[Network]Profile
	Background          Profile
	DeadAfter           time.Duration
	BackgroundDeadAfter time.Duration
}

// DefaultHeartbeat returns the stock cadences.
func DefaultHeartbeat() HeartbeatConfig {
	return HeartbeatConfig{
		Networks: map[Network]Profile{
			NetworkCellular: {Interval: 30 * time.Second, Timeout: 60 * time.Second},
			NetworkWifi:     {Interval: 15 * time.Second, Timeout: 30 * time.Second},
			NetworkUnknown:  {Interval: 25 * time.Second, Timeout: 60 * time.Second},
		},
		Background:          Profile{Interval: 60 * time.Second, Timeout: 120 * time.Second},
		DeadAfter:           60 * time.Second,
		BackgroundDeadAfter: 120 * time.Second,
	}
}

func (h HeartbeatConfig) profile(n Network, background bool) Profile {
	if background {
		return h.Background
	}
	if p, ok := h.Networks[n]; ok {
		return p
	}
	return h.Networks[NetworkUnknown]
}

func (h HeartbeatConfig) deadAfter(background bool) time.Duration {
	if background {
		return h.BackgroundDeadAfter
	}
	return h.DeadAfter
}

var errDeadConnection = errors.New("no activity within dead-connection threshold")

// retuneHeartbeat wakes the heartbeat loop so it picks up a new cadence.
func (c *Client) retuneHeartbeat() {
	select {
	case c.hbReset <- struct{}{}:
	default:
	}
}

func (c *Client) heartbeatSettings() (Profile, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Heartbeat.profile(c.network, c.background), c.cfg.Heartbeat.deadAfter(c.background)
}

// heartbeat pings on the current cadence and closes the connection when
// nothing has been received for longer than the dead-connection threshold.
func (c *Client) heartbeat(connCtx context.Context, conn *websocket.Conn) {
	for {
		prof, dead := c.heartbeatSettings()
		timer := time.NewTimer(prof.Interval)
		select {
		case <-connCtx.Done():
			timer.Stop()
			return
		case <-c.hbReset:
			timer.Stop()
			continue
		case <-timer.C:
		}

		idle := time.Since(c.lastActivity())
		if idle > dead {
			c.logger.Warn("dead connection detected", zap.Duration("idle", idle), zap.Duration("threshold", dead))
			c.connectionLost(conn, errDeadConnection)
			_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
			return
		}

		c.mu.Lock()
		pingAt, pongAt := c.pingSentAt, c.pongAt
		c.mu.Unlock()
		if !pingAt.IsZero() && pongAt.Before(pingAt) && time.Since(pingAt) > prof.Timeout {
			c.logger.Warn("pong overdue", zap.Duration("since_ping", time.Since(pingAt)))
		}

		now := time.Now()
		if err := c.write(connCtx, OutPing, pingData{TS: now.UnixMilli()}); err != nil {
			c.logger.Debug("ping failed", zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.pingSentAt = now
		c.mu.Unlock()
	}
}

// pong records round-trip latency for the last ping.
func (c *Client) pong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pongAt = time.Now()
	if c.pingSentAt.IsZero() {
		return
	}
	c.latency = c.pongAt.Sub(c.pingSentAt)
	metrics.TransportPingLatency.Observe(c.latency.Seconds())
}
