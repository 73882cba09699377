package realtime

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/metrics"
	"github.com/parkdog/msgsync/internal/status"
)

// ExhaustedEvent is published as rt.reconnect_exhausted.
type ExhaustedEvent struct {
	Attempts int
}

// scheduleReconnect arms the next reconnect attempt. It does nothing while
// backgrounded or once the attempt budget is spent; in both cases the state
// settles on Disconnected. gen ties the attempt to the connection generation
// that failed so a Disconnect in between voids it.
func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.root.Err() != nil || c.reconnectTimer != nil {
		return
	}
	if c.background {
		c.logger.Info("reconnect suppressed while backgrounded")
		c.state.Reset()
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", c.attempts))
		c.state.Reset()
		c.bus.Emit(EventReconnectExhausted, ExhaustedEvent{Attempts: c.attempts})
		return
	}

	delay := c.cfg.ReconnectDelays[min(c.attempts, len(c.cfg.ReconnectDelays)-1)]
	c.attempts++
	c.reconnects.Add(1)
	metrics.TransportReconnects.Inc()
	if c.state.Is(status.Connecting, status.Connected) {
		_ = c.state.Transition(status.Reconnecting)
	}
	c.logger.Info("reconnect scheduled", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
	c.timerSeq++
	seq := c.timerSeq
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen, seq) })
}

// stopReconnectLocked disarms the pending reconnect. A timer that already
// fired finds its sequence stale and gives up. c.mu must be held.
func (c *Client) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.timerSeq++
}

func (c *Client) reconnect(gen, seq uint64) {
	c.mu.Lock()
	if c.gen != gen || c.timerSeq != seq {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	err := c.connect(c.root, c.currentToken(c.root))
	switch {
	case err == nil:
	case errors.Is(err, ErrNoCredential), errors.Is(err, ErrCredentialExpired):
		c.logger.Warn("cannot reconnect without a valid credential", zap.Error(err))
		c.state.Reset()
		c.bus.Emit(EventAuthRequired, nil)
	default:
		c.logger.Debug("reconnect attempt failed", zap.Error(err))
	}
}
