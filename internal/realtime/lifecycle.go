package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/status"
)

// Background reports whether the host app is backgrounded.
func (c *Client) Background() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.background
}

// CurrentConversation returns the joined conversation, if any.
func (c *Client) CurrentConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

// SetBackground switches between foreground and background operation.
// Going to background leaves the current conversation so the server falls
// back to push notifications, slows the heartbeat and keeps only high
// priority queued events. Coming back rejoins and flushes, or reconnects if
// the connection was lost meanwhile.
func (c *Client) SetBackground(ctx context.Context, background bool) {
	c.mu.Lock()
	if c.background == background {
		c.mu.Unlock()
		return
	}
	c.background = background
	conv := c.conversation
	c.mu.Unlock()
	c.retuneHeartbeat()

	if background {
		if c.Connected() && conv != "" {
			c.emitLogged(ctx, OutLeave, JoinData{ConversationID: conv, Reason: ReasonBackgrounded}, PriorityHigh)
		}
		dropped := c.queue.keepHigh()
		c.logger.Info("background mode", zap.Int("queue_dropped", dropped), zap.Int("queue", c.queue.len()))
		return
	}

	if !c.Connected() {
		c.logger.Info("foreground, reconnecting")
		go func() {
			if err := c.Reconnect(c.root); err != nil {
				c.logger.Warn("foreground reconnect failed", zap.Error(err))
			}
		}()
		return
	}
	if conv != "" {
		c.emitLogged(ctx, OutJoin, JoinData{ConversationID: conv, Reason: ReasonForegrounded}, PriorityHigh)
	}
	c.logger.Info("foreground mode", zap.Int("queue", c.queue.len()))
	go c.flush()
}

// SetNetwork records a connectivity change. The heartbeat is retuned for the
// new link and, when the network became reachable while the connection is
// down, a reconnect follows after a short settle delay.
func (c *Client) SetNetwork(network Network, reachable bool) {
	c.mu.Lock()
	prev := c.network
	c.network = network
	bg := c.background
	c.mu.Unlock()
	c.retuneHeartbeat()
	c.logger.Info("network changed",
		zap.String("from", string(prev)),
		zap.String("to", string(network)),
		zap.Bool("reachable", reachable),
	)

	if !reachable || bg || c.state.Is(status.Connected, status.Connecting) {
		return
	}
	time.AfterFunc(c.cfg.NetworkSettle, func() {
		if c.root.Err() != nil || c.Background() || c.state.Is(status.Connected, status.Connecting) {
			return
		}
		if err := c.Reconnect(c.root); err != nil {
			c.logger.Warn("reconnect after network change failed", zap.Error(err))
		}
	})
}

// JoinConversation makes id the current conversation. While disconnected
// the join is deferred to the next connect.
func (c *Client) JoinConversation(ctx context.Context, id string) error {
	c.mu.Lock()
	c.conversation = id
	c.mu.Unlock()
	if !c.Connected() {
		return nil
	}
	return c.Emit(ctx, OutJoin, JoinData{ConversationID: id}, PriorityHigh)
}

// LeaveConversation leaves the current conversation, if any.
func (c *Client) LeaveConversation(ctx context.Context) error {
	c.mu.Lock()
	id := c.conversation
	c.conversation = ""
	c.mu.Unlock()
	if id == "" || !c.Connected() {
		return nil
	}
	return c.Emit(ctx, OutLeave, JoinData{ConversationID: id}, PriorityNormal)
}

func (c *Client) emitLogged(ctx context.Context, event string, data any, prio Priority) {
	if err := c.Emit(ctx, event, data, prio); err != nil && !errors.Is(err, ErrQueued) {
		c.logger.Warn("emit failed", zap.String("event", event), zap.Error(err))
	}
}
