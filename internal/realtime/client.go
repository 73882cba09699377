// Package realtime is the client side of the server's WebSocket channel.
//
// The client only moves events. Inbound events are validated and published on
// the bus under the rt. namespace; it never touches the local store.
//
// Concurrency: one reader goroutine and one heartbeat goroutine run per
// connection, both bound to a per-connection context. Writes may come from any
// goroutine. Connection state transitions go through status.Machine, whose
// transition table also collapses concurrent connect attempts into one.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/auth"
	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/metrics"
	"github.com/parkdog/msgsync/internal/status"
)

var (
	ErrNoCredential      = errors.New("realtime: no credential")
	ErrCredentialExpired = errors.New("realtime: credential expired")
	ErrNotConnected      = errors.New("realtime: not connected")
	ErrRateLimited       = errors.New("realtime: rate limited")
	ErrQueued            = errors.New("realtime: queued for later delivery")
)

const readLimit = 1 << 20

// Config tunes the client. Zero fields take the defaults from DefaultConfig.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	WriteTimeout         time.Duration
	ReconnectDelays      []time.Duration
	MaxReconnectAttempts int
	NetworkSettle        time.Duration
	QueueSize            int
	QueueMaxAge          time.Duration
	FlushBatch           int
	FlushDelay           time.Duration
	Limits               map[string]Limit
	Heartbeat            HeartbeatConfig
}

// DefaultConfig returns the stock settings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		ConnectTimeout:       15 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReconnectDelays:      []time.Duration{2 * time.Second, 5 * time.Second, 15 * time.Second},
		MaxReconnectAttempts: 3,
		NetworkSettle:        time.Second,
		QueueSize:            20,
		QueueMaxAge:          60 * time.Second,
		FlushBatch:           5,
		FlushDelay:           200 * time.Millisecond,
		Limits:               DefaultLimits(),
		Heartbeat:            DefaultHeartbeat(),
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig(cfg.URL)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if len(cfg.ReconnectDelays) == 0 {
		cfg.ReconnectDelays = def.ReconnectDelays
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.NetworkSettle <= 0 {
		cfg.NetworkSettle = def.NetworkSettle
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.QueueMaxAge <= 0 {
		cfg.QueueMaxAge = def.QueueMaxAge
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = def.FlushBatch
	}
	if cfg.FlushDelay < 0 {
		cfg.FlushDelay = def.FlushDelay
	}
	if cfg.Limits == nil {
		cfg.Limits = def.Limits
	}
	if cfg.Heartbeat.Networks == nil {
		cfg.Heartbeat = def.Heartbeat
	}
	return cfg
}

// Snapshot is a point-in-time view of connection counters.
type Snapshot struct {
	State            status.State
	Background       bool
	Network          Network
	Conversation     string
	MessagesSent     int64
	MessagesReceived int64
	Reconnects       int64
	RateLimited      int64
	QueueDepth       int
	Latency          time.Duration
	ConnectedSince   time.Time
}

// Client maintains one WebSocket connection to the server.
type Client struct {
	cfg     Config
	tokens  auth.TokenSource
	bus     *bus.Bus
	state   *status.Machine
	logger  *zap.Logger
	limiter *Limiter
	queue   *queue

	root       context.Context
	rootCancel context.CancelFunc

	hbReset  chan struct{}
	flushing atomic.Bool

	mu             sync.Mutex
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	gen            uint64 // bumped by Disconnect to void in-flight reconnects
	token          string
	background     bool
	network        Network
	conversation   string
	attempts       int
	reconnectTimer *time.Timer
	timerSeq       uint64 // identifies the armed reconnect timer
	flushTimer     *time.Timer
	lastSeen       time.Time
	connectedAt    time.Time
	pingSentAt     time.Time
	pongAt         time.Time
	latency        time.Duration

	sent        atomic.Int64
	received    atomic.Int64
	reconnects  atomic.Int64
	rateLimited atomic.Int64
}

// New creates a disconnected client. tokens supplies fresh credentials on
// reconnect and may be nil.
func New(cfg Config, tokens auth.TokenSource, b *bus.Bus, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	root, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		bus:        b,
		state:      status.NewMachine(b),
		logger:     logger.Named("realtime"),
		limiter:    NewLimiter(cfg.Limits),
		queue:      newQueue(cfg.QueueSize),
		root:       root,
		rootCancel: cancel,
		hbReset:    make(chan struct{}, 1),
		network:    NetworkUnknown,
	}
}

// State returns the connection state.
func (c *Client) State() status.State { return c.state.Current() }

// Connected reports whether the connection is up.
func (c *Client) Connected() bool { return c.state.Is(status.Connected) }

// Connect dials the server with token. It is a no-op while a connection is
// up or being established. A dial failure schedules reconnect attempts.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	return c.connect(ctx, token)
}

// Reconnect connects with the freshest credential available.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	err := c.connect(ctx, c.currentToken(ctx))
	if errors.Is(err, ErrNoCredential) || errors.Is(err, ErrCredentialExpired) {
		c.bus.Emit(EventAuthRequired, nil)
	}
	return err
}

func (c *Client) currentToken(ctx context.Context) string {
	if c.tokens != nil {
		if t, err := c.tokens.TransportToken(ctx); err == nil && t != "" {
			return t
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoCredential
	}
	if auth.Expired(token, time.Now(), 0) {
		return ErrCredentialExpired
	}
	if c.state.Is(status.Connecting, status.Connected) {
		return nil
	}
	if err := c.state.Transition(status.Connecting); err != nil {
		// Another goroutine won the race to connect.
		return nil
	}

	// This attempt supersedes any armed timer. Its own failure arms the next.
	c.mu.Lock()
	c.stopReconnectLocked()
	c.token = token
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info("connecting", zap.String("url", c.cfg.URL))
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // Dial closes the response body
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		c.logger.Warn("dial failed", zap.Error(err))
		c.scheduleReconnect(gen)
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	if c.gen != gen || c.state.Transition(status.Connected) != nil {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "disconnected")
		return ErrNotConnected
	}
	connCtx, connCancel := context.WithCancel(c.root)
	now := time.Now()
	c.conn = conn
	c.connCancel = connCancel
	c.attempts = 0
	c.stopReconnectLocked()
	c.lastSeen = now
	c.connectedAt = now
	c.pingSentAt = time.Time{}
	c.pongAt = time.Time{}
	conv := c.conversation
	c.mu.Unlock()

	go c.readLoop(connCtx, conn)
	go c.heartbeat(connCtx, conn)

	c.logger.Info("connected")
	c.bus.Emit(EventConnected, nil)

	if conv != "" {
		if err := c.write(connCtx, OutJoin, JoinData{ConversationID: conv}); err != nil {
			c.logger.Warn("rejoin failed", zap.String("conversation", conv), zap.Error(err))
		}
	}
	go c.flush()
	return nil
}

// Disconnect closes the connection and cancels pending reconnects.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopReconnectLocked()
	conn, cancel := c.conn, c.connCancel
	c.conn, c.connCancel = nil, nil
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		cancel()
	}
	wasUp := !c.state.Is(status.Disconnected)
	c.state.Reset()
	if wasUp {
		c.logger.Info("disconnected")
		c.bus.Emit(EventDisconnected, DisconnectEvent{Reason: "client disconnect"})
	}
}

// Close disconnects and stops every background goroutine.
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.mu.Unlock()
	c.rootCancel()
}

// connectionLost tears down conn after a read error or dead-connection
// detection. Calls for a connection that is no longer current are ignored.
func (c *Client) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connCancel()
	c.connCancel = nil
	gen := c.gen
	c.mu.Unlock()

	c.logger.Warn("connection lost", zap.Error(cause))
	c.bus.Emit(EventDisconnected, DisconnectEvent{Reason: cause.Error()})
	c.scheduleReconnect(gen)
}

func (c *Client) readLoop(connCtx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(connCtx)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		c.touch()
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", zap.Int("bytes", len(data)))
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func eventLabel(event string) string {
	switch event {
	case InMessage, InAck, InReadReceipt, InTyping, InUserOnline, InUserOffline, InPong, InError:
		return event
	}
	return "other"
}

func (c *Client) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		c.logger.Warn("dropping malformed frame", zap.Int("bytes", len(data)))
		metrics.TransportInvalidEvents.WithLabelValues("malformed").Inc()
		return
	}
	c.received.Add(1)
	metrics.TransportEventsReceived.WithLabelValues(eventLabel(env.Event)).Inc()

	switch env.Event {
	case InPong:
		c.pong()
		return
	case InTyping:
		if c.Background() {
			return
		}
	}

	kind, payload, err := decodeInbound(env.Event, env.Data)
	if err != nil {
		c.logger.Warn("dropping invalid event", zap.String("event", env.Event), zap.Error(err))
		metrics.TransportInvalidEvents.WithLabelValues(eventLabel(env.Event)).Inc()
		return
	}
	if kind == "" {
		c.logger.Debug("ignoring unknown event", zap.String("event", env.Event))
		return
	}
	if kind == EventError {
		c.logger.Warn("server error", zap.String("message", payload.(ErrorEvent).Message))
	}
	c.bus.Emit(kind, payload)
}

// write sends one event on the current connection.
func (c *Client) write(ctx context.Context, event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, outbound{Event: event, Data: data}); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	c.sent.Add(1)
	metrics.TransportEventsSent.WithLabelValues(event).Inc()
	return nil
}

// Send writes event immediately. It never queues: a closed connection yields
// ErrNotConnected and a full rate window yields ErrRateLimited.
func (c *Client) Send(ctx context.Context, event string, data any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if !c.limiter.Allow(event) {
		c.rateLimited.Add(1)
		metrics.TransportRateLimited.WithLabelValues(event, "dropped").Inc()
		return ErrRateLimited
	}
	return c.write(ctx, event, data)
}

// Emit writes event, or holds it for later according to priority. While
// disconnected, high and normal events are queued (ErrQueued) and low ones
// are dropped (ErrNotConnected). When rate limited, high events are queued
// and the rest dropped (ErrRateLimited).
func (c *Client) Emit(ctx context.Context, event string, data any, prio Priority) error {
	if !c.Connected() {
		if prio == PriorityLow {
			return ErrNotConnected
		}
		c.enqueue(event, data, prio)
		return ErrQueued
	}
	if !c.limiter.Allow(event) {
		c.rateLimited.Add(1)
		if prio == PriorityHigh {
			metrics.TransportRateLimited.WithLabelValues(event, "queued").Inc()
			c.enqueue(event, data, prio)
			c.scheduleFlush(c.limiter.RetryAfter(event))
			return ErrQueued
		}
		metrics.TransportRateLimited.WithLabelValues(event, "dropped").Inc()
		c.logger.Debug("rate limited", zap.String("event", event), zap.Stringer("priority", prio))
		return ErrRateLimited
	}
	return c.write(ctx, event, data)
}

func (c *Client) enqueue(event string, data any, prio Priority) {
	if !c.queue.push(queued{Event: event, Data: data, Priority: prio}) {
		c.logger.Debug("queue full, event dropped", zap.String("event", event))
	}
	metrics.TransportQueueDepth.Set(float64(c.queue.len()))
}

func (c *Client) scheduleFlush(after time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(after, c.flush)
}

// flush sends queued events in small batches with a pause between events.
// Only one flush runs at a time.
func (c *Client) flush() {
	if !c.flushing.CompareAndSwap(false, true) {
		return
	}
	defer c.flushing.Store(false)
	defer func() { metrics.TransportQueueDepth.Set(float64(c.queue.len())) }()

	for c.Connected() {
		batch, expired := c.queue.take(c.cfg.FlushBatch, c.cfg.QueueMaxAge)
		if expired > 0 {
			c.logger.Debug("discarded stale queued events", zap.Int("count", expired))
		}
		if len(batch) == 0 {
			return
		}
		for i, item := range batch {
			if !c.limiter.Allow(item.Event) {
				c.queue.requeue(batch[i:])
				c.scheduleFlush(c.limiter.RetryAfter(item.Event))
				return
			}
			if err := c.write(c.root, item.Event, item.Data); err != nil {
				c.queue.requeue(batch[i:])
				c.logger.Debug("flush interrupted", zap.Error(err))
				return
			}
			select {
			case <-c.root.Done():
				return
			case <-time.After(c.cfg.FlushDelay):
			}
		}
	}
}

// Metrics returns connection counters.
func (c *Client) Metrics() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		State:            c.state.Current(),
		Background:       c.background,
		Network:          c.network,
		Conversation:     c.conversation,
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		Reconnects:       c.reconnects.Load(),
		RateLimited:      c.rateLimited.Load(),
		QueueDepth:       c.queue.len(),
		Latency:          c.latency,
	}
	if c.conn != nil {
		s.ConnectedSince = c.connectedAt
	}
	return s
}
