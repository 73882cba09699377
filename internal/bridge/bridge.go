// Package bridge connects the real-time transport to the sync engine. It
// routes transport events to the engine and lets the engine deliver through
// the socket with an HTTP fallback.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/metrics"
	"github.com/parkdog/msgsync/internal/outbox"
	"github.com/parkdog/msgsync/internal/realtime"
	"github.com/parkdog/msgsync/internal/remote"
	"github.com/parkdog/msgsync/internal/store"
)

// EventTypingChanged carries a TypingChanged payload.
const EventTypingChanged = "typing.changed"

var errAckTimeout = errors.New("bridge: no ack from server")

// Transport is the real-time client surface the bridge drives.
type Transport interface {
	Connected() bool
	Send(ctx context.Context, event string, data any) error
	Emit(ctx context.Context, event string, data any, prio realtime.Priority) error
	Reconnect(ctx context.Context) error
	Disconnect()
	SetBackground(ctx context.Context, background bool)
	SetNetwork(network realtime.Network, reachable bool)
	JoinConversation(ctx context.Context, id string) error
	LeaveConversation(ctx context.Context) error
	CurrentConversation() string
}

// HTTP is the request/response fallback.
type HTTP interface {
	SendMessage(ctx context.Context, conversationID string, req remote.SendRequest) (*remote.SendResponse, error)
	MarkAsRead(ctx context.Context, conversationID, upToMessageID string) error
}

// Handler receives routed transport events. *sync.Engine implements it.
type Handler interface {
	HandleIncomingMessage(ctx context.Context, m *remote.Message) (bool, error)
	HandleMessageAck(ctx context.Context, tempID, serverID string, createdAt int64) error
	HandleReadReceipt(ctx context.Context, conversationID, upToMessageID, readerID string) error
	UpdateUserOnlineStatus(ctx context.Context, userID string, online bool) error
	SetOnline(online bool)
}

// TypingChanged is the payload of typing.changed.
type TypingChanged struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type waiter struct {
	id uuid.UUID
	ch chan realtime.AckEvent
}

// Bridge routes and delivers. Bind must be called before Start.
type Bridge struct {
	rt     Transport
	http   HTTP
	bus    *bus.Bus
	logger *zap.Logger

	// AckTimeout bounds how long a socket send waits for dm:ack.
	AckTimeout time.Duration
	// TypingTTL clears a typing indicator the peer never turned off.
	TypingTTL time.Duration

	handler Handler

	mu      sync.Mutex
	waiters map[string]waiter
	typing  map[string]*time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a bridge.
func New(rt Transport, http HTTP, b *bus.Bus, logger *zap.Logger) *Bridge {
	return &Bridge{
		rt:         rt,
		http:       http,
		bus:        b,
		logger:     logger.Named("bridge"),
		AckTimeout: 10 * time.Second,
		TypingTTL:  3 * time.Second,
		waiters:    make(map[string]waiter),
		typing:     make(map[string]*time.Timer),
	}
}

// Bind sets the engine that routed events go to.
func (b *Bridge) Bind(h Handler) { b.handler = h }

// Start begins routing transport events.
func (b *Bridge) Start(ctx context.Context) {
	ch, unsub := b.bus.Subscribe("rt.", 256)
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				b.route(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops routing and clears pending typing timers.
func (b *Bridge) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	b.mu.Lock()
	for k, t := range b.typing {
		t.Stop()
		delete(b.typing, k)
	}
	b.mu.Unlock()
}

func (b *Bridge) route(ctx context.Context, evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case realtime.MessageEvent:
		m := p.Message
		if m.ConversationID == "" {
			m.ConversationID = p.ConversationID
		}
		_, err = b.handler.HandleIncomingMessage(ctx, &m)
	case realtime.AckEvent:
		b.resolve(p)
		err = b.handler.HandleMessageAck(ctx, p.TempID, p.ServerID, int64(p.CreatedAt))
	case realtime.ReadReceiptEvent:
		err = b.handler.HandleReadReceipt(ctx, p.ConversationID, p.UpToMessageID, p.UserID)
	case realtime.PresenceEvent:
		err = b.handler.UpdateUserOnlineStatus(ctx, p.UserID, p.Online)
	case realtime.TypingEvent:
		b.typingChanged(p)
	case realtime.ErrorEvent:
		b.logger.Warn("server error", zap.String("message", p.Message))
	default:
		switch evt.Kind {
		case realtime.EventConnected:
			// Going online wakes the outbox sender.
			b.handler.SetOnline(true)
		case realtime.EventAuthRequired:
			b.logger.Warn("transport needs a fresh credential")
		case realtime.EventReconnectExhausted:
			b.logger.Warn("transport gave up reconnecting; sync continues over HTTP")
		}
	}
	if err != nil {
		b.logger.Warn("route event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

func (b *Bridge) typingChanged(p realtime.TypingEvent) {
	key := p.ConversationID + "/" + p.UserID
	b.mu.Lock()
	if t, ok := b.typing[key]; ok {
		t.Stop()
		delete(b.typing, key)
	}
	if p.IsTyping {
		b.typing[key] = time.AfterFunc(b.TypingTTL, func() {
			b.mu.Lock()
			delete(b.typing, key)
			b.mu.Unlock()
			b.bus.Emit(EventTypingChanged, TypingChanged{ConversationID: p.ConversationID, UserID: p.UserID})
		})
	}
	b.mu.Unlock()
	b.bus.Emit(EventTypingChanged, TypingChanged{ConversationID: p.ConversationID, UserID: p.UserID, IsTyping: p.IsTyping})
}

func (b *Bridge) register(tempID string) waiter {
	w := waiter{id: uuid.New(), ch: make(chan realtime.AckEvent, 1)}
	b.mu.Lock()
	b.waiters[tempID] = w
	b.mu.Unlock()
	return w
}

func (b *Bridge) unregister(tempID string, w waiter) {
	b.mu.Lock()
	if cur, ok := b.waiters[tempID]; ok && cur.id == w.id {
		delete(b.waiters, tempID)
	}
	b.mu.Unlock()
}

func (b *Bridge) resolve(ack realtime.AckEvent) {
	b.mu.Lock()
	w, ok := b.waiters[ack.TempID]
	delete(b.waiters, ack.TempID)
	b.mu.Unlock()
	if ok {
		w.ch <- ack
	}
}

// Deliver sends one message, over the socket when it is up and over HTTP
// otherwise or when the socket send fails or goes unacknowledged.
func (b *Bridge) Deliver(ctx context.Context, p *store.SendPayload) (*outbox.Receipt, error) {
	if b.rt.Connected() {
		r, err := b.deliverSocket(ctx, p)
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Info("socket delivery failed, using HTTP", zap.String("temp_id", p.TempID), zap.Error(err))
	}
	metrics.DeliveryFallbacks.Inc()

	resp, err := b.http.SendMessage(ctx, p.ConversationID, remote.SendRequest{
		Text:       p.Content,
		TempID:     p.TempID,
		ReceiverID: p.ReceiverID,
		Cipher:     p.Cipher,
	})
	if err != nil {
		return nil, err
	}
	return &outbox.Receipt{ServerID: resp.ID, CreatedAt: int64(resp.CreatedAt)}, nil
}

func (b *Bridge) deliverSocket(ctx context.Context, p *store.SendPayload) (*outbox.Receipt, error) {
	w := b.register(p.TempID)
	defer b.unregister(p.TempID, w)

	err := b.rt.Send(ctx, realtime.OutSend, realtime.SendData{
		ConversationID: p.ConversationID,
		Text:           p.Content,
		TempID:         p.TempID,
		ReceiverID:     p.ReceiverID,
		Cipher:         p.Cipher,
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-w.ch:
		return &outbox.Receipt{ServerID: ack.ServerID, CreatedAt: int64(ack.CreatedAt)}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", errAckTimeout, b.AckTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SyncRead pushes a read cursor over the socket when it is up, else HTTP.
func (b *Bridge) SyncRead(ctx context.Context, conversationID, upToMessageID string) error {
	if b.rt.Connected() {
		err := b.rt.Send(ctx, realtime.OutRead, realtime.ReadData{
			ConversationID: conversationID,
			UpToMessageID:  upToMessageID,
		})
		if err == nil {
			return nil
		}
		b.logger.Debug("socket read sync failed, using HTTP", zap.Error(err))
	}
	return b.http.MarkAsRead(ctx, conversationID, upToMessageID)
}

// OpenConversation makes id the conversation the transport has joined.
func (b *Bridge) OpenConversation(ctx context.Context, id string) error {
	if cur := b.rt.CurrentConversation(); cur != "" && cur != id {
		if err := b.rt.LeaveConversation(ctx); err != nil && !errors.Is(err, realtime.ErrQueued) {
			b.logger.Debug("leave", zap.String("conversation", cur), zap.Error(err))
		}
	}
	return ignoreQueued(b.rt.JoinConversation(ctx, id))
}

// CloseConversation leaves the current conversation.
func (b *Bridge) CloseConversation(ctx context.Context) error {
	return ignoreQueued(b.rt.LeaveConversation(ctx))
}

// SendTyping tells the peer whether the user is typing. It is best effort.
func (b *Bridge) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	return b.rt.Emit(ctx, realtime.OutTyping, realtime.TypingData{
		ConversationID: conversationID,
		IsTyping:       typing,
	}, realtime.PriorityLow)
}

// SetOnline connects or disconnects the transport and tells the engine.
// A failed connect leaves the engine online; HTTP still works.
func (b *Bridge) SetOnline(ctx context.Context, online bool) {
	if online {
		if err := b.rt.Reconnect(ctx); err != nil {
			b.logger.Warn("transport connect", zap.Error(err))
		}
	} else {
		b.rt.Disconnect()
	}
	b.handler.SetOnline(online)
}

// SetBackground forwards the app lifecycle to the transport.
func (b *Bridge) SetBackground(ctx context.Context, background bool) {
	b.rt.SetBackground(ctx, background)
}

// SetNetwork forwards a network change. Losing reachability takes the
// engine offline until it returns.
func (b *Bridge) SetNetwork(network realtime.Network, reachable bool) {
	b.rt.SetNetwork(network, reachable)
	b.handler.SetOnline(reachable)
}

func ignoreQueued(err error) error {
	if errors.Is(err, realtime.ErrQueued) {
		return nil
	}
	return err
}
