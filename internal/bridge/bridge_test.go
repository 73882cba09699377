package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/realtime"
	"github.com/parkdog/msgsync/internal/remote"
	"github.com/parkdog/msgsync/internal/store"
)

type fakeTransport struct {
	mu           sync.Mutex
	bus          *bus.Bus
	connected    bool
	ack          bool
	sendErr      error
	sent         []string
	emitted      []string
	conversation string
	left         []string
	online       []bool
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Send(_ context.Context, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, event)
	if f.sendErr != nil {
		return f.sendErr
	}
	if d, ok := data.(realtime.SendData); ok && f.ack {
		go f.bus.Emit(realtime.EventAck, realtime.AckEvent{TempID: d.TempID, ServerID: "ws-" + d.TempID, CreatedAt: 77})
	}
	return nil
}

func (f *fakeTransport) Emit(_ context.Context, event string, _ any, _ realtime.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, true)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, false)
}

func (f *fakeTransport) SetBackground(context.Context, bool) {}

func (f *fakeTransport) SetNetwork(realtime.Network, bool) {}

func (f *fakeTransport) CurrentConversation() string { return f.conversation }

func (f *fakeTransport) JoinConversation(_ context.Context, id string) error {
	f.conversation = id
	return realtime.ErrQueued
}

func (f *fakeTransport) LeaveConversation(context.Context) error {
	f.left = append(f.left, f.conversation)
	f.conversation = ""
	return nil
}

type fakeHTTP struct {
	mu    sync.Mutex
	sends []remote.SendRequest
	reads []string
	err   error
}

func (f *fakeHTTP) SendMessage(_ context.Context, _ string, req remote.SendRequest) (*remote.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	if f.err != nil {
		return nil, f.err
	}
	return &remote.SendResponse{ID: "http-" + req.TempID, CreatedAt: 99}, nil
}

func (f *fakeHTTP) MarkAsRead(_ context.Context, conv, upTo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, conv+"@"+upTo)
	return f.err
}

type fakeHandler struct {
	calls chan string
}

func (f *fakeHandler) HandleIncomingMessage(_ context.Context, m *remote.Message) (bool, error) {
	f.calls <- "message " + m.ConversationID + "/" + m.ID
	return true, nil
}

func (f *fakeHandler) HandleMessageAck(_ context.Context, tempID, serverID string, _ int64) error {
	f.calls <- "ack " + tempID + "=" + serverID
	return nil
}

func (f *fakeHandler) HandleReadReceipt(_ context.Context, conv, upTo, reader string) error {
	f.calls <- "read " + conv + "@" + upTo + " by " + reader
	return nil
}

func (f *fakeHandler) UpdateUserOnlineStatus(_ context.Context, userID string, online bool) error {
	if online {
		f.calls <- "online " + userID
	} else {
		f.calls <- "offline " + userID
	}
	return nil
}

func (f *fakeHandler) SetOnline(online bool) {
	if online {
		f.calls <- "engine online"
	} else {
		f.calls <- "engine offline"
	}
}

func newTestBridge(t *testing.T) (*Bridge, *fakeTransport, *fakeHTTP, *fakeHandler, *bus.Bus) {
	t.Helper()
	b := bus.New()
	rt := &fakeTransport{bus: b}
	h := &fakeHTTP{}
	hd := &fakeHandler{calls: make(chan string, 32)}
	br := New(rt, h, b, zap.NewNop())
	br.Bind(hd)
	br.Start(context.Background())
	t.Cleanup(br.Stop)
	return br, rt, h, hd, b
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for routed call")
		return ""
	}
}

var payload = &store.SendPayload{TempID: "t1", ConversationID: "c1", SenderID: "me", ReceiverID: "bob", Content: "hi"}

func TestDeliverOverSocketWaitsForAck(t *testing.T) {
	br, rt, h, hd, _ := newTestBridge(t)
	rt.connected, rt.ack = true, true

	r, err := br.Deliver(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "ws-t1", r.ServerID)
	assert.Equal(t, int64(77), r.CreatedAt)
	assert.Equal(t, []string{realtime.OutSend}, rt.sent)
	assert.Empty(t, h.sends)

	assert.Equal(t, "ack t1=ws-t1", next(t, hd.calls))
}

func TestDeliverFallsBackToHTTP(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		br, rt, h, _, _ := newTestBridge(t)
		r, err := br.Deliver(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, "http-t1", r.ServerID)
		assert.Empty(t, rt.sent)
		require.Len(t, h.sends, 1)
		assert.Equal(t, "bob", h.sends[0].ReceiverID)
	})

	t.Run("send error", func(t *testing.T) {
		br, rt, h, _, _ := newTestBridge(t)
		rt.connected, rt.sendErr = true, realtime.ErrRateLimited
		r, err := br.Deliver(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, "http-t1", r.ServerID)
		assert.Len(t, h.sends, 1)
	})

	t.Run("ack timeout", func(t *testing.T) {
		br, rt, h, _, _ := newTestBridge(t)
		br.AckTimeout = 30 * time.Millisecond
		rt.connected = true
		r, err := br.Deliver(context.Background(), payload)
		require.NoError(t, err)
		assert.Equal(t, "http-t1", r.ServerID)
		assert.Len(t, h.sends, 1)
	})

	t.Run("http error", func(t *testing.T) {
		br, _, h, _, _ := newTestBridge(t)
		h.err = &remote.APIError{Status: 503}
		_, err := br.Deliver(context.Background(), payload)
		var apiErr *remote.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.True(t, apiErr.Temporary())
	})
}

func TestSyncReadPrefersSocket(t *testing.T) {
	br, rt, h, _, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, br.SyncRead(ctx, "c1", "m5"))
	assert.Equal(t, []string{"c1@m5"}, h.reads)

	rt.connected = true
	require.NoError(t, br.SyncRead(ctx, "c1", "m6"))
	assert.Equal(t, []string{realtime.OutRead}, rt.sent)
	assert.Len(t, h.reads, 1)
}

func TestRoutesTransportEvents(t *testing.T) {
	_, _, _, hd, b := newTestBridge(t)

	b.Emit(realtime.EventMessage, realtime.MessageEvent{ConversationID: "c1", Message: remote.Message{ID: "m1"}})
	assert.Equal(t, "message c1/m1", next(t, hd.calls))

	b.Emit(realtime.EventReadReceipt, realtime.ReadReceiptEvent{ConversationID: "c1", UpToMessageID: "m1", UserID: "bob"})
	assert.Equal(t, "read c1@m1 by bob", next(t, hd.calls))

	b.Emit(realtime.EventPresence, realtime.PresenceEvent{UserID: "bob", Online: false})
	assert.Equal(t, "offline bob", next(t, hd.calls))

	b.Emit(realtime.EventConnected, nil)
	assert.Equal(t, "engine online", next(t, hd.calls))
}

func TestTypingClearsItself(t *testing.T) {
	br, _, _, _, b := newTestBridge(t)
	br.TypingTTL = 30 * time.Millisecond
	ch, unsub := b.Subscribe(EventTypingChanged, 10)
	defer unsub()

	b.Emit(realtime.EventTyping, realtime.TypingEvent{ConversationID: "c1", UserID: "bob", IsTyping: true})

	var got []bool
	for len(got) < 2 {
		select {
		case evt := <-ch:
			got = append(got, evt.Payload.(TypingChanged).IsTyping)
		case <-time.After(2 * time.Second):
			t.Fatalf("typing events = %v", got)
		}
	}
	assert.Equal(t, []bool{true, false}, got)
}

func TestOpenConversationLeavesPrevious(t *testing.T) {
	br, rt, _, _, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, br.OpenConversation(ctx, "c1"))
	require.NoError(t, br.OpenConversation(ctx, "c2"))
	assert.Equal(t, "c2", rt.conversation)
	assert.Equal(t, []string{"c1"}, rt.left)

	require.NoError(t, br.CloseConversation(ctx))
	assert.Empty(t, rt.conversation)
}

func TestSetOnlineDrivesTransportAndEngine(t *testing.T) {
	br, rt, _, hd, _ := newTestBridge(t)
	ctx := context.Background()

	br.SetOnline(ctx, true)
	assert.Equal(t, "engine online", next(t, hd.calls))
	br.SetOnline(ctx, false)
	assert.Equal(t, "engine offline", next(t, hd.calls))
	assert.Equal(t, []bool{true, false}, rt.online)
}
