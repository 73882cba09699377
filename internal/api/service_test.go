package api_test

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/parkdog/msgsync/internal/api"
	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/client"
	"github.com/parkdog/msgsync/internal/outbox"
	"github.com/parkdog/msgsync/internal/realtime"
	"github.com/parkdog/msgsync/internal/remote"
	"github.com/parkdog/msgsync/internal/store"
	intsync "github.com/parkdog/msgsync/internal/sync"
)

type emptyRemote struct{}

func (emptyRemote) GetMessages(context.Context, string, string, int) (*remote.MessagePage, error) {
	return &remote.MessagePage{}, nil
}

func (emptyRemote) GetConversations(context.Context, string, int) (*remote.ConversationPage, error) {
	return &remote.ConversationPage{}, nil
}

type nopReads struct{}

func (nopReads) SyncRead(context.Context, string, string) error { return nil }

type nopDeliverer struct{}

func (nopDeliverer) Deliver(_ context.Context, p *store.SendPayload) (*outbox.Receipt, error) {
	return &outbox.Receipt{ServerID: "srv-" + p.TempID}, nil
}

type fakeControls struct {
	mu     sync.Mutex
	calls  []string
	online []bool
}

func (f *fakeControls) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeControls) SetOnline(_ context.Context, online bool) {
	f.mu.Lock()
	f.online = append(f.online, online)
	f.mu.Unlock()
}

func (f *fakeControls) SetBackground(context.Context, bool) { f.record("background") }

func (f *fakeControls) SetNetwork(n realtime.Network, _ bool) { f.record("network " + string(n)) }

func (f *fakeControls) OpenConversation(_ context.Context, id string) error {
	f.record("open " + id)
	return nil
}

func (f *fakeControls) CloseConversation(context.Context) error {
	f.record("close")
	return nil
}

func (f *fakeControls) SendTyping(_ context.Context, id string, _ bool) error {
	f.record("typing " + id)
	return nil
}

type fakeTransport struct{}

func (fakeTransport) Metrics() realtime.Snapshot {
	return realtime.Snapshot{State: "connected", MessagesSent: 3}
}

type fixture struct {
	db       *store.DB
	engine   *intsync.Engine
	controls *fakeControls
	client   *client.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	_, err = db.Init()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	sender := outbox.NewSender(db, nopDeliverer{}, b, zap.NewNop())
	cfg := intsync.DefaultConfig()
	cfg.UserID = "me"
	engine := intsync.NewEngine(cfg, db, sender, emptyRemote{}, nopReads{}, b, zap.NewNop())
	controls := &fakeControls{}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	api.Register(srv, api.NewService("test", engine, controls, fakeTransport{}, b, zap.NewNop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &fixture{db: db, engine: engine, controls: controls, client: client.NewWithConn(conn)}
}

func code(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestSendAndListOverGRPC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var sent intsync.SendResult
	err := f.client.Call(ctx, api.MethodSendMessage, api.SendMessageRequest{
		ConversationID: "c1", ReceiverID: "bob", Content: "hello",
	}, &sent)
	require.NoError(t, err)
	assert.Equal(t, "c1", sent.ConversationID)
	assert.NotEmpty(t, sent.TempID)

	msgs, err := f.client.Messages(ctx, api.GetMessagesRequest{ConversationID: "c1"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.TempID, msgs[0].TempID)
	assert.Equal(t, "pending", msgs[0].Status)
	assert.Equal(t, "bob", msgs[0].ReceiverID)

	convs, err := f.client.Conversations(ctx, api.GetConversationsRequest{})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "hello", convs[0].LastMessagePreview)

	found := api.MessagesReply{}
	require.NoError(t, f.client.Call(ctx, api.MethodSearchMessages, api.SearchRequest{Query: "hell"}, &found))
	assert.Len(t, found.Messages, 1)

	stats, err := f.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conversations)
	assert.Equal(t, 1, stats.OutboxPending)
}

func TestErrorCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.client.Call(ctx, api.MethodSendMessage, api.SendMessageRequest{ConversationID: "c1"}, nil)
	assert.Equal(t, codes.InvalidArgument, code(err))

	err = f.client.Call(ctx, api.MethodRetryMessage, api.MessageRequest{ID: "missing"}, nil)
	assert.Equal(t, codes.NotFound, code(err))

	err = f.client.Call(ctx, api.MethodSyncNow, nil, nil)
	assert.Equal(t, codes.Unavailable, code(err))

	err = f.client.Call(ctx, api.MethodDeleteMessage, api.MessageRequest{}, nil)
	assert.Equal(t, codes.InvalidArgument, code(err))

	err = f.client.Call(ctx, api.MethodDeleteConversation, api.DeleteConversationRequest{ConversationID: "nope", Purge: true}, nil)
	assert.Equal(t, codes.NotFound, code(err))
}

func TestClearAllData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.Call(ctx, api.MethodSendMessage,
		api.SendMessageRequest{ConversationID: "c1", ReceiverID: "bob", Content: "hi"}, nil))
	require.NoError(t, f.client.Call(ctx, api.MethodClearAllData, nil, nil))

	stats, err := f.client.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Conversations)
	assert.Zero(t, stats.OutboxPending)
}

func TestStatusMergesTransportSnapshot(t *testing.T) {
	f := newFixture(t)

	st, err := f.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, "me", st.UserID)
	assert.Equal(t, "connected", st.State)
	assert.Equal(t, int64(3), st.MessagesSent)
	assert.False(t, st.Online)
}

func TestControlsAreForwarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.Call(ctx, api.MethodSetOnline, api.SetOnlineRequest{Online: true}, nil))
	require.NoError(t, f.client.Call(ctx, api.MethodSetNetwork, api.SetNetworkRequest{Network: "wifi", Reachable: true}, nil))
	require.NoError(t, f.client.Call(ctx, api.MethodOpenConversation, api.ConversationRequest{ConversationID: "c9"}, nil))
	require.NoError(t, f.client.Call(ctx, api.MethodSendTyping, api.TypingRequest{ConversationID: "c9", Typing: true}, nil))
	require.NoError(t, f.client.Call(ctx, api.MethodCloseConversation, nil, nil))

	err := f.client.Call(ctx, api.MethodOpenConversation, api.ConversationRequest{}, nil)
	assert.Equal(t, codes.InvalidArgument, code(err))

	f.controls.mu.Lock()
	defer f.controls.mu.Unlock()
	assert.Equal(t, []bool{true}, f.controls.online)
	assert.Equal(t, []string{"network wifi", "open c9", "typing c9", "close"}, f.controls.calls)
}

func TestWatchEventsFiltersByNamespace(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan api.Event, 8)
	go func() {
		_ = f.client.Watch(ctx, []string{"message."}, func(evt api.Event) error {
			events <- evt
			return nil
		})
	}()

	// The subscription is registered asynchronously; keep sending until the
	// first event arrives.
	var got api.Event
	require.Eventually(t, func() bool {
		err := f.client.Call(ctx, api.MethodSendMessage, api.SendMessageRequest{
			ConversationID: "c1", ReceiverID: "bob", Content: "ping",
		}, nil)
		if !assert.NoError(t, err) {
			return false
		}
		select {
		case got = <-events:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, intsync.EventMessageQueued, got.Kind)
	assert.Equal(t, "test", got.Session)
	assert.NotEmpty(t, got.EventID)
	payload, ok := got.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c1", payload["conversation_id"])
}
