package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/api"
	"github.com/parkdog/msgsync/internal/client"
	"github.com/parkdog/msgsync/internal/config"
	"github.com/parkdog/msgsync/internal/lock"
)

// fakeServer answers the HTTP endpoints a cycle touches.
func fakeServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sends atomic.Int32
	r := chi.NewRouter()
	r.Get("/messages/conversations", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"conversations": []any{}, "pagination": map[string]any{}})
	})
	r.Get("/messages/chats/{id}/messages", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": []any{}})
	})
	r.Post("/messages/chats/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			TempID string `json:"temp_id"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		sends.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "srv-" + body.TempID, "created_at": time.Now().UnixMilli()})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &sends
}

func testParams(t *testing.T, name string) Params {
	t.Helper()
	// Use a short path to avoid macOS 104-char Unix socket limit.
	home, err := os.MkdirTemp("/tmp", "msgsync-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(home) })
	t.Setenv("MSGSYNC_HOME", home)

	srv, _ := fakeServer(t)
	cfg := config.Default()
	cfg.ServerURL = srv.URL
	cfg.WebSocketURL = "ws://127.0.0.1:1/ws"
	cfg.UserID = "me"
	cfg.LogLevel = "error"
	return Params{
		SessionName: name,
		SocketPath:  filepath.Join(home, "d.sock"),
		Config:      cfg,
	}
}

func TestDaemonLifecycle(t *testing.T) {
	p := testParams(t, "test")
	app := fxtest.New(t, Module(p))
	app.RequireStart()
	defer app.RequireStop()

	c, err := client.New(p.SocketPath)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, "me", st.UserID)

	require.NoError(t, c.Call(ctx, api.MethodSendMessage, api.SendMessageRequest{
		ConversationID: "c1", ReceiverID: "bob", Content: "hello",
	}, nil))

	// Without a transport credential delivery goes over HTTP.
	require.Eventually(t, func() bool {
		msgs, err := c.Messages(ctx, api.GetMessagesRequest{ConversationID: "c1"})
		return err == nil && len(msgs) == 1 && msgs[0].Status == "sent" && msgs[0].ServerID != ""
	}, 5*time.Second, 50*time.Millisecond)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.OutboxPending)
	assert.Equal(t, 1, stats.Conversations)
}

// TestSecondDaemonIsRefused verifies the session lock keeps a second
// daemon from opening the same store.
func TestSecondDaemonIsRefused(t *testing.T) {
	p := testParams(t, "dup")
	app := fxtest.New(t, Module(p))
	app.RequireStart()
	defer app.RequireStop()

	p2 := p
	p2.SocketPath = p.SocketPath + "2"
	second := fx.New(Module(p2), fx.NopLogger)
	err := second.Err()
	require.Error(t, err)
	var held *lock.LockHeldError
	assert.ErrorAs(t, err, &held)
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	require.NoError(t, fx.ValidateApp(Module(Params{SessionName: "fxtest"})))
}

func TestServerRemovesSocket(t *testing.T) {
	p := testParams(t, "sock")
	srv, err := NewServer(p, zap.NewNop(), nil)
	require.NoError(t, err)

	info, err := os.Stat(p.SocketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	srv.Stop(context.Background())
	_, err = os.Stat(p.SocketPath)
	assert.True(t, os.IsNotExist(err))
}
