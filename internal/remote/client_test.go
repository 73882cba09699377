package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkdog/msgsync/internal/auth"
	"github.com/parkdog/msgsync/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newServer(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", auth.Static{Access: "tok"})
}

func TestSendMessage(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/messages/chats/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))
		assert.Equal(t, "c1", chi.URLParam(req, "id"))
		var body SendRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "hello", body.Text)
		assert.Equal(t, "tmp-1", body.TempID)
		writeJSON(w, http.StatusCreated, map[string]any{"id": "srv-1", "created_at": 1700000000000})
	})
	c := newServer(t, r)

	resp, err := c.SendMessage(context.Background(), "c1", SendRequest{Text: "hello", TempID: "tmp-1"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", resp.ID)
	assert.Equal(t, Millis(1700000000000), resp.CreatedAt)
}

func TestSendMessageWrapped(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/messages/chats/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": map[string]any{"id": "srv-2", "created_at": "2024-01-02T03:04:05Z"},
		})
	})
	c := newServer(t, r)

	resp, err := c.SendMessage(context.Background(), "c1", SendRequest{Text: "x", TempID: "t"})
	require.NoError(t, err)
	assert.Equal(t, "srv-2", resp.ID)
	assert.Equal(t, Millis(1704164645000), resp.CreatedAt)
}

func TestAPIError(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/messages/chats/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
	})
	c := newServer(t, r)

	_, err := c.SendMessage(context.Background(), "c1", SendRequest{Text: "x", TempID: "t"})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "maintenance", apiErr.Message)
	assert.True(t, apiErr.Temporary())
	assert.True(t, IsStatus(err, http.StatusServiceUnavailable))
}

func TestGetMessages(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/messages/chats/{id}/messages", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "m5", req.URL.Query().Get("after"))
		assert.Equal(t, "50", req.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"messages": []map[string]any{
				{"id": "m6", "sender_id": "u2", "receiver_id": "u1", "text": "hi", "created_at": 10},
				{"id": "m7", "conversation_id": "c1", "sender_id": "u1", "content": "yo", "created_at": 11},
			},
			"next_cursor": "m7",
		})
	})
	c := newServer(t, r)

	page, err := c.GetMessages(context.Background(), "c1", "m5", 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m7", page.NextCursor)
	assert.Equal(t, "c1", page.Messages[0].ConversationID)
	assert.Equal(t, "hi", page.Messages[0].Body())

	local := page.Messages[0].Local(store.MessageDelivered)
	assert.Equal(t, "m6", local.ServerID)
	assert.Equal(t, "m6", local.TempID)
	assert.Equal(t, int64(10), local.CreatedAt)
	assert.Equal(t, store.MessageDelivered, local.Status)
}

func TestGetConversations(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/messages/conversations", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "20", req.URL.Query().Get("limit"))
		assert.Empty(t, req.URL.Query().Get("cursor"))
		writeJSON(w, http.StatusOK, map[string]any{
			"conversations": []map[string]any{{
				"chat_id":           "c1",
				"user1_id":          "u1",
				"user2_id":          "u2",
				"last_message_id":   "m9",
				"last_message_time": "2024-01-02T03:04:05Z",
				"last_message":      "bye",
				"unread":            3,
				"user":              map[string]any{"id": "u2", "nickname": "bob", "is_online": true},
			}},
			"pagination": map[string]any{"has_more": true, "next_cursor": "p2"},
		})
	})
	c := newServer(t, r)

	page, err := c.GetConversations(context.Background(), "", 20)
	require.NoError(t, err)
	assert.True(t, page.Pagination.HasMore)
	assert.Equal(t, "p2", page.Pagination.NextCursor)
	require.Len(t, page.Conversations, 1)

	conv := page.Conversations[0].Local(99)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, int64(1704164645000), conv.LastMessageAt)
	assert.Equal(t, 3, conv.UnreadCount)
	assert.Equal(t, "bob", conv.OtherUserName)
	assert.True(t, conv.OtherUserOnline)
}

func TestMarkAsRead(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Post("/messages/chats/{id}/read", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		got = body["up_to_message_id"]
		w.WriteHeader(http.StatusNoContent)
	})
	c := newServer(t, r)

	require.NoError(t, c.MarkAsRead(context.Background(), "c1", "m3"))
	assert.Equal(t, "m3", got)
}

func TestMillisNull(t *testing.T) {
	var v struct {
		At Millis `json:"at"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"at":null}`), &v))
	assert.Zero(t, v.At)
	require.Error(t, json.Unmarshal([]byte(`{"at":"yesterday"}`), &v))
}
