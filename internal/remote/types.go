package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/parkdog/msgsync/internal/store"
)

// Millis is a timestamp in Unix milliseconds. The server sends either a
// number or an RFC 3339 string depending on the endpoint.
type Millis int64

func (m *Millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	if b[0] != '"' {
		n, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", b, err)
		}
		*m = Millis(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*m = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*m = Millis(n)
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	*m = Millis(t.UnixMilli())
	return nil
}

// Message is a message as the server returns it.
type Message struct {
	ID             string            `json:"id"`
	TempID         string            `json:"temp_id,omitempty"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	ReceiverID     string            `json:"receiver_id"`
	Content        string            `json:"content"`
	Text           string            `json:"text,omitempty"`
	Cipher         *store.Ciphertext `json:"encrypted,omitempty"`
	CreatedAt      Millis            `json:"created_at"`
	Status         string            `json:"status,omitempty"`
}

// Body returns the message text; older servers send it as "text".
func (m *Message) Body() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Text
}

// Local converts m into a store row. The temp id falls back to the server id
// so the unique constraint still holds for messages sent from other devices.
func (m *Message) Local(status store.MessageStatus) *store.Message {
	tempID := m.TempID
	if tempID == "" {
		tempID = m.ID
	}
	return &store.Message{
		ServerID:       m.ID,
		TempID:         tempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Body(),
		Cipher:         m.Cipher,
		CreatedAt:      int64(m.CreatedAt),
		Status:         status,
	}
}

// User is the counterpart summary embedded in a conversation.
type User struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
	IsOnline bool   `json:"is_online"`
}

// Conversation is a conversation as listed by the server.
type Conversation struct {
	ChatID          string `json:"chat_id"`
	User1ID         string `json:"user1_id"`
	User2ID         string `json:"user2_id"`
	LastMessageID   string `json:"last_message_id"`
	LastMessageTime Millis `json:"last_message_time"`
	LastMessage     string `json:"last_message"`
	Unread          int    `json:"unread"`
	User            *User  `json:"user"`
}

// Local converts c into a store row. A missing last-message time is
// replaced by now so the conversation still sorts somewhere sensible.
func (c *Conversation) Local(now int64) *store.Conversation {
	out := &store.Conversation{
		ID:                 c.ChatID,
		User1ID:            c.User1ID,
		User2ID:            c.User2ID,
		LastMessageID:      c.LastMessageID,
		LastMessageAt:      int64(c.LastMessageTime),
		LastMessagePreview: c.LastMessage,
		UnreadCount:        c.Unread,
	}
	if out.LastMessageAt == 0 {
		out.LastMessageAt = now
	}
	if c.User != nil {
		out.OtherUserName = c.User.Nickname
		out.OtherUserAvatar = c.User.Avatar
		out.OtherUserOnline = c.User.IsOnline
	}
	return out
}

// SendRequest is the body of a send call.
type SendRequest struct {
	Text       string            `json:"text"`
	TempID     string            `json:"temp_id"`
	ReceiverID string            `json:"receiver_id,omitempty"`
	Cipher     *store.Ciphertext `json:"encrypted,omitempty"`
}

// SendResponse is the server's acknowledgement of a send.
type SendResponse struct {
	ID        string `json:"id"`
	CreatedAt Millis `json:"created_at"`
}

// MessagePage is one page of a delta pull.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor"`
}

// Pagination describes where the next conversation page starts.
type Pagination struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// ConversationPage is one page of the conversation list.
type ConversationPage struct {
	Conversations []Conversation `json:"conversations"`
	Pagination    Pagination     `json:"pagination"`
}
