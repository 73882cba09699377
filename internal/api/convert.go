package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/parkdog/msgsync/internal/store"
	intsync "github.com/parkdog/msgsync/internal/sync"
)

// ToStruct converts a JSON-tagged Go value into a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return st, nil
}

// FromStruct decodes a Struct into a JSON-tagged Go value. A nil Struct
// leaves v untouched.
func FromStruct(st *structpb.Struct, v any) error {
	if st == nil {
		return nil
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// toStatus maps engine and store errors onto gRPC codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.Is(err, intsync.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, intsync.ErrSyncInProgress):
		code = codes.Aborted
	case errors.Is(err, intsync.ErrOffline):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

// MessageView is the wire form of a stored message.
type MessageView struct {
	ServerID       string            `json:"server_id,omitempty"`
	TempID         string            `json:"temp_id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	ReceiverID     string            `json:"receiver_id"`
	Content        string            `json:"content,omitempty"`
	Cipher         *store.Ciphertext `json:"encrypted,omitempty"`
	CreatedAt      int64             `json:"created_at"`
	Status         string            `json:"status"`
	RetryCount     int               `json:"retry_count,omitempty"`
	Error          string            `json:"error,omitempty"`
}

func messageView(m *store.Message) MessageView {
	return MessageView{
		ServerID:       m.ServerID,
		TempID:         m.TempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Cipher:         m.Cipher,
		CreatedAt:      m.CreatedAt,
		Status:         string(m.Status),
		RetryCount:     m.RetryCount,
		Error:          m.Error,
	}
}

func messageViews(msgs []store.Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageView(&msgs[i]))
	}
	return out
}

// ConversationView is the wire form of a stored conversation.
type ConversationView struct {
	ID                 string `json:"id"`
	User1ID            string `json:"user1_id"`
	User2ID            string `json:"user2_id"`
	LastMessageID      string `json:"last_message_id,omitempty"`
	LastMessageAt      int64  `json:"last_message_at"`
	LastMessagePreview string `json:"last_message_preview,omitempty"`
	LastReadMessageID  string `json:"last_read_message_id,omitempty"`
	UnreadCount        int    `json:"unread_count"`
	OtherUserName      string `json:"other_user_name,omitempty"`
	OtherUserAvatar    string `json:"other_user_avatar,omitempty"`
	OtherUserOnline    bool   `json:"other_user_online"`
	SyncedAt           int64  `json:"synced_at,omitempty"`
}

func conversationViews(convs []store.Conversation) []ConversationView {
	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationView{
			ID:                 c.ID,
			User1ID:            c.User1ID,
			User2ID:            c.User2ID,
			LastMessageID:      c.LastMessageID,
			LastMessageAt:      c.LastMessageAt,
			LastMessagePreview: c.LastMessagePreview,
			LastReadMessageID:  c.LastReadMessageID,
			UnreadCount:        c.UnreadCount,
			OtherUserName:      c.OtherUserName,
			OtherUserAvatar:    c.OtherUserAvatar,
			OtherUserOnline:    c.OtherUserOnline,
			SyncedAt:           c.SyncedAt,
		})
	}
	return out
}
