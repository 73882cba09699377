package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/remote"
	"github.com/parkdog/msgsync/internal/store"
)

// AckEvent is the payload of message.ack.
type AckEvent struct {
	TempID         string `json:"temp_id"`
	ServerID       string `json:"server_id"`
	ConversationID string `json:"conversation_id"`
	CreatedAt      int64  `json:"created_at"`
}

// PresenceEvent is the payload of conversations.presence.
type PresenceEvent struct {
	UserID  string `json:"user_id"`
	Online  bool   `json:"online"`
	Updated int64  `json:"updated"`
}

// HandleIncomingMessage stores a message pushed by the server. A message
// already known by server id is ignored, so redelivery is harmless. It
// reports whether the message was new.
func (e *Engine) HandleIncomingMessage(ctx context.Context, m *remote.Message) (bool, error) {
	if m.ID == "" || m.ConversationID == "" {
		return false, fmt.Errorf("%w: message without id or conversation", ErrInvalidRequest)
	}
	self := e.UserID()

	var local *store.Message
	err := e.db.RunInTx(ctx, func(tx *store.Tx) error {
		_, err := tx.Messages().GetByServerID(ctx, m.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		peer := m.ReceiverID
		if peer == "" || peer == m.SenderID {
			peer = self
		}
		if _, err := tx.Conversations().Ensure(ctx, m.ConversationID, m.SenderID, peer); err != nil {
			return err
		}

		status := store.MessageDelivered
		if m.SenderID == self {
			status = store.MessageSent
		}
		local = m.Local(status)
		if local.CreatedAt == 0 {
			local.CreatedAt = e.db.Now()
		}
		if err := tx.Messages().Upsert(ctx, local); err != nil {
			return err
		}
		if err := tx.Conversations().UpdateLastMessage(ctx, m.ConversationID, m.ID, local.CreatedAt, local.Content); err != nil {
			return err
		}
		if m.SenderID != self {
			return tx.Conversations().IncrementUnread(ctx, m.ConversationID, 1)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("incoming message %s: %w", m.ID, err)
	}
	if local == nil {
		e.logger.Debug("duplicate message ignored", zap.String("server_id", m.ID))
		return false, nil
	}

	e.logger.Debug("message received", zap.String("server_id", m.ID), zap.String("conversation", m.ConversationID))
	e.bus.Emit(EventMessageReceived, *m)
	return true, nil
}

// HandleMessageAck binds the server id to a locally sent message and drops
// its outbox entry.
func (e *Engine) HandleMessageAck(ctx context.Context, tempID, serverID string, createdAt int64) error {
	if tempID == "" || serverID == "" {
		return fmt.Errorf("%w: ack without temp or server id", ErrInvalidRequest)
	}
	var msg *store.Message
	err := e.db.RunInTx(ctx, func(tx *store.Tx) error {
		if err := tx.Messages().BindServerID(ctx, tempID, serverID); err != nil {
			if !errors.Is(err, store.ErrServerIDMismatch) {
				return err
			}
			e.logger.Warn("ack for a message bound elsewhere", zap.String("temp_id", tempID), zap.Error(err))
		}
		var err error
		if msg, err = tx.Messages().GetByTempID(ctx, tempID); err != nil {
			return err
		}
		at := createdAt
		if at == 0 {
			at = msg.CreatedAt
		}
		if err := tx.Conversations().UpdateLastMessage(ctx, msg.ConversationID, serverID, at, msg.Content); err != nil {
			return err
		}
		_, err = tx.Outbox().DeleteByTempID(ctx, tempID)
		return err
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", tempID, err)
	}

	e.logger.Debug("message acknowledged", zap.String("temp_id", tempID), zap.String("server_id", serverID))
	e.bus.Emit(EventMessageAck, AckEvent{
		TempID:         tempID,
		ServerID:       serverID,
		ConversationID: msg.ConversationID,
		CreatedAt:      createdAt,
	})
	return nil
}

// HandleReadReceipt applies a read cursor reported by the server. When the
// peer read, own messages up to the cursor become read; when self read on
// another device, the peer's messages do and the unread count is recomputed.
func (e *Engine) HandleReadReceipt(ctx context.Context, conversationID, upToMessageID, readerID string) error {
	if conversationID == "" || upToMessageID == "" {
		return fmt.Errorf("%w: read receipt without conversation or cursor", ErrInvalidRequest)
	}
	self := e.UserID()

	evt := ReadEvent{ConversationID: conversationID, UpToMessageID: upToMessageID, ReaderID: readerID, Synced: true}
	err := e.db.RunInTx(ctx, func(tx *store.Tx) error {
		upTo, err := tx.Messages().Highest(ctx, conversationID, []string{upToMessageID})
		if err != nil {
			return err
		}
		if readerID != "" && readerID == self {
			if evt.Marked, err = tx.Messages().MarkReadUpTo(ctx, conversationID, self, upTo); err != nil {
				return err
			}
			if evt.Unread, err = tx.Messages().CountUnreadAfter(ctx, conversationID, self, upTo); err != nil {
				return err
			}
			return tx.Conversations().ResetUnread(ctx, conversationID, evt.Unread, upToMessageID)
		}
		evt.Marked, err = tx.Messages().MarkOwnReadUpTo(ctx, conversationID, self, upTo)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		// The cursor is not local yet; the next pull brings it.
		e.logger.Debug("read receipt for unknown message", zap.String("message", upToMessageID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read receipt: %w", err)
	}
	if evt.Marked > 0 {
		e.bus.Emit(EventMessagesRead, evt)
	}
	return nil
}

// UpdateUserOnlineStatus caches a peer's presence on their conversations.
func (e *Engine) UpdateUserOnlineStatus(ctx context.Context, userID string, online bool) error {
	if userID == "" {
		return fmt.Errorf("%w: presence without user id", ErrInvalidRequest)
	}
	n, err := e.db.Conversations().UpdateUserOnlineStatus(ctx, userID, online)
	if err != nil {
		return fmt.Errorf("presence %s: %w", userID, err)
	}
	if n > 0 {
		e.bus.Emit(EventPresenceChanged, PresenceEvent{UserID: userID, Online: online, Updated: n})
	}
	return nil
}
