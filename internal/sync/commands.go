package sync

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/store"
)

// SendRequest is a locally authored message.
type SendRequest struct {
	ConversationID string
	ReceiverID     string // required only when the conversation is not known yet
	Content        string
	Cipher         *store.Ciphertext
	Priority       store.Priority
}

// SendResult identifies the queued message.
type SendResult struct {
	TempID         string `json:"temp_id"`
	ConversationID string `json:"conversation_id"`
	CreatedAt      int64  `json:"created_at"`
}

// ReadEvent is the payload of messages.read.
type ReadEvent struct {
	ConversationID string `json:"conversation_id"`
	UpToMessageID  string `json:"up_to_message_id"`
	ReaderID       string `json:"reader_id"`
	Marked         int64  `json:"marked"`
	Unread         int    `json:"unread"`
	Synced         bool   `json:"synced"`
}

// SendMessage stores the message as pending, queues it for delivery and
// returns at once. Delivery happens in the background when online and on
// the next cycle otherwise.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	self := e.UserID()
	switch {
	case req.ConversationID == "":
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	case req.Content == "" && (req.Cipher == nil || req.Cipher.Data == ""):
		return nil, fmt.Errorf("%w: message has no content", ErrInvalidRequest)
	case self == "":
		return nil, fmt.Errorf("%w: no user id configured", ErrInvalidRequest)
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}

	msg := &store.Message{
		TempID:         ulid.Make().String(),
		ConversationID: req.ConversationID,
		SenderID:       self,
		Content:        req.Content,
		Cipher:         req.Cipher,
		CreatedAt:      e.db.Now(),
		Status:         store.MessagePending,
	}
	err := e.db.RunInTx(ctx, func(tx *store.Tx) error {
		conv, err := tx.Conversations().Get(ctx, req.ConversationID)
		if errors.Is(err, store.ErrNotFound) {
			if req.ReceiverID == "" {
				return fmt.Errorf("%w: unknown conversation %q needs a receiver", ErrInvalidRequest, req.ConversationID)
			}
			conv, err = tx.Conversations().Ensure(ctx, req.ConversationID, self, req.ReceiverID)
		}
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID
		msg.ReceiverID = req.ReceiverID
		if msg.ReceiverID == "" {
			msg.ReceiverID = conv.Peer(self)
		}

		if err := tx.Messages().Insert(ctx, msg); err != nil {
			return err
		}
		if _, err := tx.Outbox().Enqueue(ctx, &store.OutboxEntry{
			TempID:         msg.TempID,
			ConversationID: msg.ConversationID,
			Priority:       req.Priority,
			Payload: store.NewSendPayload(store.SendPayload{
				TempID:         msg.TempID,
				ConversationID: msg.ConversationID,
				SenderID:       self,
				ReceiverID:     msg.ReceiverID,
				Content:        msg.Content,
				Cipher:         msg.Cipher,
			}),
		}); err != nil {
			return err
		}
		return tx.Conversations().UpdateLastMessage(ctx, msg.ConversationID, msg.TempID, msg.CreatedAt, msg.Content)
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	res := &SendResult{TempID: msg.TempID, ConversationID: msg.ConversationID, CreatedAt: msg.CreatedAt}
	e.logger.Debug("message queued", zap.String("temp_id", msg.TempID), zap.String("conversation", msg.ConversationID))
	e.bus.Emit(EventMessageQueued, *res)
	e.drainSoon()
	return res, nil
}

// MarkAsRead marks messageIDs and every earlier peer message read, then
// pushes the read cursor to the server. An empty messageIDs reads the whole
// conversation. A failed push is kept and retried by the next cycle.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID string, messageIDs []string) (*ReadEvent, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	self := e.UserID()

	evt := &ReadEvent{ConversationID: conversationID, ReaderID: self}
	var cursor *store.Message
	var serverUpTo string
	err := e.db.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		if len(messageIDs) == 0 {
			cursor, err = tx.Messages().Last(ctx, conversationID)
		} else {
			cursor, err = tx.Messages().Highest(ctx, conversationID, messageIDs)
		}
		if err != nil {
			return err
		}
		if evt.Marked, err = tx.Messages().MarkReadUpTo(ctx, conversationID, self, cursor); err != nil {
			return err
		}
		if evt.Unread, err = tx.Messages().CountUnreadAfter(ctx, conversationID, self, cursor); err != nil {
			return err
		}
		readID := cursor.ServerID
		if readID == "" {
			readID = cursor.TempID
			// Only acknowledged messages can be named to the server.
			peer, err := tx.Messages().LastAckedPeerUpTo(ctx, conversationID, self, cursor)
			switch {
			case err == nil:
				serverUpTo = peer.ServerID
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		} else {
			serverUpTo = readID
		}
		return tx.Conversations().ResetUnread(ctx, conversationID, evt.Unread, readID)
	})
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	evt.UpToMessageID = cursor.ServerID
	if evt.UpToMessageID == "" {
		evt.UpToMessageID = cursor.TempID
	}
	if serverUpTo != "" {
		evt.Synced = e.pushRead(ctx, conversationID, serverUpTo)
	}

	e.bus.Emit(EventMessagesRead, *evt)
	return evt, nil
}

func (e *Engine) pushRead(ctx context.Context, conversationID, upTo string) bool {
	key := store.PendingReadPrefix + conversationID
	if e.Online() {
		err := e.reads.SyncRead(ctx, conversationID, upTo)
		if err == nil {
			if err := e.clearPendingRead(ctx, conversationID, upTo); err != nil {
				e.logger.Warn("clear pending read", zap.Error(err))
			}
			return true
		}
		e.logger.Warn("read sync failed, will retry", zap.String("conversation", conversationID), zap.Error(err))
	}
	if err := e.db.SyncState().Set(ctx, key, upTo); err != nil {
		e.logger.Error("persist pending read", zap.String("conversation", conversationID), zap.Error(err))
	}
	return false
}

// GetMessages returns up to limit messages older than before (0 for the
// newest page), oldest first. A sparse local page triggers a pull of the
// conversation when online.
func (e *Engine) GetMessages(ctx context.Context, conversationID string, limit int, before int64) ([]store.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = 50
	}
	msgs, err := e.db.Messages().ListByConversation(ctx, conversationID, limit, before)
	if err != nil {
		return nil, err
	}
	if len(msgs) >= e.cfg.MinLocalMessages || !e.Online() {
		return msgs, nil
	}

	_, err, _ = e.pulls.Do("messages:"+conversationID, func() (any, error) {
		conv, err := e.db.Conversations().Get(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		return e.recon.PullConversation(ctx, conv, e.UserID(), e.cfg.PullLimit)
	})
	if err != nil {
		e.logger.Debug("on-demand pull", zap.String("conversation", conversationID), zap.Error(err))
		return msgs, nil
	}
	return e.db.Messages().ListByConversation(ctx, conversationID, limit, before)
}

// GetConversations lists conversations by recent activity. An empty local
// list is filled from the server when online.
func (e *Engine) GetConversations(ctx context.Context, limit, offset int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	convs, err := e.db.Conversations().List(ctx, limit, offset)
	if err != nil || len(convs) > 0 || offset > 0 || !e.Online() {
		return convs, err
	}
	_, err, _ = e.pulls.Do("conversations", func() (any, error) {
		return e.recon.Conversations(ctx, e.UserID(), e.cfg.ConversationPageSize, e.cfg.MaxConversationPages)
	})
	if err != nil {
		e.logger.Debug("on-demand conversation sync", zap.Error(err))
	}
	return e.db.Conversations().List(ctx, limit, offset)
}

// RetryMessage makes a failed message due immediately.
func (e *Engine) RetryMessage(ctx context.Context, tempID string) error {
	err := e.db.RunInTx(ctx, func(tx *store.Tx) error {
		msg, err := tx.Messages().GetByTempID(ctx, tempID)
		if err != nil {
			return err
		}
		if msg.ServerID != "" {
			return fmt.Errorf("%w: message %s was already delivered", ErrInvalidRequest, tempID)
		}
		err = tx.Outbox().Retry(ctx, tempID)
		if errors.Is(err, store.ErrNotFound) {
			// The entry was purged; queue the message again.
			_, err = tx.Outbox().Enqueue(ctx, &store.OutboxEntry{
				TempID:         msg.TempID,
				ConversationID: msg.ConversationID,
				Priority:       store.PriorityNormal,
				Payload: store.NewSendPayload(store.SendPayload{
					TempID:         msg.TempID,
					ConversationID: msg.ConversationID,
					SenderID:       msg.SenderID,
					ReceiverID:     msg.ReceiverID,
					Content:        msg.Content,
					Cipher:         msg.Cipher,
				}),
			})
		}
		if err != nil {
			return err
		}
		return tx.Messages().UpdateStatus(ctx, tempID, store.MessagePending, "")
	})
	if err != nil {
		return fmt.Errorf("retry %s: %w", tempID, err)
	}
	e.logger.Info("message retry requested", zap.String("temp_id", tempID))
	e.drainSoon()
	return nil
}

// RetryAllFailed makes every failed message due again.
func (e *Engine) RetryAllFailed(ctx context.Context) (int64, error) {
	var n int64
	err := e.db.RunInTx(ctx, func(tx *store.Tx) error {
		failed, err := tx.Outbox().Failed(ctx, math.MaxInt32)
		if err != nil {
			return err
		}
		for _, f := range failed {
			if err := tx.Messages().UpdateStatus(ctx, f.TempID, store.MessagePending, ""); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		n, err = tx.Outbox().RetryAllFailed(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed: %w", err)
	}
	if n > 0 {
		e.logger.Info("retrying failed messages", zap.Int64("count", n))
		e.drainSoon()
	}
	return n, nil
}

// DeleteMessage hides a message locally. An undelivered message is also
// removed from the outbox so it is never sent.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	err := e.db.RunInTx(ctx, func(tx *store.Tx) error {
		if err := tx.Messages().SoftDelete(ctx, id); err != nil {
			return err
		}
		_, err := tx.Outbox().DeleteByTempID(ctx, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	e.bus.Emit(EventMessageDeleted, id)
	return nil
}

// DeleteConversation hides a conversation until new activity arrives. With
// purge the conversation, its messages and their unsent outbox entries are
// removed for good.
func (e *Engine) DeleteConversation(ctx context.Context, id string, purge bool) error {
	var err error
	if purge {
		err = e.db.RunInTx(ctx, func(tx *store.Tx) error {
			if _, err := tx.Conversations().Get(ctx, id); err != nil {
				return err
			}
			if _, err := tx.Outbox().DeleteByConversation(ctx, id); err != nil {
				return err
			}
			return tx.Conversations().Purge(ctx, id)
		})
	} else {
		err = e.db.Conversations().SoftDelete(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	e.bus.Emit(EventConversationDeleted, id)
	return nil
}

// SearchMessages finds plaintext messages containing query.
func (e *Engine) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]store.Message, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}
	return e.db.Messages().Search(ctx, query, conversationID, limit)
}

// Stats extends the store statistics with engine state.
type Stats struct {
	*store.Stats
	UserID  string `json:"user_id"`
	Online  bool   `json:"online"`
	Syncing bool   `json:"syncing"`
}

// Stats reports store counts and engine state.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	s, err := e.db.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Stats: s, UserID: e.UserID(), Online: e.Online(), Syncing: e.Syncing()}, nil
}

// ClearAllData wipes the local store. The user id survives.
func (e *Engine) ClearAllData(ctx context.Context) error {
	if err := e.db.ClearAll(ctx); err != nil {
		return fmt.Errorf("clear data: %w", err)
	}
	if err := e.db.Vacuum(ctx); err != nil {
		e.logger.Warn("vacuum after clear failed", zap.Error(err))
	}
	if id := e.UserID(); id != "" {
		if err := e.db.SyncState().Set(ctx, store.KeyUserID, id); err != nil {
			return err
		}
	}
	e.logger.Warn("local data cleared")
	e.bus.Emit(EventDataCleared, nil)
	return nil
}
