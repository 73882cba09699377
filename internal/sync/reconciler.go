package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/metrics"
	"github.com/parkdog/msgsync/internal/remote"
	"github.com/parkdog/msgsync/internal/store"
)

// PulledEvent is the payload of messages.received.
type PulledEvent struct {
	ConversationID string `json:"conversation_id"`
	Count          int    `json:"count"`
}

// ConversationsSyncedEvent is the payload of conversations.synced.
type ConversationsSyncedEvent struct {
	Count int  `json:"count"`
	Pages int  `json:"pages"`
	Done  bool `json:"done"`
}

// Reconciler pulls server state into the store and keeps the sync
// checkpoints.
type Reconciler struct {
	db     *store.DB
	remote Remote
	bus    *bus.Bus
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, r Remote, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, remote: r, bus: b, logger: logger}
}

// UpdateCheckpoint updates a sync checkpoint value.
func (r *Reconciler) UpdateCheckpoint(ctx context.Context, key, value string) error {
	return r.db.SyncState().Set(ctx, key, value)
}

// Checkpoint retrieves a sync checkpoint value, "" when unset.
func (r *Reconciler) Checkpoint(ctx context.Context, key string) (string, error) {
	v, _, err := r.db.SyncState().Get(ctx, key)
	return v, err
}

// PullRecent pulls new messages for the most recently active conversations
// with at most concurrency requests in flight. A failing conversation does
// not stop the others; the error is returned only if none succeeded.
func (r *Reconciler) PullRecent(ctx context.Context, self string, conversations, limit, concurrency int) (int, error) {
	convs, err := r.db.Conversations().ForPull(ctx, conversations)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}

	var total atomic.Int64
	errs := make([]error, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range convs {
		i := i
		c := &convs[i]
		g.Go(func() error {
			n, err := r.PullConversation(gctx, c, self, limit)
			if err != nil {
				r.logger.Warn("pull conversation", zap.String("conversation", c.ID), zap.Error(err))
				errs[i] = fmt.Errorf("%s: %w", c.ID, err)
				return nil
			}
			total.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	combined := multierr.Combine(errs...)
	if len(convs) > 0 && len(multierr.Errors(combined)) == len(convs) {
		return 0, combined
	}
	if err := r.UpdateCheckpoint(ctx, store.KeyLastMessageSync, nowMillis()); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

// PullConversation fetches messages after the conversation's cursor and
// applies them in one transaction. It returns the number of messages that
// were new locally.
func (r *Reconciler) PullConversation(ctx context.Context, c *store.Conversation, self string, limit int) (int, error) {
	cursor := c.LastSyncCursor
	if cursor == "" {
		var err error
		if cursor, err = r.db.Messages().LastServerID(ctx, c.ID); err != nil {
			return 0, err
		}
	}

	page, err := r.remote.GetMessages(ctx, c.ID, cursor, limit)
	if err != nil {
		return 0, err
	}
	if len(page.Messages) == 0 {
		return 0, r.db.Conversations().UpdateSyncCursor(ctx, c.ID, cursor)
	}

	next := page.NextCursor
	if next == "" {
		next = page.Messages[len(page.Messages)-1].ID
	}

	fresh := 0
	err = r.db.RunInTx(ctx, func(tx *store.Tx) error {
		fresh = 0
		var unread int
		var last *store.Message
		for i := range page.Messages {
			m := &page.Messages[i]
			if m.ID == "" {
				continue
			}
			if m.ConversationID == "" {
				m.ConversationID = c.ID
			}
			_, err := tx.Messages().GetByServerID(ctx, m.ID)
			isNew := errors.Is(err, store.ErrNotFound)
			if err != nil && !isNew {
				return err
			}
			local := m.Local(pulledStatus(m, self))
			if err := tx.Messages().Upsert(ctx, local); err != nil {
				return err
			}
			if isNew {
				fresh++
				if local.SenderID != self && local.Status != store.MessageRead {
					unread++
				}
			}
			if last == nil || local.CreatedAt >= last.CreatedAt {
				last = local
			}
		}
		if last != nil {
			if err := tx.Conversations().UpdateLastMessage(ctx, c.ID, last.ServerID, last.CreatedAt, last.Content); err != nil {
				return err
			}
		}
		if unread > 0 {
			if err := tx.Conversations().IncrementUnread(ctx, c.ID, unread); err != nil {
				return err
			}
		}
		return tx.Conversations().UpdateSyncCursor(ctx, c.ID, next)
	})
	if err != nil {
		return 0, fmt.Errorf("apply pulled messages: %w", err)
	}

	if fresh > 0 {
		metrics.MessagesPulled.Add(float64(fresh))
		r.bus.Emit(EventMessagesReceived, PulledEvent{ConversationID: c.ID, Count: fresh})
	}
	r.logger.Debug("pulled conversation",
		zap.String("conversation", c.ID), zap.Int("received", len(page.Messages)), zap.Int("new", fresh))
	return fresh, nil
}

// pulledStatus keeps a server-reported status when it is one the store knows.
func pulledStatus(m *remote.Message, self string) store.MessageStatus {
	switch s := store.MessageStatus(m.Status); s {
	case store.MessageSent, store.MessageDelivered, store.MessageRead:
		return s
	}
	if m.SenderID == self {
		return store.MessageSent
	}
	return store.MessageDelivered
}

// Conversations pages through the server's conversation list and upserts
// each page. A page error stops pagination; pages already applied stay.
func (r *Reconciler) Conversations(ctx context.Context, self string, pageSize, maxPages int) (int, error) {
	var (
		cursor string
		total  int
		pages  int
		done   bool
		err    error
	)
	for pages < maxPages {
		var page *remote.ConversationPage
		page, err = r.remote.GetConversations(ctx, cursor, pageSize)
		if err != nil {
			err = fmt.Errorf("page %d: %w", pages+1, err)
			break
		}
		pages++

		now := r.db.Now()
		convs := make([]*store.Conversation, 0, len(page.Conversations))
		for i := range page.Conversations {
			rc := &page.Conversations[i]
			c := rc.Local(now)
			if c.ID == "" {
				continue
			}
			if c.User1ID == "" || c.User2ID == "" {
				if rc.User == nil || rc.User.ID == "" || self == "" {
					r.logger.Warn("conversation without participants", zap.String("conversation", c.ID))
					continue
				}
				c.User1ID, c.User2ID = self, rc.User.ID
			}
			convs = append(convs, c)
		}
		var n int
		if txErr := r.db.RunInTx(ctx, func(tx *store.Tx) error {
			var err error
			n, err = tx.Conversations().BulkUpsert(ctx, convs)
			return err
		}); txErr != nil {
			err = fmt.Errorf("page %d: %w", pages, txErr)
			break
		}
		total += n

		if !page.Pagination.HasMore || page.Pagination.NextCursor == "" {
			done = true
			break
		}
		cursor = page.Pagination.NextCursor
	}
	if !done && err == nil {
		r.logger.Warn("conversation list truncated", zap.Int("pages", pages))
	}

	if pages > 0 {
		r.bus.Emit(EventConversationsSynced, ConversationsSyncedEvent{Count: total, Pages: pages, Done: done})
		if cpErr := r.UpdateCheckpoint(ctx, store.KeyLastConversationSync, nowMillis()); cpErr != nil {
			err = multierr.Append(err, cpErr)
		}
	}
	r.logger.Debug("reconciled conversations", zap.Int("count", total), zap.Int("pages", pages))
	return total, err
}

func nowMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
