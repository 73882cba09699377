package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const conversationColumns = `id, user1_id, user2_id, last_message_id, last_message_at, last_message_preview,
	last_read_message_id, last_read_at, unread_count, other_user_name, other_user_avatar, other_user_online,
	synced_at, last_sync_cursor, created_at, updated_at, is_deleted`

// ConversationRepo is the typed façade over the conversations table.
type ConversationRepo struct {
	q   Querier
	now func() time.Time
}

// Participants returns the pair in stored order (smaller first).
func Participants(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func scanConversation(s rowScanner) (*Conversation, error) {
	var c Conversation
	if err := s.Scan(&c.ID, &c.User1ID, &c.User2ID, &c.LastMessageID, &c.LastMessageAt, &c.LastMessagePreview,
		&c.LastReadMessageID, &c.LastReadAt, &c.UnreadCount, &c.OtherUserName, &c.OtherUserAvatar, &c.OtherUserOnline,
		&c.SyncedAt, &c.LastSyncCursor, &c.CreatedAt, &c.UpdatedAt, &c.IsDeleted); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	defer func() { _ = rows.Close() }()
	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Upsert writes a conversation as reported by the server. The participant
// pair is normalized before the uniqueness check, so (A,B) and (B,A) land on
// the same row; a row found by pair under a different id is re-keyed to the
// server id. Server-supplied profile fields win over cached ones, the last
// message pointer only moves forward, and an existing local unread count is
// kept.
func (r *ConversationRepo) Upsert(ctx context.Context, c *Conversation) error {
	if c.ID == "" || c.User1ID == "" || c.User2ID == "" {
		return fmt.Errorf("upsert conversation: id and both participants are required")
	}
	c.User1ID, c.User2ID = Participants(c.User1ID, c.User2ID)
	now := r.now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	const refresh = `
			other_user_name = CASE WHEN excluded.other_user_name <> '' THEN excluded.other_user_name ELSE conversations.other_user_name END,
			other_user_avatar = CASE WHEN excluded.other_user_avatar <> '' THEN excluded.other_user_avatar ELSE conversations.other_user_avatar END,
			other_user_online = excluded.other_user_online,
			last_message_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at AND excluded.last_message_id <> '' THEN excluded.last_message_id ELSE conversations.last_message_id END,
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at AND excluded.last_message_id <> '' THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO conversations (id, user1_id, user2_id, last_message_id, last_message_at, last_message_preview,
			unread_count, other_user_name, other_user_avatar, other_user_online, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET`+refresh+`
		ON CONFLICT(user1_id, user2_id) DO UPDATE SET
			id = excluded.id,`+refresh,
		c.ID, c.User1ID, c.User2ID, c.LastMessageID, c.LastMessageAt, truncate(c.LastMessagePreview, PreviewLen),
		c.UnreadCount, c.OtherUserName, c.OtherUserAvatar, c.OtherUserOnline, c.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
	}
	return nil
}

// BulkUpsert upserts a page of conversations. Run it inside RunInTx.
func (r *ConversationRepo) BulkUpsert(ctx context.Context, convs []*Conversation) (int, error) {
	for i, c := range convs {
		if err := r.Upsert(ctx, c); err != nil {
			return i, err
		}
	}
	return len(convs), nil
}

// Ensure creates the conversation if neither its id nor its participant
// pair is known yet, and returns the stored row. A row known only by pair
// is re-keyed to id.
func (r *ConversationRepo) Ensure(ctx context.Context, id, userA, userB string) (*Conversation, error) {
	u1, u2 := Participants(userA, userB)
	now := r.now().UnixMilli()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO conversations (id, user1_id, user2_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
		ON CONFLICT(user1_id, user2_id) DO UPDATE SET id = excluded.id, updated_at = excluded.updated_at`,
		id, u1, u2, now, now)
	if err != nil {
		return nil, fmt.Errorf("ensure conversation %q: %w", id, err)
	}
	return r.Get(ctx, id)
}

// Get returns the conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, id string) (*Conversation, error) {
	return r.getOne(ctx, "id = ?", id)
}

// GetByParticipants returns the conversation between two users in either order.
func (r *ConversationRepo) GetByParticipants(ctx context.Context, userA, userB string) (*Conversation, error) {
	u1, u2 := Participants(userA, userB)
	return r.getOne(ctx, "user1_id = ? AND user2_id = ?", u1, u2)
}

func (r *ConversationRepo) getOne(ctx context.Context, where string, args ...any) (*Conversation, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE `+where, args...)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// List returns visible conversations, most recently active first.
func (r *ConversationRepo) List(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE is_deleted = 0
		ORDER BY last_message_at DESC, updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return scanConversations(rows)
}

// ListUnread returns visible conversations with unread messages.
func (r *ConversationRepo) ListUnread(ctx context.Context) ([]Conversation, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE is_deleted = 0 AND unread_count > 0
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list unread conversations: %w", err)
	}
	return scanConversations(rows)
}

// UpdateLastMessage moves the last-message pointer if atMs is not older than
// the current one. A new message revives a soft-deleted conversation.
func (r *ConversationRepo) UpdateLastMessage(ctx context.Context, id, messageID string, atMs int64, preview string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_id = ?, last_message_at = ?, last_message_preview = ?,
			is_deleted = 0, updated_at = ?
		WHERE id = ? AND last_message_at <= ?`,
		messageID, atMs, truncate(preview, PreviewLen), r.now().UnixMilli(), id, atMs)
	if err != nil {
		return fmt.Errorf("update last message %q: %w", id, err)
	}
	return nil
}

// IncrementUnread adds by to the unread counter.
func (r *ConversationRepo) IncrementUnread(ctx context.Context, id string, by int) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE conversations SET unread_count = unread_count + ?, updated_at = ? WHERE id = ?`,
		by, r.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("increment unread %q: %w", id, err)
	}
	return nil
}

// ResetUnread stores the recomputed unread count together with the read cursor.
func (r *ConversationRepo) ResetUnread(ctx context.Context, id string, unread int, lastReadID string) error {
	now := r.now().UnixMilli()
	n, err := Update(ctx, r.q, "conversations", Values{
		"unread_count":         unread,
		"last_read_message_id": lastReadID,
		"last_read_at":         now,
		"updated_at":           now,
	}, "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUserOnlineStatus sets the cached online flag on every conversation
// with userID and returns how many rows changed.
func (r *ConversationRepo) UpdateUserOnlineStatus(ctx context.Context, userID string, online bool) (int64, error) {
	return Update(ctx, r.q, "conversations", Values{
		"other_user_online": online,
		"updated_at":        r.now().UnixMilli(),
	}, "user1_id = ? OR user2_id = ?", userID, userID)
}

// UpdateUserInfo refreshes the cached display name and avatar of userID.
func (r *ConversationRepo) UpdateUserInfo(ctx context.Context, userID, name, avatar string) (int64, error) {
	return Update(ctx, r.q, "conversations", Values{
		"other_user_name":   name,
		"other_user_avatar": avatar,
		"updated_at":        r.now().UnixMilli(),
	}, "user1_id = ? OR user2_id = ?", userID, userID)
}

// UpdateSyncCursor stores the delta-pull cursor and stamps synced_at.
func (r *ConversationRepo) UpdateSyncCursor(ctx context.Context, id, cursor string) error {
	now := r.now().UnixMilli()
	_, err := Update(ctx, r.q, "conversations", Values{
		"last_sync_cursor": cursor,
		"synced_at":        now,
	}, "id = ?", id)
	return err
}

// SoftDelete hides a conversation until new activity arrives.
func (r *ConversationRepo) SoftDelete(ctx context.Context, id string) error {
	now := r.now().UnixMilli()
	n, err := Update(ctx, r.q, "conversations", Values{
		"is_deleted": 1,
		"deleted_at": now,
		"updated_at": now,
	}, "id = ?", id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge hard-deletes the conversation and its messages. Run it inside RunInTx.
func (r *ConversationRepo) Purge(ctx context.Context, id string) error {
	msgs := &MessageRepo{q: r.q, now: r.now}
	if _, err := msgs.DeleteByConversation(ctx, id); err != nil {
		return err
	}
	if _, err := Delete(ctx, r.q, "conversations", "id = ?", id); err != nil {
		return err
	}
	return nil
}

// TotalUnread sums unread counters over visible conversations.
func (r *ConversationRepo) TotalUnread(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(unread_count), 0) FROM conversations WHERE is_deleted = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("total unread: %w", err)
	}
	return n, nil
}

// Search matches counterpart names and last-message previews.
func (r *ConversationRepo) Search(ctx context.Context, query string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query) + "%"
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE is_deleted = 0 AND (other_user_name LIKE ? ESCAPE '\' OR last_message_preview LIKE ? ESCAPE '\')
		ORDER BY last_message_at DESC LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	return scanConversations(rows)
}

// ForPull returns up to limit visible conversations, most recently active
// first, for delta pull.
func (r *ConversationRepo) ForPull(ctx context.Context, limit int) ([]Conversation, error) {
	return r.List(ctx, limit, 0)
}

// NeedingSync returns conversations not synced since beforeMs.
func (r *ConversationRepo) NeedingSync(ctx context.Context, beforeMs int64, limit int) ([]Conversation, error) {
	rows, err := Select(ctx, r.q, SelectQuery{
		Table:   "conversations",
		Columns: strings.Fields(strings.ReplaceAll(conversationColumns, ",", " ")),
		Where:   "is_deleted = 0 AND synced_at < ?",
		Args:    []any{beforeMs},
		OrderBy: "synced_at",
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return scanConversations(rows)
}

// Count returns the number of visible conversations.
func (r *ConversationRepo) Count(ctx context.Context) (int, error) {
	n, err := Count(ctx, r.q, "conversations", "is_deleted = 0")
	return int(n), err
}

// PreviewLen bounds last_message_preview.
const PreviewLen = 100

func truncate(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}
