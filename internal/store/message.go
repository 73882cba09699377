package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrServerIDMismatch is returned when a message is already bound to a
// different server identifier.
var ErrServerIDMismatch = errors.New("store: message bound to another server id")

const messageColumns = `row_id, server_id, temp_id, conversation_id, sender_id, receiver_id, content,
	ciphertext, nonce, tag, algorithm, key_version, created_at, updated_at, status,
	retry_count, last_retry_at, error, is_deleted`

// statusRank orders statuses so sync never regresses a message.
const statusRank = `CASE %s WHEN 'read' THEN 3 WHEN 'delivered' THEN 2 WHEN 'sent' THEN 1 ELSE 0 END`

// MessageRepo is the typed façade over the messages table.
type MessageRepo struct {
	q   Querier
	now func() time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*Message, error) {
	var (
		m        Message
		serverID sql.NullString
		c        Ciphertext
	)
	if err := s.Scan(&m.RowID, &serverID, &m.TempID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Content,
		&c.Data, &c.Nonce, &c.Tag, &c.Algorithm, &c.KeyVersion, &m.CreatedAt, &m.UpdatedAt, &m.Status,
		&m.RetryCount, &m.LastRetryAt, &m.Error, &m.IsDeleted); err != nil {
		return nil, err
	}
	m.ServerID = serverID.String
	if c.Data != "" {
		m.Cipher = &c
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func cipherArgs(c *Ciphertext) []any {
	if c == nil {
		return []any{"", "", "", "", 0}
	}
	return []any{c.Data, c.Nonce, c.Tag, c.Algorithm, c.KeyVersion}
}

// Insert adds a locally authored message, defaulting status to pending and
// timestamps to now.
func (r *MessageRepo) Insert(ctx context.Context, m *Message) error {
	now := r.now().UnixMilli()
	if m.Status == "" {
		m.Status = MessagePending
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	args := []any{nullable(m.ServerID), m.TempID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content}
	args = append(args, cipherArgs(m.Cipher)...)
	args = append(args, m.CreatedAt, m.UpdatedAt, m.Status)
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO messages (server_id, temp_id, conversation_id, sender_id, receiver_id, content,
			ciphertext, nonce, tag, algorithm, key_version, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", m.TempID, err)
	}
	m.RowID, _ = res.LastInsertId()
	return nil
}

// Upsert writes a server-known message. Conflicts on server_id refresh the
// content; conflicts on temp_id bind the server id if the row had none.
// Status only moves forward (pending/failed < sent < delivered < read).
func (r *MessageRepo) Upsert(ctx context.Context, m *Message) error {
	now := r.now().UnixMilli()
	if m.TempID == "" {
		m.TempID = m.ServerID
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	if m.Status == "" {
		m.Status = MessageDelivered
	}
	advance := fmt.Sprintf(`CASE WHEN %s >= %s THEN excluded.status ELSE messages.status END`,
		fmt.Sprintf(statusRank, "excluded.status"), fmt.Sprintf(statusRank, "messages.status"))

	args := []any{nullable(m.ServerID), m.TempID, m.ConversationID, m.SenderID, m.ReceiverID, m.Content}
	args = append(args, cipherArgs(m.Cipher)...)
	args = append(args, m.CreatedAt, now, m.Status)
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO messages (server_id, temp_id, conversation_id, sender_id, receiver_id, content,
			ciphertext, nonce, tag, algorithm, key_version, created_at, updated_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id) DO UPDATE SET
			content = excluded.content,
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			tag = excluded.tag,
			algorithm = excluded.algorithm,
			key_version = excluded.key_version,
			status = `+advance+`,
			updated_at = excluded.updated_at
		ON CONFLICT(temp_id) DO UPDATE SET
			server_id = COALESCE(messages.server_id, excluded.server_id),
			status = `+advance+`,
			error = '',
			updated_at = excluded.updated_at`, args...)
	if err != nil {
		return fmt.Errorf("upsert message %q: %w", m.ServerID, err)
	}
	return nil
}

// BulkUpsert upserts a sync batch. Run it inside RunInTx for atomicity.
// Re-applying the same batch leaves the table unchanged.
func (r *MessageRepo) BulkUpsert(ctx context.Context, msgs []*Message) (int, error) {
	for i, m := range msgs {
		if err := r.Upsert(ctx, m); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

// GetByTempID returns the message with the given temporary identifier.
func (r *MessageRepo) GetByTempID(ctx context.Context, tempID string) (*Message, error) {
	return r.getOne(ctx, "temp_id = ?", tempID)
}

// GetByServerID returns the message with the given server identifier.
func (r *MessageRepo) GetByServerID(ctx context.Context, serverID string) (*Message, error) {
	return r.getOne(ctx, "server_id = ?", serverID)
}

func (r *MessageRepo) getOne(ctx context.Context, where string, args ...any) (*Message, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where+` LIMIT 1`, args...)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListByConversation returns up to limit messages created before beforeMs
// (0 means now), oldest first.
func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string, limit int, beforeMs int64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMs <= 0 {
		beforeMs = r.now().UnixMilli() + 1
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND is_deleted = 0 AND created_at < ?
		ORDER BY created_at DESC, row_id DESC
		LIMIT ?`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// UpdateStatus sets status and error on the message identified by tempID.
func (r *MessageRepo) UpdateStatus(ctx context.Context, tempID string, status MessageStatus, errMsg string) error {
	n, err := Update(ctx, r.q, "messages", Values{
		"status":     string(status),
		"error":      errMsg,
		"updated_at": r.now().UnixMilli(),
	}, "temp_id = ?", tempID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// BindServerID assigns the server identifier to a locally authored message
// and moves it to sent. A row that already holds serverID under another
// temp_id (an echo that raced the ack) is folded into the local one.
func (r *MessageRepo) BindServerID(ctx context.Context, tempID, serverID string) error {
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM messages WHERE server_id = ? AND temp_id <> ? AND temp_id = server_id`,
		serverID, tempID); err != nil {
		return fmt.Errorf("drop echo %q: %w", serverID, err)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE messages SET
			server_id = ?,
			status = CASE WHEN status IN ('pending', 'failed') THEN 'sent' ELSE status END,
			error = '',
			updated_at = ?
		WHERE temp_id = ? AND (server_id IS NULL OR server_id = ?)`,
		serverID, r.now().UnixMilli(), tempID, serverID)
	if err != nil {
		return fmt.Errorf("bind server id %q: %w", tempID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByTempID(ctx, tempID); err != nil {
			return err
		}
		return fmt.Errorf("bind %q to %q: %w", tempID, serverID, ErrServerIDMismatch)
	}
	return nil
}

// IncrementRetry records a failed delivery attempt on the message.
func (r *MessageRepo) IncrementRetry(ctx context.Context, tempID, errMsg string) error {
	now := r.now().UnixMilli()
	_, err := r.q.ExecContext(ctx, `
		UPDATE messages SET retry_count = retry_count + 1, last_retry_at = ?, error = ?, updated_at = ?
		WHERE temp_id = ?`, now, errMsg, now, tempID)
	if err != nil {
		return fmt.Errorf("increment retry %q: %w", tempID, err)
	}
	return nil
}

// Pending returns locally authored messages not yet acknowledged.
func (r *MessageRepo) Pending(ctx context.Context, limit int) ([]Message, error) {
	return r.byStatus(ctx, MessagePending, limit)
}

// Failed returns messages whose delivery terminally failed.
func (r *MessageRepo) Failed(ctx context.Context, limit int) ([]Message, error) {
	return r.byStatus(ctx, MessageFailed, limit)
}

func (r *MessageRepo) byStatus(ctx context.Context, status MessageStatus, limit int) ([]Message, error) {
	rows, err := Select(ctx, r.q, SelectQuery{
		Table:   "messages",
		Columns: strings.Fields(strings.ReplaceAll(messageColumns, ",", " ")),
		Where:   "status = ? AND is_deleted = 0",
		Args:    []any{string(status)},
		OrderBy: "created_at",
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// Highest returns the latest message among ids (server or temp identifiers)
// in the conversation, ordered by created_at then identifier.
func (r *MessageRepo) Highest(ctx context.Context, conversationID string, ids []string) (*Message, error) {
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	ph := placeholders(len(ids))
	args := []any{conversationID}
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	return r.getOne(ctx, `conversation_id = ? AND (server_id IN (`+ph+`) OR temp_id IN (`+ph+`))
		ORDER BY created_at DESC, COALESCE(server_id, temp_id) DESC`, args...)
}

// MarkReadUpTo marks every peer message at or before upTo as read and
// returns the number of rows changed.
func (r *MessageRepo) MarkReadUpTo(ctx context.Context, conversationID, selfID string, upTo *Message) (int64, error) {
	key := upTo.ServerID
	if key == "" {
		key = upTo.TempID
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE messages SET status = 'read', updated_at = ?
		WHERE conversation_id = ? AND sender_id <> ? AND status <> 'read' AND is_deleted = 0
			AND (created_at < ? OR (created_at = ? AND COALESCE(server_id, temp_id) <= ?))`,
		r.now().UnixMilli(), conversationID, selfID, upTo.CreatedAt, upTo.CreatedAt, key)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// LastAckedPeerUpTo returns the newest peer message at or before upTo that
// carries a server identifier, or ErrNotFound.
func (r *MessageRepo) LastAckedPeerUpTo(ctx context.Context, conversationID, selfID string, upTo *Message) (*Message, error) {
	key := upTo.ServerID
	if key == "" {
		key = upTo.TempID
	}
	return r.getOne(ctx, `conversation_id = ? AND sender_id <> ? AND server_id IS NOT NULL AND is_deleted = 0
		AND (created_at < ? OR (created_at = ? AND COALESCE(server_id, temp_id) <= ?))
		ORDER BY created_at DESC, server_id DESC`,
		conversationID, selfID, upTo.CreatedAt, upTo.CreatedAt, key)
}

// MarkOwnReadUpTo applies a read receipt from the peer to messages self sent.
func (r *MessageRepo) MarkOwnReadUpTo(ctx context.Context, conversationID, selfID string, upTo *Message) (int64, error) {
	key := upTo.ServerID
	if key == "" {
		key = upTo.TempID
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE messages SET status = 'read', updated_at = ?
		WHERE conversation_id = ? AND sender_id = ? AND status IN ('sent', 'delivered')
			AND (created_at < ? OR (created_at = ? AND COALESCE(server_id, temp_id) <= ?))`,
		r.now().UnixMilli(), conversationID, selfID, upTo.CreatedAt, upTo.CreatedAt, key)
	if err != nil {
		return 0, fmt.Errorf("mark own read: %w", err)
	}
	return res.RowsAffected()
}

// CountUnreadAfter counts unread peer messages strictly after after.
// A nil after counts every unread peer message.
func (r *MessageRepo) CountUnreadAfter(ctx context.Context, conversationID, selfID string, after *Message) (int, error) {
	where := "conversation_id = ? AND sender_id <> ? AND status <> 'read' AND is_deleted = 0"
	args := []any{conversationID, selfID}
	if after != nil {
		key := after.ServerID
		if key == "" {
			key = after.TempID
		}
		where += " AND (created_at > ? OR (created_at = ? AND COALESCE(server_id, temp_id) > ?))"
		args = append(args, after.CreatedAt, after.CreatedAt, key)
	}
	n, err := Count(ctx, r.q, "messages", where, args...)
	return int(n), err
}

// SoftDelete hides a message by server or temp identifier.
func (r *MessageRepo) SoftDelete(ctx context.Context, id string) error {
	now := r.now().UnixMilli()
	n, err := Update(ctx, r.q, "messages", Values{
		"is_deleted": 1,
		"deleted_at": now,
		"updated_at": now,
	}, "server_id = ? OR temp_id = ?", id, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByConversation hard-deletes all messages of a conversation.
func (r *MessageRepo) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	return Delete(ctx, r.q, "messages", "conversation_id = ?", conversationID)
}

// Last returns the newest visible message of a conversation.
func (r *MessageRepo) Last(ctx context.Context, conversationID string) (*Message, error) {
	return r.getOne(ctx, `conversation_id = ? AND is_deleted = 0 ORDER BY created_at DESC, row_id DESC`, conversationID)
}

// LastServerID returns the server id of the newest acknowledged message, or
// "" when the conversation has none.
func (r *MessageRepo) LastServerID(ctx context.Context, conversationID string) (string, error) {
	var id string
	err := r.q.QueryRowContext(ctx, `
		SELECT server_id FROM messages
		WHERE conversation_id = ? AND server_id IS NOT NULL
		ORDER BY created_at DESC, row_id DESC LIMIT 1`, conversationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last server id: %w", err)
	}
	return id, nil
}

// Search finds visible plaintext messages containing query, newest first.
// An empty conversationID searches everything.
func (r *MessageRepo) Search(ctx context.Context, query, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query) + "%"
	where := `content LIKE ? ESCAPE '\' AND is_deleted = 0`
	args := []any{pattern}
	if conversationID != "" {
		where += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	args = append(args, limit)
	rows, err := r.q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where+`
		ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return scanMessages(rows)
}

// Since returns messages of a conversation created after sinceMs, oldest first.
func (r *MessageRepo) Since(ctx context.Context, conversationID string, sinceMs int64) ([]Message, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND created_at > ? AND is_deleted = 0
		ORDER BY created_at ASC, row_id ASC`, conversationID, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	return scanMessages(rows)
}

// CountByStatus returns visible message counts keyed by status.
func (r *MessageRepo) CountByStatus(ctx context.Context) (map[MessageStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages WHERE is_deleted = 0 GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[MessageStatus]int)
	for rows.Next() {
		var s MessageStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// DeleteOlderThan hard-deletes settled messages created before cutoffMs.
// Messages still waiting on the outbox are kept.
func (r *MessageRepo) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	return Delete(ctx, r.q, "messages",
		"created_at < ? AND status NOT IN ('pending', 'failed')", cutoffMs)
}
