package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Well-known sync state keys.
const (
	KeyLastMessageSync      = "last_message_sync"
	KeyLastConversationSync = "last_conversation_sync"
	KeyUserID               = "user_id"
	PendingReadPrefix       = "pending_read:"
)

// SyncStateRepo reads and writes the flat sync_state key/value table.
type SyncStateRepo struct {
	q   Querier
	now func() time.Time
}

// Get returns the value for key and whether it exists.
func (r *SyncStateRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.q.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get sync state %q: %w", key, err)
	}
	return value, true, nil
}

// Set upserts key.
func (r *SyncStateRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set sync state %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (r *SyncStateRepo) Delete(ctx context.Context, key string) error {
	_, err := Delete(ctx, r.q, "sync_state", "key = ?", key)
	return err
}

// List returns all entries whose key starts with prefix.
func (r *SyncStateRepo) List(ctx context.Context, prefix string) (map[string]string, error) {
	pattern := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix) + "%"
	rows, err := r.q.QueryContext(ctx, `SELECT key, value FROM sync_state WHERE key LIKE ? ESCAPE '\'`, pattern)
	if err != nil {
		return nil, fmt.Errorf("list sync state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
