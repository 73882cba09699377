package store

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Stats summarizes the local store.
type Stats struct {
	Messages      map[MessageStatus]int
	Conversations int
	UnreadTotal   int
	Outbox        OutboxStats
	DatabaseBytes int64
	LastMessageAt int64
	LastSyncedAt  string
}

// Stats collects counts across all tables.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var (
		s   Stats
		err error
	)
	if s.Messages, err = db.Messages().CountByStatus(ctx); err != nil {
		return nil, err
	}
	if s.Conversations, err = db.Conversations().Count(ctx); err != nil {
		return nil, err
	}
	if s.UnreadTotal, err = db.Conversations().TotalUnread(ctx); err != nil {
		return nil, err
	}
	if s.Outbox, err = db.Outbox().Stats(ctx); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM messages`).Scan(&s.LastMessageAt); err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	if v, ok, err := db.SyncState().Get(ctx, KeyLastMessageSync); err == nil && ok {
		s.LastSyncedAt = v
	}
	if info, err := os.Stat(db.path); err == nil {
		s.DatabaseBytes = info.Size()
	}
	return &s, nil
}

// Vacuum compacts the database file.
func (db *DB) Vacuum(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// ClearAll deletes every row of every data table in one transaction. The
// migrations ledger is kept.
func (db *DB) ClearAll(ctx context.Context) error {
	return db.RunInTx(ctx, func(tx *Tx) error {
		for _, table := range []string{"outbox", "messages", "conversations", "sync_state"} {
			if _, err := Delete(ctx, tx.Querier(), table, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteOldMessages applies the retention window to settled messages.
func (db *DB) DeleteOldMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := db.now().Add(-olderThan).UnixMilli()
	return db.Messages().DeleteOlderThan(ctx, cutoff)
}
