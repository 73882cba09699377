package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, so repositories can run
// against the pool or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a unit of work. Repositories obtained from it share the transaction.
type Tx struct {
	tx *sql.Tx
	db *DB
}

// Messages returns a message repository bound to the transaction.
func (t *Tx) Messages() *MessageRepo {
	return &MessageRepo{q: t.tx, now: t.db.now}
}

// Conversations returns a conversation repository bound to the transaction.
func (t *Tx) Conversations() *ConversationRepo {
	return &ConversationRepo{q: t.tx, now: t.db.now}
}

// Outbox returns an outbox repository bound to the transaction.
func (t *Tx) Outbox() *OutboxRepo {
	return &OutboxRepo{q: t.tx, now: t.db.now, backoff: t.db.backoff}
}

// SyncState returns the sync state accessor bound to the transaction.
func (t *Tx) SyncState() *SyncStateRepo {
	return &SyncStateRepo{q: t.tx, now: t.db.now}
}

// Querier exposes the raw transaction for the generic primitives.
func (t *Tx) Querier() Querier {
	return t.tx
}

// RunInTx executes work inside a single transaction. work is synchronous:
// it must not retain the Tx or hand it to another goroutine. A returned
// error or a panic rolls everything back.
func (db *DB) RunInTx(ctx context.Context, work func(tx *Tx) error) (err error) {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = work(&Tx{tx: sqlTx, db: db}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
