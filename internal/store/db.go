package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrInvalidIdentifier is returned when a table or column name is rejected.
	ErrInvalidIdentifier = errors.New("store: invalid identifier")
)

// DB wraps the SQLite database holding messages, conversations, the outbox
// and sync state.
type DB struct {
	*sql.DB

	path    string
	now     func() time.Time
	backoff Backoff

	initOnce sync.Mutex
	initRes  *MigrateResult
}

// Option configures a DB at open time.
type Option func(*DB)

// WithClock overrides the clock used for timestamps and retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithBackoff overrides the outbox retry policy.
func WithBackoff(b Backoff) Option {
	return func(db *DB) { db.backoff = b }
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string, opts ...Option) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	db := &DB{
		DB:      sqlDB,
		path:    path,
		now:     time.Now,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Init applies pending migrations once. Later calls return the first result.
func (db *DB) Init() (*MigrateResult, error) {
	db.initOnce.Lock()
	defer db.initOnce.Unlock()
	if db.initRes != nil {
		return db.initRes, nil
	}
	res, err := db.Migrate()
	if err != nil {
		return nil, err
	}
	db.initRes = res
	return res, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Now returns the store clock in unix milliseconds.
func (db *DB) Now() int64 {
	return db.now().UnixMilli()
}

// Messages returns a message repository bound to the DB handle.
func (db *DB) Messages() *MessageRepo {
	return &MessageRepo{q: db.DB, now: db.now}
}

// Conversations returns a conversation repository bound to the DB handle.
func (db *DB) Conversations() *ConversationRepo {
	return &ConversationRepo{q: db.DB, now: db.now}
}

// Outbox returns an outbox repository bound to the DB handle.
func (db *DB) Outbox() *OutboxRepo {
	return &OutboxRepo{q: db.DB, now: db.now, backoff: db.backoff}
}

// SyncState returns the sync state accessor bound to the DB handle.
func (db *DB) SyncState() *SyncStateRepo {
	return &SyncStateRepo{q: db.DB, now: db.now}
}
