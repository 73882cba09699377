// Package sync keeps the local store and the server in step. The Engine owns
// every write to the store: local commands, inbound transport events routed
// to it, and the periodic sync cycle.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/metrics"
	"github.com/parkdog/msgsync/internal/outbox"
	"github.com/parkdog/msgsync/internal/remote"
	"github.com/parkdog/msgsync/internal/store"
)

var (
	// ErrSyncInProgress is returned when a cycle is requested while one runs.
	ErrSyncInProgress = errors.New("sync: cycle already in progress")
	// ErrInvalidRequest wraps validation failures of engine commands.
	ErrInvalidRequest = errors.New("sync: invalid request")
	// ErrOffline is returned by SyncNow while the engine is offline.
	ErrOffline = errors.New("sync: offline")
)

// Bus kinds published by the engine.
const (
	EventSyncStarted         = "sync.started"
	EventSyncCompleted       = "sync.completed"
	EventSyncFailed          = "sync.failed"
	EventMessageQueued       = "message.queued"
	EventMessageSent         = outbox.EventMessageSent
	EventMessageFailed       = outbox.EventMessageFailed
	EventMessageReceived     = "message.received"
	EventMessageAck          = "message.ack"
	EventMessageDeleted      = "message.deleted"
	EventMessagesReceived    = "messages.received"
	EventMessagesRead        = "messages.read"
	EventConversationsSynced = "conversations.synced"
	EventConversationDeleted = "conversations.deleted"
	EventPresenceChanged     = "conversations.presence"
	EventDataCleared         = "sync.cleared"
)

// Remote is the part of the HTTP API the engine pulls from.
type Remote interface {
	GetMessages(ctx context.Context, conversationID, after string, limit int) (*remote.MessagePage, error)
	GetConversations(ctx context.Context, cursor string, limit int) (*remote.ConversationPage, error)
}

// ReadSyncer pushes a conversation's read cursor to the server.
type ReadSyncer interface {
	SyncRead(ctx context.Context, conversationID, upToMessageID string) error
}

// Config tunes the engine.
type Config struct {
	UserID               string
	Interval             time.Duration
	DrainBatch           int
	PullConversations    int
	PullLimit            int
	PullConcurrency      int
	ConversationPageSize int
	MaxConversationPages int
	CompletedRetention   time.Duration
	MinLocalMessages     int
	// MessageRetention drops settled messages older than this during
	// cleanup. Zero keeps history forever.
	MessageRetention time.Duration
}

// DefaultConfig returns the stock cycle settings.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		DrainBatch:           outbox.DefaultBatch,
		PullConversations:    20,
		PullLimit:            50,
		PullConcurrency:      4,
		ConversationPageSize: 20,
		MaxConversationPages: 50,
		CompletedRetention:   time.Hour,
		MinLocalMessages:     10,
	}
}

// CycleReport summarizes one sync cycle. It is the payload of
// sync.completed and sync.failed.
type CycleReport struct {
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Drained       outbox.Result `json:"drained"`
	ReadsFlushed  int           `json:"reads_flushed"`
	Pulled        int           `json:"pulled"`
	Conversations int           `json:"conversations"`
	Cleaned       int64         `json:"cleaned"`
	Errors        []string      `json:"errors,omitempty"`
}

// Engine coordinates local state with the server.
type Engine struct {
	cfg    Config
	db     *store.DB
	sender *outbox.Sender
	recon  *Reconciler
	reads  ReadSyncer
	bus    *bus.Bus
	logger *zap.Logger

	syncing atomic.Bool
	online  atomic.Bool
	pulls   singleflight.Group
	userID  atomic.Value // string

	// ctx bounds background work started by commands; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	bgMu    stdsync.Mutex
	stopped bool
	bg      stdsync.WaitGroup
}

// NewEngine creates an offline engine.
func NewEngine(cfg Config, db *store.DB, sender *outbox.Sender, r Remote, reads ReadSyncer, b *bus.Bus, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = def.DrainBatch
	}
	if cfg.PullConversations <= 0 {
		cfg.PullConversations = def.PullConversations
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = def.PullLimit
	}
	if cfg.PullConcurrency <= 0 {
		cfg.PullConcurrency = def.PullConcurrency
	}
	if cfg.ConversationPageSize <= 0 {
		cfg.ConversationPageSize = def.ConversationPageSize
	}
	if cfg.MaxConversationPages <= 0 {
		cfg.MaxConversationPages = def.MaxConversationPages
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = def.CompletedRetention
	}
	if cfg.MinLocalMessages <= 0 {
		cfg.MinLocalMessages = def.MinLocalMessages
	}
	logger = logger.Named("sync")
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		db:     db,
		sender: sender,
		recon:  NewReconciler(db, r, b, logger),
		reads:  reads,
		bus:    b,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	e.userID.Store(cfg.UserID)
	return e
}

// Start recovers interrupted outbox work, starts the sender and the periodic
// cycle. Cancelling ctx has the same effect as Stop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loadUserID(ctx); err != nil {
		return err
	}
	if n, err := e.db.Outbox().RecoverStale(ctx); err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	} else if n > 0 {
		e.logger.Info("recovered interrupted deliveries", zap.Int64("count", n))
	}

	e.sender.Start(e.ctx)
	e.done = make(chan struct{})
	go e.loop(ctx)
	e.logger.Info("engine started", zap.Duration("interval", e.cfg.Interval))
	return nil
}

// Stop cancels background work and waits for the cycle loop and any
// drains or cycles started by commands.
func (e *Engine) Stop() {
	e.bgMu.Lock()
	e.stopped = true
	e.bgMu.Unlock()

	e.cancel()
	e.sender.Stop()
	if e.done != nil {
		<-e.done
	}
	e.bg.Wait()
}

// spawn runs fn in a goroutine that Stop waits for. Nothing starts after Stop.
func (e *Engine) spawn(fn func()) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	if e.stopped {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		fn()
	}()
}

func (e *Engine) loadUserID(ctx context.Context) error {
	if id := e.UserID(); id != "" {
		if err := e.db.SyncState().Set(ctx, store.KeyUserID, id); err != nil {
			return fmt.Errorf("persist user id: %w", err)
		}
		return nil
	}
	id, ok, err := e.db.SyncState().Get(ctx, store.KeyUserID)
	if err != nil {
		return fmt.Errorf("load user id: %w", err)
	}
	if ok {
		e.userID.Store(id)
	} else {
		e.logger.Warn("no user id configured; sends are rejected until one is set")
	}
	return nil
}

// UserID returns the identity messages are sent as.
func (e *Engine) UserID() string {
	id, _ := e.userID.Load().(string)
	return id
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if e.Online() {
				e.syncLogged("interval")
			}
		case <-ctx.Done():
			e.cancel()
			return
		case <-e.ctx.Done():
			return
		}
	}
}

// Online reports whether the engine believes the server is reachable.
func (e *Engine) Online() bool { return e.online.Load() }

// Syncing reports whether a cycle is running.
func (e *Engine) Syncing() bool { return e.syncing.Load() }

// SetOnline records connectivity. Going online enables the outbox sender and
// starts a full cycle.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	e.sender.SetEnabled(online)
	if was == online {
		return
	}
	e.logger.Info("connectivity changed", zap.Bool("online", online))
	if online {
		e.spawn(func() { e.syncLogged("online") })
	}
}

func (e *Engine) syncLogged(trigger string) {
	if _, err := e.SyncNow(e.ctx); err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
		e.logger.Warn("sync cycle finished with errors", zap.String("trigger", trigger), zap.Error(err))
	}
}

// drainSoon delivers due outbox entries in the background.
func (e *Engine) drainSoon() {
	if !e.Online() {
		return
	}
	e.spawn(func() {
		if _, err := e.sender.Drain(e.ctx, e.cfg.DrainBatch); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("drain", zap.Error(err))
		}
	})
}

// SyncNow runs one full cycle: drain the outbox, flush pending read cursors,
// pull new messages, reconcile the conversation list and clean up. Steps run
// in that order and none aborts the others; their errors are combined. Only
// one cycle runs at a time.
func (e *Engine) SyncNow(ctx context.Context) (*CycleReport, error) {
	if !e.Online() {
		return nil, ErrOffline
	}
	if !e.syncing.CompareAndSwap(false, true) {
		metrics.SyncCycles.WithLabelValues("skipped").Inc()
		return nil, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	report := &CycleReport{StartedAt: time.Now()}
	e.bus.Emit(EventSyncStarted, report.StartedAt)
	e.logger.Debug("sync cycle started")

	var errs error
	steps, failed := 0, 0
	step := func(name string, fn func() error) {
		steps++
		if err := fn(); err != nil {
			failed++
			e.logger.Warn("sync step failed", zap.String("step", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("drain outbox", func() (err error) {
		report.Drained, err = e.sender.Drain(ctx, e.cfg.DrainBatch)
		return err
	})
	step("flush read cursors", func() (err error) {
		report.ReadsFlushed, err = e.flushPendingReads(ctx)
		return err
	})
	step("pull messages", func() (err error) {
		report.Pulled, err = e.recon.PullRecent(ctx, e.UserID(), e.cfg.PullConversations, e.cfg.PullLimit, e.cfg.PullConcurrency)
		return err
	})
	step("reconcile conversations", func() (err error) {
		report.Conversations, err = e.recon.Conversations(ctx, e.UserID(), e.cfg.ConversationPageSize, e.cfg.MaxConversationPages)
		return err
	})
	step("cleanup outbox", func() (err error) {
		report.Cleaned, err = e.db.Outbox().CleanupCompleted(ctx, e.cfg.CompletedRetention)
		if err != nil || e.cfg.MessageRetention <= 0 {
			return err
		}
		n, err := e.db.DeleteOldMessages(ctx, e.cfg.MessageRetention)
		if n > 0 {
			e.logger.Info("old messages removed", zap.Int64("count", n))
		}
		return err
	})

	report.Duration = time.Since(report.StartedAt)
	for _, err := range multierr.Errors(errs) {
		report.Errors = append(report.Errors, err.Error())
	}
	metrics.SyncDuration.Observe(report.Duration.Seconds())

	switch {
	case failed == steps:
		metrics.SyncCycles.WithLabelValues("failed").Inc()
		e.logger.Error("sync cycle failed", zap.Error(errs))
		e.bus.Emit(EventSyncFailed, report)
	case failed > 0:
		metrics.SyncCycles.WithLabelValues("partial").Inc()
		e.bus.Emit(EventSyncCompleted, report)
	default:
		metrics.SyncCycles.WithLabelValues("ok").Inc()
		e.bus.Emit(EventSyncCompleted, report)
	}
	e.logger.Info("sync cycle done",
		zap.Duration("took", report.Duration),
		zap.Int("sent", report.Drained.Sent),
		zap.Int("pulled", report.Pulled),
		zap.Int("conversations", report.Conversations),
		zap.Int("failed_steps", failed),
	)
	return report, errs
}

// flushPendingReads retries read cursors whose sync failed earlier.
func (e *Engine) flushPendingReads(ctx context.Context) (int, error) {
	pending, err := e.db.SyncState().List(ctx, store.PendingReadPrefix)
	if err != nil {
		return 0, err
	}
	var errs error
	flushed := 0
	for key, upTo := range pending {
		convID := key[len(store.PendingReadPrefix):]
		if err := e.reads.SyncRead(ctx, convID, upTo); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read cursor %s: %w", convID, err))
			continue
		}
		if err := e.clearPendingRead(ctx, convID, upTo); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		flushed++
	}
	return flushed, errs
}

// clearPendingRead drops the pending cursor unless a newer one replaced it.
func (e *Engine) clearPendingRead(ctx context.Context, convID, upTo string) error {
	key := store.PendingReadPrefix + convID
	return e.db.RunInTx(ctx, func(tx *store.Tx) error {
		cur, ok, err := tx.SyncState().Get(ctx, key)
		if err != nil || !ok || cur != upTo {
			return err
		}
		return tx.SyncState().Delete(ctx, key)
	})
}
