// Package outbox delivers queued local messages to the server.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/metrics"
	"github.com/parkdog/msgsync/internal/store"
)

// Bus kinds published by the sender.
const (
	EventMessageSent   = "message.sent"
	EventMessageFailed = "message.failed"
)

// Receipt is the server's acknowledgement of a delivered message.
type Receipt struct {
	ServerID  string
	CreatedAt int64 // unix ms; 0 keeps the local timestamp
}

// Deliverer pushes one message to the server.
type Deliverer interface {
	Deliver(ctx context.Context, p *store.SendPayload) (*Receipt, error)
}

// SentEvent is the payload of message.sent.
type SentEvent struct {
	TempID         string `json:"temp_id"`
	ServerID       string `json:"server_id"`
	ConversationID string `json:"conversation_id"`
	CreatedAt      int64  `json:"created_at"`
}

// FailedEvent is the payload of message.failed.
type FailedEvent struct {
	TempID         string `json:"temp_id"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error"`
	Attempts       int    `json:"attempts"`
	Terminal       bool   `json:"terminal"`
	RetryAt        int64  `json:"retry_at,omitempty"`
}

// Result summarizes one drain pass.
type Result struct {
	Sent    int
	Retried int
	Failed  int
	Skipped int
}

// DefaultBatch is how many entries one drain pass handles.
const DefaultBatch = 20

// Sender drains the outbox through a Deliverer. Drains are serialized; the
// conditional claim additionally keeps an entry from being delivered twice
// if another process shares the database.
type Sender struct {
	db        *store.DB
	deliverer Deliverer
	bus       *bus.Bus
	logger    *zap.Logger
	interval  time.Duration

	drainMu sync.Mutex
	enabled atomic.Bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a sender. It starts disabled; see SetEnabled.
func NewSender(db *store.DB, d Deliverer, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:        db,
		deliverer: d,
		bus:       b,
		logger:    logger.Named("outbox"),
		interval:  5 * time.Second,
		wake:      make(chan struct{}, 1),
	}
}

// SetEnabled turns the background loop on or off. Drain still works when
// disabled.
func (s *Sender) SetEnabled(on bool) {
	s.enabled.Store(on)
	if on {
		s.Wake()
	}
}

// Wake asks the background loop to drain now.
func (s *Sender) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start begins polling the outbox for due entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-flight drain.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.wake:
		case <-ctx.Done():
			return
		}
		if !s.enabled.Load() {
			continue
		}
		if _, err := s.Drain(ctx, DefaultBatch); err != nil && ctx.Err() == nil {
			s.logger.Warn("background drain", zap.Error(err))
		}
	}
}

// Drain delivers up to limit due entries in priority order. Delivery
// failures are recorded on the entries and do not make Drain fail; the
// returned error aggregates storage errors only.
func (s *Sender) Drain(ctx context.Context, limit int) (Result, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	var res Result
	entries, err := s.db.Outbox().Due(ctx, limit)
	if err != nil {
		return res, fmt.Errorf("drain: %w", err)
	}
	var errs error
	for i := range entries {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		e := &entries[i]
		claimed, err := s.db.Outbox().Claim(ctx, e.ID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("claim %d: %w", e.ID, err))
			continue
		}
		if !claimed {
			res.Skipped++
			continue
		}
		switch outcome, err := s.deliver(ctx, e); {
		case err != nil:
			errs = multierr.Append(errs, err)
		case outcome == store.OutboxCompleted:
			res.Sent++
		case outcome == store.OutboxFailed:
			res.Failed++
		case outcome == store.OutboxPending:
			res.Retried++
		default:
			res.Skipped++
		}
	}
	if len(entries) > 0 {
		s.logger.Debug("drained",
			zap.Int("sent", res.Sent),
			zap.Int("retried", res.Retried),
			zap.Int("failed", res.Failed),
		)
	}
	return res, errs
}

func (s *Sender) deliver(ctx context.Context, e *store.OutboxEntry) (store.OutboxStatus, error) {
	p := *e.Payload.Send

	// The conversation may have been re-keyed to its server id since enqueue.
	msg, err := s.db.Messages().GetByTempID(ctx, e.TempID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("message gone, dropping entry", zap.String("temp_id", e.TempID))
		return "", s.db.Outbox().Delete(ctx, e.ID)
	}
	if err != nil {
		return "", err
	}
	p.ConversationID = msg.ConversationID

	receipt, sendErr := s.deliverer.Deliver(ctx, &p)
	if sendErr != nil {
		if ctx.Err() != nil {
			// Left claimed; RecoverStale requeues it on the next start.
			return "", ctx.Err()
		}
		return s.fail(ctx, e, &p, sendErr)
	}
	// A delivered message is recorded even when shutdown began meanwhile.
	return store.OutboxCompleted, s.complete(context.WithoutCancel(ctx), e, &p, msg, receipt)
}

func (s *Sender) complete(ctx context.Context, e *store.OutboxEntry, p *store.SendPayload, msg *store.Message, r *Receipt) error {
	createdAt := r.CreatedAt
	if createdAt == 0 {
		createdAt = msg.CreatedAt
	}
	err := s.db.RunInTx(ctx, func(tx *store.Tx) error {
		if err := tx.Messages().BindServerID(ctx, e.TempID, r.ServerID); err != nil {
			if !errors.Is(err, store.ErrServerIDMismatch) {
				return err
			}
			s.logger.Warn("server id already bound", zap.String("temp_id", e.TempID), zap.Error(err))
		}
		if err := tx.Conversations().UpdateLastMessage(ctx, p.ConversationID, r.ServerID, createdAt, p.Content); err != nil {
			return err
		}
		return tx.Outbox().MarkCompleted(ctx, e.ID)
	})
	if err != nil {
		return fmt.Errorf("complete %s: %w", e.TempID, err)
	}

	metrics.OutboxDeliveries.WithLabelValues("sent").Inc()
	s.logger.Info("message sent", zap.String("temp_id", e.TempID), zap.String("server_id", r.ServerID))
	s.bus.Emit(EventMessageSent, SentEvent{
		TempID:         e.TempID,
		ServerID:       r.ServerID,
		ConversationID: p.ConversationID,
		CreatedAt:      createdAt,
	})
	return nil
}

func (s *Sender) fail(ctx context.Context, e *store.OutboxEntry, p *store.SendPayload, cause error) (store.OutboxStatus, error) {
	msg := cause.Error()
	var updated *store.OutboxEntry
	err := s.db.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		if updated, err = tx.Outbox().MarkFailed(ctx, e.ID, msg); err != nil {
			return err
		}
		if err := tx.Messages().IncrementRetry(ctx, e.TempID, msg); err != nil {
			return err
		}
		return tx.Messages().UpdateStatus(ctx, e.TempID, store.MessageFailed, msg)
	})
	if err != nil {
		return "", fmt.Errorf("record failure of %s: %w", e.TempID, err)
	}

	terminal := updated.Status == store.OutboxFailed
	evt := FailedEvent{
		TempID:         e.TempID,
		ConversationID: p.ConversationID,
		Error:          msg,
		Attempts:       updated.Attempts,
		Terminal:       terminal,
	}
	if terminal {
		metrics.OutboxDeliveries.WithLabelValues("failed").Inc()
		s.logger.Error("message failed permanently",
			zap.String("temp_id", e.TempID), zap.Int("attempts", updated.Attempts), zap.Error(cause))
	} else {
		evt.RetryAt = updated.ScheduledFor
		metrics.OutboxDeliveries.WithLabelValues("retry").Inc()
		s.logger.Warn("message send failed, will retry",
			zap.String("temp_id", e.TempID), zap.Int("attempts", updated.Attempts), zap.Error(cause))
	}
	s.bus.Emit(EventMessageFailed, evt)
	return updated.Status, nil
}
