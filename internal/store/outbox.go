package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const outboxColumns = `id, temp_id, conversation_id, priority, queued_at, scheduled_for,
	attempts, max_attempts, payload, status, error, updated_at`

const priorityOrder = `CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END`

// OutboxRepo is the typed façade over the outbox table.
type OutboxRepo struct {
	q       Querier
	now     func() time.Time
	backoff Backoff
}

// scanOutbox returns the entry with its raw payload; decoding is left to the
// caller so an undecodable row can still be retired.
func scanOutbox(s rowScanner) (*OutboxEntry, string, error) {
	var (
		e   OutboxEntry
		raw string
	)
	if err := s.Scan(&e.ID, &e.TempID, &e.ConversationID, &e.Priority, &e.QueuedAt, &e.ScheduledFor,
		&e.Attempts, &e.MaxAttempts, &raw, &e.Status, &e.Error, &e.UpdatedAt); err != nil {
		return nil, "", err
	}
	return &e, raw, nil
}

func (r *OutboxRepo) scanAll(rows *sql.Rows) ([]OutboxEntry, []int64, error) {
	defer func() { _ = rows.Close() }()
	var (
		out []OutboxEntry
		bad []int64
	)
	for rows.Next() {
		e, raw, err := scanOutbox(rows)
		if err != nil {
			return nil, nil, err
		}
		if e.Payload, err = decodePayload(raw); err != nil {
			bad = append(bad, e.ID)
			continue
		}
		out = append(out, *e)
	}
	return out, bad, rows.Err()
}

// Enqueue validates the payload and inserts a pending entry due now.
func (r *OutboxRepo) Enqueue(ctx context.Context, e *OutboxEntry) (int64, error) {
	raw, err := encodePayload(e.Payload)
	if err != nil {
		return 0, err
	}
	now := r.now().UnixMilli()
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if e.QueuedAt == 0 {
		e.QueuedAt = now
	}
	if e.ScheduledFor == 0 {
		e.ScheduledFor = now
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = r.backoff.MaxAttempts
	}
	e.Status = OutboxPending
	e.UpdatedAt = now
	id, err := Insert(ctx, r.q, "outbox", Values{
		"temp_id":         e.TempID,
		"conversation_id": e.ConversationID,
		"priority":        string(e.Priority),
		"queued_at":       e.QueuedAt,
		"scheduled_for":   e.ScheduledFor,
		"max_attempts":    e.MaxAttempts,
		"payload":         raw,
		"status":          string(e.Status),
		"updated_at":      e.UpdatedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue %q: %w", e.TempID, err)
	}
	e.ID = id
	return id, nil
}

// Due returns up to limit pending, under-ceiling entries whose schedule has
// passed, ordered by priority, then queue time. Entries whose payload no
// longer decodes are failed on the spot.
func (r *OutboxRepo) Due(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = 'pending' AND scheduled_for <= ? AND attempts < max_attempts
		ORDER BY `+priorityOrder+`, queued_at ASC, id ASC
		LIMIT ?`, r.now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due outbox: %w", err)
	}
	entries, bad, err := r.scanAll(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range bad {
		if _, err := Update(ctx, r.q, "outbox", Values{
			"status":     string(OutboxFailed),
			"error":      ErrInvalidPayload.Error(),
			"updated_at": r.now().UnixMilli(),
		}, "id = ?", id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// Claim moves an entry from pending to processing. It reports false when
// another drainer got there first.
func (r *OutboxRepo) Claim(ctx context.Context, id int64) (bool, error) {
	n, err := Update(ctx, r.q, "outbox", Values{
		"status":     string(OutboxProcessing),
		"updated_at": r.now().UnixMilli(),
	}, "id = ? AND status = 'pending'", id)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkCompleted records a successful delivery.
func (r *OutboxRepo) MarkCompleted(ctx context.Context, id int64) error {
	_, err := Update(ctx, r.q, "outbox", Values{
		"status":     string(OutboxCompleted),
		"error":      "",
		"updated_at": r.now().UnixMilli(),
	}, "id = ?", id)
	return err
}

// MarkFailed records a failed attempt. Below the ceiling the entry returns to
// pending with scheduled_for pushed out by the backoff policy (never earlier
// than its previous schedule); at the ceiling it becomes terminally failed.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id int64, errMsg string) (*OutboxEntry, error) {
	e, err := r.Get(ctx, id)
	if err != nil && (e == nil || !errors.Is(err, ErrInvalidPayload)) {
		return nil, err
	}
	now := r.now()
	e.Attempts++
	e.Error = errMsg
	e.UpdatedAt = now.UnixMilli()
	if e.Attempts >= e.MaxAttempts {
		e.Status = OutboxFailed
	} else {
		e.Status = OutboxPending
		e.ScheduledFor = max(e.ScheduledFor, now.Add(r.backoff.Delay(e.Attempts)).UnixMilli())
	}
	if _, err := Update(ctx, r.q, "outbox", Values{
		"attempts":      e.Attempts,
		"status":        string(e.Status),
		"scheduled_for": e.ScheduledFor,
		"error":         e.Error,
		"updated_at":    e.UpdatedAt,
	}, "id = ?", id); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns an entry by queue id.
func (r *OutboxRepo) Get(ctx context.Context, id int64) (*OutboxEntry, error) {
	return r.getOne(ctx, "id = ?", id)
}

// GetByTempID returns the newest entry for a message.
func (r *OutboxRepo) GetByTempID(ctx context.Context, tempID string) (*OutboxEntry, error) {
	return r.getOne(ctx, "temp_id = ? ORDER BY id DESC LIMIT 1", tempID)
}

func (r *OutboxRepo) getOne(ctx context.Context, where string, args ...any) (*OutboxEntry, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE `+where, args...)
	e, raw, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox entry: %w", err)
	}
	// A corrupt payload still yields the entry so it can be failed or deleted.
	e.Payload, err = decodePayload(raw)
	return e, err
}

// Delete removes an entry by queue id.
func (r *OutboxRepo) Delete(ctx context.Context, id int64) error {
	_, err := Delete(ctx, r.q, "outbox", "id = ?", id)
	return err
}

// DeleteByTempID removes every entry for a message.
func (r *OutboxRepo) DeleteByTempID(ctx context.Context, tempID string) (int64, error) {
	return Delete(ctx, r.q, "outbox", "temp_id = ?", tempID)
}

// DeleteByConversation removes the entries queued for a conversation.
func (r *OutboxRepo) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	return Delete(ctx, r.q, "outbox", "conversation_id = ?", conversationID)
}

// Failed returns terminally failed entries, oldest first.
func (r *OutboxRepo) Failed(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox WHERE status = 'failed'
		ORDER BY queued_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed outbox: %w", err)
	}
	entries, _, err := r.scanAll(rows)
	return entries, err
}

// Retry makes the message's entry due immediately with a fresh attempt budget.
func (r *OutboxRepo) Retry(ctx context.Context, tempID string) error {
	now := r.now().UnixMilli()
	n, err := Update(ctx, r.q, "outbox", Values{
		"status":        string(OutboxPending),
		"attempts":      0,
		"scheduled_for": now,
		"error":         "",
		"updated_at":    now,
	}, "temp_id = ? AND status IN ('failed', 'pending')", tempID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryAllFailed resets every failed entry and returns how many were reset.
func (r *OutboxRepo) RetryAllFailed(ctx context.Context) (int64, error) {
	now := r.now().UnixMilli()
	return Update(ctx, r.q, "outbox", Values{
		"status":        string(OutboxPending),
		"attempts":      0,
		"scheduled_for": now,
		"error":         "",
		"updated_at":    now,
	}, "status = 'failed'")
}

// CleanupCompleted deletes completed entries finished more than retention ago.
func (r *OutboxRepo) CleanupCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.now().Add(-retention).UnixMilli()
	return Delete(ctx, r.q, "outbox", "status = 'completed' AND updated_at < ?", cutoff)
}

// RecoverStale returns entries left processing by a previous process to pending.
func (r *OutboxRepo) RecoverStale(ctx context.Context) (int64, error) {
	return Update(ctx, r.q, "outbox", Values{
		"status":     string(OutboxPending),
		"updated_at": r.now().UnixMilli(),
	}, "status = 'processing'")
}

// Stats counts entries by status.
func (r *OutboxRepo) Stats(ctx context.Context) (OutboxStats, error) {
	var s OutboxStats
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return s, fmt.Errorf("outbox stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			status OutboxStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return s, err
		}
		switch status {
		case OutboxPending:
			s.Pending = n
		case OutboxProcessing:
			s.Processing = n
		case OutboxCompleted:
			s.Completed = n
		case OutboxFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}

// Depth returns the number of entries still awaiting delivery.
func (r *OutboxRepo) Depth(ctx context.Context) (int, error) {
	n, err := Count(ctx, r.q, "outbox", "status IN ('pending', 'processing')")
	return int(n), err
}

// Clear deletes every entry.
func (r *OutboxRepo) Clear(ctx context.Context) error {
	_, err := Delete(ctx, r.q, "outbox", "")
	return err
}
