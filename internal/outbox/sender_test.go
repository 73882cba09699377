package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/parkdog/msgsync/internal/bus"
	"github.com/parkdog/msgsync/internal/store"
)

// mockDeliverer records calls and returns configurable results.
type mockDeliverer struct {
	mu    sync.Mutex
	calls []store.SendPayload
	err   error
}

func (m *mockDeliverer) Deliver(_ context.Context, p *store.SendPayload) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, *p)
	if m.err != nil {
		return nil, m.err
	}
	return &Receipt{ServerID: "srv-" + p.TempID, CreatedAt: 1_700_000_000_500}, nil
}

func (m *mockDeliverer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func testDB(t *testing.T, opts ...store.Option) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// queueMessage stores a pending local message and its outbox entry.
func queueMessage(t *testing.T, db *store.DB, tempID, text string, prio store.Priority) {
	t.Helper()
	ctx := context.Background()
	err := db.RunInTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Conversations().Ensure(ctx, "c1", "me", "bob"); err != nil {
			return err
		}
		if err := tx.Messages().Insert(ctx, &store.Message{
			TempID: tempID, ConversationID: "c1", SenderID: "me", ReceiverID: "bob", Content: text,
		}); err != nil {
			return err
		}
		_, err := tx.Outbox().Enqueue(ctx, &store.OutboxEntry{
			TempID:         tempID,
			ConversationID: "c1",
			Priority:       prio,
			Payload: store.NewSendPayload(store.SendPayload{
				TempID: tempID, ConversationID: "c1", SenderID: "me", ReceiverID: "bob", Content: text,
			}),
		})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDrainDeliversAndBinds(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockDeliverer{}
	s := NewSender(db, mock, b, zap.NewNop())
	ctx := context.Background()

	ch, unsub := b.Subscribe(EventMessageSent, 10)
	defer unsub()

	queueMessage(t, db, "t1", "hello", store.PriorityNormal)

	res, err := s.Drain(ctx, DefaultBatch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 {
		t.Fatalf("sent = %d, want 1", res.Sent)
	}
	if mock.calls[0].Content != "hello" || mock.calls[0].ConversationID != "c1" {
		t.Errorf("call = %+v", mock.calls[0])
	}

	m, err := db.Messages().GetByTempID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if m.ServerID != "srv-t1" || m.Status != store.MessageSent {
		t.Errorf("message = %s/%s, want srv-t1/sent", m.ServerID, m.Status)
	}
	conv, err := db.Conversations().Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessageID != "srv-t1" {
		t.Errorf("last message = %q, want srv-t1", conv.LastMessageID)
	}

	select {
	case evt := <-ch:
		sent := evt.Payload.(SentEvent)
		if sent.TempID != "t1" || sent.ServerID != "srv-t1" {
			t.Errorf("event = %+v", sent)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.sent")
	}

	// A second drain finds nothing: exactly-once delivery.
	res, err = s.Drain(ctx, DefaultBatch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 0 || mock.count() != 1 {
		t.Errorf("redelivered: res=%+v calls=%d", res, mock.count())
	}
}

func TestDrainOrdersByPriority(t *testing.T) {
	db := testDB(t)
	mock := &mockDeliverer{}
	s := NewSender(db, mock, bus.New(), zap.NewNop())

	queueMessage(t, db, "low", "a", store.PriorityLow)
	queueMessage(t, db, "normal", "b", store.PriorityNormal)
	queueMessage(t, db, "high", "c", store.PriorityHigh)

	if _, err := s.Drain(context.Background(), DefaultBatch); err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, c := range mock.calls {
		order = append(order, c.TempID)
	}
	if fmt.Sprint(order) != "[high normal low]" {
		t.Errorf("order = %v, want [high normal low]", order)
	}
}

func TestDrainFailureBacksOff(t *testing.T) {
	clk := &clock{t: time.UnixMilli(1_700_000_000_000)}
	db := testDB(t, store.WithClock(clk.Now))
	b := bus.New()
	mock := &mockDeliverer{err: errors.New("network error")}
	s := NewSender(db, mock, b, zap.NewNop())
	ctx := context.Background()

	ch, unsub := b.Subscribe(EventMessageFailed, 10)
	defer unsub()

	queueMessage(t, db, "t1", "hello", store.PriorityNormal)

	res, err := s.Drain(ctx, DefaultBatch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Retried != 1 {
		t.Fatalf("retried = %d, want 1", res.Retried)
	}

	select {
	case evt := <-ch:
		f := evt.Payload.(FailedEvent)
		if f.Terminal || f.Attempts != 1 {
			t.Errorf("event = %+v, want attempt 1 non-terminal", f)
		}
		if want := clk.t.Add(2 * time.Second).UnixMilli(); f.RetryAt != want {
			t.Errorf("retry at = %d, want %d", f.RetryAt, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.failed")
	}

	m, err := db.Messages().GetByTempID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.MessageFailed || m.RetryCount != 1 {
		t.Errorf("message = %s retries=%d, want failed/1", m.Status, m.RetryCount)
	}

	// Not due yet.
	res, _ = s.Drain(ctx, DefaultBatch)
	if res.Retried != 0 || mock.count() != 1 {
		t.Errorf("drained before backoff elapsed: %+v", res)
	}

	// Exhaust the attempt budget.
	for i := 0; i < 4; i++ {
		clk.t = clk.t.Add(time.Minute)
		if _, err := s.Drain(ctx, DefaultBatch); err != nil {
			t.Fatal(err)
		}
	}
	e, err := db.Outbox().GetByTempID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != store.OutboxFailed || e.Attempts != 5 {
		t.Errorf("entry = %s/%d, want failed/5", e.Status, e.Attempts)
	}
	clk.t = clk.t.Add(time.Hour)
	if _, err := s.Drain(ctx, DefaultBatch); err != nil {
		t.Fatal(err)
	}
	if mock.count() != 5 {
		t.Errorf("calls = %d, want 5 (ceiling)", mock.count())
	}

	// Recovery after the network comes back.
	mock.err = nil
	if err := db.Outbox().Retry(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	res, err = s.Drain(ctx, DefaultBatch)
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 {
		t.Fatalf("sent after retry = %d, want 1", res.Sent)
	}
	m, _ = db.Messages().GetByTempID(ctx, "t1")
	if m.Status != store.MessageSent {
		t.Errorf("status after retry = %s, want sent", m.Status)
	}
}

func TestDrainSkipsClaimedEntries(t *testing.T) {
	db := testDB(t)
	mock := &mockDeliverer{}
	s := NewSender(db, mock, bus.New(), zap.NewNop())
	ctx := context.Background()

	queueMessage(t, db, "t1", "hello", store.PriorityNormal)
	e, err := db.Outbox().GetByTempID(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a drain already holding the entry between Due and Claim.
	if ok, err := db.Outbox().Claim(ctx, e.ID); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	res, err := s.Drain(ctx, DefaultBatch)
	if err != nil {
		t.Fatal(err)
	}
	if mock.count() != 0 || res.Sent != 0 {
		t.Errorf("processing entry delivered again: %+v", res)
	}
}

func TestDrainUsesRekeyedConversation(t *testing.T) {
	db := testDB(t)
	mock := &mockDeliverer{}
	s := NewSender(db, mock, bus.New(), zap.NewNop())
	ctx := context.Background()

	queueMessage(t, db, "t1", "hello", store.PriorityNormal)
	// The server knows the pair under another id.
	if err := db.Conversations().Upsert(ctx, &store.Conversation{ID: "srv-c", User1ID: "me", User2ID: "bob"}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Drain(ctx, DefaultBatch); err != nil {
		t.Fatal(err)
	}
	if got := mock.calls[0].ConversationID; got != "srv-c" {
		t.Errorf("delivered to %q, want srv-c", got)
	}
}

func TestBackgroundLoopDrainsWhenEnabled(t *testing.T) {
	db := testDB(t)
	mock := &mockDeliverer{}
	s := NewSender(db, mock, bus.New(), zap.NewNop())

	queueMessage(t, db, "t1", "hello", store.PriorityNormal)

	s.Start(context.Background())
	defer s.Stop()

	s.Wake()
	time.Sleep(100 * time.Millisecond)
	if mock.count() != 0 {
		t.Fatal("disabled sender delivered")
	}

	s.SetEnabled(true)
	deadline := time.Now().Add(2 * time.Second)
	for mock.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mock.count() != 1 {
		t.Fatalf("calls = %d, want 1", mock.count())
	}
}
