package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func sendEntry(tempID, convID string, prio Priority) *OutboxEntry {
	return &OutboxEntry{
		TempID:         tempID,
		ConversationID: convID,
		Priority:       prio,
		Payload: NewSendPayload(SendPayload{
			TempID: tempID, ConversationID: convID, SenderID: "me", ReceiverID: "peer", Content: "hi",
		}),
	}
}

func enqueue(t *testing.T, db *DB, tempID string, prio Priority) *OutboxEntry {
	t.Helper()
	insertLocal(t, db, tempID, "c1", "me", "hi")
	e := sendEntry(tempID, "c1", prio)
	if _, err := db.Outbox().Enqueue(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Cap: 32 * time.Second, MaxAttempts: 5}
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 32 * time.Second},
		{40, 32 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
		ok   bool
	}{
		{"valid send", NewSendPayload(SendPayload{TempID: "t", ConversationID: "c", SenderID: "me", Content: "x"}), true},
		{"ciphertext only", NewSendPayload(SendPayload{TempID: "t", ConversationID: "c", SenderID: "me", Cipher: &Ciphertext{Data: "q=="}}), true},
		{"missing kind", Payload{Send: &SendPayload{}}, false},
		{"unknown kind", Payload{Kind: "reaction.add"}, false},
		{"kind without body", Payload{Kind: PayloadSendMessage}, false},
		{"empty content", NewSendPayload(SendPayload{TempID: "t", ConversationID: "c", SenderID: "me"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("Validate() = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "me", "peer")
	insertLocal(t, db, "t1", "c1", "me", "hi")

	_, err := db.Outbox().Enqueue(context.Background(), &OutboxEntry{
		TempID: "t1", ConversationID: "c1", Payload: Payload{Kind: "bogus"},
	})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Enqueue error = %v, want ErrInvalidPayload", err)
	}
}

func TestDueOrdersByPriorityThenAge(t *testing.T) {
	clock := newClock()
	db := testDB(t, WithClock(clock.Now))
	seedConversation(t, db, "c1", "me", "peer")

	enqueue(t, db, "low", PriorityLow)
	clock.Advance(time.Millisecond)
	enqueue(t, db, "normal-old", PriorityNormal)
	clock.Advance(time.Millisecond)
	enqueue(t, db, "high", PriorityHigh)
	clock.Advance(time.Millisecond)
	enqueue(t, db, "normal-new", PriorityNormal)

	due, err := db.Outbox().Due(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range due {
		got = append(got, e.TempID)
	}
	want := []string{"high", "normal-old", "normal-new", "low"}
	if len(got) != len(want) {
		t.Fatalf("due = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("due = %v, want %v", got, want)
		}
	}
	if due[0].Payload.Send == nil || due[0].Payload.Send.TempID != "high" {
		t.Errorf("payload not decoded: %+v", due[0].Payload)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "me", "peer")
	e := enqueue(t, db, "t1", PriorityNormal)
	ctx := context.Background()

	first, err := db.Outbox().Claim(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.Outbox().Claim(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Errorf("claims = %v/%v, want true/false", first, second)
	}
	due, _ := db.Outbox().Due(ctx, 10)
	if len(due) != 0 {
		t.Errorf("processing entry still due: %v", due)
	}
}

func TestBackoffMonotonicity(t *testing.T) {
	clock := newClock()
	db := testDB(t, WithClock(clock.Now), WithBackoff(Backoff{Base: 2 * time.Second, Cap: 8 * time.Second, MaxAttempts: 10}))
	seedConversation(t, db, "c1", "me", "peer")
	e := enqueue(t, db, "t1", PriorityNormal)
	ctx := context.Background()

	prev := e.ScheduledFor
	for i := 0; i < 8; i++ {
		updated, err := db.Outbox().MarkFailed(ctx, e.ID, "nope")
		if err != nil {
			t.Fatal(err)
		}
		if updated.ScheduledFor < prev {
			t.Fatalf("attempt %d scheduled_for %d < previous %d", i+1, updated.ScheduledFor, prev)
		}
		if gap := time.Duration(updated.ScheduledFor-clock.Now().UnixMilli()) * time.Millisecond; gap > 8*time.Second {
			t.Fatalf("attempt %d delay %v exceeds cap", i+1, gap)
		}
		prev = updated.ScheduledFor
		clock.Advance(time.Second)
	}
}

func TestRetryCeiling(t *testing.T) {
	clock := newClock()
	db := testDB(t, WithClock(clock.Now))
	seedConversation(t, db, "c1", "me", "peer")
	e := enqueue(t, db, "t1", PriorityNormal)
	ctx := context.Background()

	var last *OutboxEntry
	for _i := 0; _i < 5; _i++ {
		var err error
		last, err = db.Outbox().MarkFailed(ctx, e.ID, "rejected")
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}
	if last.Status != OutboxFailed {
		t.Fatalf("status after 5 failures = %s, want failed", last.Status)
	}
	if last.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", last.Attempts)
	}
	due, _ := db.Outbox().Due(ctx, 10)
	if len(due) != 0 {
		t.Errorf("terminally failed entry is due again: %v", due)
	}

	if err := db.Outbox().Retry(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	due, _ = db.Outbox().Due(ctx, 10)
	if len(due) != 1 || due[0].Attempts != 0 {
		t.Errorf("after Retry due = %v, want one fresh entry", due)
	}
}

func TestCleanupCompletedRespectsRetention(t *testing.T) {
	clock := newClock()
	db := testDB(t, WithClock(clock.Now))
	seedConversation(t, db, "c1", "me", "peer")
	ctx := context.Background()
	old := enqueue(t, db, "old", PriorityNormal)
	if err := db.Outbox().MarkCompleted(ctx, old.ID); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Hour)
	fresh := enqueue(t, db, "fresh", PriorityNormal)
	if err := db.Outbox().MarkCompleted(ctx, fresh.ID); err != nil {
		t.Fatal(err)
	}

	n, err := db.Outbox().CleanupCompleted(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleaned %d, want 1", n)
	}
	if _, err := db.Outbox().Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh completed entry removed: %v", err)
	}
}

func TestRecoverStale(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "me", "peer")
	e := enqueue(t, db, "t1", PriorityNormal)
	ctx := context.Background()

	if _, err := db.Outbox().Claim(ctx, e.ID); err != nil {
		t.Fatal(err)
	}
	n, err := db.Outbox().RecoverStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}
	depth, _ := db.Outbox().Depth(ctx)
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}
}

func TestOutboxCascadesWithMessage(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db, "c1", "me", "peer")
	enqueue(t, db, "t1", PriorityNormal)
	ctx := context.Background()

	if _, err := Delete(ctx, db, "messages", "temp_id = ?", "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Outbox().GetByTempID(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("outbox entry survived its message: %v", err)
	}
}
