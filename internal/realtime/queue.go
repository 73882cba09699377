package realtime

import (
	"slices"
	"sync"
	"time"
)

type queued struct {
	Event    string
	Data     any
	Priority Priority
	At       time.Time
}

// queue holds outbound events while the connection is down or an event is
// rate limited. It is bounded; when full the oldest entry of the lowest
// priority present is evicted.
type queue struct {
	mu    sync.Mutex
	items []queued
	max   int
	now   func() time.Time
}

func newQueue(max int) *queue {
	return &queue{max: max, now: time.Now}
}

func less(a, b queued) int {
	if a.Priority != b.Priority {
		return int(a.Priority) - int(b.Priority)
	}
	return a.At.Compare(b.At)
}

// push adds item and reports whether it was kept. A new item that ranks
// below everything in a full queue is the one dropped.
func (q *queue) push(item queued) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.At.IsZero() {
		item.At = q.now()
	}
	if q.max <= 0 {
		return false
	}
	if len(q.items) >= q.max {
		victim := q.evictIndex()
		if item.Priority > q.items[victim].Priority {
			return false
		}
		q.items = slices.Delete(q.items, victim, victim+1)
	}
	i, _ := slices.BinarySearchFunc(q.items, item, func(a, b queued) int {
		// Insert after equal keys to keep FIFO order among peers.
		if c := less(a, b); c != 0 {
			return c
		}
		return -1
	})
	q.items = slices.Insert(q.items, i, item)
	return true
}

// evictIndex returns the oldest entry of the lowest priority. Caller holds mu.
func (q *queue) evictIndex() int {
	victim := 0
	for i, it := range q.items {
		v := q.items[victim]
		if it.Priority > v.Priority || (it.Priority == v.Priority && it.At.Before(v.At)) {
			victim = i
		}
	}
	return victim
}

// take removes up to n entries in priority order, discarding entries older
// than maxAge. It returns the batch and the number discarded.
func (q *queue) take(n int, maxAge time.Duration) ([]queued, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var batch []queued
	expired := 0
	for len(q.items) > 0 && len(batch) < n {
		it := q.items[0]
		q.items = q.items[1:]
		if maxAge > 0 && now.Sub(it.At) > maxAge {
			expired++
			continue
		}
		batch = append(batch, it)
	}
	return batch, expired
}

// requeue puts back entries taken but not sent, keeping their original time.
func (q *queue) requeue(items []queued) {
	for _, it := range items {
		q.push(it)
	}
}

// keepHigh drops everything below high priority.
func (q *queue) keepHigh() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	before := len(q.items)
	q.items = slices.DeleteFunc(q.items, func(it queued) bool {
		return it.Priority != PriorityHigh
	})
	return before - len(q.items)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
