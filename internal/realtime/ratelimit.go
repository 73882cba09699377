package realtime

import (
	"sync"
	"time"
)

// Limit caps an event at Max sends within any Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimits are the per-event outbound caps.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		OutSend:   {Max: 5, Window: 10 * time.Second},
		OutTyping: {Max: 2, Window: 2 * time.Second},
		OutRead:   {Max: 10, Window: 10 * time.Second},
	}
}

// Limiter is a sliding-window rate limiter keyed by event name. Events
// without a configured Limit are never limited.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]Limit
	sent   map[string][]time.Time
	now    func() time.Time
}

// NewLimiter returns a limiter for limits.
func NewLimiter(limits map[string]Limit) *Limiter {
	return &Limiter{
		limits: limits,
		sent:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// prune drops timestamps that left the window. Caller holds mu.
func (l *Limiter) prune(event string, now time.Time) []time.Time {
	lim := l.limits[event]
	times := l.sent[event]
	i := 0
	for i < len(times) && now.Sub(times[i]) >= lim.Window {
		i++
	}
	times = times[i:]
	if len(times) == 0 {
		delete(l.sent, event)
		return nil
	}
	l.sent[event] = times
	return times
}

// Allow records a send of event and reports true if it fits the window.
// A refused send is not recorded.
func (l *Limiter) Allow(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[event]
	if !ok {
		return true
	}
	now := l.now()
	if len(l.prune(event, now)) >= lim.Max {
		return false
	}
	l.sent[event] = append(l.sent[event], now)
	return true
}

// RetryAfter returns how long until event would be allowed again.
func (l *Limiter) RetryAfter(event string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limits[event]
	if !ok {
		return 0
	}
	now := l.now()
	times := l.prune(event, now)
	if len(times) < lim.Max {
		return 0
	}
	return times[len(times)-lim.Max].Add(lim.Window).Sub(now)
}
