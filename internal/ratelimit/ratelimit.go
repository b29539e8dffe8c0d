// Package ratelimit counts events per client address in fixed windows. The
// webhook endpoint counts failed signature checks here and answers 429 instead
// of 400 once an address has used up its budget for the current window.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter interface {
	// Allow counts one event for addr and reports whether it was within budget.
	Allow(addr string) bool
}

type window struct {
	count int
	start time.Time
}

type FixedWindowLimiter struct {
	max     int
	length  time.Duration
	now     func() time.Time
	windows map[string]*window
	mutex   sync.Mutex
}

func New(max int, length time.Duration) *FixedWindowLimiter {
	return NewWithClock(max, length, time.Now)
}

func NewWithClock(max int, length time.Duration, now func() time.Time) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		max:     max,
		length:  length,
		now:     now,
		windows: make(map[string]*window),
	}
}

// Allow counts one event for addr and reports whether it was within budget.
func (l *FixedWindowLimiter) Allow(addr string) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.max <= 0 {
		return false
	}
	now := l.now()
	w := l.current(addr, now)
	if w == nil {
		l.prune(now)
		l.windows[addr] = &window{count: 1, start: now}
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// current returns the live window for addr, or nil once it has expired.
func (l *FixedWindowLimiter) current(addr string, now time.Time) *window {
	w := l.windows[addr]
	if w == nil || now.Sub(w.start) > l.length {
		return nil
	}
	return w
}

func (l *FixedWindowLimiter) prune(now time.Time) {
	for addr, w := range l.windows {
		if now.Sub(w.start) > l.length {
			delete(l.windows, addr)
		}
	}
}
