package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestFixedWindowLimiter_BudgetResetsWithWindow(t *testing.T) {
	clock := newClock()
	limiter := NewWithClock(3, time.Minute, clock.Now)
	addr := "192.168.1.1"

	for i := 0; i < 3; i++ {
		if !limiter.Allow(addr) {
			t.Fatalf("Event %d should be within budget", i+1)
		}
	}
	if limiter.Allow(addr) {
		t.Error("Fourth event should be over budget")
	}

	clock.Advance(time.Minute + time.Second)
	if !limiter.Allow(addr) {
		t.Error("Address should be allowed again after the window expires")
	}
}

func TestFixedWindowLimiter_DifferentAddresses(t *testing.T) {
	limiter := NewWithClock(2, time.Minute, newClock().Now)

	limiter.Allow("192.168.1.1")
	limiter.Allow("192.168.1.1")

	if limiter.Allow("192.168.1.1") {
		t.Error("First address should be over budget")
	}
	if !limiter.Allow("192.168.1.2") {
		t.Error("Second address should have its own budget")
	}
}

func TestFixedWindowLimiter_Allow(t *testing.T) {
	clock := newClock()
	limiter := NewWithClock(2, 30*time.Millisecond, clock.Now)
	addr := "192.168.1.1"

	for window := 0; window < 3; window++ {
		if !limiter.Allow(addr) {
			t.Errorf("First request in window %d should be allowed", window)
		}
		if !limiter.Allow(addr) {
			t.Errorf("Second request in window %d should be allowed", window)
		}
		if limiter.Allow(addr) {
			t.Errorf("Third request in window %d should be denied", window)
		}
		clock.Advance(40 * time.Millisecond)
	}
}

func TestFixedWindowLimiter_EdgeCases(t *testing.T) {
	tests := []struct {
		name       string
		max        int
		identifier string
		requests   int
		expectPass bool
	}{
		{"zero limit denies all", 0, "192.168.1.1", 1, false},
		{"single request limit", 1, "192.168.1.1", 1, true},
		{"empty identifier", 5, "", 3, true},
		{"long identifier", 5, "very.long.identifier.with.many.dots.192.168.1.100", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewWithClock(tt.max, time.Minute, newClock().Now)

			var last bool
			for i := 0; i < tt.requests; i++ {
				last = limiter.Allow(tt.identifier)
			}
			if last != tt.expectPass {
				t.Errorf("Expected %v, got %v for %d requests with limit %d", tt.expectPass, last, tt.requests, tt.max)
			}
		})
	}
}

func TestFixedWindowLimiter_PrunesExpiredWindows(t *testing.T) {
	clock := newClock()
	limiter := NewWithClock(5, time.Minute, clock.Now)

	for i := 0; i < 10; i++ {
		limiter.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	clock.Advance(2 * time.Minute)
	limiter.Allow("10.0.1.1")

	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	if len(limiter.windows) != 1 {
		t.Errorf("Expected expired windows to be pruned, have %d", len(limiter.windows))
	}
}

func TestFixedWindowLimiter_ConcurrentAllow(t *testing.T) {
	limiter := NewWithClock(100, time.Minute, newClock().Now)
	addr := "192.168.1.1"

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				limiter.Allow(addr)
			}
		}()
	}
	wg.Wait()

	limiter.mutex.Lock()
	count := limiter.windows[addr].count
	limiter.mutex.Unlock()
	if count != 50 {
		t.Errorf("Expected 50 counted events, got %d", count)
	}
}

func BenchmarkFixedWindowLimiter_Allow(b *testing.B) {
	limiter := New(1000000, time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(fmt.Sprintf("192.168.1.%d", i%256))
	}
}
