package clock

import (
	"sync"
	"time"
)

// Manual is a Clock that only moves when told to. Channels returned by After
// fire during Advance or Set once their deadline is reached.
//
// Safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{current: start}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// After registers a waiter that fires once the clock reaches now+d.
// A non-positive d fires immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- m.current
		return ch
	}
	m.waiters = append(m.waiters, waiter{deadline: m.current.Add(d), ch: ch})
	return ch
}

// Advance moves the clock forward by d and fires due waiters.
// Panics if d is negative.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
	m.drain()
}

// Set moves the clock to t. Unlike Advance it may move backwards, which
// lets tests simulate wall-clock steps.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
	m.drain()
}

// Waiters returns the number of pending After channels.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// BlockUntil waits until at least n After channels are pending or timeout
// elapses, and reports whether the count was reached.
func (m *Manual) BlockUntil(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if m.Waiters() >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// drain fires every waiter whose deadline is not after the current time.
// Caller must hold m.mu.
func (m *Manual) drain() {
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if !w.deadline.After(m.current) {
			w.ch <- m.current
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
}
