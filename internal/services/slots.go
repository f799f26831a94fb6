package services

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/portsweep/internal/errors"
)

// ErrLimiterClosed is returned by Acquire after Close.
var ErrLimiterClosed = errors.New("slot limiter is closed")

// SlotLimiter caps the number of scans running at once.
type SlotLimiter struct {
	capacity int
	sem      chan struct{}

	mu     sync.RWMutex
	active map[string]time.Time
	closed bool
	done   chan struct{}
}

// NewSlotLimiter creates a limiter with capacity slots, at least one.
func NewSlotLimiter(capacity int) *SlotLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &SlotLimiter{
		capacity: capacity,
		sem:      make(chan struct{}, capacity),
		active:   make(map[string]time.Time),
		done:     make(chan struct{}),
	}
}

// Acquire blocks until a slot is free, ctx is done or the limiter closes.
func (l *SlotLimiter) Acquire(ctx context.Context, id string) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrLimiterClosed
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLimiterClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		<-l.sem
		return ErrLimiterClosed
	}
	l.active[id] = time.Now()
	return nil
}

// Release frees the slot held by id. Unknown IDs are ignored.
func (l *SlotLimiter) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[id]; !ok {
		return
	}
	delete(l.active, id)
	<-l.sem
}

// Active returns the number of held slots.
func (l *SlotLimiter) Active() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.active)
}

// Available returns the number of free slots.
func (l *SlotLimiter) Available() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.capacity - len(l.active)
}

// Capacity returns the configured slot count.
func (l *SlotLimiter) Capacity() int {
	return l.capacity
}

// Oldest returns how long the longest running holder has had its slot.
func (l *SlotLimiter) Oldest() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var oldest time.Duration
	now := time.Now()
	for _, since := range l.active {
		if d := now.Sub(since); d > oldest {
			oldest = d
		}
	}
	return oldest
}

// Close wakes every waiter with ErrLimiterClosed. Held slots stay held
// until released.
func (l *SlotLimiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}
