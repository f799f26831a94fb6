package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotLimiterCapacity(t *testing.T) {
	l := NewSlotLimiter(2)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "a"))
	require.NoError(t, l.Acquire(ctx, "b"))
	assert.Equal(t, 2, l.Active())
	assert.Equal(t, 0, l.Available())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(short, "c"), context.DeadlineExceeded)

	l.Release("a")
	l.Release("a")
	l.Release("unknown")
	assert.Equal(t, 1, l.Available())
	require.NoError(t, l.Acquire(ctx, "c"))
}

func TestSlotLimiterMinimumCapacity(t *testing.T) {
	assert.Equal(t, 1, NewSlotLimiter(0).Capacity())
}

func TestSlotLimiterCloseWakesWaiters(t *testing.T) {
	l := NewSlotLimiter(1)
	require.NoError(t, l.Acquire(context.Background(), "a"))

	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(context.Background(), "b") }()

	time.Sleep(10 * time.Millisecond)
	l.Close()
	l.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLimiterClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
	assert.ErrorIs(t, l.Acquire(context.Background(), "c"), ErrLimiterClosed)
}

func TestSlotLimiterOldest(t *testing.T) {
	l := NewSlotLimiter(1)
	assert.Zero(t, l.Oldest())
	require.NoError(t, l.Acquire(context.Background(), "a"))
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, l.Oldest(), 5*time.Millisecond)
}
