package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_BackoffDoubles(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second}
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
}

func TestPolicy_BackoffJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestPolicy_SuccessOnRetry(t *testing.T) {
	var calls int
	var waits []time.Duration
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(_ int, wait time.Duration, _ error) { waits = append(waits, wait) },
	}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestPolicy_Exhausted(t *testing.T) {
	boom := errors.New("db down")
	var calls int
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
}

func TestPolicy_PermanentStopsImmediately(t *testing.T) {
	bad := errors.New("bad payload")
	var calls int
	p := Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(bad)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, bad, err)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}
	var calls int
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
