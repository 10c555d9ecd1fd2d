package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("slack")
	b.RecordFailure("slack")
	assert.True(t, b.Allow("slack"))

	b.RecordFailure("slack")
	assert.False(t, b.Allow("slack"))
	assert.Equal(t, StateOpen, b.State("slack"))

	// other keys are unaffected
	assert.True(t, b.Allow("email"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("webhook")
	require.False(t, b.Allow("webhook"))

	now = now.Add(time.Minute)
	assert.True(t, b.Allow("webhook"), "probe should be admitted")
	assert.Equal(t, StateHalfOpen, b.State("webhook"))
	assert.False(t, b.Allow("webhook"), "second call while probing is rejected")

	b.RecordSuccess("webhook")
	assert.Equal(t, StateClosed, b.State("webhook"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(1, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure("sms")
	now = now.Add(2 * time.Minute)
	require.True(t, b.Allow("sms"))

	b.RecordFailure("sms")
	assert.Equal(t, StateOpen, b.State("sms"))
}

func TestBreaker_Execute(t *testing.T) {
	b := New(2, time.Minute)
	boom := errors.New("smtp timeout")

	assert.ErrorIs(t, b.Execute("email", func() error { return boom }), boom)
	assert.ErrorIs(t, b.Execute("email", func() error { return boom }), boom)

	called := false
	err := b.Execute("email", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_TransitionCallback(t *testing.T) {
	b := New(1, time.Minute)
	var mu sync.Mutex
	var got []State
	done := make(chan struct{}, 1)
	b.OnTransition(func(_ string, _, to State) {
		mu.Lock()
		got = append(got, to)
		mu.Unlock()
		done <- struct{}{}
	})

	b.RecordFailure("dashboard")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transition callback not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateOpen}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
