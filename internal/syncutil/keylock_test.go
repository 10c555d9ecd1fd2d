package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_MutualExclusion(t *testing.T) {
	k := NewKeyLock(0)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "u1")
			if err != nil {
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestKeyLock_ContextCancelled(t *testing.T) {
	k := NewKeyLock(1)
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "b") // single stripe: every key contends
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyLock_UnlockAdmitsNext(t *testing.T) {
	k := NewKeyLock(4)
	unlock, err := k.Lock(context.Background(), "relay")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := k.Lock(context.Background(), "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("acquired before release")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("not acquired after release")
	}
}
