// Package syncutil holds small concurrency primitives.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the stripe count used by NewKeyLock(0).
const DefaultShards = 64

// KeyLock serializes work per key over a fixed set of striped locks.
// Distinct keys may share a stripe; the same key always does.
// Waiters can give up when their context ends.
type KeyLock struct {
	stripes []chan struct{}
}

// NewKeyLock creates a lock with n stripes. n <= 0 means DefaultShards.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyLock{stripes: make([]chan struct{}, n)}
	for i := range k.stripes {
		k.stripes[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until key's stripe is free or ctx is done. The returned
// function releases the stripe and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	s := k.stripes[k.stripe(key)]
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLock) stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.stripes))
}
