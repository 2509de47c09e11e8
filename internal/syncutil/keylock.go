// Package syncutil provides per-key locking for store writes.
package syncutil

import (
	"context"
	"hash/fnv"
)

// KeyLock serializes work per string key using a fixed pool of channel
// locks, so memory stays bounded however many keys are seen. Keys that hash
// to the same shard share a lock.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with n shards (256 if n <= 0).
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = 256
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock waits for key's shard or ctx. On success the caller must call the
// returned unlock function exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock takes key's shard only if it is free.
func (k *KeyLock) TryLock(key string) (func(), bool) {
	ch := k.shard(key)
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (k *KeyLock) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return k.shards[h.Sum32()%uint32(len(k.shards))]
}
