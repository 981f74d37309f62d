package blob

import (
	"context"
	"sync"
)

// KeyedMutex serializes critical sections sharing a key while letting
// unrelated keys proceed concurrently. Blob read-modify-write cycles take
// the key's lock so two concurrent writers to the same document cannot
// interleave and drop an update.
type KeyedMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key, blocking until it is available or ctx is
// done. It returns the unlock func, or a ctx error when cancelled. Mutexes
// live for the process lifetime; the key space is the small fixed set of
// blob names, so entries are never reaped.
func (km *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	muAny, _ := km.locks.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)

	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return mu.Unlock, nil
	case <-ctx.Done():
		// The goroutine will still take the lock; release it on arrival so
		// later callers are not wedged by an abandoned acquisition.
		go func() {
			<-acquired
			mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}

// Mutator runs read-modify-write cycles against a store with per-key
// serialization.
type Mutator struct {
	store Store
	km    KeyedMutex
}

// NewMutator wraps a store with the per-key mutation helper.
func NewMutator(store Store) *Mutator {
	return &Mutator{store: store}
}

// Mutate loads the blob at key, applies fn to its current content (nil when
// absent), and writes back fn's result. Returning (nil, nil) from fn leaves
// the blob untouched. The whole cycle holds the key's lock.
func (m *Mutator) Mutate(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	unlock, err := m.km.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := m.store.ReadBuffer(ctx, key)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return m.store.WriteBuffer(ctx, key, next, WriteOptions{ContentType: ContentTypeFor(key)})
}
