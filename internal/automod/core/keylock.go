package core

import (
	"context"
	"sync"
)

type keyEntry struct {
	sem  chan struct{}
	refs int
}

// KeyLock is a set of mutexes addressed by key. Entries live only while someone holds
// or waits for them.
type KeyLock[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyEntry
}

func NewKeyLock[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{
		locks: make(map[K]*keyEntry),
	}
}

// Lock blocks until key is held or ctx is done
func (kl *KeyLock[K]) Lock(ctx context.Context, key K) error {
	kl.mu.Lock()
	e, ok := kl.locks[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		kl.locks[key] = e
	}
	e.refs++
	kl.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		kl.mu.Lock()
		kl.release(key, e)
		kl.mu.Unlock()
		return ctx.Err()
	}
}

// Unlock releases key. Unlocking a key that is not held panics.
func (kl *KeyLock[K]) Unlock(key K) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	e, ok := kl.locks[key]
	if !ok {
		panic("keylock: unlock of unlocked key")
	}
	<-e.sem
	kl.release(key, e)
}

func (kl *KeyLock[K]) release(key K, e *keyEntry) {
	e.refs--
	if e.refs == 0 {
		delete(kl.locks, key)
	}
}

// Len returns the number of keys currently held or awaited
func (kl *KeyLock[K]) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}

// MemberKey identifies one member of one guild
type MemberKey struct {
	GuildID string
	UserID  string
}
