// Package keylock provides in-process mutual exclusion per string key.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// KeyLock hands out one lock per key. Entries are dropped once no holder or
// waiter references them, so the map only grows with concurrent keys.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{entries: make(map[string]*entry)}
}

// Lock blocks until the key is free or ctx is done.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *KeyLock) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
