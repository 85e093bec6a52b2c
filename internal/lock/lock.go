// Package lock serializes mutations of one certificate or subscription.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Locker acquires an exclusive lock on key. The returned func releases it
// and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// CertificateKey is the lock key guarding one certificate record
func CertificateKey(id int) string {
	return fmt.Sprintf("certificate:%d", id)
}

// SubmitKey is the lock key serialising provider submissions of one certificate
func SubmitKey(id int) string {
	return fmt.Sprintf("submit:%d", id)
}

// DomainKey is the lock key guarding the validation claim on a domain
func DomainKey(domain string) string {
	return "domain:" + domain
}

// SubscriptionKey is the lock key guarding a subscription's count and slots
func SubscriptionKey(id int) string {
	return fmt.Sprintf("subscription:%d", id)
}

type keyedEntry struct {
	ch   chan struct{} // buffered(1), holds a token while locked
	refs int
}

// KeyedMutex is an in-process Locker. Entries are dropped once no caller
// holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedMutex returns an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) acquireRef(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) releaseRef(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Lock blocks until key is free or ctx is done
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	e := k.acquireRef(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.releaseRef(key, e)
		return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.releaseRef(key, e)
		})
	}, nil
}

// LockOrdered takes several keys in the given order and releases them in
// reverse. Callers pass keys sorted so that two callers never deadlock.
func LockOrdered(ctx context.Context, l Locker, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
