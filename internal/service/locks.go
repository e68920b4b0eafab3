package service

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"dispatchd/internal/redis"
)

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// LocalLocker is an in-process redis.Locker for single-instance deployments.
type LocalLocker struct {
	clock clock.Clock

	mu      sync.Mutex
	expires map[string]time.Time
}

var _ redis.Locker = (*LocalLocker)(nil)

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker(clk clock.Clock) *LocalLocker {
	return &LocalLocker{clock: clk, expires: make(map[string]time.Time)}
}

// Acquire takes key unless it is held and not yet expired.
func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if exp, ok := l.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.expires[key] = now.Add(ttl)
	return true, nil
}

// Release frees key.
func (l *LocalLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.expires, key)
	l.mu.Unlock()
	return nil
}
