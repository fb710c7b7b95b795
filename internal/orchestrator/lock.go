package orchestrator

import (
	"context"
	"sync"
)

// keyedLocks is an arena of per-job execution locks. Blocking acquirers are served
// in arrival order; entries are dropped once nobody holds or waits on them.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*fifoLock
}

type fifoLock struct {
	held    bool
	waiters []chan struct{}
	refs    int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*fifoLock)}
}

func (k *keyedLocks) getLocked(key string) *fifoLock {
	l, ok := k.locks[key]
	if !ok {
		l = &fifoLock{}
		k.locks[key] = l
	}
	return l
}

// Lock blocks until key is free or ctx ends.
func (k *keyedLocks) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l := k.getLocked(key)
	l.refs++
	if !l.held {
		l.held = true
		k.mu.Unlock()
		return k.releaser(key), nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	k.mu.Unlock()

	select {
	case <-ch:
		return k.releaser(key), nil
	case <-ctx.Done():
	}

	k.mu.Lock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.refs--
			if l.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	k.mu.Unlock()
	// the lock was handed to us while giving up; pass it on
	k.release(key)
	return nil, ctx.Err()
}

// TryLock acquires key only if nobody holds it.
func (k *keyedLocks) TryLock(key string) (func(), bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.getLocked(key)
	if l.held {
		return nil, false
	}
	l.held = true
	l.refs++
	return k.releaser(key), true
}

// Held reports whether key is currently locked.
func (k *keyedLocks) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	return ok && l.held
}

func (k *keyedLocks) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { k.release(key) }) }
}

func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok || !l.held {
		return
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
	} else {
		l.held = false
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
