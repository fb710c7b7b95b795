package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waiters(k *keyedLocks, key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.locks[key]; ok {
		return len(l.waiters)
	}
	return 0
}

func waitForWaiters(t *testing.T, k *keyedLocks, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for waiters(k, key) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d waiters, have %d", n, waiters(k, key))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestKeyedLocksServeWaitersInArrivalOrder(t *testing.T) {
	k := newKeyedLocks()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "job")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	var (
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := k.Lock(ctx, "job")
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			// appends are serialized by the lock itself
			order = append(order, i)
			release()
		}(i)
		waitForWaiters(t, k, "job", i+1)
	}

	unlock()
	wg.Wait()
	for want, got := range order {
		if got != want {
			t.Fatalf("expected arrival order, got %v", order)
		}
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 acquisitions, got %v", order)
	}
	if k.Held("job") {
		t.Fatalf("lock should be free after every waiter released")
	}
	if _, ok := k.locks["job"]; ok {
		t.Fatalf("idle lock entry should be dropped")
	}
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	k := newKeyedLocks()
	unlock, ok := k.TryLock("job")
	if !ok {
		t.Fatalf("first TryLock should succeed")
	}
	if _, ok := k.TryLock("job"); ok {
		t.Fatalf("TryLock should fail while held")
	}
	if _, ok := k.TryLock("other"); !ok {
		t.Fatalf("locks are per key")
	}
	unlock()
	unlock()
	if k.Held("job") {
		t.Fatalf("double release must be harmless")
	}
	if _, ok := k.TryLock("job"); !ok {
		t.Fatalf("TryLock should succeed after release")
	}
}

func TestLockGivesUpWhenContextEnds(t *testing.T) {
	k := newKeyedLocks()
	unlock, _ := k.TryLock("job")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := k.Lock(ctx, "job")
		done <- err
	}()
	waitForWaiters(t, k, "job", 1)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Lock did not return after cancel")
	}
	if waiters(k, "job") != 0 {
		t.Fatalf("abandoned waiter should be removed")
	}
	unlock()
	if k.Held("job") {
		t.Fatalf("lock should be free once the holder releases")
	}
}
