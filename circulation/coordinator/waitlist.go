package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openshelf/circulation-engine-go/circulation"
)

// waitList is the condition-variable analog tied to the coordinator's fair
// lock: goroutines waiting for a book to become available park here, and
// every successful return broadcast-wakes all of them.
//
// A waiter must hold the fair lock when calling Wait; the lock is released
// for the duration of the park and re-acquired before Wait returns, so the
// caller can re-check availability under the lock. Wakeups carry no claim on
// a copy: multiple waiters may compete for one freed copy, and spurious-like
// races (another caller consuming the copy first) are expected, which is why
// callers must loop and re-validate.
type waitList struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// Wait parks the caller until a broadcast, the timeout, or context
// cancellation, whichever comes first.
//
// On a broadcast wakeup or timeout it re-acquires the lock and returns nil;
// the caller distinguishes the two by re-checking availability and its own
// deadline. On cancellation it returns with the lock released and an error
// joining circulation.ErrCancelled.
func (wl *waitList) Wait(ctx context.Context, lock *FairLock, timeout time.Duration) error {
	woken := make(chan struct{})

	wl.mu.Lock()
	wl.waiters = append(wl.waiters, woken)
	wl.mu.Unlock()

	lock.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-woken:

	case <-timer.C:
		wl.remove(woken)

	case <-ctx.Done():
		wl.remove(woken)
		return errors.Join(circulation.ErrCancelled, ctx.Err())
	}

	if lockErr := lock.Lock(ctx); lockErr != nil {
		return errors.Join(circulation.ErrCancelled, lockErr)
	}

	return nil
}

// Broadcast wakes all parked waiters. Each of them re-validates availability
// and its own quota after re-acquiring the lock.
func (wl *waitList) Broadcast() {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	for _, woken := range wl.waiters {
		close(woken)
	}

	wl.waiters = nil
}

// Len reports the number of currently parked waiters, for diagnostics.
func (wl *waitList) Len() int {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	return len(wl.waiters)
}

// remove drops one waiter that stopped waiting on its own (timeout or
// cancellation) so Broadcast does not close its channel twice.
func (wl *waitList) remove(woken chan struct{}) {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	for i, waiter := range wl.waiters {
		if waiter == woken {
			wl.waiters = append(wl.waiters[:i], wl.waiters[i+1:]...)
			return
		}
	}
}
