package coordinator

import (
	"context"
	"sync"
)

// FairLock is an exclusive lock handing ownership to waiters in strict
// arrival order, so a long-waiting borrower is never starved by a stream of
// short operations.
//
// Lock accepts a context and gives up cleanly when the context is cancelled
// while still queued. The zero value is ready to use.
type FairLock struct {
	mu     sync.Mutex
	locked bool
	queue  []chan struct{}
}

// Lock acquires the lock, blocking in FIFO order behind earlier waiters.
// It returns the context error if the context is cancelled before the lock
// was acquired; in that case the lock is not held.
func (l *FairLock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()

	if !l.locked {
		l.locked = true
		l.mu.Unlock()

		return nil
	}

	ticket := make(chan struct{})
	l.queue = append(l.queue, ticket)
	l.mu.Unlock()

	select {
	case <-ticket:
		// ownership was handed off by Unlock
		return nil

	case <-ctx.Done():
		if l.abandonTicket(ticket) {
			return ctx.Err()
		}

		// the ticket was granted concurrently with cancellation: the lock is
		// ours and must be passed on
		l.Unlock()

		return ctx.Err()
	}
}

// abandonTicket removes a queued ticket; it reports false when the ticket
// had already been granted.
func (l *FairLock) abandonTicket(ticket chan struct{}) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, queued := range l.queue {
		if queued == ticket {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}

	return false
}

// Unlock releases the lock, handing ownership to the longest-waiting ticket
// if any caller is queued.
func (l *FairLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		close(next) // locked stays true, ownership moves to next

		return
	}

	l.locked = false
}

// Held reports whether the lock is currently held, for diagnostics only.
func (l *FairLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.locked
}
