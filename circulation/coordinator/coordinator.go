package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openshelf/circulation-engine-go/circulation"
)

const (
	logMsgBorrowSerialized   = "borrow executed under exclusive lock"
	logMsgReturnSerialized   = "return executed under exclusive lock"
	logMsgWaitersBroadcast   = "waiters woken after successful return"
	logMsgWaitRoundCompleted = "wait round completed, re-checking availability"
	logAttrBookID            = "book_id"
	logAttrMemberID          = "member_id"
	logAttrLoanID            = "loan_id"
	logAttrWaiters           = "waiters"
)

var ErrNilTransactionManager = errors.New("nil transaction manager supplied")

// TransactionManager defines the interface needed by the Coordinator for the
// atomic loan transactions and the reads backing its validations. It is
// implemented by postgresengine.LoanStore.
type TransactionManager interface {
	Borrow(ctx context.Context, memberID uuid.UUID, bookID uuid.UUID) (circulation.Loan, error)
	Return(ctx context.Context, loanID int64) (circulation.Loan, error)
	Availability(ctx context.Context, bookID uuid.UUID) (circulation.Inventory, error)
	MemberLoanCount(ctx context.Context, memberID uuid.UUID) (int, error)
}

// Coordinator serializes the borrow and return critical sections behind one
// process-wide fair lock and provides the wait-for-availability protocol.
//
// The lock is coarse-grained on purpose: the storage layer's row locking
// already totally orders concurrent borrow attempts on the same book, but
// the member-quota check-then-act sequence needs in-process serialization on
// top of it.
type Coordinator struct {
	tm      TransactionManager
	lock    FairLock
	returns waitList
	logger  circulation.Logger
}

// Option defines a functional option for configuring Coordinator.
type Option func(*Coordinator) error

// WithLogger sets the logger for the Coordinator.
func WithLogger(logger circulation.Logger) Option {
	return func(c *Coordinator) error {
		c.logger = logger
		return nil
	}
}

// New creates a Coordinator on top of the given transaction manager.
func New(tm TransactionManager, options ...Option) (*Coordinator, error) {
	if tm == nil {
		return nil, ErrNilTransactionManager
	}

	c := &Coordinator{tm: tm}

	for _, option := range options {
		if err := option(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Borrow runs the borrow transaction under the exclusive lock.
func (c *Coordinator) Borrow(ctx context.Context, memberID uuid.UUID, bookID uuid.UUID) (circulation.Loan, error) {
	if lockErr := c.lock.Lock(ctx); lockErr != nil {
		return circulation.Loan{}, errors.Join(circulation.ErrCancelled, lockErr)
	}
	defer c.lock.Unlock()

	loan, err := c.tm.Borrow(ctx, memberID, bookID)
	if err != nil {
		return circulation.Loan{}, err
	}

	c.logDebug(logMsgBorrowSerialized, logAttrLoanID, loan.LoanID, logAttrBookID, bookID.String())

	return loan, nil
}

// BorrowWithWait behaves like Borrow but, when the book has no available
// copies, parks the caller until a copy is returned or the timeout expires.
//
// The member's quota and the book's existence are validated up front under
// the lock; availability is re-checked after every wakeup since several
// waiters may compete for one freed copy. A caller that is still waiting
// when the timeout elapses receives circulation.ErrWaitTimedOut; a cancelled
// context yields an error joining circulation.ErrCancelled. The lock is
// never left held on any exit path.
func (c *Coordinator) BorrowWithWait(
	ctx context.Context,
	memberID uuid.UUID,
	bookID uuid.UUID,
	timeout time.Duration,
) (circulation.Loan, error) {

	if lockErr := c.lock.Lock(ctx); lockErr != nil {
		return circulation.Loan{}, errors.Join(circulation.ErrCancelled, lockErr)
	}

	// explicit unlocks below: Wait releases and re-acquires the lock, so a
	// deferred unlock would not pair correctly

	activeLoans, countErr := c.tm.MemberLoanCount(ctx, memberID)
	if countErr != nil {
		c.lock.Unlock()
		return circulation.Loan{}, countErr
	}

	if activeLoans >= circulation.MaxActiveLoans {
		c.lock.Unlock()
		return circulation.Loan{}, circulation.ErrQuotaExceeded
	}

	deadline := time.Now().Add(timeout)

	for {
		inventory, availErr := c.tm.Availability(ctx, bookID)
		if availErr != nil {
			c.lock.Unlock()
			return circulation.Loan{}, availErr
		}

		if inventory.HasAvailableCopy() {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.lock.Unlock()
			return circulation.Loan{}, circulation.ErrWaitTimedOut
		}

		if waitErr := c.returns.Wait(ctx, &c.lock, remaining); waitErr != nil {
			// the lock is not held when Wait returns an error
			return circulation.Loan{}, waitErr
		}

		c.logDebug(logMsgWaitRoundCompleted, logAttrBookID, bookID.String())
	}

	loan, borrowErr := c.tm.Borrow(ctx, memberID, bookID)
	c.lock.Unlock()

	if borrowErr != nil {
		return circulation.Loan{}, borrowErr
	}

	return loan, nil
}

// Return runs the return transaction under the exclusive lock and then
// broadcast-wakes all waiters parked in BorrowWithWait. All of them are
// woken, not just one: each must re-validate availability and its own quota,
// since multiple waiters may be competing for the one freed copy.
func (c *Coordinator) Return(ctx context.Context, loanID int64) (circulation.Loan, error) {
	if lockErr := c.lock.Lock(ctx); lockErr != nil {
		return circulation.Loan{}, errors.Join(circulation.ErrCancelled, lockErr)
	}
	defer c.lock.Unlock()

	loan, err := c.tm.Return(ctx, loanID)
	if err != nil {
		return circulation.Loan{}, err
	}

	waiters := c.returns.Len()
	c.returns.Broadcast()

	c.logDebug(logMsgReturnSerialized, logAttrLoanID, loanID)
	if waiters > 0 {
		c.logDebug(logMsgWaitersBroadcast, logAttrWaiters, waiters, logAttrBookID, loan.BookID.String())
	}

	return loan, nil
}

// IsAvailable reports whether the book currently has at least one available
// copy. The read runs under the exclusive lock like every other entry point.
func (c *Coordinator) IsAvailable(ctx context.Context, bookID uuid.UUID) (bool, error) {
	if lockErr := c.lock.Lock(ctx); lockErr != nil {
		return false, errors.Join(circulation.ErrCancelled, lockErr)
	}
	defer c.lock.Unlock()

	inventory, err := c.tm.Availability(ctx, bookID)
	if err != nil {
		return false, err
	}

	return inventory.HasAvailableCopy(), nil
}

// LockHeld reports whether the exclusive lock is currently held, for diagnostics.
func (c *Coordinator) LockHeld() bool {
	return c.lock.Held()
}

// PendingWaiters reports how many callers are parked in BorrowWithWait.
func (c *Coordinator) PendingWaiters() int {
	return c.returns.Len()
}

func (c *Coordinator) logDebug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}
