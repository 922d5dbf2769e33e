// Package coordinator makes the loan transactions safe under concurrent
// invocation from multiple goroutines.
//
// One process-wide fair (FIFO) exclusive lock guards all borrow, return and
// availability entry points. The storage-layer row locking already prevents
// double-allocation at the data level; the in-process lock additionally
// serializes the member-quota check-then-act sequence, which otherwise races
// when two callers both observe a count below the cap.
//
// BorrowWithWait parks the caller on a wait list while the book has no
// available copies. Every successful return broadcast-wakes all parked
// waiters; each waiter re-validates availability and its own quota after
// waking, so the first to re-acquire the lock and pass validation wins the
// freed copy. Waiting releases the exclusive lock while parked and
// re-acquires it before re-checking, and it honors both a timeout and
// cancellation of the caller's context.
package coordinator
