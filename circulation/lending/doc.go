// Package lending provides the caller-facing API of the circulation engine.
//
// A Service composes the two independent gates every operation passes
// through: the admission controller's counting semaphore bounding total
// concurrency, and the coordinator's exclusive lock serializing the
// borrow/return critical sections. The admission permit is acquired before
// any work and released in a deferred call on every exit path; while a
// caller is parked in BorrowWithWait it still holds its permit, since it is
// still in flight from the pool's perspective.
//
// Common usage pattern:
//
//	store, _ := postgresengine.NewLoanStoreFromPGXPool(pool)
//	svc, err := lending.NewService(store,
//		lending.WithAdmissionLimit(8),
//		lending.WithLogger(logger))
//	if err != nil {
//		// handle error
//	}
//
//	loan, err := svc.Borrow(ctx, memberID, bookID)
//	switch {
//	case errors.Is(err, circulation.ErrQuotaExceeded):
//		// member already has the maximum number of active loans
//	case errors.Is(err, circulation.ErrBookUnavailable):
//		// try svc.BorrowWithWait with a timeout instead
//	}
package lending
