// Package postgresengine provides the PostgreSQL implementation of the loan
// transaction manager.
//
// The LoanStore executes the atomic borrow and return transactions against
// the books, members and loans tables. Each transaction runs as one
// begin/commit unit: the inventory row is read with a row-level write-intent
// lock (SELECT ... FOR UPDATE), counter updates are conditional and checked
// via affected-row counts, and any failure rolls the whole transaction back
// so no partial state is ever visible.
//
// The engine supports three PostgreSQL database libraries through internal
// adapters: pgxpool.Pool (recommended), sql.DB, and sqlx.DB. Observability
// is optional and injected through the dependency-free interfaces defined in
// the circulation package.
//
// Common usage pattern:
//
//	store, err := postgresengine.NewLoanStoreFromPGXPool(pool,
//		postgresengine.WithLogger(logger))
//	if err != nil {
//		// handle error
//	}
//
//	loan, err := store.Borrow(ctx, memberID, bookID)
//	if errors.Is(err, circulation.ErrBookUnavailable) {
//		// all copies are on loan
//	}
package postgresengine
