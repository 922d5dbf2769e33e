// Package circulation provides the core domain types for the library
// circulation engine: the records moved by a loan transaction and the
// observability interfaces shared by all engine implementations.
//
// The engine itself is split over subpackages:
//   - postgresengine: the loan transaction manager executing the atomic
//     borrow and return transactions against PostgreSQL
//   - coordinator: the concurrency coordinator serializing borrow/return
//     critical sections and managing the wait-for-availability protocol
//   - admission: the bounded-concurrency admission gate
//   - lending: the caller-facing facade composing the three
//
// Key types:
//   - Loan: the record of one member borrowing one book, with its
//     InProgress -> Returned | Overdue state machine
//   - Inventory: the per-book copy counters
//   - Member: the per-member active-loan counter and its cap
//
// All failure modes are reported through the package-level sentinel errors
// and can be classified with errors.Is.
package circulation
