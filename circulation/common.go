package circulation

import (
	"errors"
	"fmt"
	"time"
)

// LoanPeriod is the fixed lending period; the due date of every new loan is
// the borrow timestamp plus this duration.
const LoanPeriod = 14 * 24 * time.Hour

// MaxActiveLoans is the per-member cap on simultaneously active loans.
const MaxActiveLoans = 5

var ErrNilDatabaseConnection = errors.New("nil database connection supplied")
var ErrEmptyTableName = errors.New("empty table name supplied")

var ErrBookNotFound = errors.New("book not found")
var ErrMemberNotFound = errors.New("member not found")
var ErrLoanNotFound = errors.New("loan not found")

// ErrBookUnavailable signals that the book had zero available copies at
// decision time, no rows were affected.
var ErrBookUnavailable = errors.New("book has no available copies")

// ErrWaitTimedOut wraps ErrBookUnavailable: a wait-for-availability expired
// before a copy was freed.
var ErrWaitTimedOut = fmt.Errorf("%w: wait for availability timed out", ErrBookUnavailable)

var ErrQuotaExceeded = errors.New("member has reached the active loan limit")

// ErrLoanNotInProgress guards idempotency: returning a loan that is already
// closed must fail cleanly instead of silently succeeding.
var ErrLoanNotInProgress = errors.New("loan is not in progress")

// ErrStorageFailure wraps any lower-level storage or transaction error; the
// cause is attached with errors.Join.
var ErrStorageFailure = errors.New("storage operation failed")

// ErrCancelled signals that the caller's context was cancelled while waiting
// for a permit, the exclusive lock, or book availability.
var ErrCancelled = errors.New("operation cancelled before completion")

// ErrAdmissionRejected signals that a non-blocking admission attempt found
// all permits in use; nothing was waited on or cancelled.
var ErrAdmissionRejected = errors.New("all admission permits in use")
