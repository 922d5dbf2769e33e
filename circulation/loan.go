package circulation

import (
	"time"

	"github.com/google/uuid"
)

// LoanStatus is the lifecycle state of a Loan.
//
// A loan starts InProgress and is closed exactly once, to Returned when the
// book came back on time or to Overdue when it came back late. Both closing
// states are terminal.
type LoanStatus string

const (
	LoanStatusInProgress LoanStatus = "InProgress"
	LoanStatusReturned   LoanStatus = "Returned"
	LoanStatusOverdue    LoanStatus = "Overdue"
)

// IsTerminal reports whether no further transition may leave this status.
func (s LoanStatus) IsTerminal() bool {
	return s == LoanStatusReturned || s == LoanStatusOverdue
}

// CloseStatusAt classifies a return: Overdue if the actual return timestamp
// is after the due date, Returned otherwise.
func CloseStatusAt(dueAt time.Time, returnedAt time.Time) LoanStatus {
	if returnedAt.After(dueAt) {
		return LoanStatusOverdue
	}

	return LoanStatusReturned
}

// LoanDetails carries denormalized display data attached to a loan after a
// successful transaction. It is a read-only convenience for callers and is
// never part of any invariant.
type LoanDetails struct {
	BookTitle  string `json:"book_title"`
	BookAuthor string `json:"book_author"`
	MemberName string `json:"member_name"`
}

// Loan is the record of one member borrowing one book for a bounded period.
//
// LoanID is assigned by the storage boundary on creation. BookID, MemberID,
// BorrowedAt and DueAt are immutable after creation; ReturnedAt and Status
// are mutated exactly once, by a successful return transaction.
type Loan struct {
	LoanID     int64
	BookID     uuid.UUID
	MemberID   uuid.UUID
	BorrowedAt time.Time
	DueAt      time.Time
	ReturnedAt *time.Time
	Status     LoanStatus
	Details    LoanDetails
}

// IsClosed reports whether the loan has been returned, on time or late.
func (l Loan) IsClosed() bool {
	return l.Status.IsTerminal()
}
