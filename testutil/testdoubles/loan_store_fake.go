// Package testdoubles provides in-memory test doubles for the circulation
// engine's collaborator interfaces.
package testdoubles

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openshelf/circulation-engine-go/circulation"
)

type bookState struct {
	title           string
	author          string
	copiesTotal     int
	copiesAvailable int
}

type memberState struct {
	name        string
	activeLoans int
}

// FakeLoanStore is an in-memory stand-in for postgresengine.LoanStore,
// implementing coordinator.TransactionManager with the same validation order
// and error kinds. Each operation is atomic behind one mutex, mirroring the
// all-or-nothing behavior of the real storage transactions.
type FakeLoanStore struct {
	mu         sync.Mutex
	books      map[uuid.UUID]*bookState
	members    map[uuid.UUID]*memberState
	loans      map[int64]*circulation.Loan
	nextLoanID int64
	clock      func() time.Time

	// FailBorrowWith and FailReturnWith inject a storage-level failure into
	// the respective transaction when non-nil; state stays untouched.
	FailBorrowWith error
	FailReturnWith error
}

// NewFakeLoanStore creates an empty fake store.
func NewFakeLoanStore() *FakeLoanStore {
	return &FakeLoanStore{
		books:   make(map[uuid.UUID]*bookState),
		members: make(map[uuid.UUID]*memberState),
		loans:   make(map[int64]*circulation.Loan),
		clock:   time.Now,
	}
}

// SetClock replaces the time source for deterministic due-date tests.
func (f *FakeLoanStore) SetClock(clock func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clock = clock
}

// AddBook registers a book with the given copy counters.
func (f *FakeLoanStore) AddBook(bookID uuid.UUID, copiesTotal int, copiesAvailable int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.books[bookID] = &bookState{
		title:           "Structure and Interpretation of Computer Programs",
		author:          "Abelson and Sussman",
		copiesTotal:     copiesTotal,
		copiesAvailable: copiesAvailable,
	}
}

// AddMember registers a member with the given active-loan count.
func (f *FakeLoanStore) AddMember(memberID uuid.UUID, activeLoans int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.members[memberID] = &memberState{
		name:        "Grace Hopper",
		activeLoans: activeLoans,
	}
}

// Borrow mirrors the borrow transaction: availability is checked before the
// member, counters and the loan record change together or not at all.
func (f *FakeLoanStore) Borrow(_ context.Context, memberID uuid.UUID, bookID uuid.UUID) (circulation.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailBorrowWith != nil {
		return circulation.Loan{}, f.FailBorrowWith
	}

	book, bookExists := f.books[bookID]
	if !bookExists {
		return circulation.Loan{}, circulation.ErrBookNotFound
	}

	if book.copiesAvailable <= 0 {
		return circulation.Loan{}, circulation.ErrBookUnavailable
	}

	member, memberExists := f.members[memberID]
	if !memberExists {
		return circulation.Loan{}, circulation.ErrMemberNotFound
	}

	if member.activeLoans >= circulation.MaxActiveLoans {
		return circulation.Loan{}, circulation.ErrQuotaExceeded
	}

	book.copiesAvailable--
	member.activeLoans++
	f.nextLoanID++

	now := f.clock().UTC()
	loan := circulation.Loan{
		LoanID:     f.nextLoanID,
		BookID:     bookID,
		MemberID:   memberID,
		BorrowedAt: now,
		DueAt:      now.Add(circulation.LoanPeriod),
		Status:     circulation.LoanStatusInProgress,
		Details: circulation.LoanDetails{
			BookTitle:  book.title,
			BookAuthor: book.author,
			MemberName: member.name,
		},
	}

	stored := loan
	f.loans[loan.LoanID] = &stored

	return loan, nil
}

// Return mirrors the return transaction including the idempotency guard.
func (f *FakeLoanStore) Return(_ context.Context, loanID int64) (circulation.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailReturnWith != nil {
		return circulation.Loan{}, f.FailReturnWith
	}

	loan, loanExists := f.loans[loanID]
	if !loanExists {
		return circulation.Loan{}, circulation.ErrLoanNotFound
	}

	if loan.Status != circulation.LoanStatusInProgress {
		return circulation.Loan{}, circulation.ErrLoanNotInProgress
	}

	returnedAt := f.clock().UTC()
	loan.ReturnedAt = &returnedAt
	loan.Status = circulation.CloseStatusAt(loan.DueAt, returnedAt)

	f.books[loan.BookID].copiesAvailable++
	f.members[loan.MemberID].activeLoans--

	return *loan, nil
}

// Availability reads the current inventory counters of a book.
func (f *FakeLoanStore) Availability(_ context.Context, bookID uuid.UUID) (circulation.Inventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	book, bookExists := f.books[bookID]
	if !bookExists {
		return circulation.Inventory{}, circulation.ErrBookNotFound
	}

	return circulation.Inventory{
		BookID:          bookID,
		CopiesTotal:     book.copiesTotal,
		CopiesAvailable: book.copiesAvailable,
	}, nil
}

// MemberLoanCount reads the current active-loan counter of a member.
func (f *FakeLoanStore) MemberLoanCount(_ context.Context, memberID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	member, memberExists := f.members[memberID]
	if !memberExists {
		return 0, circulation.ErrMemberNotFound
	}

	return member.activeLoans, nil
}

// ActiveLoansOf reads a member's counter for test assertions.
func (f *FakeLoanStore) ActiveLoansOf(memberID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.members[memberID].activeLoans
}

// AvailableCopiesOf reads a book's available counter for test assertions.
func (f *FakeLoanStore) AvailableCopiesOf(bookID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.books[bookID].copiesAvailable
}
