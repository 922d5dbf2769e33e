package circulation

import (
	"github.com/google/uuid"
)

// Inventory is the book-level pair of counters tracking how many copies
// exist and how many are currently on the shelf.
//
// CopiesAvailable is mutated only by the loan transaction manager: borrow
// decrements it, return increments it. At rest it always holds
// 0 <= CopiesAvailable <= CopiesTotal.
type Inventory struct {
	BookID          uuid.UUID
	CopiesTotal     int
	CopiesAvailable int
}

// HasAvailableCopy reports whether at least one copy is on the shelf.
func (i Inventory) HasAvailableCopy() bool {
	return i.CopiesAvailable > 0
}

// CountersConsistent reports whether the at-rest counter invariant holds.
func (i Inventory) CountersConsistent() bool {
	return i.CopiesAvailable >= 0 && i.CopiesAvailable <= i.CopiesTotal
}
