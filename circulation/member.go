package circulation

import (
	"github.com/google/uuid"
)

// Member is the per-member view the engine owns: the count of currently
// active loans, capped at MaxActiveLoans.
//
// ActiveLoans is mutated only by the loan transaction manager: borrow
// increments it, return decrements it. At rest it always holds
// 0 <= ActiveLoans <= MaxActiveLoans.
type Member struct {
	MemberID    uuid.UUID
	Name        string
	ActiveLoans int
}

// CanBorrow reports whether the member is below the active-loan cap.
func (m Member) CanBorrow() bool {
	return m.ActiveLoans < MaxActiveLoans
}
