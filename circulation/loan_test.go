package circulation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openshelf/circulation-engine-go/circulation"
)

func Test_CloseStatusAt_ReturnedBeforeDueDate_Is_Returned(t *testing.T) {
	// arrange
	borrowedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dueAt := borrowedAt.Add(circulation.LoanPeriod)
	returnedAt := borrowedAt.Add(10 * 24 * time.Hour)

	// act
	status := circulation.CloseStatusAt(dueAt, returnedAt)

	// assert
	assert.Equal(t, circulation.LoanStatusReturned, status)
}

func Test_CloseStatusAt_ReturnedExactlyOnDueDate_Is_Returned(t *testing.T) {
	// arrange
	dueAt := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// act
	status := circulation.CloseStatusAt(dueAt, dueAt)

	// assert
	assert.Equal(t, circulation.LoanStatusReturned, status)
}

func Test_CloseStatusAt_ReturnedAfterDueDate_Is_Overdue(t *testing.T) {
	// arrange
	dueAt := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	returnedAt := dueAt.Add(time.Nanosecond)

	// act
	status := circulation.CloseStatusAt(dueAt, returnedAt)

	// assert
	assert.Equal(t, circulation.LoanStatusOverdue, status)
}

func Test_LoanStatus_IsTerminal(t *testing.T) {
	assert.False(t, circulation.LoanStatusInProgress.IsTerminal())
	assert.True(t, circulation.LoanStatusReturned.IsTerminal())
	assert.True(t, circulation.LoanStatusOverdue.IsTerminal())
}

func Test_Inventory_HasAvailableCopy(t *testing.T) {
	// arrange
	exhausted := circulation.Inventory{CopiesTotal: 3, CopiesAvailable: 0}
	stocked := circulation.Inventory{CopiesTotal: 3, CopiesAvailable: 1}

	// assert
	assert.False(t, exhausted.HasAvailableCopy())
	assert.True(t, stocked.HasAvailableCopy())
}

func Test_ErrWaitTimedOut_Matches_ErrBookUnavailable(t *testing.T) {
	assert.True(t, errors.Is(circulation.ErrWaitTimedOut, circulation.ErrBookUnavailable))
}
