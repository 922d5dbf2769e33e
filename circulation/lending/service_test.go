package lending_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshelf/circulation-engine-go/circulation"
	"github.com/openshelf/circulation-engine-go/circulation/admission"
	"github.com/openshelf/circulation-engine-go/circulation/lending"
	"github.com/openshelf/circulation-engine-go/testutil/helper"
	"github.com/openshelf/circulation-engine-go/testutil/testdoubles"
)

func Test_NewService_When_TransactionManager_IsNil(t *testing.T) {
	// act
	service, err := lending.NewService(nil)

	// assert
	assert.Nil(t, service)
	assert.Error(t, err)
}

func Test_Borrow_Counts_Attempt_And_Success(t *testing.T) {
	// setup
	ctx := context.Background()
	store := testdoubles.NewFakeLoanStore()
	service, err := lending.NewService(store)
	require.NoError(t, err)

	// arrange
	bookID := helper.GivenUniqueID(t)
	memberID := helper.GivenUniqueID(t)
	store.AddBook(bookID, 1, 1)
	store.AddMember(memberID, 0)

	// act
	loan, borrowErr := service.Borrow(ctx, memberID, bookID)

	// assert
	require.NoError(t, borrowErr)
	assert.Equal(t, circulation.LoanStatusInProgress, loan.Status)

	diag := service.Diagnostics()
	assert.Equal(t, admission.Snapshot{Attempted: 1, Succeeded: 1, Failed: 0}, diag.Borrow)
	assert.Equal(t, diag.AdmissionLimit, diag.AvailablePermits, "all permits must be back after the call")
}

func Test_Borrow_When_Store_Fails_Counts_Failure_And_ReleasesPermit(t *testing.T) {
	// setup
	ctx := context.Background()
	store := testdoubles.NewFakeLoanStore()
	store.FailBorrowWith = errors.Join(circulation.ErrStorageFailure, errors.New("connection reset"))

	service, err := lending.NewService(store, lending.WithAdmissionLimit(1))
	require.NoError(t, err)

	// act
	_, borrowErr := service.Borrow(ctx, helper.GivenUniqueID(t), helper.GivenUniqueID(t))

	// assert
	assert.ErrorIs(t, borrowErr, circulation.ErrStorageFailure)

	diag := service.Diagnostics()
	assert.Equal(t, admission.Snapshot{Attempted: 1, Succeeded: 0, Failed: 1}, diag.Borrow)
	assert.Equal(t, int64(1), diag.AvailablePermits, "the permit must not leak on the error path")
}

func Test_Return_RoundTrip_Through_TheService(t *testing.T) {
	// setup
	ctx := context.Background()
	store := testdoubles.NewFakeLoanStore()
	service, err := lending.NewService(store)
	require.NoError(t, err)

	// arrange
	bookID := helper.GivenUniqueID(t)
	memberID := helper.GivenUniqueID(t)
	store.AddBook(bookID, 1, 1)
	store.AddMember(memberID, 0)

	loan, borrowErr := service.Borrow(ctx, memberID, bookID)
	require.NoError(t, borrowErr)

	available, availErr := service.IsAvailable(ctx, bookID)
	require.NoError(t, availErr)
	require.False(t, available)

	// act
	closed, returnErr := service.Return(ctx, loan.LoanID)

	// assert
	require.NoError(t, returnErr)
	assert.Equal(t, circulation.LoanStatusReturned, closed.Status)
	require.NotNil(t, closed.ReturnedAt)

	available, availErr = service.IsAvailable(ctx, bookID)
	require.NoError(t, availErr)
	assert.True(t, available)

	diag := service.Diagnostics()
	assert.Equal(t, admission.Snapshot{Attempted: 1, Succeeded: 1, Failed: 0}, diag.Return)
	assert.Equal(t, admission.Snapshot{Attempted: 2, Succeeded: 2, Failed: 0}, diag.Search)
}

func Test_TryBorrow_When_All_Permits_InUse(t *testing.T) {
	// setup
	ctx := context.Background()
	store := testdoubles.NewFakeLoanStore()

	service, err := lending.NewService(store, lending.WithAdmissionLimit(1))
	require.NoError(t, err)

	// arrange: the single copy is lent out and a waiter occupies the one permit
	bookID := helper.GivenUniqueID(t)
	holderID := helper.GivenUniqueID(t)
	waiterID := helper.GivenUniqueID(t)
	store.AddBook(bookID, 1, 1)
	store.AddMember(holderID, 0)
	store.AddMember(waiterID, 0)

	_, borrowErr := service.Borrow(ctx, holderID, bookID)
	require.NoError(t, borrowErr)

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		_, _ = service.BorrowWithWait(ctx, waiterID, bookID, 300*time.Millisecond)
	}()

	waitForZeroPermits(t, service)

	// act
	_, tryErr := service.TryBorrow(ctx, helper.GivenUniqueID(t), bookID)

	// assert
	assert.ErrorIs(t, tryErr, circulation.ErrAdmissionRejected)
	assert.NotErrorIs(t, tryErr, circulation.ErrCancelled)
	<-waitDone

	diag := service.Diagnostics()
	assert.Equal(t, int64(1), diag.AvailablePermits)
}

func Test_Diagnostics_Reflects_A_Parked_Waiter(t *testing.T) {
	// setup
	ctx := context.Background()
	store := testdoubles.NewFakeLoanStore()
	service, err := lending.NewService(store, lending.WithAdmissionLimit(2))
	require.NoError(t, err)

	// arrange
	bookID := helper.GivenUniqueID(t)
	holderID := helper.GivenUniqueID(t)
	waiterID := helper.GivenUniqueID(t)
	store.AddBook(bookID, 1, 1)
	store.AddMember(holderID, 0)
	store.AddMember(waiterID, 0)

	heldLoan, borrowErr := service.Borrow(ctx, holderID, bookID)
	require.NoError(t, borrowErr)

	waitDone := make(chan error, 1)
	go func() {
		_, waitErr := service.BorrowWithWait(ctx, waiterID, bookID, 5*time.Second)
		waitDone <- waitErr
	}()

	// act
	waitForPendingWaiter(t, service)
	diag := service.Diagnostics()

	// assert: the waiter holds its permit for the whole wait
	assert.Equal(t, 1, diag.PendingWaiters)
	assert.Equal(t, int64(1), diag.AvailablePermits)

	_, returnErr := service.Return(ctx, heldLoan.LoanID)
	require.NoError(t, returnErr)
	require.NoError(t, <-waitDone)

	diag = service.Diagnostics()
	assert.Equal(t, 0, diag.PendingWaiters)
	assert.Equal(t, int64(2), diag.AvailablePermits)
	assert.False(t, diag.LockHeld)
}

func waitForZeroPermits(t *testing.T, service *lending.Service) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if service.Diagnostics().AvailablePermits == 0 {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("permits never ran out")
}

func waitForPendingWaiter(t *testing.T, service *lending.Service) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if service.Diagnostics().PendingWaiters > 0 {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("waiter never parked")
}
