package postgresengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshelf/circulation-engine-go/circulation"
	. "github.com/openshelf/circulation-engine-go/circulation/postgresengine"
	"github.com/openshelf/circulation-engine-go/testutil/config"
	. "github.com/openshelf/circulation-engine-go/testutil/helper"
)

func Test_Borrow_MovesOneCopy_FromShelf_ToMember(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	memberID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 3, 3)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, 0)

	// act
	loan, borrowErr := store.Borrow(ctxWithTimeout, memberID, bookID)

	// assert
	require.NoError(t, borrowErr, "error in borrow transaction")
	assert.Positive(t, loan.LoanID)
	assert.Equal(t, circulation.LoanStatusInProgress, loan.Status)
	assert.Equal(t, loan.BorrowedAt.Add(circulation.LoanPeriod), loan.DueAt)
	assert.Equal(t, "The Mythical Man-Month", loan.Details.BookTitle)
	assert.Equal(t, "Ada Lovelace", loan.Details.MemberName)

	available, total := ReadInventoryCounters(t, ctxWithTimeout, connPool, bookID)
	assert.Equal(t, 2, available)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, ReadActiveLoans(t, ctxWithTimeout, connPool, memberID))
}

func Test_Borrow_When_TheLastCopy_IsAlreadyLentOut(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	firstMemberID := GivenUniqueID(t)
	secondMemberID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 1, 1)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, firstMemberID, 0)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, secondMemberID, 0)

	_, firstBorrowErr := store.Borrow(ctxWithTimeout, firstMemberID, bookID)
	require.NoError(t, firstBorrowErr, "error in borrow transaction")

	// act
	_, secondBorrowErr := store.Borrow(ctxWithTimeout, secondMemberID, bookID)

	// assert: the failed borrow must leave no trace
	assert.ErrorIs(t, secondBorrowErr, circulation.ErrBookUnavailable)

	available, _ := ReadInventoryCounters(t, ctxWithTimeout, connPool, bookID)
	assert.Equal(t, 0, available)
	assert.Equal(t, 0, ReadActiveLoans(t, ctxWithTimeout, connPool, secondMemberID))
}

func Test_Borrow_When_TheMember_IsAtTheLoanCap(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	memberID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 2, 2)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, circulation.MaxActiveLoans)

	// act
	_, borrowErr := store.Borrow(ctxWithTimeout, memberID, bookID)

	// assert: the inventory decrement must have been rolled back
	assert.ErrorIs(t, borrowErr, circulation.ErrQuotaExceeded)

	available, _ := ReadInventoryCounters(t, ctxWithTimeout, connPool, bookID)
	assert.Equal(t, 2, available)
	assert.Equal(t, circulation.MaxActiveLoans, ReadActiveLoans(t, ctxWithTimeout, connPool, memberID))
}

func Test_Borrow_When_TheMember_IsNotRegistered(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 1, 1)

	// act
	_, borrowErr := store.Borrow(ctxWithTimeout, GivenUniqueID(t), bookID)

	// assert
	assert.ErrorIs(t, borrowErr, circulation.ErrMemberNotFound)

	available, _ := ReadInventoryCounters(t, ctxWithTimeout, connPool, bookID)
	assert.Equal(t, 1, available)
}

func Test_Borrow_When_TheBook_IsNotInCirculation(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	memberID := GivenUniqueID(t)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, 0)

	// act
	_, borrowErr := store.Borrow(ctxWithTimeout, memberID, GivenUniqueID(t))

	// assert
	assert.ErrorIs(t, borrowErr, circulation.ErrBookNotFound)
}

func Test_Return_OnDay10_Closes_TheLoan_As_Returned(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fakeClock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolTestConfig())
	require.NoError(t, err, "error connecting to DB pool in test setup")
	defer connPool.Close()

	EnsureSchema(t, ctxWithTimeout, connPool)

	store, err := NewLoanStoreFromPGXPool(connPool, WithClock(func() time.Time { return fakeClock }))
	require.NoError(t, err, "creating the loan store failed")

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	memberID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 1, 1)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, 0)

	loan, borrowErr := store.Borrow(ctxWithTimeout, memberID, bookID)
	require.NoError(t, borrowErr, "error in borrow transaction")

	// act: ten days pass, well within the loan period
	fakeClock = fakeClock.Add(10 * 24 * time.Hour)
	closed, returnErr := store.Return(ctxWithTimeout, loan.LoanID)

	// assert
	require.NoError(t, returnErr, "error in return transaction")
	assert.Equal(t, circulation.LoanStatusReturned, closed.Status)
	require.NotNil(t, closed.ReturnedAt)

	available, _ := ReadInventoryCounters(t, ctxWithTimeout, connPool, bookID)
	assert.Equal(t, 1, available)
	assert.Equal(t, 0, ReadActiveLoans(t, ctxWithTimeout, connPool, memberID))
}

func Test_Return_AfterTheDueDate_Closes_TheLoan_As_Overdue(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fakeClock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolTestConfig())
	require.NoError(t, err, "error connecting to DB pool in test setup")
	defer connPool.Close()

	EnsureSchema(t, ctxWithTimeout, connPool)

	store, err := NewLoanStoreFromPGXPool(connPool, WithClock(func() time.Time { return fakeClock }))
	require.NoError(t, err, "creating the loan store failed")

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	memberID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 1, 1)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, 0)

	loan, borrowErr := store.Borrow(ctxWithTimeout, memberID, bookID)
	require.NoError(t, borrowErr, "error in borrow transaction")

	// act: twenty days pass, past the loan period
	fakeClock = fakeClock.Add(20 * 24 * time.Hour)
	closed, returnErr := store.Return(ctxWithTimeout, loan.LoanID)

	// assert
	require.NoError(t, returnErr, "error in return transaction")
	assert.Equal(t, circulation.LoanStatusOverdue, closed.Status)
}

func Test_Return_When_TheLoan_WasAlreadyReturned(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	memberID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 1, 1)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, 0)

	loan, borrowErr := store.Borrow(ctxWithTimeout, memberID, bookID)
	require.NoError(t, borrowErr, "error in borrow transaction")

	_, firstReturnErr := store.Return(ctxWithTimeout, loan.LoanID)
	require.NoError(t, firstReturnErr, "error in return transaction")

	// act
	_, secondReturnErr := store.Return(ctxWithTimeout, loan.LoanID)

	// assert: the counters must not move a second time
	assert.ErrorIs(t, secondReturnErr, circulation.ErrLoanNotInProgress)

	available, _ := ReadInventoryCounters(t, ctxWithTimeout, connPool, bookID)
	assert.Equal(t, 1, available)
	assert.Equal(t, 0, ReadActiveLoans(t, ctxWithTimeout, connPool, memberID))
}

func Test_Return_When_TheLoan_DoesNotExist(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)

	// act
	_, returnErr := store.Return(ctxWithTimeout, 424242)

	// assert
	assert.ErrorIs(t, returnErr, circulation.ErrLoanNotFound)
}

func Test_ConcurrentBorrows_NeverOversell_TheInventory(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange: 3 copies, 10 members racing for them
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 3, 3)

	const borrowers = 10
	results := make(chan error, borrowers)
	var wg sync.WaitGroup

	for i := 0; i < borrowers; i++ {
		memberID := GivenUniqueID(t)
		GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, 0)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, borrowErr := store.Borrow(ctxWithTimeout, memberID, bookID)
			results <- borrowErr
		}()
	}

	wg.Wait()
	close(results)

	// assert: exactly 3 borrows succeed, the rest see an exhausted shelf
	var successes, unavailable int
	for borrowErr := range results {
		if borrowErr == nil {
			successes++
			continue
		}

		assert.ErrorIs(t, borrowErr, circulation.ErrBookUnavailable)
		unavailable++
	}

	assert.Equal(t, 3, successes)
	assert.Equal(t, borrowers-3, unavailable)

	available, total := ReadInventoryCounters(t, ctxWithTimeout, connPool, bookID)
	assert.Equal(t, 0, available)
	assert.Equal(t, 3, total)
}

func Test_Availability_And_MemberLoanCount_Reads(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connPool, store := setupStore(t, ctxWithTimeout)
	defer connPool.Close()

	// arrange
	CleanUpCirculation(t, ctxWithTimeout, connPool)
	bookID := GivenUniqueID(t)
	memberID := GivenUniqueID(t)
	GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 2, 2)
	GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, 0)

	_, borrowErr := store.Borrow(ctxWithTimeout, memberID, bookID)
	require.NoError(t, borrowErr, "error in borrow transaction")

	// act + assert
	inventory, availErr := store.Availability(ctxWithTimeout, bookID)
	require.NoError(t, availErr)
	assert.Equal(t, 1, inventory.CopiesAvailable)
	assert.Equal(t, 2, inventory.CopiesTotal)
	assert.True(t, inventory.HasAvailableCopy())

	activeLoans, countErr := store.MemberLoanCount(ctxWithTimeout, memberID)
	require.NoError(t, countErr)
	assert.Equal(t, 1, activeLoans)

	_, availErr = store.Availability(ctxWithTimeout, GivenUniqueID(t))
	assert.ErrorIs(t, availErr, circulation.ErrBookNotFound)

	_, countErr = store.MemberLoanCount(ctxWithTimeout, GivenUniqueID(t))
	assert.ErrorIs(t, countErr, circulation.ErrMemberNotFound)
}

func Test_Borrow_And_Return_Work_Through_EveryAdapter(t *testing.T) {
	// setup
	ctxWithTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolTestConfig())
	require.NoError(t, err, "error connecting to DB pool in test setup")
	defer connPool.Close()

	EnsureSchema(t, ctxWithTimeout, connPool)

	sqlDB := config.PostgresSQLDBTestConfig()
	defer func() { _ = sqlDB.Close() }()

	sqlxDB := config.PostgresSQLXTestConfig()
	defer func() { _ = sqlxDB.Close() }()

	pgxStore, err := NewLoanStoreFromPGXPool(connPool)
	require.NoError(t, err, "creating the loan store failed")

	sqlStore, err := NewLoanStoreFromSQLDB(sqlDB)
	require.NoError(t, err, "creating the loan store failed")

	sqlxStore, err := NewLoanStoreFromSQLX(sqlxDB)
	require.NoError(t, err, "creating the loan store failed")

	stores := []struct {
		name  string
		store *LoanStore
	}{
		{name: "pgx", store: pgxStore},
		{name: "sqldb", store: sqlStore},
		{name: "sqlx", store: sqlxStore},
	}

	for _, tc := range stores {
		t.Run(tc.name, func(t *testing.T) {
			// arrange
			CleanUpCirculation(t, ctxWithTimeout, connPool)
			bookID := GivenUniqueID(t)
			memberID := GivenUniqueID(t)
			GivenBookInCirculation(t, ctxWithTimeout, connPool, bookID, 1, 1)
			GivenRegisteredMember(t, ctxWithTimeout, connPool, memberID, 0)

			// act
			loan, borrowErr := tc.store.Borrow(ctxWithTimeout, memberID, bookID)
			require.NoError(t, borrowErr, "error in borrow transaction")

			closed, returnErr := tc.store.Return(ctxWithTimeout, loan.LoanID)
			require.NoError(t, returnErr, "error in return transaction")

			// assert
			assert.Equal(t, circulation.LoanStatusReturned, closed.Status)

			available, _ := ReadInventoryCounters(t, ctxWithTimeout, connPool, bookID)
			assert.Equal(t, 1, available)
		})
	}
}

func setupStore(t *testing.T, ctx context.Context) (*pgxpool.Pool, *LoanStore) {
	t.Helper()

	connPool, err := pgxpool.NewWithConfig(context.Background(), config.PostgresPGXPoolTestConfig())
	require.NoError(t, err, "error connecting to DB pool in test setup")

	EnsureSchema(t, ctx, connPool)

	store, err := NewLoanStoreFromPGXPool(connPool)
	require.NoError(t, err, "creating the loan store failed")

	return connPool, store
}
