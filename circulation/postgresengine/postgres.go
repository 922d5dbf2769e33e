package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"

	"github.com/openshelf/circulation-engine-go/circulation"
	"github.com/openshelf/circulation-engine-go/circulation/postgresengine/internal/adapters"
)

const (
	defaultBooksTableName   = "books"
	defaultMembersTableName = "members"
	defaultLoansTableName   = "loans"

	logMsgBuildQueryFailed     = "failed to build sql query"
	logMsgBeginTxFailed        = "failed to begin storage transaction"
	logMsgCommitFailed         = "failed to commit storage transaction"
	logMsgRollbackFailed       = "failed to roll back storage transaction"
	logMsgDBQueryFailed        = "database query execution failed"
	logMsgDBExecFailed         = "database execution failed"
	logMsgCloseRowsFailed      = "failed to close database rows"
	logMsgScanRowFailed        = "failed to scan database row"
	logMsgRowsAffectedFailed   = "failed to get rows affected count"
	logMsgDecodeDetailsFailed  = "failed to decode loan display details"
	logMsgBorrowCompleted      = "borrow transaction completed"
	logMsgReturnCompleted      = "return transaction completed"
	logMsgSQLExecuted          = "executed sql for: "
	logMsgOperation            = "circulation operation: "
	logAttrError               = "error"
	logAttrQuery               = "query"
	logAttrBookID              = "book_id"
	logAttrMemberID            = "member_id"
	logAttrLoanID              = "loan_id"
	logAttrStatus              = "status"
	logAttrDurationMS          = "duration_ms"
	colBookID                  = "book_id"
	colTitle                   = "title"
	colAuthor                  = "author"
	colCopiesTotal             = "copies_total"
	colCopiesAvailable         = "copies_available"
	colMemberID                = "member_id"
	colMemberName              = "name"
	colActiveLoans             = "active_loans"
	colLoanID                  = "loan_id"
	colBorrowedAt              = "borrowed_at"
	colDueAt                   = "due_at"
	colReturnedAt              = "returned_at"
	colStatus                  = "status"
	dialectPostgres            = "postgres"
	detailsJSONExpr            = `json_build_object('book_title', b.title, 'book_author', b.author, 'member_name', m.name)`
)

type (
	sqlQueryString    = string
	rowsAffectedInt64 = int64
)

// LoanStore executes the atomic borrow and return transactions against
// PostgreSQL. It is the sole writer of the inventory, member and loan
// records; all other components only read.
//
// It leverages a database adapter and supports customizable logging,
// metrics, tracing and table name configuration.
type LoanStore struct {
	db               adapters.DBAdapter
	booksTableName   string
	membersTableName string
	loansTableName   string
	clock            func() time.Time
	logger           circulation.Logger
	contextualLogger circulation.ContextualLogger
	metricsCollector circulation.MetricsCollector
	tracingCollector circulation.TracingCollector
}

// loanQueryRow collects the scan targets for one loan row with its
// denormalized display document.
type loanQueryRow struct {
	loanID      int64
	bookID      string
	memberID    string
	borrowedAt  time.Time
	dueAt       time.Time
	returnedAt  sql.NullTime
	status      string
	detailsJSON []byte
}

// NewLoanStoreFromPGXPool creates a new LoanStore using a pgx Pool with optional configuration.
func NewLoanStoreFromPGXPool(db *pgxpool.Pool, options ...Option) (*LoanStore, error) {
	if db == nil {
		return nil, circulation.ErrNilDatabaseConnection
	}

	return newLoanStore(adapters.NewPGXAdapter(db), options...)
}

// NewLoanStoreFromPGXPoolWithReplica creates a new LoanStore using a primary pgx Pool
// and a replica pool. Only FindLoan is routed to the replica; transactional work,
// the re-read of a committed borrow or return, and the availability and member
// counter reads always run on the primary.
func NewLoanStoreFromPGXPoolWithReplica(db *pgxpool.Pool, replica *pgxpool.Pool, options ...Option) (*LoanStore, error) {
	if db == nil || replica == nil {
		return nil, circulation.ErrNilDatabaseConnection
	}

	return newLoanStore(adapters.NewPGXAdapterWithReplica(db, replica), options...)
}

// NewLoanStoreFromSQLDB creates a new LoanStore using a sql.DB with optional configuration.
func NewLoanStoreFromSQLDB(db *sql.DB, options ...Option) (*LoanStore, error) {
	if db == nil {
		return nil, circulation.ErrNilDatabaseConnection
	}

	return newLoanStore(adapters.NewSQLAdapter(db), options...)
}

// NewLoanStoreFromSQLX creates a new LoanStore using a sqlx.DB with optional configuration.
func NewLoanStoreFromSQLX(db *sqlx.DB, options ...Option) (*LoanStore, error) {
	if db == nil {
		return nil, circulation.ErrNilDatabaseConnection
	}

	return newLoanStore(adapters.NewSQLXAdapter(db), options...)
}

func newLoanStore(db adapters.DBAdapter, options ...Option) (*LoanStore, error) {
	ls := &LoanStore{
		db:               db,
		booksTableName:   defaultBooksTableName,
		membersTableName: defaultMembersTableName,
		loansTableName:   defaultLoansTableName,
		clock:            time.Now,
	}

	for _, option := range options {
		if err := option(ls); err != nil {
			return nil, err
		}
	}

	return ls, nil
}

// Borrow executes the atomic borrow transaction for the given member and book.
//
// Inside one storage transaction it locks the inventory row with a
// write-intent lock, decrements the available-copy counter, inserts the new
// loan record and increments the member's active-loan counter conditioned on
// the cap. Any step failing aborts the whole transaction; none of the steps
// persist. On success the fully populated loan record, including the
// denormalized display document, is re-read inside the transaction just
// before the commit.
func (ls *LoanStore) Borrow(ctx context.Context, memberID uuid.UUID, bookID uuid.UUID) (circulation.Loan, error) {
	start := ls.clock()
	ctx, span := ls.startOperationSpan(ctx, operationBorrow, map[string]string{
		spanAttrBookID:   bookID.String(),
		spanAttrMemberID: memberID.String(),
	})

	loan, err := ls.borrow(ctx, memberID, bookID)
	duration := time.Since(start)

	if err != nil {
		ls.finishOperationSpanError(span, err)
		ls.recordOperationMetrics(ctx, operationBorrow, duration, err)

		return circulation.Loan{}, err
	}

	ls.finishOperationSpanSuccess(span, loan.LoanID)
	ls.recordOperationMetrics(ctx, operationBorrow, duration, nil)
	ls.logOperation(ctx, logMsgBorrowCompleted,
		logAttrLoanID, loan.LoanID,
		logAttrBookID, bookID.String(),
		logAttrMemberID, memberID.String(),
		logAttrDurationMS, toMilliseconds(duration))

	return loan, nil
}

func (ls *LoanStore) borrow(ctx context.Context, memberID uuid.UUID, bookID uuid.UUID) (circulation.Loan, error) {
	tx, beginErr := ls.db.BeginTx(ctx)
	if beginErr != nil {
		ls.logError(ctx, logMsgBeginTxFailed, beginErr)
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, beginErr)
	}

	now := ls.clock().UTC()

	loanID, txErr := ls.borrowInTx(ctx, tx, memberID, bookID, now)
	if txErr != nil {
		ls.rollback(ctx, tx)
		return circulation.Loan{}, txErr
	}

	// the populated record is read inside the transaction; a lagging replica
	// must never serve the result of a committed borrow
	loan, readErr := ls.findLoanInTx(ctx, tx, loanID)
	if readErr != nil {
		ls.rollback(ctx, tx)
		return circulation.Loan{}, readErr
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		ls.logError(ctx, logMsgCommitFailed, commitErr)
		ls.rollback(ctx, tx)

		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, commitErr)
	}

	return loan, nil
}

// borrowInTx runs the four borrow steps inside the given transaction and
// returns the identity the storage assigned to the new loan record.
func (ls *LoanStore) borrowInTx(
	ctx context.Context,
	tx adapters.DBTx,
	memberID uuid.UUID,
	bookID uuid.UUID,
	now time.Time,
) (int64, error) {

	available, lockErr := ls.lockAvailableCopies(ctx, tx, bookID)
	if lockErr != nil {
		return 0, lockErr
	}

	if available <= 0 {
		return 0, circulation.ErrBookUnavailable
	}

	if err := ls.decrementAvailableCopies(ctx, tx, bookID); err != nil {
		return 0, err
	}

	loanID, insertErr := ls.insertLoan(ctx, tx, memberID, bookID, now)
	if insertErr != nil {
		return 0, insertErr
	}

	if err := ls.incrementMemberLoans(ctx, tx, memberID); err != nil {
		return 0, err
	}

	return loanID, nil
}

// lockAvailableCopies reads the inventory counter with a row-level
// write-intent lock so no concurrent borrower can observe a stale count.
func (ls *LoanStore) lockAvailableCopies(ctx context.Context, tx adapters.DBTx, bookID uuid.UUID) (int, error) {
	sqlQuery, buildErr := ls.buildLockAvailabilityQuery(bookID)
	if buildErr != nil {
		return 0, buildErr
	}

	rows, queryErr := tx.Query(ctx, sqlQuery)
	if queryErr != nil {
		ls.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return 0, errors.Join(circulation.ErrStorageFailure, queryErr)
	}
	defer ls.closeRows(ctx, rows)

	if !rows.Next() {
		return 0, circulation.ErrBookNotFound
	}

	var available int
	if scanErr := rows.Scan(&available); scanErr != nil {
		ls.logError(ctx, logMsgScanRowFailed, scanErr)
		return 0, errors.Join(circulation.ErrStorageFailure, scanErr)
	}

	return available, nil
}

// decrementAvailableCopies takes one copy off the shelf. The update is
// conditioned on copies_available > 0; zero affected rows means the book was
// depleted by a concurrent transaction despite the earlier locked read.
func (ls *LoanStore) decrementAvailableCopies(ctx context.Context, tx adapters.DBTx, bookID uuid.UUID) error {
	updateStmt := goqu.Dialect(dialectPostgres).
		Update(ls.booksTableName).
		Set(goqu.Record{colCopiesAvailable: goqu.L(colCopiesAvailable + " - 1")}).
		Where(
			goqu.Ex{colBookID: bookID.String()},
			goqu.C(colCopiesAvailable).Gt(0),
		)

	rowsAffected, execErr := ls.execStatement(ctx, tx, updateStmt.ToSQL)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return circulation.ErrBookUnavailable
	}

	return nil
}

// insertLoan creates the loan record with status InProgress and the due date
// derived from the borrow timestamp.
func (ls *LoanStore) insertLoan(
	ctx context.Context,
	tx adapters.DBTx,
	memberID uuid.UUID,
	bookID uuid.UUID,
	now time.Time,
) (int64, error) {

	insertStmt := goqu.Dialect(dialectPostgres).
		Insert(ls.loansTableName).
		Rows(goqu.Record{
			colBookID:     bookID.String(),
			colMemberID:   memberID.String(),
			colBorrowedAt: now,
			colDueAt:      now.Add(circulation.LoanPeriod),
			colStatus:     string(circulation.LoanStatusInProgress),
		}).
		Returning(colLoanID)

	sqlQuery, _, toSQLErr := insertStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(ctx, logMsgBuildQueryFailed, toSQLErr)
		return 0, errors.Join(circulation.ErrStorageFailure, toSQLErr)
	}

	rows, queryErr := tx.Query(ctx, sqlQuery)
	if queryErr != nil {
		ls.logError(ctx, logMsgDBExecFailed, queryErr, logAttrQuery, sqlQuery)
		return 0, errors.Join(circulation.ErrStorageFailure, queryErr)
	}
	defer ls.closeRows(ctx, rows)

	if !rows.Next() {
		return 0, errors.Join(circulation.ErrStorageFailure, errors.New("loan insert returned no identity"))
	}

	var loanID int64
	if scanErr := rows.Scan(&loanID); scanErr != nil {
		ls.logError(ctx, logMsgScanRowFailed, scanErr)
		return 0, errors.Join(circulation.ErrStorageFailure, scanErr)
	}

	return loanID, nil
}

// incrementMemberLoans raises the member's active-loan counter, conditioned
// on the cap. Zero affected rows means either the member does not exist or
// is already at the cap; a follow-up existence read distinguishes the two.
func (ls *LoanStore) incrementMemberLoans(ctx context.Context, tx adapters.DBTx, memberID uuid.UUID) error {
	updateStmt := goqu.Dialect(dialectPostgres).
		Update(ls.membersTableName).
		Set(goqu.Record{colActiveLoans: goqu.L(colActiveLoans + " + 1")}).
		Where(
			goqu.Ex{colMemberID: memberID.String()},
			goqu.C(colActiveLoans).Lt(circulation.MaxActiveLoans),
		)

	rowsAffected, execErr := ls.execStatement(ctx, tx, updateStmt.ToSQL)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		exists, existsErr := ls.memberExistsInTx(ctx, tx, memberID)
		if existsErr != nil {
			return existsErr
		}

		if !exists {
			return circulation.ErrMemberNotFound
		}

		return circulation.ErrQuotaExceeded
	}

	return nil
}

// Return executes the atomic return transaction for the given loan.
//
// Inside one storage transaction it locks the loan row, verifies the loan is
// still in progress, closes it with the on-time/late classification, puts
// the copy back on the shelf and lowers the member's active-loan counter.
// Any step failing rolls the whole transaction back.
func (ls *LoanStore) Return(ctx context.Context, loanID int64) (circulation.Loan, error) {
	start := ls.clock()
	ctx, span := ls.startOperationSpan(ctx, operationReturn, map[string]string{
		spanAttrLoanID: fmt.Sprintf("%d", loanID),
	})

	loan, err := ls.returnLoan(ctx, loanID)
	duration := time.Since(start)

	if err != nil {
		ls.finishOperationSpanError(span, err)
		ls.recordOperationMetrics(ctx, operationReturn, duration, err)

		return circulation.Loan{}, err
	}

	ls.finishOperationSpanSuccess(span, loan.LoanID)
	ls.recordOperationMetrics(ctx, operationReturn, duration, nil)
	ls.logOperation(ctx, logMsgReturnCompleted,
		logAttrLoanID, loan.LoanID,
		logAttrStatus, string(loan.Status),
		logAttrDurationMS, toMilliseconds(duration))

	return loan, nil
}

func (ls *LoanStore) returnLoan(ctx context.Context, loanID int64) (circulation.Loan, error) {
	tx, beginErr := ls.db.BeginTx(ctx)
	if beginErr != nil {
		ls.logError(ctx, logMsgBeginTxFailed, beginErr)
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, beginErr)
	}

	txErr := ls.returnInTx(ctx, tx, loanID)
	if txErr != nil {
		ls.rollback(ctx, tx)
		return circulation.Loan{}, txErr
	}

	loan, readErr := ls.findLoanInTx(ctx, tx, loanID)
	if readErr != nil {
		ls.rollback(ctx, tx)
		return circulation.Loan{}, readErr
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		ls.logError(ctx, logMsgCommitFailed, commitErr)
		ls.rollback(ctx, tx)

		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, commitErr)
	}

	return loan, nil
}

// returnInTx runs the four return steps inside the given transaction.
func (ls *LoanStore) returnInTx(ctx context.Context, tx adapters.DBTx, loanID int64) error {
	loan, readErr := ls.lockLoan(ctx, tx, loanID)
	if readErr != nil {
		return readErr
	}

	if loan.Status != circulation.LoanStatusInProgress {
		return circulation.ErrLoanNotInProgress
	}

	returnedAt := ls.clock().UTC()
	closeStatus := circulation.CloseStatusAt(loan.DueAt, returnedAt)

	if err := ls.closeLoan(ctx, tx, loanID, returnedAt, closeStatus); err != nil {
		return err
	}

	if err := ls.incrementAvailableCopies(ctx, tx, loan.BookID); err != nil {
		return err
	}

	return ls.decrementMemberLoans(ctx, tx, loan.MemberID)
}

// lockLoan reads the loan row with a write-intent lock so a concurrent
// second return cannot pass the in-progress check.
func (ls *LoanStore) lockLoan(ctx context.Context, tx adapters.DBTx, loanID int64) (circulation.Loan, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(ls.loansTableName).
		Select(colBookID, colMemberID, colDueAt, colStatus).
		Where(goqu.Ex{colLoanID: loanID}).
		ForUpdate(exp.Wait)

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(ctx, logMsgBuildQueryFailed, toSQLErr)
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, toSQLErr)
	}

	rows, queryErr := tx.Query(ctx, sqlQuery)
	if queryErr != nil {
		ls.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, queryErr)
	}
	defer ls.closeRows(ctx, rows)

	if !rows.Next() {
		return circulation.Loan{}, circulation.ErrLoanNotFound
	}

	var bookID, memberID, status string
	var dueAt time.Time

	if scanErr := rows.Scan(&bookID, &memberID, &dueAt, &status); scanErr != nil {
		ls.logError(ctx, logMsgScanRowFailed, scanErr)
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, scanErr)
	}

	parsedBookID, bookIDErr := uuid.Parse(bookID)
	if bookIDErr != nil {
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, bookIDErr)
	}

	parsedMemberID, memberIDErr := uuid.Parse(memberID)
	if memberIDErr != nil {
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, memberIDErr)
	}

	return circulation.Loan{
		LoanID:   loanID,
		BookID:   parsedBookID,
		MemberID: parsedMemberID,
		DueAt:    dueAt,
		Status:   circulation.LoanStatus(status),
	}, nil
}

// closeLoan sets the return timestamp and the terminal status exactly once.
func (ls *LoanStore) closeLoan(
	ctx context.Context,
	tx adapters.DBTx,
	loanID int64,
	returnedAt time.Time,
	status circulation.LoanStatus,
) error {

	updateStmt := goqu.Dialect(dialectPostgres).
		Update(ls.loansTableName).
		Set(goqu.Record{
			colReturnedAt: returnedAt,
			colStatus:     string(status),
		}).
		Where(
			goqu.Ex{colLoanID: loanID},
			goqu.Ex{colStatus: string(circulation.LoanStatusInProgress)},
		)

	rowsAffected, execErr := ls.execStatement(ctx, tx, updateStmt.ToSQL)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return circulation.ErrLoanNotInProgress
	}

	return nil
}

// incrementAvailableCopies puts the copy back on the shelf, capped by the
// total so a double increment can never break the counter invariant.
func (ls *LoanStore) incrementAvailableCopies(ctx context.Context, tx adapters.DBTx, bookID uuid.UUID) error {
	updateStmt := goqu.Dialect(dialectPostgres).
		Update(ls.booksTableName).
		Set(goqu.Record{colCopiesAvailable: goqu.L(colCopiesAvailable + " + 1")}).
		Where(
			goqu.Ex{colBookID: bookID.String()},
			goqu.L(colCopiesAvailable+" < "+colCopiesTotal),
		)

	rowsAffected, execErr := ls.execStatement(ctx, tx, updateStmt.ToSQL)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return errors.Join(circulation.ErrStorageFailure, errors.New("inventory counter update affected no rows"))
	}

	return nil
}

// decrementMemberLoans lowers the member's active-loan counter with a
// defensive floor at zero.
func (ls *LoanStore) decrementMemberLoans(ctx context.Context, tx adapters.DBTx, memberID uuid.UUID) error {
	updateStmt := goqu.Dialect(dialectPostgres).
		Update(ls.membersTableName).
		Set(goqu.Record{colActiveLoans: goqu.L(colActiveLoans + " - 1")}).
		Where(
			goqu.Ex{colMemberID: memberID.String()},
			goqu.C(colActiveLoans).Gt(0),
		)

	rowsAffected, execErr := ls.execStatement(ctx, tx, updateStmt.ToSQL)
	if execErr != nil {
		return execErr
	}

	if rowsAffected == 0 {
		return errors.Join(circulation.ErrStorageFailure, errors.New("member counter update affected no rows"))
	}

	return nil
}

// Availability reads the current inventory counters for the given book.
// The read runs outside any transaction but is pinned to the primary:
// wake-up decisions depend on it observing every committed return.
func (ls *LoanStore) Availability(ctx context.Context, bookID uuid.UUID) (circulation.Inventory, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(ls.booksTableName).
		Select(colCopiesAvailable, colCopiesTotal).
		Where(goqu.Ex{colBookID: bookID.String()})

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(ctx, logMsgBuildQueryFailed, toSQLErr)
		return circulation.Inventory{}, errors.Join(circulation.ErrStorageFailure, toSQLErr)
	}

	rows, queryErr := ls.queryPrimaryWithTiming(ctx, sqlQuery)
	if queryErr != nil {
		return circulation.Inventory{}, queryErr
	}
	defer ls.closeRows(ctx, rows)

	if !rows.Next() {
		return circulation.Inventory{}, circulation.ErrBookNotFound
	}

	inventory := circulation.Inventory{BookID: bookID}
	if scanErr := rows.Scan(&inventory.CopiesAvailable, &inventory.CopiesTotal); scanErr != nil {
		ls.logError(ctx, logMsgScanRowFailed, scanErr)
		return circulation.Inventory{}, errors.Join(circulation.ErrStorageFailure, scanErr)
	}

	return inventory, nil
}

// MemberLoanCount reads the member's current active-loan counter, pinned to
// the primary like Availability.
func (ls *LoanStore) MemberLoanCount(ctx context.Context, memberID uuid.UUID) (int, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(ls.membersTableName).
		Select(colActiveLoans).
		Where(goqu.Ex{colMemberID: memberID.String()})

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(ctx, logMsgBuildQueryFailed, toSQLErr)
		return 0, errors.Join(circulation.ErrStorageFailure, toSQLErr)
	}

	rows, queryErr := ls.queryPrimaryWithTiming(ctx, sqlQuery)
	if queryErr != nil {
		return 0, queryErr
	}
	defer ls.closeRows(ctx, rows)

	if !rows.Next() {
		return 0, circulation.ErrMemberNotFound
	}

	var activeLoans int
	if scanErr := rows.Scan(&activeLoans); scanErr != nil {
		ls.logError(ctx, logMsgScanRowFailed, scanErr)
		return 0, errors.Join(circulation.ErrStorageFailure, scanErr)
	}

	return activeLoans, nil
}

// FindLoan reads one loan record fully populated with its denormalized
// display document (book title, author, member name). This read may be
// served by a replica.
func (ls *LoanStore) FindLoan(ctx context.Context, loanID int64) (circulation.Loan, error) {
	sqlQuery, buildErr := ls.buildFindLoanQuery(loanID)
	if buildErr != nil {
		return circulation.Loan{}, buildErr
	}

	rows, queryErr := ls.queryWithTiming(ctx, sqlQuery)
	if queryErr != nil {
		return circulation.Loan{}, queryErr
	}
	defer ls.closeRows(ctx, rows)

	return ls.scanLoanRow(ctx, rows)
}

// findLoanInTx reads the populated loan record through the open transaction,
// so it sees the rows this transaction wrote before they are visible
// anywhere else.
func (ls *LoanStore) findLoanInTx(ctx context.Context, tx adapters.DBTx, loanID int64) (circulation.Loan, error) {
	sqlQuery, buildErr := ls.buildFindLoanQuery(loanID)
	if buildErr != nil {
		return circulation.Loan{}, buildErr
	}

	rows, queryErr := tx.Query(ctx, sqlQuery)
	if queryErr != nil {
		ls.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, queryErr)
	}
	defer ls.closeRows(ctx, rows)

	return ls.scanLoanRow(ctx, rows)
}

func (ls *LoanStore) scanLoanRow(ctx context.Context, rows adapters.DBRows) (circulation.Loan, error) {
	if !rows.Next() {
		return circulation.Loan{}, circulation.ErrLoanNotFound
	}

	result := loanQueryRow{}
	scanErr := rows.Scan(
		&result.loanID,
		&result.bookID,
		&result.memberID,
		&result.borrowedAt,
		&result.dueAt,
		&result.returnedAt,
		&result.status,
		&result.detailsJSON,
	)
	if scanErr != nil {
		ls.logError(ctx, logMsgScanRowFailed, scanErr)
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, scanErr)
	}

	return ls.buildLoanFromRow(ctx, result)
}

func (ls *LoanStore) buildLoanFromRow(ctx context.Context, row loanQueryRow) (circulation.Loan, error) {
	bookID, bookIDErr := uuid.Parse(row.bookID)
	if bookIDErr != nil {
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, bookIDErr)
	}

	memberID, memberIDErr := uuid.Parse(row.memberID)
	if memberIDErr != nil {
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, memberIDErr)
	}

	loan := circulation.Loan{
		LoanID:     row.loanID,
		BookID:     bookID,
		MemberID:   memberID,
		BorrowedAt: row.borrowedAt,
		DueAt:      row.dueAt,
		Status:     circulation.LoanStatus(row.status),
	}

	if row.returnedAt.Valid {
		returnedAt := row.returnedAt.Time
		loan.ReturnedAt = &returnedAt
	}

	if decodeErr := jsoniter.ConfigFastest.Unmarshal(row.detailsJSON, &loan.Details); decodeErr != nil {
		ls.logError(ctx, logMsgDecodeDetailsFailed, decodeErr, logAttrLoanID, row.loanID)
		return circulation.Loan{}, errors.Join(circulation.ErrStorageFailure, decodeErr)
	}

	return loan, nil
}

func (ls *LoanStore) buildLockAvailabilityQuery(bookID uuid.UUID) (sqlQueryString, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(ls.booksTableName).
		Select(colCopiesAvailable).
		Where(goqu.Ex{colBookID: bookID.String()}).
		ForUpdate(exp.Wait)

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(circulation.ErrStorageFailure, toSQLErr)
	}

	return sqlQuery, nil
}

func (ls *LoanStore) buildFindLoanQuery(loanID int64) (sqlQueryString, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(goqu.T(ls.loansTableName).As("l")).
		Join(
			goqu.T(ls.booksTableName).As("b"),
			goqu.On(goqu.Ex{"l." + colBookID: goqu.I("b." + colBookID)}),
		).
		Join(
			goqu.T(ls.membersTableName).As("m"),
			goqu.On(goqu.Ex{"l." + colMemberID: goqu.I("m." + colMemberID)}),
		).
		Select(
			goqu.I("l."+colLoanID),
			goqu.I("l."+colBookID),
			goqu.I("l."+colMemberID),
			goqu.I("l."+colBorrowedAt),
			goqu.I("l."+colDueAt),
			goqu.I("l."+colReturnedAt),
			goqu.I("l."+colStatus),
			goqu.L(detailsJSONExpr),
		).
		Where(goqu.Ex{"l." + colLoanID: loanID})

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(circulation.ErrStorageFailure, toSQLErr)
	}

	return sqlQuery, nil
}

// memberExistsInTx distinguishes "member missing" from "member at cap" after
// a conditional update affected zero rows.
func (ls *LoanStore) memberExistsInTx(ctx context.Context, tx adapters.DBTx, memberID uuid.UUID) (bool, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(ls.membersTableName).
		Select(goqu.L("1")).
		Where(goqu.Ex{colMemberID: memberID.String()})

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		ls.logError(ctx, logMsgBuildQueryFailed, toSQLErr)
		return false, errors.Join(circulation.ErrStorageFailure, toSQLErr)
	}

	rows, queryErr := tx.Query(ctx, sqlQuery)
	if queryErr != nil {
		ls.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return false, errors.Join(circulation.ErrStorageFailure, queryErr)
	}
	defer ls.closeRows(ctx, rows)

	return rows.Next(), nil
}

// execStatement converts a goqu statement to SQL, executes it inside the
// transaction and returns the affected-row count.
func (ls *LoanStore) execStatement(
	ctx context.Context,
	tx adapters.DBTx,
	toSQL func() (string, []any, error),
) (rowsAffectedInt64, error) {

	sqlQuery, _, toSQLErr := toSQL()
	if toSQLErr != nil {
		ls.logError(ctx, logMsgBuildQueryFailed, toSQLErr)
		return 0, errors.Join(circulation.ErrStorageFailure, toSQLErr)
	}

	start := time.Now()
	result, execErr := tx.Exec(ctx, sqlQuery)
	ls.logQueryWithDuration(ctx, sqlQuery, time.Since(start))

	if execErr != nil {
		ls.logError(ctx, logMsgDBExecFailed, execErr, logAttrQuery, sqlQuery)
		return 0, errors.Join(circulation.ErrStorageFailure, execErr)
	}

	rowsAffected, rowsAffectedErr := result.RowsAffected()
	if rowsAffectedErr != nil {
		ls.logError(ctx, logMsgRowsAffectedFailed, rowsAffectedErr)
		return 0, errors.Join(circulation.ErrStorageFailure, rowsAffectedErr)
	}

	return rowsAffected, nil
}

// queryWithTiming executes a read outside any transaction with debug timing.
func (ls *LoanStore) queryWithTiming(ctx context.Context, sqlQuery string) (adapters.DBRows, error) {
	start := time.Now()
	rows, queryErr := ls.db.Query(ctx, sqlQuery)
	ls.logQueryWithDuration(ctx, sqlQuery, time.Since(start))

	if queryErr != nil {
		ls.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return nil, errors.Join(circulation.ErrStorageFailure, queryErr)
	}

	return rows, nil
}

// queryPrimaryWithTiming executes a read outside any transaction, always on
// the primary connection.
func (ls *LoanStore) queryPrimaryWithTiming(ctx context.Context, sqlQuery string) (adapters.DBRows, error) {
	start := time.Now()
	rows, queryErr := ls.db.QueryPrimary(ctx, sqlQuery)
	ls.logQueryWithDuration(ctx, sqlQuery, time.Since(start))

	if queryErr != nil {
		ls.logError(ctx, logMsgDBQueryFailed, queryErr, logAttrQuery, sqlQuery)
		return nil, errors.Join(circulation.ErrStorageFailure, queryErr)
	}

	return rows, nil
}

// rollback rolls the transaction back; rollback failures are logged but not
// surfaced since the original error is the one the caller needs.
func (ls *LoanStore) rollback(ctx context.Context, tx adapters.DBTx) {
	if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
		if ls.logger != nil {
			ls.logger.Warn(logMsgRollbackFailed, logAttrError, rollbackErr.Error())
		}
	}
}

// closeRows safely closes database rows and logs any errors.
func (ls *LoanStore) closeRows(ctx context.Context, rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		if ls.logger != nil {
			ls.logger.Warn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
		}
		if ls.contextualLogger != nil {
			ls.contextualLogger.WarnContext(ctx, logMsgCloseRowsFailed, logAttrError, closeErr.Error())
		}
	}
}
