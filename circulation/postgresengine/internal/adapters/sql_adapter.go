package adapters

import (
	"context"
	"database/sql"
)

// SQLAdapter implements DBAdapter for sql.DB.
type SQLAdapter struct {
	db *sql.DB
}

// NewSQLAdapter creates a new SQL adapter.
func NewSQLAdapter(db *sql.DB) *SQLAdapter {
	return &SQLAdapter{db: db}
}

// Query executes a query outside any transaction.
func (s *SQLAdapter) Query(ctx context.Context, query string) (DBRows, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

// QueryPrimary is identical to Query; this adapter has no replica connection.
func (s *SQLAdapter) QueryPrimary(ctx context.Context, query string) (DBRows, error) {
	return s.Query(ctx, query)
}

// BeginTx starts a transaction with default isolation options.
func (s *SQLAdapter) BeginTx(ctx context.Context) (DBTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &stdTx{tx: tx}, nil
}

// stdTx wraps sql.Tx to implement the DBTx interface.
// database/sql commits and rollbacks carry no context; the context used to
// begin the transaction governs its lifetime.
type stdTx struct {
	tx *sql.Tx
}

// Query executes a query inside the transaction.
func (s *stdTx) Query(ctx context.Context, query string) (DBRows, error) {
	rows, err := s.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

// Exec executes a statement inside the transaction.
func (s *stdTx) Exec(ctx context.Context, query string) (DBResult, error) {
	result, err := s.tx.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdResult{result: result}, nil
}

// Commit commits the transaction.
func (s *stdTx) Commit(_ context.Context) error {
	return s.tx.Commit()
}

// Rollback rolls the transaction back.
func (s *stdTx) Rollback(_ context.Context) error {
	return s.tx.Rollback()
}

// stdRows wraps standard library sql.Rows to implement the DBRows interface.
type stdRows struct {
	rows *sql.Rows
}

// Next advances to the next row.
func (s *stdRows) Next() bool {
	return s.rows.Next()
}

// Scan copies row values into provided destinations.
func (s *stdRows) Scan(dest ...any) error {
	return s.rows.Scan(dest...)
}

// Close closes the rows iterator.
func (s *stdRows) Close() error {
	return s.rows.Close()
}

// stdResult wraps standard library sql.Result to implement the DBResult interface.
type stdResult struct {
	result sql.Result
}

// RowsAffected returns the number of rows affected by the command.
func (s *stdResult) RowsAffected() (int64, error) {
	return s.result.RowsAffected()
}
