package adapters

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// SQLXAdapter implements DBAdapter for sqlx.DB.
type SQLXAdapter struct {
	db *sqlx.DB
}

// NewSQLXAdapter creates a new SQLX adapter.
func NewSQLXAdapter(db *sqlx.DB) *SQLXAdapter {
	return &SQLXAdapter{db: db}
}

// Query executes a query outside any transaction.
func (s *SQLXAdapter) Query(ctx context.Context, query string) (DBRows, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

// QueryPrimary is identical to Query; this adapter has no replica connection.
func (s *SQLXAdapter) QueryPrimary(ctx context.Context, query string) (DBRows, error) {
	return s.Query(ctx, query)
}

// BeginTx starts a transaction with default isolation options.
func (s *SQLXAdapter) BeginTx(ctx context.Context) (DBTx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &sqlxTx{tx: tx}, nil
}

// sqlxTx wraps sqlx.Tx to implement the DBTx interface.
type sqlxTx struct {
	tx *sqlx.Tx
}

// Query executes a query inside the transaction.
func (s *sqlxTx) Query(ctx context.Context, query string) (DBRows, error) {
	rows, err := s.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdRows{rows: rows}, nil
}

// Exec executes a statement inside the transaction.
func (s *sqlxTx) Exec(ctx context.Context, query string) (DBResult, error) {
	result, err := s.tx.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdResult{result: result}, nil
}

// Commit commits the transaction.
func (s *sqlxTx) Commit(_ context.Context) error {
	return s.tx.Commit()
}

// Rollback rolls the transaction back.
func (s *sqlxTx) Rollback(_ context.Context) error {
	return s.tx.Rollback()
}
