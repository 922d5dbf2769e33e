package adapters

import "context"

// DBAdapter defines the interface for database operations needed by the loan
// transaction manager.
//
// Query executes read-only statements outside any transaction; adapters with
// a replica configured may route it there. QueryPrimary is the pinned
// variant for reads that must observe the latest committed writes. BeginTx
// always starts the transaction on the primary connection.
type DBAdapter interface {
	Query(ctx context.Context, query string) (DBRows, error)
	QueryPrimary(ctx context.Context, query string) (DBRows, error)
	BeginTx(ctx context.Context) (DBTx, error)
}

// DBTx defines the interface for a started transaction.
type DBTx interface {
	Query(ctx context.Context, query string) (DBRows, error)
	Exec(ctx context.Context, query string) (DBResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DBRows defines the interface for query result rows.
type DBRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
}

// DBResult defines the interface for execution results.
type DBResult interface {
	RowsAffected() (int64, error)
}
