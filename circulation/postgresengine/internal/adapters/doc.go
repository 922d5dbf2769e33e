// Package adapters provides database adapter implementations for the
// PostgreSQL loan transaction manager.
//
// This package implements the adapter pattern to support multiple PostgreSQL
// database libraries: pgxpool.Pool, sql.DB, and sqlx.DB. All adapters provide
// equivalent functionality through a common DBAdapter interface, allowing the
// engine to work seamlessly with any supported connection type.
//
// Beyond plain query execution the adapters expose the transaction primitive
// (begin/commit/rollback) the borrow and return transactions are built on.
package adapters
