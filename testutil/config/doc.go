// Package config provides database configuration helpers for PostgreSQL
// connections used by the circulation engine's integration tests and demos.
//
// This package contains factory functions for creating database connections
// using the supported PostgreSQL drivers (pgx.Pool, sql.DB, sqlx.DB) with a
// pre-configured test database DSN.
package config
