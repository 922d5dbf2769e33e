// Package helper provides test arrangement helpers for the circulation
// engine's integration tests: schema setup, fixture rows and counter reads.
package helper

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS books (
	book_id          uuid PRIMARY KEY,
	title            text NOT NULL,
	author           text NOT NULL,
	copies_total     integer NOT NULL CHECK (copies_total >= 0),
	copies_available integer NOT NULL CHECK (copies_available >= 0 AND copies_available <= copies_total)
);

CREATE TABLE IF NOT EXISTS members (
	member_id    uuid PRIMARY KEY,
	name         text NOT NULL,
	active_loans integer NOT NULL DEFAULT 0 CHECK (active_loans >= 0 AND active_loans <= 5)
);

CREATE TABLE IF NOT EXISTS loans (
	loan_id     bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	book_id     uuid NOT NULL REFERENCES books (book_id),
	member_id   uuid NOT NULL REFERENCES members (member_id),
	borrowed_at timestamp with time zone NOT NULL,
	due_at      timestamp with time zone NOT NULL,
	returned_at timestamp with time zone,
	status      text NOT NULL
);
`

// EnsureSchema creates the circulation tables if they do not exist yet.
func EnsureSchema(t testing.TB, ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, schemaDDL)
	require.NoError(t, err, "error creating circulation schema in test setup")
}

// CleanUpCirculation removes all loans, members and books between tests.
func CleanUpCirculation(t testing.TB, ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, `TRUNCATE loans, members, books`)
	assert.NoError(t, err, "error cleaning up circulation tables")
}

// GivenUniqueID returns a fresh UUIDv7 for use as a book or member identity.
func GivenUniqueID(t testing.TB) uuid.UUID {
	id, err := uuid.NewV7()
	assert.NoError(t, err, "error in arranging test data")

	return id
}

// GivenBookInCirculation inserts a book row with the given copy counters.
func GivenBookInCirculation(
	t testing.TB,
	ctx context.Context,
	pool *pgxpool.Pool,
	bookID uuid.UUID,
	copiesTotal int,
	copiesAvailable int,
) {
	_, err := pool.Exec(ctx,
		`INSERT INTO books (book_id, title, author, copies_total, copies_available) VALUES ($1, $2, $3, $4, $5)`,
		bookID, "The Mythical Man-Month", "Frederick P. Brooks Jr.", copiesTotal, copiesAvailable)
	assert.NoError(t, err, "error in arranging test data")
}

// GivenRegisteredMember inserts a member row with the given active-loan count.
func GivenRegisteredMember(
	t testing.TB,
	ctx context.Context,
	pool *pgxpool.Pool,
	memberID uuid.UUID,
	activeLoans int,
) {
	_, err := pool.Exec(ctx,
		`INSERT INTO members (member_id, name, active_loans) VALUES ($1, $2, $3)`,
		memberID, "Ada Lovelace", activeLoans)
	assert.NoError(t, err, "error in arranging test data")
}

// ReadInventoryCounters reads the current copy counters of a book.
func ReadInventoryCounters(t testing.TB, ctx context.Context, pool *pgxpool.Pool, bookID uuid.UUID) (available int, total int) {
	err := pool.QueryRow(ctx,
		`SELECT copies_available, copies_total FROM books WHERE book_id = $1`, bookID).
		Scan(&available, &total)
	assert.NoError(t, err, "error reading inventory counters")

	return available, total
}

// ReadActiveLoans reads the current active-loan counter of a member.
func ReadActiveLoans(t testing.TB, ctx context.Context, pool *pgxpool.Pool, memberID uuid.UUID) int {
	var activeLoans int
	err := pool.QueryRow(ctx,
		`SELECT active_loans FROM members WHERE member_id = $1`, memberID).
		Scan(&activeLoans)
	assert.NoError(t, err, "error reading member counters")

	return activeLoans
}
