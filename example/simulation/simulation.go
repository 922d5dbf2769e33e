package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openshelf/circulation-engine-go/circulation"
	"github.com/openshelf/circulation-engine-go/circulation/lending"
)

const seedSchemaDDL = `
CREATE TABLE IF NOT EXISTS books (
	book_id uuid PRIMARY KEY,
	title text NOT NULL,
	author text NOT NULL,
	copies_total integer NOT NULL CHECK (copies_total >= 0),
	copies_available integer NOT NULL CHECK (copies_available >= 0 AND copies_available <= copies_total)
);
CREATE TABLE IF NOT EXISTS members (
	member_id uuid PRIMARY KEY,
	name text NOT NULL,
	active_loans integer NOT NULL DEFAULT 0 CHECK (active_loans >= 0 AND active_loans <= 5)
);
CREATE TABLE IF NOT EXISTS loans (
	loan_id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	book_id uuid NOT NULL REFERENCES books (book_id),
	member_id uuid NOT NULL REFERENCES members (member_id),
	borrowed_at timestamptz NOT NULL,
	due_at timestamptz NOT NULL,
	returned_at timestamptz,
	status text NOT NULL
);`

// Simulation drives a random mix of borrow, return and availability
// operations through the lending service from a pool of worker goroutines.
type Simulation struct {
	service *lending.Service
	cfg     Config

	bookIDs   []uuid.UUID
	memberIDs []uuid.UUID

	mu          sync.Mutex
	openLoanIDs []int64
}

func NewSimulation(service *lending.Service, cfg Config) *Simulation {
	return &Simulation{
		service: service,
		cfg:     cfg,
	}
}

// Seed creates the schema and a fresh population of books and members.
func (s *Simulation) Seed(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, seedSchemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if _, err := pool.Exec(ctx, `TRUNCATE loans, members, books`); err != nil {
		return fmt.Errorf("failed to clean tables: %w", err)
	}

	for i := 0; i < s.cfg.Books; i++ {
		bookID, err := uuid.NewV7()
		if err != nil {
			return err
		}

		_, err = pool.Exec(ctx,
			`INSERT INTO books (book_id, title, author, copies_total, copies_available) VALUES ($1, $2, $3, $4, $4)`,
			bookID, fmt.Sprintf("Book #%d", i+1), fmt.Sprintf("Author #%d", i%7+1), s.cfg.CopiesPerBook)
		if err != nil {
			return fmt.Errorf("failed to seed book: %w", err)
		}

		s.bookIDs = append(s.bookIDs, bookID)
	}

	for i := 0; i < s.cfg.Members; i++ {
		memberID, err := uuid.NewV7()
		if err != nil {
			return err
		}

		_, err = pool.Exec(ctx,
			`INSERT INTO members (member_id, name, active_loans) VALUES ($1, $2, 0)`,
			memberID, fmt.Sprintf("Member #%d", i+1))
		if err != nil {
			return fmt.Errorf("failed to seed member: %w", err)
		}

		s.memberIDs = append(s.memberIDs, memberID)
	}

	return nil
}

// Run starts the worker pool and blocks until the duration elapses or the
// context is cancelled.
func (s *Simulation) Run(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)

		go func(workerID int) {
			defer wg.Done()
			s.worker(runCtx, workerID)
		}(i)
	}

	reportTicker := time.NewTicker(5 * time.Second)
	defer reportTicker.Stop()

	for {
		select {
		case <-runCtx.Done():
			wg.Wait()
			s.logDiagnostics("final")

			return nil

		case <-reportTicker.C:
			s.logDiagnostics("interim")
		}
	}
}

// worker loops over a weighted operation mix until the context ends.
func (s *Simulation) worker(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		switch roll := rand.IntN(10); {
		case roll < 4:
			s.doBorrow(ctx, workerID)
		case roll < 6:
			s.doBorrowWithWait(ctx, workerID)
		case roll < 9:
			s.doReturn(ctx, workerID)
		default:
			s.doAvailabilityCheck(ctx)
		}

		// a short pause keeps the mix from degenerating into a busy loop
		select {
		case <-time.After(time.Duration(rand.IntN(50)) * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Simulation) doBorrow(ctx context.Context, workerID int) {
	loan, err := s.service.Borrow(ctx, s.randomMember(), s.randomBook())
	if err != nil {
		s.logExpectedFailure("borrow", workerID, err)
		return
	}

	s.trackLoan(loan.LoanID)
}

func (s *Simulation) doBorrowWithWait(ctx context.Context, workerID int) {
	loan, err := s.service.BorrowWithWait(ctx, s.randomMember(), s.randomBook(), s.cfg.WaitTimeout)
	if err != nil {
		s.logExpectedFailure("borrow-with-wait", workerID, err)
		return
	}

	s.trackLoan(loan.LoanID)
}

func (s *Simulation) doReturn(ctx context.Context, workerID int) {
	loanID, ok := s.takeLoan()
	if !ok {
		return
	}

	if _, err := s.service.Return(ctx, loanID); err != nil {
		s.logExpectedFailure("return", workerID, err)
	}
}

func (s *Simulation) doAvailabilityCheck(ctx context.Context) {
	_, _ = s.service.IsAvailable(ctx, s.randomBook())
}

func (s *Simulation) randomBook() uuid.UUID {
	return s.bookIDs[rand.IntN(len(s.bookIDs))]
}

func (s *Simulation) randomMember() uuid.UUID {
	return s.memberIDs[rand.IntN(len(s.memberIDs))]
}

func (s *Simulation) trackLoan(loanID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.openLoanIDs = append(s.openLoanIDs, loanID)
}

// takeLoan pops a random open loan for returning.
func (s *Simulation) takeLoan() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.openLoanIDs) == 0 {
		return 0, false
	}

	idx := rand.IntN(len(s.openLoanIDs))
	loanID := s.openLoanIDs[idx]
	s.openLoanIDs = append(s.openLoanIDs[:idx], s.openLoanIDs[idx+1:]...)

	return loanID, true
}

// logExpectedFailure logs contended outcomes at debug verbosity only; they
// are part of normal operation under load.
func (s *Simulation) logExpectedFailure(operation string, workerID int, err error) {
	expected := errors.Is(err, circulation.ErrBookUnavailable) ||
		errors.Is(err, circulation.ErrQuotaExceeded) ||
		errors.Is(err, circulation.ErrCancelled)

	if expected && !s.cfg.Verbose {
		return
	}

	log.Printf("worker %d: %s failed: %v", workerID, operation, err)
}

func (s *Simulation) logDiagnostics(stage string) {
	diag := s.service.Diagnostics()

	log.Printf("📊 %s: borrow %d/%d ok, return %d/%d ok, search %d/%d ok, permits %d/%d, waiters %d",
		stage,
		diag.Borrow.Succeeded, diag.Borrow.Attempted,
		diag.Return.Succeeded, diag.Return.Attempted,
		diag.Search.Succeeded, diag.Search.Attempted,
		diag.AvailablePermits, diag.AdmissionLimit,
		diag.PendingWaiters)
}
