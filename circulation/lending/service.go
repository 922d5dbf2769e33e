package lending

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/openshelf/circulation-engine-go/circulation"
	"github.com/openshelf/circulation-engine-go/circulation/admission"
	"github.com/openshelf/circulation-engine-go/circulation/coordinator"
)

// Service is the caller-facing surface of the circulation engine. No
// operation is retried internally: a failed borrow or return is reported to
// the caller, who may resubmit.
type Service struct {
	gate   *admission.Controller
	coord  *coordinator.Coordinator
	logger circulation.Logger
}

// Diagnostics is a point-in-time view of the engine's concurrency state.
type Diagnostics struct {
	AvailablePermits int64
	AdmissionLimit   int64
	LockHeld         bool
	PendingWaiters   int
	Borrow           admission.Snapshot
	Return           admission.Snapshot
	Search           admission.Snapshot
}

// Option defines a functional option for configuring Service.
type Option func(*Service) error

// WithAdmissionLimit sets the number of admission permits; zero or less
// falls back to admission.DefaultLimit.
func WithAdmissionLimit(limit int64) Option {
	return func(s *Service) error {
		s.gate = admission.New(limit)
		return nil
	}
}

// WithLogger sets the logger for the Service and its coordinator.
func WithLogger(logger circulation.Logger) Option {
	return func(s *Service) error {
		s.logger = logger
		return nil
	}
}

// NewService creates a Service on top of the given transaction manager.
func NewService(tm coordinator.TransactionManager, options ...Option) (*Service, error) {
	s := &Service{
		gate: admission.New(admission.DefaultLimit),
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	var coordOptions []coordinator.Option
	if s.logger != nil {
		coordOptions = append(coordOptions, coordinator.WithLogger(s.logger))
	}

	coord, err := coordinator.New(tm, coordOptions...)
	if err != nil {
		return nil, err
	}

	s.coord = coord

	return s, nil
}

// Borrow moves one copy of the book from the shelf to the member, failing
// immediately when no copy is available.
func (s *Service) Borrow(ctx context.Context, memberID uuid.UUID, bookID uuid.UUID) (circulation.Loan, error) {
	s.gate.RecordAttempt(admission.CategoryBorrow)

	if err := s.gate.Acquire(ctx); err != nil {
		s.gate.RecordFailure(admission.CategoryBorrow)
		return circulation.Loan{}, err
	}
	defer s.gate.Release()

	loan, err := s.coord.Borrow(ctx, memberID, bookID)
	s.recordOutcome(admission.CategoryBorrow, err)

	return loan, err
}

// BorrowWithWait behaves like Borrow but waits up to timeout for a copy to
// be returned when the book is depleted. The admission permit is held for
// the whole wait.
func (s *Service) BorrowWithWait(
	ctx context.Context,
	memberID uuid.UUID,
	bookID uuid.UUID,
	timeout time.Duration,
) (circulation.Loan, error) {

	s.gate.RecordAttempt(admission.CategoryBorrow)

	if err := s.gate.Acquire(ctx); err != nil {
		s.gate.RecordFailure(admission.CategoryBorrow)
		return circulation.Loan{}, err
	}
	defer s.gate.Release()

	loan, err := s.coord.BorrowWithWait(ctx, memberID, bookID, timeout)
	s.recordOutcome(admission.CategoryBorrow, err)

	return loan, err
}

// Return closes the loan and puts the copy back on the shelf, waking all
// callers parked in BorrowWithWait.
func (s *Service) Return(ctx context.Context, loanID int64) (circulation.Loan, error) {
	s.gate.RecordAttempt(admission.CategoryReturn)

	if err := s.gate.Acquire(ctx); err != nil {
		s.gate.RecordFailure(admission.CategoryReturn)
		return circulation.Loan{}, err
	}
	defer s.gate.Release()

	loan, err := s.coord.Return(ctx, loanID)
	s.recordOutcome(admission.CategoryReturn, err)

	return loan, err
}

// IsAvailable reports whether the book currently has an available copy.
func (s *Service) IsAvailable(ctx context.Context, bookID uuid.UUID) (bool, error) {
	s.gate.RecordAttempt(admission.CategorySearch)

	if err := s.gate.Acquire(ctx); err != nil {
		s.gate.RecordFailure(admission.CategorySearch)
		return false, err
	}
	defer s.gate.Release()

	available, err := s.coord.IsAvailable(ctx, bookID)
	s.recordOutcome(admission.CategorySearch, err)

	return available, err
}

// TryBorrow is the non-blocking admission variant: it fails with
// circulation.ErrAdmissionRejected instead of waiting when all permits are
// in use.
func (s *Service) TryBorrow(ctx context.Context, memberID uuid.UUID, bookID uuid.UUID) (circulation.Loan, error) {
	s.gate.RecordAttempt(admission.CategoryBorrow)

	if !s.gate.TryAcquire() {
		s.gate.RecordFailure(admission.CategoryBorrow)
		return circulation.Loan{}, circulation.ErrAdmissionRejected
	}
	defer s.gate.Release()

	loan, err := s.coord.Borrow(ctx, memberID, bookID)
	s.recordOutcome(admission.CategoryBorrow, err)

	return loan, err
}

// Diagnostics returns a point-in-time view of permits, lock state, parked
// waiters and the per-category counters.
func (s *Service) Diagnostics() Diagnostics {
	return Diagnostics{
		AvailablePermits: s.gate.AvailablePermits(),
		AdmissionLimit:   s.gate.Limit(),
		LockHeld:         s.coord.LockHeld(),
		PendingWaiters:   s.coord.PendingWaiters(),
		Borrow:           s.gate.StatsFor(admission.CategoryBorrow),
		Return:           s.gate.StatsFor(admission.CategoryReturn),
		Search:           s.gate.StatsFor(admission.CategorySearch),
	}
}

func (s *Service) recordOutcome(category admission.Category, err error) {
	if err != nil {
		s.gate.RecordFailure(category)
		return
	}

	s.gate.RecordSuccess(category)
}
