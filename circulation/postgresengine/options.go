package postgresengine

import (
	"time"

	"github.com/openshelf/circulation-engine-go/circulation"
)

// Option defines a functional option for configuring LoanStore.
type Option func(*LoanStore) error

// WithTableNames sets the books, members and loans table names for the LoanStore.
func WithTableNames(booksTable, membersTable, loansTable string) Option {
	return func(ls *LoanStore) error {
		if booksTable == "" || membersTable == "" || loansTable == "" {
			return circulation.ErrEmptyTableName
		}

		ls.booksTableName = booksTable
		ls.membersTableName = membersTable
		ls.loansTableName = loansTable

		return nil
	}
}

// WithClock sets the time source used for borrow and return timestamps.
// Intended for tests that need deterministic due-date classification.
func WithClock(clock func() time.Time) Option {
	return func(ls *LoanStore) error {
		if clock != nil {
			ls.clock = clock
		}
		return nil
	}
}

// WithLogger sets the logger for the LoanStore.
// The logger will receive messages at different levels based on the logger's configured level:
//
// Debug level: SQL queries with execution timing (development use)
// Info level: completed transactions with durations (production-safe)
// Warn level: Non-critical issues like rollback or cleanup failures
// Error level: Critical failures that cause operation failures.
func WithLogger(logger circulation.Logger) Option {
	return func(ls *LoanStore) error {
		ls.logger = logger
		return nil
	}
}

// WithContextualLogger sets the contextual logger for the LoanStore.
// The contextual logger will receive log messages with context information including
// automatic trace/span correlation when tracing is enabled, enabling unified observability.
func WithContextualLogger(logger circulation.ContextualLogger) Option {
	return func(ls *LoanStore) error {
		ls.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the LoanStore.
// The metrics collector will receive performance and operational metrics including
// borrow/return durations and storage errors.
func WithMetrics(collector circulation.MetricsCollector) Option {
	return func(ls *LoanStore) error {
		ls.metricsCollector = collector
		return nil
	}
}

// WithTracing sets the tracing collector for the LoanStore.
// The tracing collector will receive distributed tracing information including
// span creation for borrow/return transactions, context propagation, and error tracking.
func WithTracing(collector circulation.TracingCollector) Option {
	return func(ls *LoanStore) error {
		ls.tracingCollector = collector
		return nil
	}
}
