package postgresengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshelf/circulation-engine-go/circulation"
	"github.com/openshelf/circulation-engine-go/testutil/testdoubles"
)

func Test_Borrow_Observability_OnSuccess(t *testing.T) {
	// arrange
	fixedNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bookID := uuid.New()
	memberID := uuid.New()

	tx := &fakeTx{
		queries: []queryScript{
			{rows: oneValueRow(1)},
			{rows: oneValueRow(int64(7))},
			{rows: &fakeRows{rows: [][]any{{
				int64(7),
				bookID.String(),
				memberID.String(),
				fixedNow,
				fixedNow.Add(circulation.LoanPeriod),
				nil,
				string(circulation.LoanStatusInProgress),
				[]byte(`{"book_title":"T","book_author":"A","member_name":"M"}`),
			}}}},
		},
		execs: []execScript{
			{affected: 1},
			{affected: 1},
		},
	}

	adapter := &fakeAdapter{tx: tx}

	loggerSpy := testdoubles.NewLoggerSpy()
	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()

	store, err := newLoanStore(adapter,
		WithClock(func() time.Time { return fixedNow }),
		WithLogger(loggerSpy),
		WithMetrics(metricsSpy),
		WithTracing(tracingSpy),
	)
	require.NoError(t, err)

	// act
	_, borrowErr := store.Borrow(context.Background(), memberID, bookID)

	// assert
	require.NoError(t, borrowErr)

	durations := metricsSpy.DurationRecords()
	require.Len(t, durations, 1)
	assert.Equal(t, metricTransactionDuration, durations[0].Metric)
	assert.Equal(t, operationBorrow, durations[0].Labels[spanAttrOperation])
	assert.Equal(t, statusSuccess, durations[0].Labels["status"])
	assert.Empty(t, metricsSpy.CounterRecords())

	spans := tracingSpy.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, spanNameBorrow, spans[0].Name)
	assert.True(t, spans[0].Finished)
	assert.Equal(t, statusSuccess, spans[0].Status)
	assert.Equal(t, "7", spans[0].Attributes[spanAttrLoanID])

	assert.Equal(t, 1, loggerSpy.CountWithLevelAndPrefix("info", logMsgOperation))
	assert.Positive(t, loggerSpy.CountWithLevelAndPrefix("debug", logMsgSQLExecuted))
}

func Test_Borrow_Observability_OnFailure(t *testing.T) {
	// arrange: the book has no available copies
	tx := &fakeTx{queries: []queryScript{{rows: oneValueRow(0)}}}

	metricsSpy := testdoubles.NewMetricsCollectorSpy()
	tracingSpy := testdoubles.NewTracingCollectorSpy()

	store, err := newLoanStore(&fakeAdapter{tx: tx},
		WithMetrics(metricsSpy),
		WithTracing(tracingSpy),
	)
	require.NoError(t, err)

	// act
	_, borrowErr := store.Borrow(context.Background(), uuid.New(), uuid.New())

	// assert
	require.ErrorIs(t, borrowErr, circulation.ErrBookUnavailable)

	durations := metricsSpy.DurationRecords()
	require.Len(t, durations, 1)
	assert.Equal(t, statusError, durations[0].Labels["status"])

	counters := metricsSpy.CounterRecords()
	require.Len(t, counters, 1)
	assert.Equal(t, metricStorageErrors, counters[0].Metric)
	assert.Equal(t, errorTypeUnavailable, counters[0].Labels[spanAttrErrorType])

	spans := tracingSpy.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, statusError, spans[0].Status)
	assert.Equal(t, errorTypeUnavailable, spans[0].Attributes[spanAttrErrorType])
}

func Test_Return_Observability_Classifies_InvalidState(t *testing.T) {
	// arrange: the loan is already closed
	closedLoanRow := &fakeRows{rows: [][]any{{
		uuid.New().String(),
		uuid.New().String(),
		time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		string(circulation.LoanStatusReturned),
	}}}

	metricsSpy := testdoubles.NewMetricsCollectorSpy()

	store, err := newLoanStore(
		&fakeAdapter{tx: &fakeTx{queries: []queryScript{{rows: closedLoanRow}}}},
		WithMetrics(metricsSpy),
	)
	require.NoError(t, err)

	// act
	_, returnErr := store.Return(context.Background(), 42)

	// assert
	require.ErrorIs(t, returnErr, circulation.ErrLoanNotInProgress)

	counters := metricsSpy.CounterRecords()
	require.Len(t, counters, 1)
	assert.Equal(t, errorTypeInvalidState, counters[0].Labels[spanAttrErrorType])
	assert.Equal(t, operationReturn, counters[0].Labels[spanAttrOperation])
}

func Test_ErrorType_Classification(t *testing.T) {
	assert.Equal(t, errorTypeNotFound, errorType(circulation.ErrBookNotFound))
	assert.Equal(t, errorTypeNotFound, errorType(circulation.ErrMemberNotFound))
	assert.Equal(t, errorTypeNotFound, errorType(circulation.ErrLoanNotFound))
	assert.Equal(t, errorTypeUnavailable, errorType(circulation.ErrBookUnavailable))
	assert.Equal(t, errorTypeUnavailable, errorType(circulation.ErrWaitTimedOut))
	assert.Equal(t, errorTypeQuotaExceeded, errorType(circulation.ErrQuotaExceeded))
	assert.Equal(t, errorTypeInvalidState, errorType(circulation.ErrLoanNotInProgress))
	assert.Equal(t, errorTypeStorage, errorType(circulation.ErrStorageFailure))
}
