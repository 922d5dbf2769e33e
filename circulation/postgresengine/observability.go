package postgresengine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/openshelf/circulation-engine-go/circulation"
)

const (
	operationBorrow = "borrow"
	operationReturn = "return"

	spanNameBorrow = "loanstore.borrow"
	spanNameReturn = "loanstore.return"

	spanAttrOperation = "operation"
	spanAttrBookID    = "book_id"
	spanAttrMemberID  = "member_id"
	spanAttrLoanID    = "loan_id"
	spanAttrErrorType = "error_type"

	statusSuccess = "success"
	statusError   = "error"

	metricTransactionDuration = "circulation_transaction_duration_seconds"
	metricStorageErrors       = "circulation_storage_errors_total"

	errorTypeNotFound      = "not_found"
	errorTypeUnavailable   = "unavailable"
	errorTypeQuotaExceeded = "quota_exceeded"
	errorTypeInvalidState  = "invalid_state"
	errorTypeStorage       = "storage_failure"
)

// errorType maps a returned error onto the coarse classification used for
// span attributes and metric labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, circulation.ErrBookNotFound),
		errors.Is(err, circulation.ErrMemberNotFound),
		errors.Is(err, circulation.ErrLoanNotFound):
		return errorTypeNotFound
	case errors.Is(err, circulation.ErrBookUnavailable):
		return errorTypeUnavailable
	case errors.Is(err, circulation.ErrQuotaExceeded):
		return errorTypeQuotaExceeded
	case errors.Is(err, circulation.ErrLoanNotInProgress):
		return errorTypeInvalidState
	default:
		return errorTypeStorage
	}
}

// logQueryWithDuration logs SQL queries with execution time at debug level if a logger is configured.
func (ls *LoanStore) logQueryWithDuration(ctx context.Context, sqlQuery string, duration time.Duration) {
	if ls.logger != nil {
		ls.logger.Debug(logMsgSQLExecuted+logActionOf(sqlQuery), logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery)
	}
	if ls.contextualLogger != nil {
		ls.contextualLogger.DebugContext(ctx, logMsgSQLExecuted+logActionOf(sqlQuery), logAttrDurationMS, toMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

// logActionOf derives a short action tag from the statement verb.
func logActionOf(sqlQuery string) string {
	if len(sqlQuery) >= 6 {
		switch sqlQuery[:6] {
		case "SELECT":
			return "select"
		case "UPDATE":
			return "update"
		case "INSERT":
			return "insert"
		}
	}

	return "statement"
}

// logOperation logs operational information at info level if a logger is configured.
func (ls *LoanStore) logOperation(ctx context.Context, action string, args ...any) {
	if ls.logger != nil {
		ls.logger.Info(logMsgOperation+action, args...)
	}
	if ls.contextualLogger != nil {
		ls.contextualLogger.InfoContext(ctx, logMsgOperation+action, args...)
	}
}

// logError logs error information at the error level if a logger is configured.
func (ls *LoanStore) logError(ctx context.Context, message string, err error, args ...any) {
	allArgs := []any{logAttrError, err.Error()}
	allArgs = append(allArgs, args...)

	if ls.logger != nil {
		ls.logger.Error(message, allArgs...)
	}
	if ls.contextualLogger != nil {
		ls.contextualLogger.ErrorContext(ctx, message, allArgs...)
	}
}

// toMilliseconds converts a time.Duration to float64 milliseconds with 3 decimal places.
func toMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}

// startOperationSpan starts a tracing span if the tracing collector is configured.
func (ls *LoanStore) startOperationSpan(
	ctx context.Context,
	operation string,
	attrs map[string]string,
) (context.Context, circulation.SpanContext) {

	if ls.tracingCollector == nil {
		return ctx, nil
	}

	spanName := spanNameBorrow
	if operation == operationReturn {
		spanName = spanNameReturn
	}

	spanAttrs := map[string]string{spanAttrOperation: operation}
	for key, value := range attrs {
		spanAttrs[key] = value
	}

	return ls.tracingCollector.StartSpan(ctx, spanName, spanAttrs)
}

// finishOperationSpanSuccess finishes a successful transaction span.
func (ls *LoanStore) finishOperationSpanSuccess(span circulation.SpanContext, loanID int64) {
	if ls.tracingCollector == nil || span == nil {
		return
	}

	span.SetStatus(statusSuccess)
	span.AddAttribute(spanAttrLoanID, fmt.Sprintf("%d", loanID))

	ls.tracingCollector.FinishSpan(span, statusSuccess, map[string]string{
		spanAttrLoanID: fmt.Sprintf("%d", loanID),
	})
}

// finishOperationSpanError finishes a transaction span with error details.
func (ls *LoanStore) finishOperationSpanError(span circulation.SpanContext, err error) {
	if ls.tracingCollector == nil || span == nil {
		return
	}

	span.SetStatus(statusError)
	span.AddAttribute(spanAttrErrorType, errorType(err))

	ls.tracingCollector.FinishSpan(span, statusError, map[string]string{
		spanAttrErrorType: errorType(err),
	})
}

// recordOperationMetrics records the transaction duration and, on storage
// failures, the error counter. Context-aware collector methods are used
// when available for trace correlation.
func (ls *LoanStore) recordOperationMetrics(
	ctx context.Context,
	operation string,
	duration time.Duration,
	err error,
) {

	if ls.metricsCollector == nil {
		return
	}

	status := statusSuccess
	if err != nil {
		status = statusError
	}

	durationLabels := map[string]string{
		spanAttrOperation: operation,
		"status":          status,
	}

	if contextualCollector, ok := ls.metricsCollector.(circulation.ContextualMetricsCollector); ok {
		contextualCollector.RecordDurationContext(ctx, metricTransactionDuration, duration, durationLabels)
	} else {
		ls.metricsCollector.RecordDuration(metricTransactionDuration, duration, durationLabels)
	}

	if err == nil {
		return
	}

	errorLabels := map[string]string{
		spanAttrOperation: operation,
		spanAttrErrorType: errorType(err),
	}

	if contextualCollector, ok := ls.metricsCollector.(circulation.ContextualMetricsCollector); ok {
		contextualCollector.IncrementCounterContext(ctx, metricStorageErrors, errorLabels)
	} else {
		ls.metricsCollector.IncrementCounter(metricStorageErrors, errorLabels)
	}
}
