package testdoubles

import (
	"context"
	"sync"
	"time"

	"github.com/openshelf/circulation-engine-go/circulation"
)

// LoggerSpy captures log calls so tests can assert on engine logging without
// a real logging backend.
type LoggerSpy struct {
	mu      sync.Mutex
	records []SpyLogRecord
}

// SpyLogRecord is one captured log call.
type SpyLogRecord struct {
	Level string
	Msg   string
	Args  []any
}

func NewLoggerSpy() *LoggerSpy {
	return &LoggerSpy{}
}

func (s *LoggerSpy) Debug(msg string, args ...any) { s.record("debug", msg, args) }
func (s *LoggerSpy) Info(msg string, args ...any)  { s.record("info", msg, args) }
func (s *LoggerSpy) Warn(msg string, args ...any)  { s.record("warn", msg, args) }
func (s *LoggerSpy) Error(msg string, args ...any) { s.record("error", msg, args) }

func (s *LoggerSpy) record(level string, msg string, args []any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, SpyLogRecord{Level: level, Msg: msg, Args: args})
}

// Records returns a copy of all captured log calls.
func (s *LoggerSpy) Records() []SpyLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpyLogRecord(nil), s.records...)
}

// CountWithLevelAndPrefix counts captured calls with the given level whose
// message starts with the given prefix.
func (s *LoggerSpy) CountWithLevelAndPrefix(level string, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, record := range s.records {
		if record.Level == level && len(record.Msg) >= len(prefix) && record.Msg[:len(prefix)] == prefix {
			count++
		}
	}

	return count
}

// MetricsCollectorSpy captures metrics calls for inspection in tests.
type MetricsCollectorSpy struct {
	mu              sync.Mutex
	durationRecords []SpyDurationRecord
	counterRecords  []SpyCounterRecord
}

// SpyDurationRecord is one captured duration metric call.
type SpyDurationRecord struct {
	Metric   string
	Duration time.Duration
	Labels   map[string]string
}

// SpyCounterRecord is one captured counter increment call.
type SpyCounterRecord struct {
	Metric string
	Labels map[string]string
}

func NewMetricsCollectorSpy() *MetricsCollectorSpy {
	return &MetricsCollectorSpy{}
}

func (s *MetricsCollectorSpy) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.durationRecords = append(s.durationRecords, SpyDurationRecord{
		Metric:   metric,
		Duration: duration,
		Labels:   copyLabels(labels),
	})
}

func (s *MetricsCollectorSpy) IncrementCounter(metric string, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counterRecords = append(s.counterRecords, SpyCounterRecord{
		Metric: metric,
		Labels: copyLabels(labels),
	})
}

func (s *MetricsCollectorSpy) RecordValue(string, float64, map[string]string) {}

// DurationRecords returns a copy of all captured duration metric calls.
func (s *MetricsCollectorSpy) DurationRecords() []SpyDurationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpyDurationRecord(nil), s.durationRecords...)
}

// CounterRecords returns a copy of all captured counter increment calls.
func (s *MetricsCollectorSpy) CounterRecords() []SpyCounterRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]SpyCounterRecord(nil), s.counterRecords...)
}

func copyLabels(labels map[string]string) map[string]string {
	labelsCopy := make(map[string]string, len(labels))
	for k, v := range labels {
		labelsCopy[k] = v
	}

	return labelsCopy
}

// TracingCollectorSpy captures span lifecycle calls for inspection in tests.
type TracingCollectorSpy struct {
	mu    sync.Mutex
	spans []*SpySpan
}

// SpySpan is one captured span with its final status and attributes.
type SpySpan struct {
	Name       string
	Status     string
	Attributes map[string]string
	Finished   bool
}

func (s *SpySpan) SetStatus(status string) {
	s.Status = status
}

func (s *SpySpan) AddAttribute(key, value string) {
	s.Attributes[key] = value
}

func NewTracingCollectorSpy() *TracingCollectorSpy {
	return &TracingCollectorSpy{}
}

func (s *TracingCollectorSpy) StartSpan(
	ctx context.Context,
	name string,
	attrs map[string]string,
) (context.Context, circulation.SpanContext) {
	span := &SpySpan{Name: name, Attributes: copyLabels(attrs)}

	s.mu.Lock()
	s.spans = append(s.spans, span)
	s.mu.Unlock()

	return ctx, span
}

func (s *TracingCollectorSpy) FinishSpan(spanCtx circulation.SpanContext, status string, attrs map[string]string) {
	span, ok := spanCtx.(*SpySpan)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	span.Finished = true
	span.Status = status
	for k, v := range attrs {
		span.Attributes[k] = v
	}
}

// Spans returns all captured spans.
func (s *TracingCollectorSpy) Spans() []*SpySpan {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*SpySpan(nil), s.spans...)
}
