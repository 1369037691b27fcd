package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// meterKey is the context key for storing the meter.
	meterKey contextKey = "meter"

	// attributePairSize is used to calculate the slice capacity for key-value pairs.
	attributePairSize = 2
)

// Instrument names.
const (
	HTTPRequestsTotal      = "ffsclient_http_requests_total"
	HTTPRequestDurationMS  = "ffsclient_http_request_duration_ms"
	HTTPRetriesTotal       = "ffsclient_http_retries_total"
	TokenRefreshesTotal    = "ffsclient_token_refreshes_total"
	SyncRunsTotal          = "ffsclient_sync_runs_total"
	SyncRunDurationMS      = "ffsclient_sync_run_duration_ms"
	SyncRecordsTotal       = "ffsclient_sync_records_total"
	SyncSkippedTotal       = "ffsclient_sync_skipped_records_total"
	StorageOperationsTotal = "ffsclient_storage_operations_total"
	StorageDurationMS      = "ffsclient_storage_operation_duration_ms"
)

var (
	// defaultMeter is the fallback meter when none is found in context.
	defaultMeter metric.Meter //nolint:gochecknoglobals // Thread-safe: protected by sync.Once

	// meterOnce ensures we only initialize the default meter once.
	meterOnce sync.Once //nolint:gochecknoglobals // Thread-safe: sync.Once is inherently safe
)

// InitializeMeter sets up the global default meter.
func InitializeMeter(serviceName string) {
	meterOnce.Do(func() {
		defaultMeter = otel.Meter(serviceName)
	})
}

// WithMeter adds a meter to the context.
func WithMeter(ctx context.Context, meter metric.Meter) context.Context {
	return context.WithValue(ctx, meterKey, meter)
}

// FromContext retrieves the meter from context or returns the default.
// The global otel meter is used before InitializeMeter runs, which is a
// no-op until a provider is installed.
func FromContext(ctx context.Context) metric.Meter {
	if ctxMeter, ok := ctx.Value(meterKey).(metric.Meter); ok {
		return ctxMeter
	}

	if defaultMeter == nil {
		return otel.Meter("ffsclient")
	}

	return defaultMeter
}

// Counter wraps an int64 counter instrument.
type Counter struct {
	instrument metric.Int64Counter
}

// CounterFromContext creates a new counter from the context.
func CounterFromContext(ctx context.Context, name string, opts ...metric.Int64CounterOption) *Counter {
	instrument, err := FromContext(ctx).Int64Counter(name, opts...)
	if err != nil {
		return &Counter{instrument: nil}
	}

	return &Counter{instrument: instrument}
}

// Add records a counter increment with optional attributes.
func (c *Counter) Add(ctx context.Context, incr int64, attrs ...string) {
	if c.instrument == nil {
		return
	}

	c.instrument.Add(ctx, incr, metric.WithAttributes(convertStringPairsToAttributes(attrs...)...))
}

// Histogram wraps a float64 histogram instrument.
type Histogram struct {
	instrument metric.Float64Histogram
}

// HistogramFromContext creates a new histogram from the context.
func HistogramFromContext(ctx context.Context, name string, opts ...metric.Float64HistogramOption) *Histogram {
	instrument, err := FromContext(ctx).Float64Histogram(name, opts...)
	if err != nil {
		return &Histogram{instrument: nil}
	}

	return &Histogram{instrument: instrument}
}

// Record records a histogram value with optional attributes.
func (h *Histogram) Record(ctx context.Context, value float64, attrs ...string) {
	if h.instrument == nil {
		return
	}

	h.instrument.Record(ctx, value, metric.WithAttributes(convertStringPairsToAttributes(attrs...)...))
}

// RecordCounter is a convenience function to record a counter increment.
func RecordCounter(ctx context.Context, name string, incr int64, attrs ...string) {
	CounterFromContext(ctx, name).Add(ctx, incr, attrs...)
}

// RecordHistogram is a convenience function to record a histogram value.
func RecordHistogram(ctx context.Context, name string, value float64, attrs ...string) {
	HistogramFromContext(ctx, name).Record(ctx, value, attrs...)
}

// RecordHTTPRequest records one storage or auth server round trip.
func RecordHTTPRequest(ctx context.Context, server, method string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}

	RecordCounter(ctx, HTTPRequestsTotal, 1, "server", server, "method", method, "status", code)
	RecordHistogram(ctx, HTTPRequestDurationMS, float64(elapsed.Milliseconds()), "server", server, "method", method)
}

// RecordRetry records a retried request and the reason for it.
func RecordRetry(ctx context.Context, reason string) {
	RecordCounter(ctx, HTTPRetriesTotal, 1, "reason", reason)
}

// RecordTokenRefresh records a token server handshake.
func RecordTokenRefresh(ctx context.Context, outcome string) {
	RecordCounter(ctx, TokenRefreshesTotal, 1, "outcome", outcome)
}

// RecordSyncRun records a finished sync run for a collection.
func RecordSyncRun(ctx context.Context, collection, mode, outcome string, records int, elapsed time.Duration) {
	RecordCounter(ctx, SyncRunsTotal, 1, "collection", collection, "mode", mode, "outcome", outcome)
	RecordCounter(ctx, SyncRecordsTotal, int64(records), "collection", collection)
	RecordHistogram(ctx, SyncRunDurationMS, float64(elapsed.Milliseconds()), "collection", collection, "mode", mode)
}

// RecordSkipped records a BSO that was dropped during decryption or validation.
func RecordSkipped(ctx context.Context, collection, reason string) {
	RecordCounter(ctx, SyncSkippedTotal, 1, "collection", collection, "reason", reason)
}

// RecordStorage records a local store operation.
func RecordStorage(ctx context.Context, operation string, start time.Time) {
	RecordCounter(ctx, StorageOperationsTotal, 1, "operation", operation)
	RecordHistogram(ctx, StorageDurationMS, float64(time.Since(start).Milliseconds()), "operation", operation)
}

// convertStringPairsToAttributes converts key-value string pairs to OTel attributes.
func convertStringPairsToAttributes(keyValues ...string) []attribute.KeyValue {
	if len(keyValues)%attributePairSize != 0 {
		// If odd number of arguments, ignore the last one
		keyValues = keyValues[:len(keyValues)-1]
	}

	attrs := make([]attribute.KeyValue, 0, len(keyValues)/attributePairSize)

	for i := 0; i < len(keyValues); i += attributePairSize {
		attrs = append(attrs, attribute.String(keyValues[i], keyValues[i+1]))
	}

	return attrs
}
