package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// tracerKey is the context key for storing the tracer.
	tracerKey contextKey = "tracer"

	// keyValuePairSize represents the number of elements in a key-value pair.
	keyValuePairSize = 2
)

// Span attribute keys shared by the client packages.
const (
	AttrCollection = "ffsync.collection"
	AttrMode       = "ffsync.mode"
	AttrRunID      = "ffsync.run_id"
	AttrServer     = "ffsync.server"
	AttrMethod     = "http.request.method"
	AttrPath       = "url.path"
	AttrStatus     = "http.response.status_code"
	AttrAttempt    = "http.request.resend_count"
)

var (
	// defaultTracer is the fallback tracer when none is found in context.
	defaultTracer trace.Tracer //nolint:gochecknoglobals // Thread-safe: protected by sync.Once

	// tracerOnce ensures we only initialize the default tracer once.
	tracerOnce sync.Once //nolint:gochecknoglobals // Thread-safe: sync.Once is inherently safe
)

// InitializeTracer sets up the global default tracer.
func InitializeTracer(serviceName string) {
	tracerOnce.Do(func() {
		defaultTracer = otel.Tracer(serviceName)
	})
}

// WithTracer adds a tracer to the context.
func WithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// FromContext retrieves the tracer from context or returns the default.
func FromContext(ctx context.Context) trace.Tracer {
	if ctxTracer, ok := ctx.Value(tracerKey).(trace.Tracer); ok {
		return ctxTracer
	}

	if defaultTracer == nil {
		return otel.Tracer("ffsclient")
	}

	return defaultTracer
}

// StartSpan starts a new span with the given name.
func StartSpan(
	ctx context.Context,
	spanName string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	return FromContext(ctx).Start(ctx, spanName, opts...)
}

// StartClientSpan starts a client span for an outbound request to one of
// the account, token or storage servers.
func StartClientSpan(ctx context.Context, server, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, server+" "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrServer, server),
			attribute.String(AttrMethod, method),
			attribute.String(AttrPath, path),
		),
	)
}

// AddEvent adds an event to the current span with optional attributes.
func AddEvent(ctx context.Context, name string, attrs ...string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(convertStringPairsToAttributes(attrs...)...))
	}
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(convertStringPairsToAttributes(attrs...)...)
	}
}

// SetError records an error on the current span.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetOK sets the span status to OK.
func SetOK(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "")
	}
}

// WithSpan executes a function within a span, automatically ending the span.
func WithSpan(
	ctx context.Context,
	spanName string,
	function func(context.Context) error,
	opts ...trace.SpanStartOption,
) error {
	ctx, span := StartSpan(ctx, spanName, opts...)
	defer span.End()

	err := function(ctx)
	if err != nil {
		SetError(ctx, err)
	} else {
		SetOK(ctx)
	}

	return err
}

// convertStringPairsToAttributes converts key-value string pairs to OTel attributes.
func convertStringPairsToAttributes(keyValues ...string) []attribute.KeyValue {
	if len(keyValues)%keyValuePairSize != 0 {
		// If odd number of arguments, ignore the last one
		keyValues = keyValues[:len(keyValues)-1]
	}

	attrs := make([]attribute.KeyValue, 0, len(keyValues)/keyValuePairSize)

	for i := 0; i < len(keyValues); i += keyValuePairSize {
		attrs = append(attrs, attribute.String(keyValues[i], keyValues[i+1]))
	}

	return attrs
}
