package observability

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jkoelker/ffsclient/log"
)

// LogSpanProcessor writes every finished span to the debug log.
type LogSpanProcessor struct {
	// ctx carries the logger spans are written to.
	ctx context.Context //nolint:containedctx // Logger carrier only
}

// NewLogSpanProcessor logs through the logger of ctx.
func NewLogSpanProcessor(ctx context.Context) *LogSpanProcessor {
	return &LogSpanProcessor{ctx: context.WithoutCancel(ctx)}
}

// OnStart implements sdktrace.SpanProcessor.
func (p *LogSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd implements sdktrace.SpanProcessor.
func (p *LogSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	args := []any{
		"span", span.Name(),
		"trace_id", span.SpanContext().TraceID().String(),
		"duration", span.EndTime().Sub(span.StartTime()),
		"status", span.Status().Code.String(),
		"events", len(span.Events()),
	}

	for _, attr := range span.Attributes() {
		args = append(args, string(attr.Key), attr.Value.Emit())
	}

	log.Debug(p.ctx, "Span finished", args...)
}

// Shutdown implements sdktrace.SpanProcessor.
func (p *LogSpanProcessor) Shutdown(context.Context) error { return nil }

// ForceFlush implements sdktrace.SpanProcessor.
func (p *LogSpanProcessor) ForceFlush(context.Context) error { return nil }
