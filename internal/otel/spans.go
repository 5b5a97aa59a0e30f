package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrSessionID    = attribute.Key("analyst.session.id")
	AttrTurnID       = attribute.Key("analyst.turn.id")
	AttrTurnState    = attribute.Key("analyst.turn.state")
	AttrToolName     = attribute.Key("analyst.tool.name")
	AttrToolCallID   = attribute.Key("analyst.tool.call_id")
	AttrModel        = attribute.Key("analyst.llm.model")
	AttrTokensInput  = attribute.Key("analyst.llm.tokens.input")
	AttrTokensOutput = attribute.Key("analyst.llm.tokens.output")
	AttrCostUSD      = attribute.Key("analyst.llm.cost_usd")
)

// Span names.
const (
	SpanTurn         = "session.turn"
	SpanToolDispatch = "tool.dispatch"
	SpanLLMGenerate  = "llm.generate"
	SpanWebSocket    = "gateway.ws"
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound connection.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound LLM or search call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
