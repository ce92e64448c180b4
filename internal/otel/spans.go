package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metric data points.
var (
	AttrTaskID       = attribute.Key("clawtask.task.id")
	AttrTaskType     = attribute.Key("clawtask.task.type")
	AttrRunID        = attribute.Key("clawtask.run.id")
	AttrSkillID      = attribute.Key("clawtask.skill.id")
	AttrToolName     = attribute.Key("clawtask.tool.name")
	AttrOutcome      = attribute.Key("clawtask.outcome")
	AttrModel        = attribute.Key("clawtask.llm.model")
	AttrTokensInput  = attribute.Key("clawtask.llm.tokens.input")
	AttrTokensOutput = attribute.Key("clawtask.llm.tokens.output")
	AttrSeverity     = attribute.Key("clawtask.scan.severity")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (agent turn, notifier).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// MarkError records err on the span and flags it failed. A nil err is a no-op.
func MarkError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
