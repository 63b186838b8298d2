package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on taskbot spans and metrics. Chat identities and
// account ids are opaque; emails and codes never become attributes.
var (
	AttrEventKind    = attribute.Key("taskbot.event.kind")
	AttrChatIdentity = attribute.Key("taskbot.chat.identity")
	AttrAccountID    = attribute.Key("taskbot.account.id")
	AttrIntent       = attribute.Key("taskbot.intent")
	AttrParsed       = attribute.Key("taskbot.intent.parsed")
	AttrLinkOutcome  = attribute.Key("taskbot.link.outcome")
	AttrModel        = attribute.Key("taskbot.llm.model")
	AttrProvider     = attribute.Key("taskbot.llm.provider")
	AttrErrorClass   = attribute.Key("taskbot.error.class")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound chat event.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (model, transcription,
// mail).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
