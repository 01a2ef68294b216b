package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

const (
	spanKeyMessageType = "messaging.message.type"
	spanKeyMessageID   = "messaging.message.id"
	spanKeyTransport   = "messaging.destination.name"
	spanKeyRetryCount  = "messaging.retry_count"
)

// TracingMiddleware starts a span around the rest of the middleware chain.
// Envelopes received from a transport get a consumer span, the others a producer span.
type TracingMiddleware struct {
	tracer trace.Tracer
}

// TracingOption configures the TracingMiddleware
type TracingOption func(*TracingMiddleware)

// WithTracerProvider traces with provider instead of the global one
func WithTracerProvider(provider trace.TracerProvider) TracingOption {
	return func(m *TracingMiddleware) {
		m.tracer = provider.Tracer(instrumentationName)
	}
}

// NewTracingMiddleware creates the middleware
func NewTracingMiddleware(options ...TracingOption) *TracingMiddleware {
	m := &TracingMiddleware{tracer: otel.Tracer(instrumentationName)}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Handle implements messaging.Middleware
func (m *TracingMiddleware) Handle(ctx context.Context, env *contracts.Envelope, next messaging.Next) (*contracts.Envelope, error) {
	typeName := serialization.NameOf(env.Message())
	attrs := []attribute.KeyValue{
		attribute.String(spanKeyMessageType, typeName),
		attribute.Int(spanKeyRetryCount, contracts.RetryCount(env)),
	}

	kind, operation := trace.SpanKindProducer, "dispatch"
	if received, ok := contracts.Last[contracts.ReceivedStamp](env); ok {
		kind, operation = trace.SpanKindConsumer, "handle"
		attrs = append(attrs, attribute.String(spanKeyTransport, received.TransportName))
	}
	if id := messaging.MessageID(env); id != "" {
		attrs = append(attrs, attribute.String(spanKeyMessageID, id))
	}

	ctx, span := m.tracer.Start(ctx, typeName+" "+operation, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
	defer span.End()

	result, err := next(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	if result == nil {
		return result, nil
	}
	if sent := contracts.All[contracts.SentStamp](result); len(sent) > 0 {
		names := make([]string, 0, len(sent))
		for _, s := range sent {
			names = append(names, s.SenderAlias)
		}
		span.SetAttributes(attribute.StringSlice("messaging.senders", names))
	}
	return result, nil
}

var _ messaging.Middleware = (*TracingMiddleware)(nil)
