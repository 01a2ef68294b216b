// Package telemetry records OpenTelemetry metrics from worker events and traces envelopes going through the bus.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

const instrumentationName = "github.com/courierhq/courier"

// Metrics is a messaging.WorkerListener recording worker activity
type Metrics struct {
	meter metric.Meter

	received    metric.Int64Counter
	handled     metric.Int64Counter
	failed      metric.Int64Counter
	retried     metric.Int64Counter
	rateLimited metric.Int64Counter
	idlePolls   metric.Int64Counter
	duration    metric.Float64Histogram

	now     func() time.Time
	mu      sync.Mutex
	started time.Time
}

// MetricsOption configures Metrics
type MetricsOption func(*Metrics)

// WithMeterProvider records on provider instead of the global one
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(m *Metrics) {
		m.meter = provider.Meter(instrumentationName)
	}
}

// WithMetricsClock replaces time.Now when measuring handling time
func WithMetricsClock(now func() time.Time) MetricsOption {
	return func(m *Metrics) {
		m.now = now
	}
}

// NewMetrics creates the instruments
func NewMetrics(options ...MetricsOption) (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter(instrumentationName),
		now:   time.Now,
	}
	for _, opt := range options {
		opt(m)
	}

	var err error
	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.received, "courier.messages.received", "Messages received by workers"},
		{&m.handled, "courier.messages.handled", "Messages handled successfully"},
		{&m.failed, "courier.messages.failed", "Messages whose handling failed"},
		{&m.retried, "courier.messages.retried", "Failed messages sent back for another attempt"},
		{&m.rateLimited, "courier.worker.rate_limited", "Times a worker waited for a rate limiter"},
		{&m.idlePolls, "courier.worker.idle_polls", "Polls that found no message"},
	}
	for _, c := range counters {
		*c.target, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.description))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.duration, err = m.meter.Float64Histogram(
		"courier.message.handling.duration",
		metric.WithDescription("Time spent dispatching a received message"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handling duration histogram: %w", err)
	}

	return m, nil
}

// OnWorkerEvent implements messaging.WorkerListener
func (m *Metrics) OnWorkerEvent(ctx context.Context, event messaging.WorkerEvent) {
	switch e := event.(type) {
	case *messaging.WorkerMessageReceivedEvent:
		m.mu.Lock()
		m.started = m.now()
		m.mu.Unlock()
		m.received.Add(ctx, 1, metric.WithAttributes(messageAttributes(e.Envelope.Message(), e.ReceiverName)...))

	case *messaging.WorkerMessageHandledEvent:
		attrs := messageAttributes(e.Envelope.Message(), e.ReceiverName)
		m.handled.Add(ctx, 1, metric.WithAttributes(attrs...))
		m.recordDuration(ctx, append(attrs, attribute.String("outcome", "handled")))

	case *messaging.WorkerMessageFailedEvent:
		attrs := messageAttributes(e.Envelope.Message(), e.ReceiverName)
		m.failed.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.Bool("will_retry", e.WillRetry))...))
		m.recordDuration(ctx, append(attrs, attribute.String("outcome", "failed")))

	case *messaging.WorkerMessageRetriedEvent:
		m.retried.Add(ctx, 1, metric.WithAttributes(messageAttributes(e.Envelope.Message(), e.ReceiverName)...))

	case *messaging.WorkerRateLimitedEvent:
		m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", e.TransportName)))

	case *messaging.WorkerRunningEvent:
		if e.Idle {
			m.idlePolls.Add(ctx, 1)
		}
	}
}

func (m *Metrics) recordDuration(ctx context.Context, attrs []attribute.KeyValue) {
	m.mu.Lock()
	started := m.started
	m.started = time.Time{}
	m.mu.Unlock()

	if started.IsZero() {
		return
	}
	m.duration.Record(ctx, m.now().Sub(started).Seconds(), metric.WithAttributes(attrs...))
}

func messageAttributes(msg any, transport string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("message_type", serialization.NameOf(msg)),
		attribute.String("transport", transport),
	}
}

var _ messaging.WorkerListener = (*Metrics)(nil)
