package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages and waits for broker confirmation
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	maxRetries     int
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		maxRetries:     2,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and blocks until the broker confirms it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			p.logger.Warn("retrying publish", "exchange", exchange, "routingKey", routingKey, "attempt", attempt+1, "error", lastErr)
		}

		lastErr = p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if lastErr == nil {
			return nil
		}
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        fmt.Errorf("failed after %d attempts: %w", p.maxRetries+1, lastErr),
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.pool.Execute(ctx, func(ch *PooledChannel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
		if confirm == nil {
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()

		acked, err := confirm.WaitContext(waitCtx)
		if err != nil {
			// the confirmation may still arrive later on this channel; drop it
			_ = ch.Close()
			return fmt.Errorf("waiting for confirmation: %w", err)
		}
		if !acked {
			return ErrPublishNotConfirmed
		}
		return nil
	})
}
