package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/courierhq/courier/contracts"
)

// Dispatcher dispatches messages onto a bus
type Dispatcher interface {
	Dispatch(ctx context.Context, msg any, stamps ...contracts.Stamp) (*contracts.Envelope, error)
}

// Next calls the rest of the middleware chain
type Next func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error)

// Middleware processes an envelope and decides whether to call the next middleware
type Middleware interface {
	Handle(ctx context.Context, env *contracts.Envelope, next Next) (*contracts.Envelope, error)
}

// MiddlewareFunc is a function adapter for Middleware
type MiddlewareFunc func(ctx context.Context, env *contracts.Envelope, next Next) (*contracts.Envelope, error)

// Handle implements Middleware
func (f MiddlewareFunc) Handle(ctx context.Context, env *contracts.Envelope, next Next) (*contracts.Envelope, error) {
	return f(ctx, env, next)
}

// MessageBus runs envelopes through a middleware chain
type MessageBus struct {
	middleware []Middleware
	logger     *slog.Logger
}

// BusOption configures the MessageBus
type BusOption func(*MessageBus)

// WithBusLogger sets the logger
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *MessageBus) {
		b.logger = logger
	}
}

// WithMiddleware appends middleware to the chain, outermost first
func WithMiddleware(middleware ...Middleware) BusOption {
	return func(b *MessageBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// NewMessageBus creates a new message bus
func NewMessageBus(options ...BusOption) *MessageBus {
	b := &MessageBus{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Dispatch wraps msg in an envelope, unless it already is one, and runs the middleware chain.
func (b *MessageBus) Dispatch(ctx context.Context, msg any, stamps ...contracts.Stamp) (*contracts.Envelope, error) {
	if msg == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	if env, ok := msg.(*contracts.Envelope); ok && env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	return b.next(0)(ctx, contracts.NewEnvelope(msg, stamps...))
}

func (b *MessageBus) next(i int) Next {
	return func(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
		if i >= len(b.middleware) {
			return env, nil
		}
		return b.middleware[i].Handle(ctx, env, b.next(i+1))
	}
}
