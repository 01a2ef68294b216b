package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/courierhq/courier/contracts"
)

// StopRequestedStamp is added when a handler returned ErrStopWorker
type StopRequestedStamp struct {
	HandlerName string
}

func (StopRequestedStamp) StampName() string { return "stop-requested" }
func (StopRequestedStamp) NonSendable()      {}

// SendMessageMiddleware sends envelopes to the transports they are routed to.
// Routed envelopes are not handled synchronously; envelopes without a route continue down the chain.
// Envelopes carrying a ReceivedStamp are never sent again.
type SendMessageMiddleware struct {
	senders *SendersLocator
	logger  *slog.Logger
}

// NewSendMessageMiddleware creates the send middleware
func NewSendMessageMiddleware(senders *SendersLocator, logger *slog.Logger) *SendMessageMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendMessageMiddleware{senders: senders, logger: logger}
}

// Handle implements Middleware
func (m *SendMessageMiddleware) Handle(ctx context.Context, env *contracts.Envelope, next Next) (*contracts.Envelope, error) {
	if contracts.Has[contracts.ReceivedStamp](env) {
		return next(ctx, env)
	}

	senders, err := m.senders.SendersFor(env)
	if err != nil {
		return env, err
	}
	if len(senders) == 0 {
		return next(ctx, env)
	}

	messageType := m.senders.namer(env.Message())
	for _, s := range senders {
		m.logger.Debug("sending message",
			"messageType", messageType,
			"transport", s.Name,
		)

		sent, err := s.Sender.Send(ctx, env.With(contracts.SentStamp{
			SenderClass: fmt.Sprintf("%T", s.Sender),
			SenderAlias: s.Name,
		}))
		if err != nil {
			return env, fmt.Errorf("send %s to %s: %w", messageType, s.Name, err)
		}
		env = sent
	}

	return env, nil
}

// HandleMessageMiddleware calls every handler registered for the message.
// All handlers run even when some fail; failures are returned as one HandlerFailedError.
type HandleMessageMiddleware struct {
	handlers        *HandlersLocator
	allowNoHandlers bool
	logger          *slog.Logger
}

// HandleMiddlewareOption configures the HandleMessageMiddleware
type HandleMiddlewareOption func(*HandleMessageMiddleware)

// AllowNoHandlers accepts messages nobody handles
func AllowNoHandlers() HandleMiddlewareOption {
	return func(m *HandleMessageMiddleware) {
		m.allowNoHandlers = true
	}
}

// WithHandleLogger sets the logger
func WithHandleLogger(logger *slog.Logger) HandleMiddlewareOption {
	return func(m *HandleMessageMiddleware) {
		m.logger = logger
	}
}

// NewHandleMessageMiddleware creates the handle middleware
func NewHandleMessageMiddleware(handlers *HandlersLocator, options ...HandleMiddlewareOption) *HandleMessageMiddleware {
	m := &HandleMessageMiddleware{
		handlers: handlers,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Handle implements Middleware
func (m *HandleMessageMiddleware) Handle(ctx context.Context, env *contracts.Envelope, next Next) (*contracts.Envelope, error) {
	messageType := m.handlers.TypeName(env.Message())
	descriptors := m.handlers.HandlersFor(env)

	if len(descriptors) == 0 && !m.allowNoHandlers {
		return env, fmt.Errorf("%w %q", ErrNoHandler, messageType)
	}

	var failures []HandlerFailure
	for _, d := range descriptors {
		if alreadyHandled(env, d.Name) {
			continue
		}

		err := d.Handler.Handle(ctx, env.Message())
		switch {
		case err == nil:
			env = env.With(contracts.HandledStamp{HandlerName: d.Name})
		case errors.Is(err, ErrStopWorker):
			env = env.With(contracts.HandledStamp{HandlerName: d.Name}, StopRequestedStamp{HandlerName: d.Name})
		default:
			m.logger.Debug("handler failed",
				"messageType", messageType,
				"handler", d.Name,
				"error", err,
			)
			failures = append(failures, HandlerFailure{HandlerName: d.Name, Err: err})
		}
	}

	if len(failures) > 0 {
		return env, NewHandlerFailedError(env, messageType, failures)
	}

	return next(ctx, env)
}

func alreadyHandled(env *contracts.Envelope, handlerName string) bool {
	for _, s := range contracts.All[contracts.HandledStamp](env) {
		if s.HandlerName == handlerName {
			return true
		}
	}
	return false
}
