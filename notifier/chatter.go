package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/courierhq/courier/messaging"
)

// Chatter sends chat messages, either directly or through a message bus
type Chatter struct {
	transport Transport
	bus       messaging.Dispatcher
	logger    *slog.Logger
}

// ChatterOption configures the Chatter
type ChatterOption func(*Chatter)

// WithBus makes the chatter dispatch messages on bus instead of sending them
func WithBus(bus messaging.Dispatcher) ChatterOption {
	return func(c *Chatter) {
		c.bus = bus
	}
}

// WithChatterLogger sets the logger
func WithChatterLogger(logger *slog.Logger) ChatterOption {
	return func(c *Chatter) {
		c.logger = logger
	}
}

// NewChatter creates a chatter sending through transport
func NewChatter(transport Transport, options ...ChatterOption) *Chatter {
	c := &Chatter{transport: transport, logger: slog.Default()}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Supports implements Transport
func (c *Chatter) Supports(msg Message) bool {
	return c.transport.Supports(msg)
}

// Send delivers msg. With a bus the message is only dispatched and the returned SentMessage is nil.
func (c *Chatter) Send(ctx context.Context, msg Message) (*SentMessage, error) {
	if c.bus == nil {
		return c.transport.Send(ctx, msg)
	}

	if _, err := c.bus.Dispatch(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to dispatch %T: %w", msg, err)
	}
	c.logger.Debug("chat message dispatched", "messageType", fmt.Sprintf("%T", msg), "transport", msg.TransportName())
	return nil, nil
}

func (c *Chatter) String() string {
	return c.transport.String()
}

// MessageHandler delivers notifier messages consumed from the bus
type MessageHandler struct {
	transport Transport
	logger    *slog.Logger
}

// NewMessageHandler creates a bus handler sending through transport
func NewMessageHandler(transport Transport, logger *slog.Logger) *MessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageHandler{transport: transport, logger: logger}
}

// Handle implements messaging.Handler
func (h *MessageHandler) Handle(ctx context.Context, msg any) error {
	m, ok := msg.(Message)
	if !ok {
		return messaging.Unrecoverable(fmt.Errorf("%w: %T is not a notifier message", ErrUnsupportedMessage, msg))
	}

	sent, err := h.transport.Send(ctx, m)
	if err != nil {
		return err
	}
	if sent == nil {
		return nil
	}
	h.logger.Info("notification sent",
		"messageType", fmt.Sprintf("%T", m),
		"transport", sent.Transport,
		"messageId", sent.MessageID,
	)
	return nil
}
