package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/serialization"
)

// AnyMessage registers a handler for every message type
const AnyMessage = "*"

// Handler processes a message
type Handler interface {
	Handle(ctx context.Context, msg any) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg any) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// HandlerDescriptor is a registered handler
type HandlerDescriptor struct {
	Handler Handler
	// Name identifies the handler in HandledStamps; it must be stable across processes
	Name string
	// FromTransport restricts the handler to messages received from that transport
	FromTransport string
}

// HandlerOption configures a handler registration
type HandlerOption func(*HandlerDescriptor)

// WithHandlerName sets the handler name
func WithHandlerName(name string) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.Name = name
	}
}

// FromTransport only runs the handler for messages received from transport
func FromTransport(transport string) HandlerOption {
	return func(d *HandlerDescriptor) {
		d.FromTransport = transport
	}
}

// TypeNamer resolves the routing name of a message
type TypeNamer func(msg any) string

// HandlersLocator keeps the handlers registered per message type name
type HandlersLocator struct {
	handlers map[string][]HandlerDescriptor
	mu       sync.RWMutex
	logger   *slog.Logger
	namer    TypeNamer
}

// HandlersLocatorOption configures the HandlersLocator
type HandlersLocatorOption func(*HandlersLocator)

// WithHandlersLogger sets the logger
func WithHandlersLogger(logger *slog.Logger) HandlersLocatorOption {
	return func(l *HandlersLocator) {
		l.logger = logger
	}
}

// WithTypeNamer sets how message values are turned into type names
func WithTypeNamer(namer TypeNamer) HandlersLocatorOption {
	return func(l *HandlersLocator) {
		l.namer = namer
	}
}

// NewHandlersLocator creates a new handlers locator
func NewHandlersLocator(options ...HandlersLocatorOption) *HandlersLocator {
	l := &HandlersLocator{
		handlers: make(map[string][]HandlerDescriptor),
		logger:   slog.Default(),
		namer:    serialization.NameOf,
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

// Register registers a handler for a message type.
// messageType is either an example value of the message or its type name as a string.
func (l *HandlersLocator) Register(messageType any, handler Handler, options ...HandlerOption) error {
	if messageType == nil {
		return fmt.Errorf("messageType cannot be nil")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	typeName, ok := messageType.(string)
	if !ok {
		typeName = l.namer(messageType)
	}
	if typeName == "" {
		return fmt.Errorf("message type must have a name")
	}

	descriptor := HandlerDescriptor{Handler: handler}
	for _, opt := range options {
		opt(&descriptor)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.handlers[typeName]
	if descriptor.Name == "" {
		if _, isFunc := handler.(HandlerFunc); isFunc {
			descriptor.Name = fmt.Sprintf("%s#%d", typeName, len(existing))
		} else {
			descriptor.Name = fmt.Sprintf("%T", handler)
		}
	}
	for _, d := range existing {
		if d.Name == descriptor.Name {
			return fmt.Errorf("handler %s already registered for message type %s", descriptor.Name, typeName)
		}
	}

	l.handlers[typeName] = append(existing, descriptor)

	l.logger.Info("registered message handler",
		"messageType", typeName,
		"handler", descriptor.Name,
		"fromTransport", descriptor.FromTransport,
	)

	return nil
}

// RegisterFunc registers a function as a handler
func (l *HandlersLocator) RegisterFunc(messageType any, fn HandlerFunc, options ...HandlerOption) error {
	return l.Register(messageType, fn, options...)
}

// TypeName returns the routing name of msg
func (l *HandlersLocator) TypeName(msg any) string {
	return l.namer(msg)
}

// HandlersFor returns the handlers that should process env, in registration order.
// Handlers bound to a transport are skipped unless env was received from it.
func (l *HandlersLocator) HandlersFor(env *contracts.Envelope) []HandlerDescriptor {
	typeName := l.namer(env.Message())

	receivedFrom := ""
	if s, ok := contracts.Last[contracts.ReceivedStamp](env); ok {
		receivedFrom = s.TransportName
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []HandlerDescriptor
	seen := make(map[string]bool)
	for _, name := range []string{typeName, AnyMessage} {
		for _, d := range l.handlers[name] {
			if d.FromTransport != "" && d.FromTransport != receivedFrom {
				continue
			}
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	return out
}
