package messaging

import (
	"context"

	"github.com/courierhq/courier/contracts"
)

// Sender hands envelopes to a transport.
// The returned envelope may carry extra stamps, such as the transport message id.
type Sender interface {
	Send(ctx context.Context, env *contracts.Envelope) (*contracts.Envelope, error)
}

// Receiver polls a transport for envelopes.
// Get must not block waiting for messages; it returns what is available right now.
type Receiver interface {
	Get(ctx context.Context) ([]*contracts.Envelope, error)
	Ack(ctx context.Context, env *contracts.Envelope) error
	Reject(ctx context.Context, env *contracts.Envelope) error
}

// Transport is both a Sender and a Receiver
type Transport interface {
	Sender
	Receiver
}

// QueueReceiver is a receiver able to poll a subset of its queues
type QueueReceiver interface {
	Receiver
	GetFromQueues(ctx context.Context, queues []string) ([]*contracts.Envelope, error)
}

// ListableReceiver exposes the messages waiting in a transport.
// Find returns ErrMessageNotFound when id is unknown.
type ListableReceiver interface {
	Receiver
	All(ctx context.Context, limit int) ([]*contracts.Envelope, error)
	Find(ctx context.Context, id string) (*contracts.Envelope, error)
}

// MessageCountAware transports report how many messages are waiting
type MessageCountAware interface {
	MessageCount(ctx context.Context) (int, error)
}

// SetupableTransport transports create their queues, tables or streams on demand
type SetupableTransport interface {
	Setup(ctx context.Context) error
}

// SenderLocator finds senders by transport name
type SenderLocator interface {
	Sender(name string) (Sender, bool)
}

// SenderMap is a SenderLocator backed by a map
type SenderMap map[string]Sender

// Sender implements SenderLocator
func (m SenderMap) Sender(name string) (Sender, bool) {
	s, ok := m[name]
	return s, ok
}

// NamedReceiver pairs a receiver with the transport name it is known by
type NamedReceiver struct {
	Name     string
	Receiver Receiver
}

// MessageID returns the transport message id of env, if any
func MessageID(env *contracts.Envelope) string {
	if s, ok := contracts.Last[contracts.TransportMessageIDStamp](env); ok {
		return s.ID
	}
	return ""
}
