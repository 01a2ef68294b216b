package messaging

import (
	"context"
	"sync"

	"github.com/courierhq/courier/contracts"
)

// SingleMessageReceiver returns one known envelope once, then nothing.
// Acks and rejects go to the receiver the envelope came from.
type SingleMessageReceiver struct {
	receiver Receiver
	envelope *contracts.Envelope

	mu       sync.Mutex
	received bool
}

// NewSingleMessageReceiver wraps env, previously read from receiver
func NewSingleMessageReceiver(receiver Receiver, env *contracts.Envelope) *SingleMessageReceiver {
	return &SingleMessageReceiver{receiver: receiver, envelope: env}
}

// Get implements Receiver
func (r *SingleMessageReceiver) Get(context.Context) ([]*contracts.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.received {
		return nil, nil
	}
	r.received = true
	return []*contracts.Envelope{r.envelope}, nil
}

// Ack implements Receiver
func (r *SingleMessageReceiver) Ack(ctx context.Context, env *contracts.Envelope) error {
	return r.receiver.Ack(ctx, env)
}

// Reject implements Receiver
func (r *SingleMessageReceiver) Reject(ctx context.Context, env *contracts.Envelope) error {
	return r.receiver.Reject(ctx, env)
}
