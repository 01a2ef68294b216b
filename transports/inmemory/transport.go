// Package inmemory provides a messenger transport keeping envelopes in memory.
// It is meant for tests and for synchronous setups; DelayStamps are recorded but not honored.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/messaging"
	"github.com/courierhq/courier/serialization"
)

// Transport is a listable in-memory queue
type Transport struct {
	serializer serialization.Serializer

	mu       sync.Mutex
	queue    []*contracts.Envelope
	inFlight map[string]*contracts.Envelope
	sent     []*contracts.Envelope
	acked    []*contracts.Envelope
	rejected []*contracts.Envelope
}

// Option configures the Transport
type Option func(*Transport)

// WithSerializer makes every sent envelope go through an encode/decode round trip
func WithSerializer(s serialization.Serializer) Option {
	return func(t *Transport) {
		t.serializer = s
	}
}

// New creates an empty transport
func New(opts ...Option) *Transport {
	t := &Transport{inFlight: make(map[string]*contracts.Envelope)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send implements messaging.Sender
func (t *Transport) Send(_ context.Context, env *contracts.Envelope) (*contracts.Envelope, error) {
	stored := env.Sendable()
	if t.serializer != nil {
		enc, err := t.serializer.Encode(stored)
		if err != nil {
			return env, err
		}
		if stored, err = t.serializer.Decode(enc); err != nil {
			return env, err
		}
	}

	id := uuid.New().String()
	stored = stored.With(contracts.TransportMessageIDStamp{ID: id})

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sent = append(t.sent, stored)
	t.queue = append(t.queue, stored)

	return env.With(contracts.TransportMessageIDStamp{ID: id}), nil
}

// Get implements messaging.Receiver; it returns every queued envelope
func (t *Transport) Get(context.Context) ([]*contracts.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.queue
	t.queue = nil
	for _, env := range out {
		t.inFlight[messaging.MessageID(env)] = env
	}
	return out, nil
}

// Ack implements messaging.Receiver
func (t *Transport) Ack(_ context.Context, env *contracts.Envelope) error {
	return t.settle(env, &t.acked)
}

// Reject implements messaging.Receiver
func (t *Transport) Reject(_ context.Context, env *contracts.Envelope) error {
	return t.settle(env, &t.rejected)
}

func (t *Transport) settle(env *contracts.Envelope, into *[]*contracts.Envelope) error {
	id := messaging.MessageID(env)
	if id == "" {
		return fmt.Errorf("envelope has no transport message id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inFlight[id]; !ok {
		idx := t.indexOf(id)
		if idx < 0 {
			return fmt.Errorf("%w: %s", messaging.ErrMessageNotFound, id)
		}
		t.queue = append(t.queue[:idx], t.queue[idx+1:]...)
	}
	delete(t.inFlight, id)
	*into = append(*into, env)
	return nil
}

func (t *Transport) indexOf(id string) int {
	for i, env := range t.queue {
		if messaging.MessageID(env) == id {
			return i
		}
	}
	return -1
}

// All implements messaging.ListableReceiver; limit <= 0 means no limit
func (t *Transport) All(_ context.Context, limit int) ([]*contracts.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*contracts.Envelope, 0, len(t.queue))
	for _, env := range t.queue {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, env)
	}
	return out, nil
}

// Find implements messaging.ListableReceiver
func (t *Transport) Find(_ context.Context, id string) (*contracts.Envelope, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx := t.indexOf(id); idx >= 0 {
		return t.queue[idx], nil
	}
	if env, ok := t.inFlight[id]; ok {
		return env, nil
	}
	return nil, fmt.Errorf("%w: %s", messaging.ErrMessageNotFound, id)
}

// MessageCount implements messaging.MessageCountAware
func (t *Transport) MessageCount(context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue), nil
}

// Sent returns every envelope sent so far
func (t *Transport) Sent() []*contracts.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*contracts.Envelope(nil), t.sent...)
}

// Acknowledged returns every acknowledged envelope
func (t *Transport) Acknowledged() []*contracts.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*contracts.Envelope(nil), t.acked...)
}

// Rejected returns every rejected envelope
func (t *Transport) Rejected() []*contracts.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*contracts.Envelope(nil), t.rejected...)
}

// Reset forgets everything
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.queue = nil
	t.inFlight = make(map[string]*contracts.Envelope)
	t.sent = nil
	t.acked = nil
	t.rejected = nil
}
