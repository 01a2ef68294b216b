package notifier

import (
	"context"
	"time"
)

// FailoverTransport keeps using one transport until it fails, then moves to the next one.
// Selection always starts with the first transport.
type FailoverTransport struct {
	*selector
	current int
}

// NewFailoverTransport creates a failover transport
func NewFailoverTransport(transports []Transport, retryPeriod time.Duration, options ...SelectorOption) (*FailoverTransport, error) {
	s, err := newSelector("failover", transports, retryPeriod, options)
	if err != nil {
		return nil, err
	}
	return &FailoverTransport{selector: s, current: -1}, nil
}

// Send implements Transport
func (t *FailoverTransport) Send(ctx context.Context, msg Message) (*SentMessage, error) {
	return t.send(ctx, msg, t.next)
}

// next keeps the current transport while it is alive and supports msg
func (t *FailoverTransport) next(msg Message) (int, bool) {
	if t.current >= 0 && !t.isDead(t.current) && t.transports[t.current].Supports(msg) {
		return t.current, true
	}
	idx, ok := t.nextFrom(msg)
	if !ok {
		return -1, false
	}
	t.current = idx
	return idx, true
}
