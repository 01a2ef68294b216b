package notifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Transports routes messages to named transports.
// Messages naming a transport go to that transport, the others to the first transport, in name order, supporting them.
type Transports struct {
	names      []string
	transports map[string]Transport
}

// NewTransports creates a registry of named transports
func NewTransports(transports map[string]Transport) *Transports {
	t := &Transports{transports: make(map[string]Transport, len(transports))}
	for name, transport := range transports {
		t.names = append(t.names, name)
		t.transports[name] = transport
	}
	sort.Strings(t.names)
	return t
}

// Get returns a transport by name
func (t *Transports) Get(name string) (Transport, bool) {
	transport, ok := t.transports[name]
	return transport, ok
}

// Names returns the transport names in routing order
func (t *Transports) Names() []string {
	return append([]string(nil), t.names...)
}

// Supports implements Transport
func (t *Transports) Supports(msg Message) bool {
	if name := msg.TransportName(); name != "" {
		transport, ok := t.transports[name]
		return ok && transport.Supports(msg)
	}
	for _, name := range t.names {
		if t.transports[name].Supports(msg) {
			return true
		}
	}
	return false
}

// Send implements Transport
func (t *Transports) Send(ctx context.Context, msg Message) (*SentMessage, error) {
	name := msg.TransportName()
	if name == "" {
		for _, n := range t.names {
			if transport := t.transports[n]; transport.Supports(msg) {
				return transport.Send(ctx, msg)
			}
		}
		return nil, fmt.Errorf("%w: none of the available transports support %T (available transports: %q)",
			ErrUnsupportedMessage, msg, strings.Join(t.names, ", "))
	}

	transport, ok := t.transports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available transports: %q)", ErrUnknownTransport, name, strings.Join(t.names, ", "))
	}
	if !transport.Supports(msg) {
		return nil, fmt.Errorf("%w: transport %q does not support %T", ErrUnsupportedMessage, name, msg)
	}
	return transport.Send(ctx, msg)
}

func (t *Transports) String() string {
	parts := make([]string, len(t.names))
	for i, name := range t.names {
		parts[i] = t.transports[name].String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
