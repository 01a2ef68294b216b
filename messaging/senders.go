package messaging

import (
	"fmt"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/serialization"
)

// NamedSender pairs a sender with its transport name
type NamedSender struct {
	Name   string
	Sender Sender
}

// SendersLocator resolves the transports a message is routed to
type SendersLocator struct {
	routing map[string][]string
	senders SenderLocator
	namer   TypeNamer
}

// NewSendersLocator creates a locator from a routing table (type name to transport names).
// The AnyMessage key applies to types without their own route.
func NewSendersLocator(routing map[string][]string, senders SenderLocator) *SendersLocator {
	r := make(map[string][]string, len(routing))
	for k, v := range routing {
		r[k] = append([]string(nil), v...)
	}
	return &SendersLocator{routing: r, senders: senders, namer: serialization.NameOf}
}

// WithNamer returns a copy of the locator resolving type names with namer
func (l *SendersLocator) WithNamer(namer TypeNamer) *SendersLocator {
	c := *l
	c.namer = namer
	return &c
}

// SendersFor returns the senders for env.
// A TransportNamesStamp replaces the routing table.
func (l *SendersLocator) SendersFor(env *contracts.Envelope) ([]NamedSender, error) {
	var names []string
	if s, ok := contracts.Last[contracts.TransportNamesStamp](env); ok {
		names = s.Names
	} else {
		var routed bool
		names, routed = l.routing[l.namer(env.Message())]
		if !routed {
			names = l.routing[AnyMessage]
		}
	}

	senders := make([]NamedSender, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		sender, ok := l.senders.Sender(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransport, name)
		}
		senders = append(senders, NamedSender{Name: name, Sender: sender})
	}
	return senders, nil
}
