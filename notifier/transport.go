package notifier

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAllTransportsFailed is returned by selectors when no transport could deliver a message
	ErrAllTransportsFailed = errors.New("all transports failed")

	// ErrUnsupportedMessage is returned when no transport supports a message
	ErrUnsupportedMessage = errors.New("unsupported message")

	// ErrUnknownTransport is returned when a message names a transport that does not exist
	ErrUnknownTransport = errors.New("unknown transport")
)

// Transport delivers notifications
type Transport interface {
	Send(ctx context.Context, msg Message) (*SentMessage, error)
	Supports(msg Message) bool
	String() string
}

// TransportError reports a delivery failure of one transport.
// Selectors mark a transport dead only for errors of this type; any other error is returned as is.
type TransportError struct {
	Transport  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Transport, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a TransportError
func NewTransportError(transport string, err error) *TransportError {
	return &TransportError{Transport: transport, Err: err}
}

// NullTransport accepts every message and delivers nothing
type NullTransport struct{}

// Send implements Transport
func (NullTransport) Send(_ context.Context, msg Message) (*SentMessage, error) {
	return &SentMessage{Original: msg, Transport: "null"}, nil
}

// Supports implements Transport
func (NullTransport) Supports(Message) bool { return true }

func (NullTransport) String() string { return "null" }
