package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/courierhq/courier/contracts"
	"github.com/courierhq/courier/serialization"
)

// FailedMessageType is the registered type name of FailedMessage
const FailedMessageType = "courier.failed_message"

func init() {
	if err := serialization.GetGlobalRegistry().Register(FailedMessageType, &FailedMessage{}); err != nil {
		panic(err)
	}
}

// ReplayStrategy selects how a FailedMessage is replayed
type ReplayStrategy int

const (
	// ReplayResend sends the original envelope back to the transport it failed on
	ReplayResend ReplayStrategy = iota
	// ReplayRetry handles the original envelope in place, as if received again from its transport
	ReplayRetry
)

func (s ReplayStrategy) String() string {
	if s == ReplayRetry {
		return "retry"
	}
	return "resend"
}

// MarshalText implements encoding.TextMarshaler
func (s ReplayStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *ReplayStrategy) UnmarshalText(text []byte) error {
	parsed, err := ParseReplayStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseReplayStrategy parses "resend" (or empty) and "retry"
func ParseReplayStrategy(s string) (ReplayStrategy, error) {
	switch s {
	case "", "resend":
		return ReplayResend, nil
	case "retry":
		return ReplayRetry, nil
	default:
		return ReplayResend, fmt.Errorf("unknown replay strategy %q", s)
	}
}

// FailedMessage parks an envelope whose handling failed for good.
// The envelope no longer carries ReceivedStamp or TransportMessageIDStamp; ReceivedFrom keeps the origin.
type FailedMessage struct {
	ID           string
	Envelope     *contracts.Envelope
	ReceivedFrom string
	ErrorMessage string
	Error        *contracts.ErrorDetails
	FailedAt     time.Time
	Strategy     ReplayStrategy
}

// NewFailedMessage creates a FailedMessage for env, which failed on receivedFrom with err
func NewFailedMessage(env *contracts.Envelope, receivedFrom string, err error, failedAt time.Time) *FailedMessage {
	original := contracts.WithoutAll[contracts.TransportMessageIDStamp](contracts.WithoutAll[contracts.ReceivedStamp](env))
	original = contracts.WithoutAll[contracts.ConsumedByWorkerStamp](original)
	original = contracts.WithoutAll[StopRequestedStamp](original)

	fm := &FailedMessage{
		ID:           uuid.New().String(),
		Envelope:     original,
		ReceivedFrom: receivedFrom,
		FailedAt:     failedAt.UTC(),
	}
	if err != nil {
		fm.ErrorMessage = err.Error()
		fm.Error = contracts.FlattenError(err)
	}
	return fm
}

// ReplayEnvelope builds the envelope dispatched when the message is replayed.
//
// With ReplayResend the transport-local stamps are dropped, a RedeliveryStamp with the next
// count is added and the envelope is routed back to ReceivedFrom.
// With ReplayRetry the envelope keeps (or regains) its ReceivedStamp so it is handled in place.
func (m *FailedMessage) ReplayEnvelope(now time.Time) *contracts.Envelope {
	env := m.Envelope
	if env == nil {
		return nil
	}

	if m.Strategy == ReplayRetry {
		if !contracts.Has[contracts.ReceivedStamp](env) && m.ReceivedFrom != "" {
			env = env.With(contracts.ReceivedStamp{TransportName: m.ReceivedFrom})
		}
		return env
	}

	alias := m.ReceivedFrom
	if s, ok := contracts.Last[contracts.ReceivedStamp](env); ok && alias == "" {
		alias = s.TransportName
	}

	env = contracts.WithoutAll[contracts.ReceivedStamp](env)
	env = contracts.WithoutAll[contracts.TransportMessageIDStamp](env)
	env = contracts.WithoutAll[contracts.DelayStamp](env)
	env = env.With(contracts.RedeliveryStamp{
		RetryCount:    contracts.RetryCount(env) + 1,
		SenderAlias:   alias,
		RedeliveredAt: now.UTC(),
	})
	if alias != "" {
		env = env.With(contracts.TransportNamesStamp{Names: []string{alias}})
	}
	return env
}

type failedMessageWire struct {
	ID           string                  `json:"id"`
	Envelope     *serialization.Encoded  `json:"envelope"`
	ReceivedFrom string                  `json:"receivedFrom"`
	ErrorMessage string                  `json:"errorMessage"`
	Error        *contracts.ErrorDetails `json:"error,omitempty"`
	FailedAt     time.Time               `json:"failedAt"`
	Strategy     ReplayStrategy          `json:"strategy"`
}

// MarshalJSON encodes the wrapped envelope with the JSON serializer and the global registry
func (m *FailedMessage) MarshalJSON() ([]byte, error) {
	wire := failedMessageWire{
		ID:           m.ID,
		ReceivedFrom: m.ReceivedFrom,
		ErrorMessage: m.ErrorMessage,
		Error:        m.Error,
		FailedAt:     m.FailedAt,
		Strategy:     m.Strategy,
	}
	if m.Envelope != nil {
		enc, err := serialization.NewJSONSerializer().Encode(m.Envelope)
		if err != nil {
			return nil, fmt.Errorf("failed to encode failed envelope: %w", err)
		}
		wire.Envelope = enc
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler
func (m *FailedMessage) UnmarshalJSON(data []byte) error {
	var wire failedMessageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = FailedMessage{
		ID:           wire.ID,
		ReceivedFrom: wire.ReceivedFrom,
		ErrorMessage: wire.ErrorMessage,
		Error:        wire.Error,
		FailedAt:     wire.FailedAt,
		Strategy:     wire.Strategy,
	}
	if wire.Envelope != nil {
		env, err := serialization.NewJSONSerializer().Decode(wire.Envelope)
		if err != nil {
			return err
		}
		m.Envelope = env
	}
	return nil
}

// EncodeMsgpack stores the JSON form as a binary value
func (m *FailedMessage) EncodeMsgpack(enc *msgpack.Encoder) error {
	data, err := m.MarshalJSON()
	if err != nil {
		return err
	}
	return enc.EncodeBytes(data)
}

// DecodeMsgpack implements msgpack.CustomDecoder
func (m *FailedMessage) DecodeMsgpack(dec *msgpack.Decoder) error {
	data, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	return m.UnmarshalJSON(data)
}

// FailureSink receives envelopes that failed and will not be retried
type FailureSink interface {
	Fail(ctx context.Context, env *contracts.Envelope, receiverName string, err error) error
}

// FailureTransportSink wraps failed envelopes in a FailedMessage and dispatches it to a failure transport.
// Envelopes failing on a transport without failure transport are logged and dropped.
type FailureTransportSink struct {
	bus              Dispatcher
	perTransport     map[string]string
	defaultTransport string
	strategy         ReplayStrategy
	logger           *slog.Logger
	now              func() time.Time
}

// FailureSinkOption configures the FailureTransportSink
type FailureSinkOption func(*FailureTransportSink)

// WithFailureTransport sets the failure transport of one receiver
func WithFailureTransport(receiver, failureTransport string) FailureSinkOption {
	return func(s *FailureTransportSink) {
		s.perTransport[receiver] = failureTransport
	}
}

// WithDefaultFailureTransport sets the failure transport of receivers without their own
func WithDefaultFailureTransport(name string) FailureSinkOption {
	return func(s *FailureTransportSink) {
		s.defaultTransport = name
	}
}

// WithReplayStrategy sets the strategy stored on new FailedMessages
func WithReplayStrategy(strategy ReplayStrategy) FailureSinkOption {
	return func(s *FailureTransportSink) {
		s.strategy = strategy
	}
}

// WithFailureSinkLogger sets the logger
func WithFailureSinkLogger(logger *slog.Logger) FailureSinkOption {
	return func(s *FailureTransportSink) {
		s.logger = logger
	}
}

// WithFailureSinkClock sets the time source for FailedAt
func WithFailureSinkClock(now func() time.Time) FailureSinkOption {
	return func(s *FailureTransportSink) {
		s.now = now
	}
}

// NewFailureTransportSink creates a sink dispatching FailedMessages on bus
func NewFailureTransportSink(bus Dispatcher, options ...FailureSinkOption) *FailureTransportSink {
	s := &FailureTransportSink{
		bus:          bus,
		perTransport: make(map[string]string),
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// FailureTransportFor returns the failure transport of receiver.
// The default does not apply to transports that are failure transports themselves.
func (s *FailureTransportSink) FailureTransportFor(receiver string) (string, bool) {
	if name, ok := s.perTransport[receiver]; ok {
		return name, name != "" && name != receiver
	}
	if s.defaultTransport == "" || s.defaultTransport == receiver {
		return "", false
	}
	for _, target := range s.perTransport {
		if target == receiver {
			return "", false
		}
	}
	return s.defaultTransport, true
}

// Fail implements FailureSink
func (s *FailureTransportSink) Fail(ctx context.Context, env *contracts.Envelope, receiverName string, err error) error {
	failureTransport, ok := s.FailureTransportFor(receiverName)
	if !ok {
		s.logger.Warn("message discarded, no failure transport configured",
			"messageType", fmt.Sprintf("%T", env.Message()),
			"transport", receiverName,
			"error", err,
		)
		return nil
	}

	fm := NewFailedMessage(env, receiverName, FirstCause(err), s.now())
	fm.Strategy = s.strategy

	if _, dispatchErr := s.bus.Dispatch(ctx, fm,
		contracts.TransportNamesStamp{Names: []string{failureTransport}},
		contracts.SentToFailureTransportStamp{OriginalReceiverName: receiverName},
	); dispatchErr != nil {
		return fmt.Errorf("send to failure transport %s: %w", failureTransport, dispatchErr)
	}

	s.logger.Info("message sent to failure transport",
		"messageType", fmt.Sprintf("%T", env.Message()),
		"transport", receiverName,
		"failureTransport", failureTransport,
		"failedMessageId", fm.ID,
	)
	return nil
}

// FailedMessageHandler replays FailedMessages according to their strategy
type FailedMessageHandler struct {
	bus    Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

// NewFailedMessageHandler creates a handler replaying through bus
func NewFailedMessageHandler(bus Dispatcher, logger *slog.Logger) *FailedMessageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailedMessageHandler{bus: bus, logger: logger, now: time.Now}
}

// Handle implements Handler.
// Errors from the replayed dispatch are returned as is and go through the worker's failure path.
func (h *FailedMessageHandler) Handle(ctx context.Context, msg any) error {
	var fm *FailedMessage
	switch m := msg.(type) {
	case *FailedMessage:
		fm = m
	case FailedMessage:
		fm = &m
	default:
		return Unrecoverable(fmt.Errorf("unexpected message %T, want FailedMessage", msg))
	}

	env := fm.ReplayEnvelope(h.now())
	if env == nil {
		return Unrecoverable(fmt.Errorf("failed message %s has no envelope", fm.ID))
	}

	h.logger.Info("replaying failed message",
		"failedMessageId", fm.ID,
		"messageType", fmt.Sprintf("%T", env.Message()),
		"transport", fm.ReceivedFrom,
		"strategy", fm.Strategy.String(),
	)

	_, err := h.bus.Dispatch(ctx, env)
	return err
}
