package contracts

import (
	"time"
)

// Stamp names used on the wire
const (
	SentStampName                   = "sent"
	ReceivedStampName               = "received"
	RedeliveryStampName             = "redelivery"
	DelayStampName                  = "delay"
	TransportMessageIDStampName     = "transport-message-id"
	HandledStampName                = "handled"
	TransportNamesStampName         = "transport-names"
	SentToFailureTransportStampName = "sent-to-failure-transport"
	ErrorDetailsStampName           = "error-details"
	ConsumedByWorkerStampName       = "consumed-by-worker"
)

// SentStamp records the sender an envelope went through
type SentStamp struct {
	SenderClass string `json:"senderClass" msgpack:"senderClass"`
	SenderAlias string `json:"senderAlias,omitempty" msgpack:"senderAlias,omitempty"`
}

func (SentStamp) StampName() string { return SentStampName }

// ReceivedStamp records the transport an envelope was received from
type ReceivedStamp struct {
	TransportName string `json:"transportName" msgpack:"transportName"`
}

func (ReceivedStamp) StampName() string { return ReceivedStampName }
func (ReceivedStamp) NonSendable()      {}

// RedeliveryStamp is added every time an envelope is sent again after a failure.
type RedeliveryStamp struct {
	RetryCount    int       `json:"retryCount" msgpack:"retryCount"`
	SenderAlias   string    `json:"senderAlias,omitempty" msgpack:"senderAlias,omitempty"`
	RedeliveredAt time.Time `json:"redeliveredAt" msgpack:"redeliveredAt"`
}

func (RedeliveryStamp) StampName() string { return RedeliveryStampName }

// RetryCount returns the retry count of the last RedeliveryStamp, or zero.
func RetryCount(e *Envelope) int {
	if s, ok := Last[RedeliveryStamp](e); ok {
		return s.RetryCount
	}
	return 0
}

// DelayStamp asks the sender to postpone delivery
type DelayStamp struct {
	Delay time.Duration `json:"delay" msgpack:"delay"`
}

func (DelayStamp) StampName() string { return DelayStampName }

// DelayFor returns a DelayStamp for the given number of milliseconds
func DelayFor(ms int64) DelayStamp {
	return DelayStamp{Delay: time.Duration(ms) * time.Millisecond}
}

// TransportMessageIDStamp carries the identifier the transport gave the message.
type TransportMessageIDStamp struct {
	ID string `json:"id" msgpack:"id"`
}

func (TransportMessageIDStamp) StampName() string { return TransportMessageIDStampName }
func (TransportMessageIDStamp) NonSendable()      {}

// HandledStamp records a handler that processed the message successfully.
// Result is never serialized.
type HandledStamp struct {
	HandlerName string `json:"handlerName" msgpack:"handlerName"`
	Result      any    `json:"-" msgpack:"-"`
}

func (HandledStamp) StampName() string { return HandledStampName }

// TransportNamesStamp overrides routing with an explicit list of transports
type TransportNamesStamp struct {
	Names []string `json:"names" msgpack:"names"`
}

func (TransportNamesStamp) StampName() string { return TransportNamesStampName }

// SentToFailureTransportStamp marks messages parked in a failure transport
type SentToFailureTransportStamp struct {
	OriginalReceiverName string `json:"originalReceiverName" msgpack:"originalReceiverName"`
}

func (SentToFailureTransportStamp) StampName() string { return SentToFailureTransportStampName }

// ErrorDetailsStamp describes the error of a failed handling attempt
type ErrorDetailsStamp struct {
	ErrorClass   string        `json:"errorClass" msgpack:"errorClass"`
	ErrorMessage string        `json:"errorMessage" msgpack:"errorMessage"`
	Details      *ErrorDetails `json:"details,omitempty" msgpack:"details,omitempty"`
}

func (ErrorDetailsStamp) StampName() string { return ErrorDetailsStampName }

// NewErrorDetailsStamp creates an ErrorDetailsStamp from err
func NewErrorDetailsStamp(err error) ErrorDetailsStamp {
	details := FlattenError(err)
	return ErrorDetailsStamp{
		ErrorClass:   details.Class,
		ErrorMessage: details.Message,
		Details:      details,
	}
}

// Equal compares class and message only
func (s ErrorDetailsStamp) Equal(other ErrorDetailsStamp) bool {
	return s.ErrorClass == other.ErrorClass && s.ErrorMessage == other.ErrorMessage
}

// ConsumedByWorkerStamp marks envelopes dispatched by a worker
type ConsumedByWorkerStamp struct{}

func (ConsumedByWorkerStamp) StampName() string { return ConsumedByWorkerStampName }
func (ConsumedByWorkerStamp) NonSendable()      {}
