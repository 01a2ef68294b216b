// Package contracts provides the envelope and stamp model shared by every courier package.
//
// An Envelope wraps a domain message together with an ordered list of stamps:
//   - SentStamp: which sender handled the outgoing message
//   - ReceivedStamp: which transport the message was received from
//   - RedeliveryStamp: how many times the message was redelivered
//   - DelayStamp: requested delay before the message becomes available
//   - TransportMessageIDStamp: identifier assigned by the broker
//
// Envelopes are immutable. With returns a new envelope and never touches the receiver,
// so an envelope can be shared between goroutines without copying.
package contracts
