package messaging

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/courierhq/courier/contracts"
)

// WorkerEvent is emitted by the worker at each step of its loop
type WorkerEvent interface {
	workerEvent()
}

// WorkerListener observes worker events.
// Listeners run synchronously on the worker goroutine.
type WorkerListener interface {
	OnWorkerEvent(ctx context.Context, event WorkerEvent)
}

// WorkerListenerFunc is a function adapter for WorkerListener
type WorkerListenerFunc func(ctx context.Context, event WorkerEvent)

// OnWorkerEvent implements WorkerListener
func (f WorkerListenerFunc) OnWorkerEvent(ctx context.Context, event WorkerEvent) {
	f(ctx, event)
}

// WorkerStartedEvent is emitted once before the first poll
type WorkerStartedEvent struct {
	Worker *Worker
}

// WorkerMessageReceivedEvent is emitted before an envelope is dispatched.
// Listeners may add stamps or skip handling.
type WorkerMessageReceivedEvent struct {
	Envelope     *contracts.Envelope
	ReceiverName string

	stamps []contracts.Stamp
	skip   bool
}

// AddStamps adds stamps to the envelope before it is dispatched
func (e *WorkerMessageReceivedEvent) AddStamps(stamps ...contracts.Stamp) {
	e.stamps = append(e.stamps, stamps...)
}

// SkipHandling leaves the envelope unhandled, unacknowledged and unrejected
func (e *WorkerMessageReceivedEvent) SkipHandling() {
	e.skip = true
}

// ShouldHandle reports whether the worker will dispatch the envelope
func (e *WorkerMessageReceivedEvent) ShouldHandle() bool {
	return !e.skip
}

// WorkerMessageHandledEvent is emitted after a successful dispatch, before the ack
type WorkerMessageHandledEvent struct {
	Envelope     *contracts.Envelope
	ReceiverName string
}

// WorkerMessageFailedEvent is emitted after a failed dispatch.
// WillRetry tells whether the envelope was scheduled for redelivery.
type WorkerMessageFailedEvent struct {
	Envelope     *contracts.Envelope
	ReceiverName string
	Err          error
	WillRetry    bool
}

// WorkerMessageRetriedEvent is emitted once a failed envelope was sent back for redelivery
type WorkerMessageRetriedEvent struct {
	Envelope     *contracts.Envelope
	ReceiverName string
}

// WorkerRateLimitedEvent is emitted when the worker waits for a transport's rate limiter
type WorkerRateLimitedEvent struct {
	Limiter       *rate.Limiter
	TransportName string
}

// WorkerRunningEvent is emitted after each envelope and after each empty poll
type WorkerRunningEvent struct {
	Worker *Worker
	Idle   bool
}

// WorkerStoppedEvent is emitted once when the loop exits
type WorkerStoppedEvent struct {
	Worker *Worker
}

func (*WorkerStartedEvent) workerEvent()         {}
func (*WorkerMessageReceivedEvent) workerEvent() {}
func (*WorkerMessageHandledEvent) workerEvent()  {}
func (*WorkerMessageFailedEvent) workerEvent()   {}
func (*WorkerMessageRetriedEvent) workerEvent()  {}
func (*WorkerRateLimitedEvent) workerEvent()     {}
func (*WorkerRunningEvent) workerEvent()         {}
func (*WorkerStoppedEvent) workerEvent()         {}
