package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/courierhq/courier/contracts"
)

const (
	// DefaultSleep is how long the worker waits after an empty poll
	DefaultSleep = time.Second

	// historyLimit bounds the redelivery and error stamps carried by a retried envelope
	historyLimit = 10
)

// WorkerMetadata describes what a worker consumes
type WorkerMetadata struct {
	TransportNames []string
	QueueNames     []string
}

// Worker polls receivers and dispatches their envelopes onto the bus.
// A worker processes one envelope at a time, in receipt order.
type Worker struct {
	receivers       []NamedReceiver
	bus             Dispatcher
	logger          *slog.Logger
	listeners       []WorkerListener
	retryStrategies RetryStrategyLocator
	senders         SenderLocator
	failureSink     FailureSink
	limiters        map[string]*rate.Limiter
	queues          []string
	sleep           time.Duration
	clock           Clock

	stopped atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
}

// WorkerOption configures the Worker
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithListeners adds worker listeners
func WithListeners(listeners ...WorkerListener) WorkerOption {
	return func(w *Worker) {
		w.listeners = append(w.listeners, listeners...)
	}
}

// WithRetryStrategies sets the retry strategy per transport.
// Transports without a strategy never retry.
func WithRetryStrategies(strategies RetryStrategyLocator) WorkerOption {
	return func(w *Worker) {
		w.retryStrategies = strategies
	}
}

// WithRedeliverySenders sets where retried envelopes are sent, by receiver name.
// Receivers that are also senders are used when no sender is found.
func WithRedeliverySenders(senders SenderLocator) WorkerOption {
	return func(w *Worker) {
		w.senders = senders
	}
}

// WithFailureSink sets where envelopes go once they will not be retried
func WithFailureSink(sink FailureSink) WorkerOption {
	return func(w *Worker) {
		w.failureSink = sink
	}
}

// WithRateLimiter throttles the envelopes handled from one transport
func WithRateLimiter(transport string, limiter *rate.Limiter) WorkerOption {
	return func(w *Worker) {
		w.limiters[transport] = limiter
	}
}

// WithQueues restricts polling to the given queues.
// Every receiver must implement QueueReceiver.
func WithQueues(queues ...string) WorkerOption {
	return func(w *Worker) {
		w.queues = append(w.queues, queues...)
	}
}

// WithSleep sets how long to wait after an empty poll
func WithSleep(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.sleep = d
	}
}

// WithClock sets the clock used for sleeping and timestamps
func WithClock(clock Clock) WorkerOption {
	return func(w *Worker) {
		w.clock = clock
	}
}

// NewWorker creates a worker polling receivers in priority order
func NewWorker(receivers []NamedReceiver, bus Dispatcher, options ...WorkerOption) (*Worker, error) {
	if len(receivers) == 0 {
		return nil, fmt.Errorf("at least one receiver is required")
	}
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}

	w := &Worker{
		receivers: receivers,
		bus:       bus,
		logger:    slog.Default(),
		limiters:  make(map[string]*rate.Limiter),
		sleep:     DefaultSleep,
		clock:     SystemClock(),
	}

	for _, opt := range options {
		opt(w)
	}

	if len(w.queues) > 0 {
		for _, r := range w.receivers {
			if _, ok := r.Receiver.(QueueReceiver); !ok {
				return nil, fmt.Errorf("%w: %s", ErrQueuesNotSupported, r.Name)
			}
		}
	}

	return w, nil
}

// Metadata describes the transports and queues consumed by the worker
func (w *Worker) Metadata() WorkerMetadata {
	names := make([]string, len(w.receivers))
	for i, r := range w.receivers {
		names[i] = r.Name
	}
	return WorkerMetadata{TransportNames: names, QueueNames: append([]string(nil), w.queues...)}
}

// Stop asks the worker to exit after the envelope in progress is settled.
// It is safe to call from listeners, handlers and other goroutines.
func (w *Worker) Stop() {
	w.stopped.Store(true)

	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run polls until ctx is done or Stop is called.
// Envelopes already being dispatched finish with a context detached from ctx's cancellation.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	w.emit(ctx, &WorkerStartedEvent{Worker: w})
	w.logger.Info("worker started", "transports", w.Metadata().TransportNames)

	for !w.shouldStop(ctx) {
		handled := false

	receivers:
		for _, r := range w.receivers {
			envelopes, err := w.fetch(ctx, r)
			if err != nil {
				if ctx.Err() != nil {
					break receivers
				}
				w.logger.Error("failed to receive messages", "transport", r.Name, "error", err)
				continue
			}

			for _, env := range envelopes {
				handled = true

				w.rateLimit(ctx, r.Name)
				w.handleMessage(context.WithoutCancel(ctx), env, r)
				w.emit(ctx, &WorkerRunningEvent{Worker: w, Idle: false})

				if w.shouldStop(ctx) {
					break receivers
				}
			}

			// restart from the highest priority receiver after handling anything
			if handled {
				break
			}
		}

		if !handled && !w.shouldStop(ctx) {
			w.emit(ctx, &WorkerRunningEvent{Worker: w, Idle: true})
			if !w.shouldStop(ctx) {
				w.clock.Sleep(ctx, w.sleep)
			}
		}
	}

	w.emit(context.WithoutCancel(ctx), &WorkerStoppedEvent{Worker: w})
	w.logger.Info("worker stopped", "transports", w.Metadata().TransportNames)
	return nil
}

func (w *Worker) shouldStop(ctx context.Context) bool {
	return w.stopped.Load() || ctx.Err() != nil
}

func (w *Worker) fetch(ctx context.Context, r NamedReceiver) ([]*contracts.Envelope, error) {
	if len(w.queues) > 0 {
		return r.Receiver.(QueueReceiver).GetFromQueues(ctx, w.queues)
	}
	return r.Receiver.Get(ctx)
}

func (w *Worker) rateLimit(ctx context.Context, transport string) {
	limiter, ok := w.limiters[transport]
	if !ok {
		return
	}
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return
	}
	if d := reservation.Delay(); d > 0 {
		w.emit(ctx, &WorkerRateLimitedEvent{Limiter: limiter, TransportName: transport})
		w.clock.Sleep(ctx, d)
	}
}

func (w *Worker) handleMessage(ctx context.Context, env *contracts.Envelope, r NamedReceiver) {
	received := &WorkerMessageReceivedEvent{Envelope: env, ReceiverName: r.Name}
	w.emit(ctx, received)
	env = env.With(received.stamps...)
	if !received.ShouldHandle() {
		return
	}

	result, err := w.bus.Dispatch(ctx, env.With(
		contracts.ReceivedStamp{TransportName: r.Name},
		contracts.ConsumedByWorkerStamp{},
	))
	if err == nil {
		w.emit(ctx, &WorkerMessageHandledEvent{Envelope: result, ReceiverName: r.Name})
		w.logger.Info("message handled",
			"messageType", fmt.Sprintf("%T", result.Message()),
			"transport", r.Name,
		)
		if ackErr := r.Receiver.Ack(ctx, result); ackErr != nil {
			w.logger.Error("failed to acknowledge message", "transport", r.Name, "error", ackErr)
		}
		w.stopIfRequested(result)
		return
	}

	failed := env
	var hf *HandlerFailedError
	if errors.As(err, &hf) {
		failed = hf.Envelope()
	}
	failed = withErrorDetails(failed, err)

	willRetry := w.retry(ctx, failed, r.Name, err)
	w.emit(ctx, &WorkerMessageFailedEvent{Envelope: failed, ReceiverName: r.Name, Err: err, WillRetry: willRetry})

	if willRetry {
		w.emit(ctx, &WorkerMessageRetriedEvent{Envelope: failed, ReceiverName: r.Name})
		if ackErr := r.Receiver.Ack(ctx, failed); ackErr != nil {
			w.logger.Error("failed to acknowledge message", "transport", r.Name, "error", ackErr)
		}
		w.stopIfRequested(failed)
		return
	}

	w.logger.Error("message handling failed, will not retry",
		"messageType", fmt.Sprintf("%T", failed.Message()),
		"transport", r.Name,
		"retryCount", contracts.RetryCount(failed),
		"error", err,
	)

	if w.failureSink != nil {
		if sinkErr := w.failureSink.Fail(ctx, failed, r.Name, err); sinkErr != nil {
			// leave the message unsettled so the transport redelivers it
			w.logger.Error("failed to hand message to failure sink", "transport", r.Name, "error", sinkErr)
			w.stopIfRequested(failed)
			return
		}
	}

	if rejectErr := r.Receiver.Reject(ctx, failed); rejectErr != nil {
		w.logger.Error("failed to reject message", "transport", r.Name, "error", rejectErr)
	}
	w.stopIfRequested(failed)
}

// retry sends failed back to its transport when the strategy allows it
func (w *Worker) retry(ctx context.Context, failed *contracts.Envelope, receiverName string, err error) bool {
	if w.retryStrategies == nil {
		return false
	}
	strategy, ok := w.retryStrategies.RetryStrategy(receiverName)
	if !ok || !strategy.IsRetryable(failed, err) {
		return false
	}

	sender, ok := w.redeliverySender(receiverName)
	if !ok {
		w.logger.Warn("no sender to redeliver message", "transport", receiverName)
		return false
	}

	delay := strategy.WaitingTime(failed, err)
	retryCount := contracts.RetryCount(failed) + 1
	redelivery := failed.With(
		contracts.DelayStamp{Delay: delay},
		contracts.RedeliveryStamp{RetryCount: retryCount, SenderAlias: receiverName, RedeliveredAt: w.clock.Now().UTC()},
	)
	redelivery = contracts.KeepLast[contracts.RedeliveryStamp](redelivery, historyLimit)
	redelivery = contracts.KeepLast[contracts.ErrorDetailsStamp](redelivery, historyLimit)
	redelivery = contracts.KeepLast[contracts.DelayStamp](redelivery, 1)

	w.logger.Warn("message handling failed, sending for retry",
		"messageType", fmt.Sprintf("%T", failed.Message()),
		"transport", receiverName,
		"retryCount", retryCount,
		"delay", delay,
		"error", err,
	)

	if _, sendErr := sender.Send(ctx, redelivery); sendErr != nil {
		w.logger.Error("failed to send message for retry", "transport", receiverName, "error", sendErr)
		return false
	}
	return true
}

func (w *Worker) redeliverySender(receiverName string) (Sender, bool) {
	if w.senders != nil {
		if s, ok := w.senders.Sender(receiverName); ok {
			return s, true
		}
	}
	for _, r := range w.receivers {
		if r.Name != receiverName {
			continue
		}
		if s, ok := r.Receiver.(Sender); ok {
			return s, true
		}
	}
	return nil, false
}

func (w *Worker) stopIfRequested(env *contracts.Envelope) {
	if contracts.Has[StopRequestedStamp](env) {
		w.logger.Info("worker stop requested by handler")
		w.Stop()
	}
}

func (w *Worker) emit(ctx context.Context, event WorkerEvent) {
	for _, l := range w.listeners {
		l.OnWorkerEvent(ctx, event)
	}
}

// withErrorDetails records the first cause of err unless it repeats the last recorded error
func withErrorDetails(env *contracts.Envelope, err error) *contracts.Envelope {
	stamp := contracts.NewErrorDetailsStamp(FirstCause(err))
	if last, ok := contracts.Last[contracts.ErrorDetailsStamp](env); ok && last.Equal(stamp) {
		return env
	}
	return env.With(stamp)
}
